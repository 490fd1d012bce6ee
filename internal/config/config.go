package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultEnvFiles are loaded in order; a variable already present in the environment wins
var DefaultEnvFiles = []string{".env", "env.production", "env.local"}

// Config holds every runtime setting of the service
type Config struct {
	Port string

	DBType     string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	SQLitePath string
	BoltPath   string

	WAStoreDriver string
	WAStoreDSN    string
	SessionDir    string
	PublicDir     string

	// PanelOrigins may call the API cross-origin with credentials; empty means same-origin only
	PanelOrigins []string

	JWTSecret         string
	AdminPasswordHash string
	AdminPassword     string

	AITimeout      time.Duration
	AIBaseURL      string
	AIDefaultModel string

	TypingDelayMin time.Duration
	TypingDelayMax time.Duration

	LogLevel  string
	LogFormat string
}

// LoadEnvFiles loads the given env files, skipping the ones that don't exist.
// It returns the files that were actually read.
func LoadEnvFiles(files ...string) []string {
	var loaded []string
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		// godotenv.Load never overrides variables that are already set
		if err := godotenv.Load(file); err != nil {
			continue
		}
		loaded = append(loaded, file)
	}
	return loaded
}

// Load reads the configuration from the environment
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "9090"),
		DBType:            strings.ToLower(getEnv("DB_TYPE", "sqlite")),
		DBHost:            os.Getenv("DB_HOST"),
		DBPort:            os.Getenv("DB_PORT"),
		DBUser:            os.Getenv("DB_USER"),
		DBPassword:        os.Getenv("DB_PASSWORD"),
		DBName:            os.Getenv("DB_NAME"),
		SQLitePath:        getEnv("SQLITE_PATH", "autoreply.db"),
		BoltPath:          getEnv("BOLT_PATH", "autoreply.bolt"),
		WAStoreDriver:     strings.ToLower(getEnv("WA_STORE_DRIVER", "sqlite")),
		WAStoreDSN:        os.Getenv("WA_STORE_DSN"),
		SessionDir:        getEnv("SESSION_DIR", "sessions"),
		PublicDir:         getEnv("PUBLIC_DIR", "public"),
		PanelOrigins:      getList("PANEL_ORIGIN"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
		AdminPassword:     os.Getenv("ADMIN_PASSWORD"),
		AIBaseURL:         getEnv("AI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		AIDefaultModel:    getEnv("AI_DEFAULT_MODEL", "gemini-2.0-flash"),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getEnv("LOG_FORMAT", "console")),
	}

	var err error
	if cfg.AITimeout, err = getDuration("AI_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.TypingDelayMin, err = getDuration("TYPING_DELAY_MIN", time.Second); err != nil {
		return nil, err
	}
	if cfg.TypingDelayMax, err = getDuration("TYPING_DELAY_MAX", 3*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the combinations Load cannot catch field by field
func (c *Config) Validate() error {
	switch c.DBType {
	case "sqlite", "mysql", "postgres", "postgresql", "bolt":
	default:
		return fmt.Errorf("unsupported DB_TYPE %q", c.DBType)
	}

	switch c.WAStoreDriver {
	case "sqlite", "sqlite3":
	case "postgres", "pgx":
		if c.WAStoreDSN == "" {
			return fmt.Errorf("WA_STORE_DSN is required when WA_STORE_DRIVER=%s", c.WAStoreDriver)
		}
	default:
		return fmt.Errorf("unsupported WA_STORE_DRIVER %q", c.WAStoreDriver)
	}

	for _, o := range c.PanelOrigins {
		u, err := url.Parse(o)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || (u.Path != "" && u.Path != "/") {
			return fmt.Errorf("invalid PANEL_ORIGIN %q, want scheme://host[:port]", o)
		}
	}

	if c.AITimeout <= 0 {
		return fmt.Errorf("AI_TIMEOUT must be positive")
	}
	if c.TypingDelayMin < 0 || c.TypingDelayMax < c.TypingDelayMin {
		return fmt.Errorf("invalid typing delay window %s..%s", c.TypingDelayMin, c.TypingDelayMax)
	}
	return nil
}

// getEnv gets environment variable with fallback
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getList splits a comma separated variable, dropping empty items
func getList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getDuration accepts either a Go duration ("1500ms") or a bare number of milliseconds
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
