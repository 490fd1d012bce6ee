package database

import (
	"context"
	"fmt"
	"time"

	"github.com/autoreply/wa-autoreply/internal/config"
	"github.com/autoreply/wa-autoreply/internal/models"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the SQL database selected by cfg.DBType and migrates the config tables
func Open(cfg *config.Config) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)

	switch cfg.DBType {
	case "mysql":
		db, err = connectMySQL(cfg)
	case "postgres", "postgresql":
		db, err = connectPostgreSQL(cfg)
	case "sqlite":
		db, err = connectSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.DBType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate tables: %w", err)
	}
	return db, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}
}

// connectMySQL connects to MySQL database
func connectMySQL(cfg *config.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=10s&readTimeout=30s&writeTimeout=30s",
		or(cfg.DBUser, "root"), cfg.DBPassword, or(cfg.DBHost, "127.0.0.1"), or(cfg.DBPort, "3306"), or(cfg.DBName, "wa_autoreply"))

	db, err := gorm.Open(mysql.Open(dsn), gormConfig())
	if err != nil {
		return nil, err
	}
	return db, configurePool(db)
}

// connectPostgreSQL connects to PostgreSQL database
func connectPostgreSQL(cfg *config.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		or(cfg.DBHost, "localhost"), or(cfg.DBPort, "5432"), or(cfg.DBUser, "postgres"), cfg.DBPassword, or(cfg.DBName, "wa_autoreply"))

	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return db, configurePool(db)
}

// connectSQLite connects to a SQLite file, or an in-memory database for ":memory:"
func connectSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), gormConfig())
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, err
	}
	return db, nil
}

func configurePool(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return nil
}

// Migrate creates/updates the config tables
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.DeviceRecord{},
		&models.KeywordRecord{},
		&models.GlobalSettingRecord{},
	)
}

// Ping checks that the connection is still alive
func Ping(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("database not initialized")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func or(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
