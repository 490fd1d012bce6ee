package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/autoreply/wa-autoreply/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	fallbackJWTSecret = "wa-autoreply-dev-jwt-secret-change-in-production"
	adminSubject      = "admin"
	// TokenTTL is how long a panel login stays valid
	TokenTTL = 24 * time.Hour
)

// AuthService guards the panel with a single admin password
type AuthService struct {
	secret       []byte
	passwordHash []byte
	now          func() time.Time
}

// JWTClaims is the payload of a panel session token
type JWTClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// NewAuthService builds the service from a bcrypt hash, or hashes a plain password when no hash is given.
// With neither configured every login is rejected.
func NewAuthService(secret, passwordHash, plainPassword string) (*AuthService, error) {
	if secret == "" {
		secret = fallbackJWTSecret
	}

	hash := []byte(passwordHash)
	if len(hash) == 0 && plainPassword != "" {
		var err error
		hash, err = HashPassword(plainPassword)
		if err != nil {
			return nil, err
		}
	}

	return &AuthService{
		secret:       []byte(secret),
		passwordHash: hash,
		now:          time.Now,
	}, nil
}

// UsesFallbackSecret reports whether tokens are signed with the built-in development secret
func (as *AuthService) UsesFallbackSecret() bool {
	return string(as.secret) == fallbackJWTSecret
}

// Configured reports whether an admin password is set
func (as *AuthService) Configured() bool {
	return len(as.passwordHash) > 0
}

// Login checks the admin password and returns a signed token
func (as *AuthService) Login(password string) (string, time.Time, error) {
	if !as.Configured() {
		return "", time.Time{}, fmt.Errorf("admin password not configured: %w", models.ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword(as.passwordHash, []byte(password)); err != nil {
		return "", time.Time{}, fmt.Errorf("invalid password: %w", models.ErrUnauthorized)
	}
	return as.generateJWT()
}

// generateJWT creates a token for the admin session
func (as *AuthService) generateJWT() (string, time.Time, error) {
	now := as.now()
	expires := now.Add(TokenTTL)
	claims := JWTClaims{
		Role: adminSubject,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   adminSubject,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(as.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// ValidateToken validates a token and returns its claims
func (as *AuthService) ValidateToken(tokenString string) (*JWTClaims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("missing token: %w", models.ErrUnauthorized)
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return as.secret, nil
	}, jwt.WithTimeFunc(as.now))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, models.ErrUnauthorized)
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid && claims.Subject == adminSubject {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token: %w", models.ErrUnauthorized)
}

// HashPassword returns the bcrypt hash stored in ADMIN_PASSWORD_HASH
func HashPassword(password string) ([]byte, error) {
	if password == "" {
		return nil, models.InvalidInput("empty password")
	}
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}
