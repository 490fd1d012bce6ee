package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a device or keyword rule does not exist
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when the panel caller is not logged in
	ErrUnauthorized = errors.New("unauthorized")
	// ErrProvider wraps failures of the AI or connection capability
	ErrProvider = errors.New("provider error")
	// ErrConfigCorrupt marks a persisted record that could not be decoded
	ErrConfigCorrupt = errors.New("config record corrupt")
	// ErrInvalidInput is returned for malformed panel requests
	ErrInvalidInput = errors.New("invalid input")
)

// NotFound builds an ErrNotFound with context
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// InvalidInput builds an ErrInvalidInput with context
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidInput)
}

// ProviderError wraps err as an ErrProvider
func ProviderError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrProvider, err)
}
