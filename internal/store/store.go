// Package store persists device configs and the global AI settings.
//
// Every write is a whole-record read-merge-write executed inside one backend
// transaction, and writes for the same device are also serialised in-process,
// so two concurrent toggles of different flags never lose each other.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/autoreply/wa-autoreply/internal/config"
	"github.com/autoreply/wa-autoreply/internal/database"
	"github.com/autoreply/wa-autoreply/internal/models"

	"github.com/rs/zerolog"
)

// Store is the durable home of device configs and global settings
type Store interface {
	// Device returns the config of id, creating the default record on first read
	Device(ctx context.Context, id string) (models.DeviceConfig, error)
	// UpdateDevice applies fn to the current config and persists the result atomically
	UpdateDevice(ctx context.Context, id string, fn func(*models.DeviceConfig) error) (models.DeviceConfig, error)
	// DeviceIDs lists every persisted device
	DeviceIDs(ctx context.Context) ([]string, error)
	DeleteDevice(ctx context.Context, id string) error
	// Ping reports whether the backend can still serve reads
	Ping(ctx context.Context) error
	Global(ctx context.Context) (models.GlobalAISettings, error)
	UpdateGlobal(ctx context.Context, fn func(*models.GlobalAISettings) error) (models.GlobalAISettings, error)
	Close() error
}

// Open picks the backend from cfg.DBType
func Open(cfg *config.Config, log zerolog.Logger) (Store, error) {
	if cfg.DBType == "bolt" {
		return OpenBolt(cfg.BoltPath, log)
	}
	db, err := database.Open(cfg)
	if err != nil {
		return nil, err
	}
	return NewGorm(db, log), nil
}

// keyedMutex hands out one mutex per device id
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func checkID(id string) error {
	return models.ValidateDeviceID(id)
}

func validateConfig(cfg models.DeviceConfig) error {
	for _, rule := range cfg.Keywords {
		if !rule.MatchType.Valid() {
			return models.InvalidInput("keyword %d has unknown match type %q", rule.ID, rule.MatchType)
		}
	}
	return nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
