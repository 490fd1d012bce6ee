package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/autoreply/wa-autoreply/internal/models"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var (
	devicesBucket  = []byte("devices")
	settingsBucket = []byte("settings")
	globalKey      = []byte("global")
)

// BoltStore keeps one JSON document per device in a single bbolt file
type BoltStore struct {
	db    *bolt.DB
	locks *keyedMutex
	log   zerolog.Logger
}

// OpenBolt opens (or creates) the bbolt file at path
func OpenBolt(path string, log zerolog.Logger) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create bolt dir: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{devicesBucket, settingsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt buckets: %w", err)
	}

	return &BoltStore{
		db:    db,
		locks: newKeyedMutex(),
		log:   log.With().Str("component", "store").Str("backend", "bolt").Logger(),
	}, nil
}

// Device returns the config of id, creating the default record on first read
func (s *BoltStore) Device(ctx context.Context, id string) (models.DeviceConfig, error) {
	if err := checkID(id); err != nil {
		return models.DeviceConfig{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.DeviceConfig{}, err
	}

	var cfg models.DeviceConfig
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		cfg, err = s.load(tx.Bucket(devicesBucket), id)
		return err
	})
	return cfg, wrap("load device "+id, err)
}

// UpdateDevice applies fn to the current config and persists the result in one transaction
func (s *BoltStore) UpdateDevice(ctx context.Context, id string, fn func(*models.DeviceConfig) error) (models.DeviceConfig, error) {
	if err := checkID(id); err != nil {
		return models.DeviceConfig{}, err
	}
	unlock := s.locks.lock(id)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return models.DeviceConfig{}, err
	}

	var out models.DeviceConfig
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(devicesBucket)
		current, err := s.load(b, id)
		if err != nil {
			return err
		}

		next := current.Clone()
		if err := fn(&next); err != nil {
			return err
		}
		next.DeviceID = id
		if err := validateConfig(next); err != nil {
			return err
		}
		next.UpdatedAt = time.Now()

		if err := putJSON(b, []byte(id), next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return models.DeviceConfig{}, wrap("update device "+id, err)
	}
	return out, nil
}

// DeviceIDs lists every persisted device in key order
func (s *BoltStore) DeviceIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(devicesBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, wrap("list devices", err)
}

// DeleteDevice removes the device document
func (s *BoltStore) DeleteDevice(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	unlock := s.locks.lock(id)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(devicesBucket).Delete([]byte(id))
	})
	return wrap("delete device "+id, err)
}

// Global returns the AI settings; a missing record reads as empty settings
func (s *BoltStore) Global(ctx context.Context) (models.GlobalAISettings, error) {
	if err := ctx.Err(); err != nil {
		return models.GlobalAISettings{}, err
	}
	var out models.GlobalAISettings
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = s.loadGlobal(tx.Bucket(settingsBucket))
		return err
	})
	return out, wrap("load global settings", err)
}

// UpdateGlobal applies fn to the AI settings in one transaction
func (s *BoltStore) UpdateGlobal(ctx context.Context, fn func(*models.GlobalAISettings) error) (models.GlobalAISettings, error) {
	unlock := s.locks.lock("")
	defer unlock()
	if err := ctx.Err(); err != nil {
		return models.GlobalAISettings{}, err
	}

	var out models.GlobalAISettings
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(settingsBucket)
		next, err := s.loadGlobal(b)
		if err != nil {
			return err
		}
		if err := fn(&next); err != nil {
			return err
		}
		if err := putJSON(b, globalKey, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return models.GlobalAISettings{}, wrap("update global settings", err)
	}
	return out, nil
}

// Close closes the bolt file
// Ping fails once the file has been closed
func (s *BoltStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap("ping", s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(devicesBucket) == nil {
			return fmt.Errorf("bucket %s missing", devicesBucket)
		}
		return nil
	}))
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// load decodes the device document, writing defaults when it is missing or corrupt.
// Must run inside a writable transaction.
func (s *BoltStore) load(b *bolt.Bucket, id string) (models.DeviceConfig, error) {
	raw := b.Get([]byte(id))
	if raw != nil {
		cfg, err := decodeDevice(raw)
		if err == nil {
			cfg.DeviceID = id
			return cfg, nil
		}
		s.log.Error().Err(err).Str("device", id).Msg("Device config unreadable, recreating defaults")
	}

	cfg := models.DefaultDeviceConfig(id)
	cfg.UpdatedAt = time.Now()
	if err := putJSON(b, []byte(id), cfg); err != nil {
		return models.DeviceConfig{}, err
	}
	return cfg, nil
}

func (s *BoltStore) loadGlobal(b *bolt.Bucket) (models.GlobalAISettings, error) {
	raw := b.Get(globalKey)
	if raw == nil {
		return models.GlobalAISettings{}, nil
	}
	var out models.GlobalAISettings
	if err := json.Unmarshal(raw, &out); err != nil {
		s.log.Error().Err(err).Msg("Global AI settings unreadable, starting empty")
		return models.GlobalAISettings{}, nil
	}
	return out, nil
}

func decodeDevice(raw []byte) (models.DeviceConfig, error) {
	var cfg models.DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Join(models.ErrConfigCorrupt, err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, errors.Join(models.ErrConfigCorrupt, err)
	}
	if cfg.Keywords == nil {
		cfg.Keywords = []models.KeywordRule{}
	}
	return cfg, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}
