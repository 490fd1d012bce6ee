package store

import (
	"context"
	"time"

	"github.com/autoreply/wa-autoreply/internal/database"
	"github.com/autoreply/wa-autoreply/internal/models"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// GormStore keeps configs in the SQL database opened by package database
type GormStore struct {
	db    *gorm.DB
	locks *keyedMutex
	log   zerolog.Logger
}

// NewGorm wraps an already migrated connection
func NewGorm(db *gorm.DB, log zerolog.Logger) *GormStore {
	return &GormStore{
		db:    db,
		locks: newKeyedMutex(),
		log:   log.With().Str("component", "store").Str("backend", "gorm").Logger(),
	}
}

// Device returns the config of id, creating the default record on first read
func (s *GormStore) Device(ctx context.Context, id string) (models.DeviceConfig, error) {
	if err := checkID(id); err != nil {
		return models.DeviceConfig{}, err
	}

	var cfg models.DeviceConfig
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		cfg, err = s.load(tx, id)
		return err
	})
	return cfg, wrap("load device "+id, err)
}

// UpdateDevice applies fn to the current config and persists the result in one transaction
func (s *GormStore) UpdateDevice(ctx context.Context, id string, fn func(*models.DeviceConfig) error) (models.DeviceConfig, error) {
	if err := checkID(id); err != nil {
		return models.DeviceConfig{}, err
	}
	unlock := s.locks.lock(id)
	defer unlock()

	var out models.DeviceConfig
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.load(tx, id)
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

		device, keywords := models.RecordsFromConfig(next)
		if err := tx.Model(&models.DeviceRecord{}).Where("device_id = ?", id).Updates(map[string]any{
			"auto_read":         device.AutoRead,
			"typing_simulation": device.TypingSimulation,
			"ai_fallback":       device.AIFallback,
			"updated_at":        next.UpdatedAt,
		}).Error; err != nil {
			return err
		}
		if err := tx.Where("device_id = ?", id).Delete(&models.KeywordRecord{}).Error; err != nil {
			return err
		}
		if len(keywords) > 0 {
			if err := tx.Create(&keywords).Error; err != nil {
				return err
			}
		}
		out = next
		return nil
	})
	if err != nil {
		return models.DeviceConfig{}, wrap("update device "+id, err)
	}
	return out, nil
}

// DeviceIDs lists every persisted device
func (s *GormStore) DeviceIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.DeviceRecord{}).Order("device_id").Pluck("device_id", &ids).Error
	return ids, wrap("list devices", err)
}

// DeleteDevice removes the device row and its keyword rules
func (s *GormStore) DeleteDevice(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	unlock := s.locks.lock(id)
	defer unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", id).Delete(&models.KeywordRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("device_id = ?", id).Delete(&models.DeviceRecord{}).Error
	})
	return wrap("delete device "+id, err)
}

// Global returns the AI settings, creating the empty row on first read
func (s *GormStore) Global(ctx context.Context) (models.GlobalAISettings, error) {
	var rec models.GlobalSettingRecord
	err := s.db.WithContext(ctx).
		Where(models.GlobalSettingRecord{ID: models.GlobalSettingsRowID}).
		FirstOrCreate(&rec).Error
	if err != nil {
		return models.GlobalAISettings{}, wrap("load global settings", err)
	}
	return models.GlobalAISettings{APIKey: rec.APIKey, ModelName: rec.ModelName}, nil
}

// UpdateGlobal applies fn to the AI settings in one transaction
func (s *GormStore) UpdateGlobal(ctx context.Context, fn func(*models.GlobalAISettings) error) (models.GlobalAISettings, error) {
	unlock := s.locks.lock("")
	defer unlock()

	var out models.GlobalAISettings
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.GlobalSettingRecord
		if err := tx.Where(models.GlobalSettingRecord{ID: models.GlobalSettingsRowID}).FirstOrCreate(&rec).Error; err != nil {
			return err
		}

		next := models.GlobalAISettings{APIKey: rec.APIKey, ModelName: rec.ModelName}
		if err := fn(&next); err != nil {
			return err
		}
		if err := tx.Model(&rec).Updates(map[string]any{
			"api_key":    next.APIKey,
			"model_name": next.ModelName,
		}).Error; err != nil {
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

// Close closes the underlying connection pool
func (s *GormStore) Ping(ctx context.Context) error {
	return wrap("ping", database.Ping(ctx, s.db))
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// load reads the device and its keyword rules in stored order, creating the row when missing
func (s *GormStore) load(tx *gorm.DB, id string) (models.DeviceConfig, error) {
	var rec models.DeviceRecord
	if err := tx.Where(models.DeviceRecord{DeviceID: id}).FirstOrCreate(&rec).Error; err != nil {
		return models.DeviceConfig{}, err
	}

	var rows []models.KeywordRecord
	if err := tx.Where("device_id = ?", id).Order("position asc").Find(&rows).Error; err != nil {
		return models.DeviceConfig{}, err
	}

	valid := rows[:0]
	for _, row := range rows {
		if !models.MatchType(row.MatchType).Valid() {
			s.log.Warn().Str("device", id).Int64("keyword", row.ID).Str("match_type", row.MatchType).
				Msg("Skipping keyword rule with unknown match type")
			continue
		}
		valid = append(valid, row)
	}
	return rec.ToConfig(valid), nil
}
