package services

import (
	"context"
	"strings"
	"time"

	"github.com/autoreply/wa-autoreply/internal/models"
	"github.com/autoreply/wa-autoreply/internal/store"
)

// DeviceService implements the panel operations on device configs and global AI settings
type DeviceService struct {
	store        store.Store
	defaultModel string
	now          func() time.Time
}

// NewDeviceService creates a new device service
func NewDeviceService(st store.Store, defaultModel string) *DeviceService {
	return &DeviceService{
		store:        st,
		defaultModel: defaultModel,
		now:          time.Now,
	}
}

// Config returns the full config of a device
func (s *DeviceService) Config(ctx context.Context, deviceID string) (models.DeviceConfig, error) {
	return s.store.Device(ctx, models.NormalizeDeviceID(deviceID))
}

// Settings returns the feature flags of a device
func (s *DeviceService) Settings(ctx context.Context, deviceID string) (models.DeviceSettings, error) {
	cfg, err := s.Config(ctx, deviceID)
	if err != nil {
		return models.DeviceSettings{}, err
	}
	return cfg.Settings, nil
}

// SetSetting sets one named flag to value
func (s *DeviceService) SetSetting(ctx context.Context, deviceID, name string, value bool) (models.DeviceSettings, error) {
	cfg, err := s.store.UpdateDevice(ctx, models.NormalizeDeviceID(deviceID), func(cfg *models.DeviceConfig) error {
		return cfg.Settings.Set(name, value)
	})
	return cfg.Settings, err
}

// ToggleSetting flips one named flag and returns its new value
func (s *DeviceService) ToggleSetting(ctx context.Context, deviceID, name string) (bool, error) {
	var next bool
	_, err := s.store.UpdateDevice(ctx, models.NormalizeDeviceID(deviceID), func(cfg *models.DeviceConfig) error {
		current, err := cfg.Settings.Get(name)
		if err != nil {
			return err
		}
		next = !current
		return cfg.Settings.Set(name, next)
	})
	return next, err
}

// Keywords returns the keyword rules of a device in stored order
func (s *DeviceService) Keywords(ctx context.Context, deviceID string) ([]models.KeywordRule, error) {
	cfg, err := s.Config(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return cfg.Keywords, nil
}

// AddKeyword appends a rule; an empty match type means exact
func (s *DeviceService) AddKeyword(ctx context.Context, deviceID, keyword string, matchType models.MatchType, reply string) (models.KeywordRule, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return models.KeywordRule{}, models.InvalidInput("keyword is required")
	}
	if strings.TrimSpace(reply) == "" {
		return models.KeywordRule{}, models.InvalidInput("reply is required")
	}
	if matchType == "" {
		matchType = models.MatchExact
	}
	if !matchType.Valid() {
		return models.KeywordRule{}, models.InvalidInput("unknown match type %q", matchType)
	}

	var rule models.KeywordRule
	_, err := s.store.UpdateDevice(ctx, models.NormalizeDeviceID(deviceID), func(cfg *models.DeviceConfig) error {
		rule = models.KeywordRule{
			ID:        cfg.NextKeywordID(s.now()),
			Keyword:   keyword,
			MatchType: matchType,
			Reply:     reply,
		}
		cfg.Keywords = append(cfg.Keywords, rule)
		return nil
	})
	if err != nil {
		return models.KeywordRule{}, err
	}
	return rule, nil
}

// DeleteKeyword removes a rule by id
func (s *DeviceService) DeleteKeyword(ctx context.Context, deviceID string, keywordID int64) error {
	_, err := s.store.UpdateDevice(ctx, models.NormalizeDeviceID(deviceID), func(cfg *models.DeviceConfig) error {
		if !cfg.RemoveKeyword(keywordID) {
			return models.NotFound("keyword %d", keywordID)
		}
		return nil
	})
	return err
}

// AISettings returns the global AI settings with the key masked
func (s *DeviceService) AISettings(ctx context.Context) (models.GlobalAISettings, error) {
	g, err := s.store.Global(ctx)
	if err != nil {
		return models.GlobalAISettings{}, err
	}
	return s.withDefaultModel(g).Masked(), nil
}

// ActiveAISettings returns the unmasked settings used by the reply pipeline
func (s *DeviceService) ActiveAISettings(ctx context.Context) (models.GlobalAISettings, error) {
	g, err := s.store.Global(ctx)
	if err != nil {
		return models.GlobalAISettings{}, err
	}
	return s.withDefaultModel(g), nil
}

// UpdateAISettings stores a new key and model. An empty or masked key keeps the stored one.
func (s *DeviceService) UpdateAISettings(ctx context.Context, apiKey, modelName string) (models.GlobalAISettings, error) {
	apiKey = strings.TrimSpace(apiKey)
	modelName = strings.TrimSpace(modelName)

	g, err := s.store.UpdateGlobal(ctx, func(g *models.GlobalAISettings) error {
		if apiKey != "" && !models.IsMaskedKey(apiKey) {
			g.APIKey = apiKey
		}
		if modelName != "" {
			g.ModelName = modelName
		}
		return nil
	})
	if err != nil {
		return models.GlobalAISettings{}, err
	}
	return s.withDefaultModel(g).Masked(), nil
}

// ClearAIKey removes the stored key, which turns the AI fallback into a no-op
func (s *DeviceService) ClearAIKey(ctx context.Context) (models.GlobalAISettings, error) {
	g, err := s.store.UpdateGlobal(ctx, func(g *models.GlobalAISettings) error {
		g.APIKey = ""
		return nil
	})
	if err != nil {
		return models.GlobalAISettings{}, err
	}
	return s.withDefaultModel(g).Masked(), nil
}

// ForgetDevice drops the stored config of a device, keywords included
func (s *DeviceService) ForgetDevice(ctx context.Context, deviceID string) error {
	return s.store.DeleteDevice(ctx, models.NormalizeDeviceID(deviceID))
}

// Ping reports whether the config store is reachable
func (s *DeviceService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *DeviceService) withDefaultModel(g models.GlobalAISettings) models.GlobalAISettings {
	if g.ModelName == "" {
		g.ModelName = s.defaultModel
	}
	return g
}
