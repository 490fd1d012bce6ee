package models

import (
	"time"
)

// DeviceRecord is the SQL row holding a device's feature flags
type DeviceRecord struct {
	DeviceID         string    `json:"device_id" gorm:"primaryKey;size:100"`
	AutoRead         bool      `json:"auto_read" gorm:"not null;default:false"`
	TypingSimulation bool      `json:"typing_simulation" gorm:"not null;default:false"`
	AIFallback       bool      `json:"ai_fallback" gorm:"not null;default:false"`
	CreatedAt        time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt        time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	// Relationship
	Keywords []KeywordRecord `json:"keywords" gorm:"foreignKey:DeviceID;references:DeviceID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for DeviceRecord
func (DeviceRecord) TableName() string {
	return "devices"
}

// KeywordRecord is the SQL row of one keyword rule.
// Position keeps the insertion order that rule matching depends on.
type KeywordRecord struct {
	RowID     uint   `json:"-" gorm:"primaryKey;autoIncrement"`
	ID        int64  `json:"id" gorm:"not null;uniqueIndex:idx_keyword_device_rule"`
	DeviceID  string `json:"device_id" gorm:"size:100;not null;uniqueIndex:idx_keyword_device_rule;index"`
	Position  int    `json:"position" gorm:"not null"`
	Keyword   string `json:"keyword" gorm:"type:text;not null"`
	MatchType string `json:"match_type" gorm:"type:varchar(20);not null;default:'exact'"`
	Reply     string `json:"reply" gorm:"type:text;not null"`
}

// TableName specifies the table name for KeywordRecord
func (KeywordRecord) TableName() string {
	return "keyword_rules"
}

// GlobalSettingRecord is the single row of global AI settings
type GlobalSettingRecord struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	APIKey    string    `json:"-" gorm:"type:text"`
	ModelName string    `json:"model_name" gorm:"size:100"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for GlobalSettingRecord
func (GlobalSettingRecord) TableName() string {
	return "global_settings"
}

// GlobalSettingsRowID is the primary key of the only global settings row
const GlobalSettingsRowID = 1

// ToConfig converts a device row and its ordered keyword rows into a DeviceConfig
func (r DeviceRecord) ToConfig(keywords []KeywordRecord) DeviceConfig {
	cfg := DeviceConfig{
		DeviceID: r.DeviceID,
		Settings: DeviceSettings{
			AutoRead:         r.AutoRead,
			TypingSimulation: r.TypingSimulation,
			AIFallback:       r.AIFallback,
		},
		Keywords:  make([]KeywordRule, 0, len(keywords)),
		UpdatedAt: r.UpdatedAt,
	}
	for _, k := range keywords {
		cfg.Keywords = append(cfg.Keywords, KeywordRule{
			ID:        k.ID,
			Keyword:   k.Keyword,
			MatchType: MatchType(k.MatchType),
			Reply:     k.Reply,
		})
	}
	return cfg
}

// RecordsFromConfig splits a DeviceConfig into its SQL rows
func RecordsFromConfig(cfg DeviceConfig) (DeviceRecord, []KeywordRecord) {
	device := DeviceRecord{
		DeviceID:         cfg.DeviceID,
		AutoRead:         cfg.Settings.AutoRead,
		TypingSimulation: cfg.Settings.TypingSimulation,
		AIFallback:       cfg.Settings.AIFallback,
	}
	keywords := make([]KeywordRecord, 0, len(cfg.Keywords))
	for i, rule := range cfg.Keywords {
		keywords = append(keywords, KeywordRecord{
			ID:        rule.ID,
			DeviceID:  cfg.DeviceID,
			Position:  i,
			Keyword:   rule.Keyword,
			MatchType: string(rule.MatchType),
			Reply:     rule.Reply,
		})
	}
	return device, keywords
}
