package models

import (
	"regexp"
	"strings"
	"time"
)

// ConnectionState is the lifecycle state of one device session
type ConnectionState string

const (
	StateUninitialized     ConnectionState = "uninitialized"
	StateInitializing      ConnectionState = "initializing"
	StateAwaitingChallenge ConnectionState = "awaiting_challenge"
	StateConnected         ConnectionState = "connected"
	StateDisconnected      ConnectionState = "disconnected"
	StateFailed            ConnectionState = "failed"
)

// Terminal reports whether the state ends a session instance
func (s ConnectionState) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// MatchType decides how a keyword is compared against an inbound body
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchContains MatchType = "contains"
)

// Valid reports whether the match type is one we know how to apply
func (m MatchType) Valid() bool {
	return m == MatchExact || m == MatchContains
}

// KeywordRule is a configured trigger/reply pair
type KeywordRule struct {
	ID        int64     `json:"id"`
	Keyword   string    `json:"keyword"`
	MatchType MatchType `json:"matchType"`
	Reply     string    `json:"reply"`
}

// Matches reports whether an already lower-cased body satisfies the rule
func (r KeywordRule) Matches(normalizedBody string) bool {
	keyword := strings.ToLower(r.Keyword)
	switch r.MatchType {
	case MatchExact:
		return normalizedBody == keyword
	case MatchContains:
		return strings.Contains(normalizedBody, keyword)
	}
	return false
}

// DeviceSettings holds the per-device feature flags
type DeviceSettings struct {
	AutoRead         bool `json:"autoRead"`
	TypingSimulation bool `json:"typingSimulation"`
	AIFallback       bool `json:"aiFallback"`
}

// Setting names accepted by the panel
const (
	SettingAutoRead         = "autoRead"
	SettingTypingSimulation = "typingSimulation"
	SettingAIFallback       = "aiFallback"
)

// Get returns the named flag
func (s DeviceSettings) Get(name string) (bool, error) {
	switch name {
	case SettingAutoRead:
		return s.AutoRead, nil
	case SettingTypingSimulation:
		return s.TypingSimulation, nil
	case SettingAIFallback:
		return s.AIFallback, nil
	}
	return false, InvalidInput("unknown setting %q", name)
}

// Set updates the named flag
func (s *DeviceSettings) Set(name string, value bool) error {
	switch name {
	case SettingAutoRead:
		s.AutoRead = value
	case SettingTypingSimulation:
		s.TypingSimulation = value
	case SettingAIFallback:
		s.AIFallback = value
	default:
		return InvalidInput("unknown setting %q", name)
	}
	return nil
}

// DeviceConfig is the durable record of one device
type DeviceConfig struct {
	DeviceID  string         `json:"deviceId"`
	Settings  DeviceSettings `json:"settings"`
	Keywords  []KeywordRule  `json:"keywords"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// DefaultDeviceConfig returns the record created for a device seen for the first time
func DefaultDeviceConfig(deviceID string) DeviceConfig {
	return DeviceConfig{
		DeviceID: deviceID,
		Keywords: []KeywordRule{},
	}
}

// Clone returns a copy that does not share the keyword slice
func (c DeviceConfig) Clone() DeviceConfig {
	out := c
	out.Keywords = append([]KeywordRule(nil), c.Keywords...)
	if out.Keywords == nil {
		out.Keywords = []KeywordRule{}
	}
	return out
}

// NextKeywordID returns a time-derived id that is unique among the current rules
func (c DeviceConfig) NextKeywordID(now time.Time) int64 {
	id := now.UnixMilli()
	for _, rule := range c.Keywords {
		if rule.ID >= id {
			id = rule.ID + 1
		}
	}
	return id
}

// RemoveKeyword drops the rule with the given id, reporting whether it existed
func (c *DeviceConfig) RemoveKeyword(id int64) bool {
	for i, rule := range c.Keywords {
		if rule.ID == id {
			c.Keywords = append(c.Keywords[:i], c.Keywords[i+1:]...)
			return true
		}
	}
	return false
}

var (
	whitespaceRun  = regexp.MustCompile(`\s+`)
	unsafeIDChars  = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	deviceIDFiller = "_"
)

// NormalizeDeviceID turns a raw identifier into a lookup key that is also a safe file name.
// Whitespace runs collapse to a single filler character.
func NormalizeDeviceID(raw string) string {
	id := strings.TrimSpace(raw)
	id = whitespaceRun.ReplaceAllString(id, deviceIDFiller)
	return unsafeIDChars.ReplaceAllString(id, deviceIDFiller)
}

// MaxDeviceIDLength matches the width of the device_id column
const MaxDeviceIDLength = 100

// ValidateDeviceID rejects normalized ids that are empty or too long to store
func ValidateDeviceID(id string) error {
	switch {
	case id == "":
		return InvalidInput("device id is required")
	case len(id) > MaxDeviceIDLength:
		return InvalidInput("device id is longer than %d characters", MaxDeviceIDLength)
	}
	return nil
}

// DeviceStatus is what observers and the panel see for one device
type DeviceStatus struct {
	DeviceID     string          `json:"deviceId"`
	State        ConnectionState `json:"state"`
	Settings     DeviceSettings  `json:"settings"`
	KeywordCount int             `json:"keywordCount"`
	Active       bool            `json:"active"`
}

// InboundMessage is a text message received by a device
type InboundMessage struct {
	ID        string    `json:"id"`
	Chat      string    `json:"chat"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}
