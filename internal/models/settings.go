package models

import "strings"

// GlobalAISettings holds the credentials used by the AI fallback of every device
type GlobalAISettings struct {
	APIKey    string `json:"apiKey"`
	ModelName string `json:"modelName"`
}

// HasKey reports whether an API key is configured
func (s GlobalAISettings) HasKey() bool {
	return strings.TrimSpace(s.APIKey) != ""
}

// Masked returns a copy safe to hand to any reader
func (s GlobalAISettings) Masked() GlobalAISettings {
	return GlobalAISettings{
		APIKey:    MaskAPIKey(s.APIKey),
		ModelName: s.ModelName,
	}
}

const maskPrefix = "****"

// MaskAPIKey hides everything but the last four characters of a key.
// Short keys are hidden entirely.
func MaskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	runes := []rune(key)
	if len(runes) <= 4 {
		return maskPrefix
	}
	return maskPrefix + string(runes[len(runes)-4:])
}

// IsMaskedKey reports whether a value looks like something MaskAPIKey produced
func IsMaskedKey(value string) bool {
	return strings.HasPrefix(value, maskPrefix)
}
