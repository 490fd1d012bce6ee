package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/autoreply/wa-autoreply/internal/models"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// DeviceManager is the part of the session manager the panel drives
type DeviceManager interface {
	AddDevice(ctx context.Context, rawID string) (string, error)
	DisconnectDevice(ctx context.Context, rawID string) error
	ForgetDevice(ctx context.Context, rawID string) error
	ListDevices(ctx context.Context) ([]models.DeviceStatus, error)
	Challenge(rawID string) (string, bool)
}

// ConfigService holds the settings, keyword and AI settings operations
type ConfigService interface {
	Settings(ctx context.Context, deviceID string) (models.DeviceSettings, error)
	SetSetting(ctx context.Context, deviceID, name string, value bool) (models.DeviceSettings, error)
	ToggleSetting(ctx context.Context, deviceID, name string) (bool, error)
	Keywords(ctx context.Context, deviceID string) ([]models.KeywordRule, error)
	AddKeyword(ctx context.Context, deviceID, keyword string, matchType models.MatchType, reply string) (models.KeywordRule, error)
	DeleteKeyword(ctx context.Context, deviceID string, keywordID int64) error
	AISettings(ctx context.Context) (models.GlobalAISettings, error)
	UpdateAISettings(ctx context.Context, apiKey, modelName string) (models.GlobalAISettings, error)
	ClearAIKey(ctx context.Context) (models.GlobalAISettings, error)
	ForgetDevice(ctx context.Context, deviceID string) error
	Ping(ctx context.Context) error
}

// DeviceHandler serves the device, settings, keyword and AI endpoints
type DeviceHandler struct {
	manager DeviceManager
	configs ConfigService
	log     zerolog.Logger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(manager DeviceManager, configs ConfigService, log zerolog.Logger) *DeviceHandler {
	return &DeviceHandler{
		manager: manager,
		configs: configs,
		log:     log.With().Str("component", "http").Logger(),
	}
}

// ListDevices handles GET /api/devices
func (h *DeviceHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.manager.ListDevices(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"devices": devices,
	})
}

// AddDevice handles POST /api/devices
func (h *DeviceHandler) AddDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"deviceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, models.InvalidInput("invalid request body"))
		return
	}

	id, err := h.manager.AddDevice(r.Context(), req.DeviceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":  true,
		"deviceId": id,
		"message":  "Device is initializing",
	})
}

// GetDevice handles GET /api/devices/{id}
func (h *DeviceHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	id := deviceID(r)
	devices, err := h.manager.ListDevices(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	for _, d := range devices {
		if d.DeviceID == id {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"success": true,
				"device":  d,
			})
			return
		}
	}
	h.writeError(w, models.NotFound("device %q", id))
}

// DisconnectDevice handles DELETE /api/devices/{id}. With ?forget=1 the device is also
// removed from storage, session identity and config alike.
func (h *DeviceHandler) DisconnectDevice(w http.ResponseWriter, r *http.Request) {
	id := deviceID(r)
	forget, _ := strconv.ParseBool(r.URL.Query().Get("forget"))
	if !forget {
		if err := h.manager.DisconnectDevice(r.Context(), id); err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":  true,
			"deviceId": id,
			"message":  "Device logged out",
		})
		return
	}

	if err := h.manager.ForgetDevice(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.configs.ForgetDevice(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info().Str("device", id).Msg("Device removed")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"deviceId": id,
		"message":  "Device removed",
	})
}

// GetChallenge handles GET /api/devices/{id}/qr
func (h *DeviceHandler) GetChallenge(w http.ResponseWriter, r *http.Request) {
	id := deviceID(r)
	image, ok := h.manager.Challenge(id)
	if !ok {
		h.writeError(w, models.NotFound("no pending QR code for device %q", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"deviceId":  id,
		"imageData": image,
	})
}

// GetSettings handles GET /api/devices/{id}/settings
func (h *DeviceHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.configs.Settings(r.Context(), deviceID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"settings": settings,
	})
}

// SetSetting handles PUT /api/devices/{id}/settings/{name}
func (h *DeviceHandler) SetSetting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		h.writeError(w, models.InvalidInput(`body must be {"enabled": true|false}`))
		return
	}

	settings, err := h.configs.SetSetting(r.Context(), deviceID(r), mux.Vars(r)["name"], *req.Enabled)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"settings": settings,
	})
}

// ToggleSetting handles POST /api/devices/{id}/settings/{name}/toggle
func (h *DeviceHandler) ToggleSetting(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	enabled, err := h.configs.ToggleSetting(r.Context(), deviceID(r), name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"name":    name,
		"enabled": enabled,
	})
}

// ListKeywords handles GET /api/devices/{id}/keywords
func (h *DeviceHandler) ListKeywords(w http.ResponseWriter, r *http.Request) {
	keywords, err := h.configs.Keywords(r.Context(), deviceID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"keywords": keywords,
	})
}

// AddKeyword handles POST /api/devices/{id}/keywords
func (h *DeviceHandler) AddKeyword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keyword   string           `json:"keyword"`
		MatchType models.MatchType `json:"matchType"`
		Reply     string           `json:"reply"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, models.InvalidInput("invalid request body"))
		return
	}

	rule, err := h.configs.AddKeyword(r.Context(), deviceID(r), req.Keyword, req.MatchType, req.Reply)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"keyword": rule,
	})
}

// DeleteKeyword handles DELETE /api/devices/{id}/keywords/{keywordId}
func (h *DeviceHandler) DeleteKeyword(w http.ResponseWriter, r *http.Request) {
	keywordID, err := strconv.ParseInt(mux.Vars(r)["keywordId"], 10, 64)
	if err != nil {
		h.writeError(w, models.InvalidInput("invalid keyword id"))
		return
	}
	if err := h.configs.DeleteKeyword(r.Context(), deviceID(r), keywordID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Keyword deleted",
	})
}

// GetAISettings handles GET /api/settings/ai
func (h *DeviceHandler) GetAISettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.configs.AISettings(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"settings": settings,
	})
}

// UpdateAISettings handles PUT /api/settings/ai
func (h *DeviceHandler) UpdateAISettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey    string `json:"apiKey"`
		ModelName string `json:"modelName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, models.InvalidInput("invalid request body"))
		return
	}

	settings, err := h.configs.UpdateAISettings(r.Context(), req.APIKey, req.ModelName)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"settings": settings,
	})
}

// ClearAIKey handles DELETE /api/settings/ai
func (h *DeviceHandler) ClearAIKey(w http.ResponseWriter, r *http.Request) {
	settings, err := h.configs.ClearAIKey(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"settings": settings,
	})
}

// Health handles GET /api/health. It reports 503 when the config store is unreachable.
func (h *DeviceHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.configs.Ping(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "degraded",
			"message": "Config store is unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "message": "Backend is running"})
}

func deviceID(r *http.Request) string {
	return models.NormalizeDeviceID(mux.Vars(r)["id"])
}

func (h *DeviceHandler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   err.Error(),
	})
}

// statusFor maps the error taxonomy to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrProvider):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
