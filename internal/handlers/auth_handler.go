package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/autoreply/wa-autoreply/internal/models"
	"github.com/autoreply/wa-autoreply/internal/services"

	"github.com/rs/zerolog"
)

// SessionCookie is the name of the cookie carrying the panel token
const SessionCookie = "wa_session"

type ctxKeyClaims struct{}

// AuthHandler serves login/logout and guards the rest of the API
type AuthHandler struct {
	auth   *services.AuthService
	secure bool
	log    zerolog.Logger
}

// NewAuthHandler creates a new auth handler. secure marks the cookie HTTPS-only.
func NewAuthHandler(auth *services.AuthService, secure bool, log zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		auth:   auth,
		secure: secure,
		log:    log.With().Str("component", "auth").Logger(),
	}
}

// Login handles POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "Invalid request body"})
		return
	}

	token, expires, err := h.auth.Login(req.Password)
	if err != nil {
		h.log.Warn().Str("remote", r.RemoteAddr).Msg("Failed panel login")
		status := http.StatusInternalServerError
		if errors.Is(err, models.ErrUnauthorized) {
			status = http.StatusUnauthorized
		}
		writeJSON(w, status, map[string]interface{}{"success": false, "error": "Invalid password"})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"token":     token,
		"expiresAt": expires,
	})
}

// Logout handles POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// Require rejects requests without a valid session cookie or bearer token
func (h *AuthHandler) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.auth.ValidateToken(tokenFromRequest(r))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"success": false, "error": "Unauthorized"})
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyClaims{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tokenFromRequest reads the cookie first, then an Authorization: Bearer header
func tokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}
