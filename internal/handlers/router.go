package handlers

import (
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Routes bundles everything the HTTP surface is built from
type Routes struct {
	Auth      *AuthHandler
	Devices   *DeviceHandler
	Hub       *Hub
	Origins   OriginPolicy
	PublicDir string
	Log       zerolog.Logger
}

// NewRouter registers the panel API, the websocket endpoint and the static panel files
func NewRouter(rt Routes) http.Handler {
	r := mux.NewRouter()

	// Public endpoints
	r.HandleFunc("/api/auth/login", rt.Auth.Login).Methods("POST")
	r.HandleFunc("/api/auth/logout", rt.Auth.Logout).Methods("POST")
	r.HandleFunc("/api/health", rt.Devices.Health).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(rt.Auth.Require)

	// Device endpoints
	api.HandleFunc("/devices", rt.Devices.ListDevices).Methods("GET")
	api.HandleFunc("/devices", rt.Devices.AddDevice).Methods("POST")
	api.HandleFunc("/devices/{id}", rt.Devices.GetDevice).Methods("GET")
	api.HandleFunc("/devices/{id}", rt.Devices.DisconnectDevice).Methods("DELETE")
	api.HandleFunc("/devices/{id}/qr", rt.Devices.GetChallenge).Methods("GET")

	// Per-device settings
	api.HandleFunc("/devices/{id}/settings", rt.Devices.GetSettings).Methods("GET")
	api.HandleFunc("/devices/{id}/settings/{name}", rt.Devices.SetSetting).Methods("PUT")
	api.HandleFunc("/devices/{id}/settings/{name}/toggle", rt.Devices.ToggleSetting).Methods("POST")

	// Keyword rules
	api.HandleFunc("/devices/{id}/keywords", rt.Devices.ListKeywords).Methods("GET")
	api.HandleFunc("/devices/{id}/keywords", rt.Devices.AddKeyword).Methods("POST")
	api.HandleFunc("/devices/{id}/keywords/{keywordId:[0-9]+}", rt.Devices.DeleteKeyword).Methods("DELETE")

	// Global AI settings
	api.HandleFunc("/settings/ai", rt.Devices.GetAISettings).Methods("GET")
	api.HandleFunc("/settings/ai", rt.Devices.UpdateAISettings).Methods("PUT")
	api.HandleFunc("/settings/ai", rt.Devices.ClearAIKey).Methods("DELETE")

	if rt.Hub != nil {
		r.Handle("/ws", rt.Auth.Require(http.HandlerFunc(rt.Hub.ServeWS))).Methods("GET")
	}

	if rt.PublicDir != "" {
		if info, err := os.Stat(rt.PublicDir); err == nil && info.IsDir() {
			r.PathPrefix("/").Handler(http.FileServer(http.Dir(rt.PublicDir)))
		} else {
			rt.Log.Warn().Str("dir", rt.PublicDir).Msg("Panel directory not found, serving API only")
		}
	}

	if rt.Hub != nil {
		rt.Hub.SetOrigins(rt.Origins)
	}
	return accessLog(rt.Log, corsMiddleware(rt.Origins, r))
}

// corsMiddleware answers preflight requests for the configured panel origins and
// refuses requests from any other foreign origin
func corsMiddleware(origins OriginPolicy, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Origin")
		if !origins.Allow(r) {
			writeJSON(w, http.StatusForbidden, map[string]interface{}{
				"success": false,
				"error":   "origin not allowed",
			})
			return
		}

		if origin := r.Header.Get("Origin"); origins.Listed(origin) {
			// credentials (the session cookie) rule out a wildcard origin
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the hijacker
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func accessLog(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}
