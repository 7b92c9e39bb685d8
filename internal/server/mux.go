// Package server builds the mock server's HTTP surface.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/veeam-token-mock/internal/auth"
	"github.com/alexjbarnes/veeam-token-mock/internal/events"
	"github.com/alexjbarnes/veeam-token-mock/internal/resources"
)

// Paths of the mock's own observability endpoints.
const (
	HealthPath       = "/health"
	EventsPath       = "/_mock/events"
	EventsStreamPath = "/_mock/events/stream"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Processor *auth.GrantProcessor
	Events    *events.Log
	Logger    *slog.Logger
	ServerURL string
}

// NewMux builds the HTTP mux with the token endpoint, the bearer-protected
// resource endpoints, metadata, health, and the grant event feeds.
func NewMux(cfg MuxConfig) *http.ServeMux {
	store := cfg.Processor.Store()

	mux := http.NewServeMux()
	mux.HandleFunc(HealthPath, handleHealth)
	mux.HandleFunc("/.well-known/oauth-authorization-server", auth.HandleServerMetadata(cfg.ServerURL, store))

	tokenHandler := auth.HandleToken(cfg.Processor, cfg.Logger)
	mux.HandleFunc(auth.TokenPath, tokenHandler)
	mux.HandleFunc(auth.LegacyTokenPath, tokenHandler)

	resources.Register(mux, auth.Middleware(store, cfg.Events, cfg.Logger), store.Clock())

	mux.HandleFunc(EventsPath, events.HandleFeed(cfg.Events))
	mux.HandleFunc(EventsStreamPath, events.HandleStream(cfg.Events, cfg.Logger))

	return mux
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
