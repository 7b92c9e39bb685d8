package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/veeam-token-mock/internal/auth"
	"github.com/alexjbarnes/veeam-token-mock/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func newTestMux() (*http.ServeMux, *events.Log) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := testingclock.NewFakePassiveClock(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))
	store := auth.NewStore(clk, time.Minute)
	log := events.NewLog(clk, logger)
	proc := auth.NewGrantProcessor(store, auth.UserCredentials{"svc": "pw"}, log, logger)
	return NewMux(MuxConfig{Processor: proc, Events: log, Logger: logger, ServerURL: "http://mock.test"}), log
}

func TestNewMux_Routes(t *testing.T) {
	mux, _ := newTestMux()

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, HealthPath, http.StatusOK},
		{http.MethodGet, "/.well-known/oauth-authorization-server", http.StatusOK},
		{http.MethodGet, EventsPath, http.StatusOK},
		{http.MethodGet, auth.TokenPath, http.StatusMethodNotAllowed},
		{http.MethodGet, auth.LegacyTokenPath, http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/serverTime", http.StatusUnauthorized},
		{http.MethodGet, "/v1/serverTime", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestNewMux_PasswordGrantThenResource(t *testing.T) {
	mux, log := newTestMux()

	req := httptest.NewRequest(http.MethodPost, auth.TokenPath,
		strings.NewReader("grant_type=password&username=svc&password=pw"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, 1, len(log.Events()))
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	handleHealth(rec, httptest.NewRequest(http.MethodGet, HealthPath, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
