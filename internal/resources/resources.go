// Package resources serves the canned read-only API payloads behind the
// bearer token middleware. Responses carry the minimum schema an exporter
// parser needs; nothing here depends on how the token was obtained.
package resources

import (
	"encoding/json"
	"net/http"
	"time"

	"k8s.io/utils/clock"
)

// Pagination mirrors the paging envelope of list endpoints.
type Pagination struct {
	Total int `json:"total"`
	Count int `json:"count"`
	Skip  int `json:"skip"`
	Limit int `json:"limit"`
}

// ListResponse is the envelope of every list endpoint.
type ListResponse[T any] struct {
	Data       []T        `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// ServerTime is the /serverTime payload.
type ServerTime struct {
	ServerTime string `json:"serverTime"`
	TimeZone   string `json:"timeZone"`
}

// Backup is one entry of the backups listing.
type Backup struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	PlatformName string `json:"platformName"`
	JobID        string `json:"jobId"`
	CreationTime string `json:"creationTime"`
}

// Job is one entry of the jobs listing.
type Job struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	IsDisabled bool   `json:"isDisabled"`
}

// Session is one entry of the sessions listing.
type Session struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SessionType  string `json:"sessionType"`
	State        string `json:"state"`
	Result       string `json:"result"`
	CreationTime string `json:"creationTime"`
}

var (
	cannedJobs = []Job{
		{ID: "6ae6b9a6-4b5c-4f0c-9d7a-1f0b3e2c1a01", Name: "VMware nightly", Type: "VSphereBackup"},
		{ID: "6ae6b9a6-4b5c-4f0c-9d7a-1f0b3e2c1a02", Name: "Hyper-V weekly", Type: "HyperVBackup", IsDisabled: true},
	}

	cannedBackups = []Backup{
		{ID: "b1f3c0de-0000-4000-8000-000000000001", Name: "backup1", PlatformName: "VmWare", JobID: cannedJobs[0].ID},
		{ID: "b1f3c0de-0000-4000-8000-000000000002", Name: "backup2", PlatformName: "HyperV", JobID: cannedJobs[1].ID},
	}

	cannedSessions = []Session{
		{ID: "5e55e55e-0000-4000-8000-000000000001", Name: "VMware nightly", SessionType: "BackupJob", State: "Stopped", Result: "Success"},
	}
)

// Paths lists every protected endpoint under its canonical /api prefix.
// Each is also served without the /api prefix.
var Paths = []string{
	"/api/v1/serverTime",
	"/api/v1/backups",
	"/api/v1/jobs",
	"/api/v1/sessions",
}

// Register mounts every protected endpoint on mux wrapped by protect.
func Register(mux *http.ServeMux, protect func(http.Handler) http.Handler, clk clock.PassiveClock) {
	if clk == nil {
		clk = clock.RealClock{}
	}

	handlers := map[string]http.Handler{
		"/v1/serverTime": HandleServerTime(clk),
		"/v1/backups":    HandleList(clk, cannedBackups, func(b Backup, created string) Backup { b.CreationTime = created; return b }),
		"/v1/jobs":       HandleList(clk, cannedJobs, nil),
		"/v1/sessions":   HandleList(clk, cannedSessions, func(s Session, created string) Session { s.CreationTime = created; return s }),
	}
	for path, h := range handlers {
		wrapped := protect(h)
		mux.Handle("/api"+path, wrapped)
		mux.Handle(path, wrapped)
	}
}

// HandleServerTime returns the serverTime handler.
func HandleServerTime(clk clock.PassiveClock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		now := clk.Now()
		writeJSON(w, ServerTime{
			ServerTime: now.Format(time.RFC3339),
			TimeZone:   now.Location().String(),
		})
	}
}

// HandleList returns a handler serving items in a list envelope. stamp, if
// set, fills per-item timestamps relative to the clock.
func HandleList[T any](clk clock.PassiveClock, items []T, stamp func(T, string) T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		data := make([]T, len(items))
		copy(data, items)
		if stamp != nil {
			created := clk.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
			for i := range data {
				data[i] = stamp(data[i], created)
			}
		}

		writeJSON(w, ListResponse[T]{
			Data: data,
			Pagination: Pagination{
				Total: len(data),
				Count: len(data),
				Limit: 200,
			},
		})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
