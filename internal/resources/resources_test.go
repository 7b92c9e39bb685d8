package resources

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	testingclock "k8s.io/utils/clock/testing"
)

var fixedNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func passthrough(h http.Handler) http.Handler { return h }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func TestServerTime(t *testing.T) {
	rec := get(t, HandleServerTime(testingclock.NewFakePassiveClock(fixedNow)), "/api/v1/serverTime")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "2026-10-19T12:00:00Z", gjson.Get(rec.Body.String(), "serverTime").String())
}

func TestBackupsListing(t *testing.T) {
	mux := http.NewServeMux()
	Register(mux, passthrough, testingclock.NewFakePassiveClock(fixedNow))

	rec := get(t, mux, "/api/v1/backups")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Equal(t, int64(2), gjson.Get(body, "data.#").Int())
	assert.Equal(t, "backup1", gjson.Get(body, "data.0.name").String())
	assert.Equal(t, "VmWare", gjson.Get(body, "data.0.platformName").String())
	assert.Equal(t, "2026-10-19T11:00:00Z", gjson.Get(body, "data.0.creationTime").String())
	assert.Equal(t, int64(2), gjson.Get(body, "pagination.total").Int())
}

func TestJobsListing(t *testing.T) {
	mux := http.NewServeMux()
	Register(mux, passthrough, nil)

	rec := get(t, mux, "/api/v1/jobs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{false, true}, gjson.Get(rec.Body.String(), "data.#.isDisabled").Value())
}

func TestAliasesWithoutAPIPrefix(t *testing.T) {
	mux := http.NewServeMux()
	Register(mux, passthrough, nil)

	for _, path := range Paths {
		assert.Equal(t, http.StatusOK, get(t, mux, path).Code, path)
		assert.Equal(t, http.StatusOK, get(t, mux, path[len("/api"):]).Code, path)
	}
}

func TestEveryPathIsProtected(t *testing.T) {
	mux := http.NewServeMux()
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	Register(mux, deny, nil)

	for _, path := range Paths {
		assert.Equal(t, http.StatusUnauthorized, get(t, mux, path).Code, path)
	}
}

func TestList_WrongMethod(t *testing.T) {
	h := HandleList[Job](nil, cannedJobs, nil)
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest("POST", "/api/v1/jobs", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
