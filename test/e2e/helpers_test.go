package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/veeam-token-mock/internal/auth"
	"github.com/alexjbarnes/veeam-token-mock/internal/client"
	"github.com/alexjbarnes/veeam-token-mock/internal/events"
	"github.com/alexjbarnes/veeam-token-mock/internal/server"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

const (
	testUsername = "svc-veeam"
	testPassword = "testpass"
	testTTL      = 60 * time.Second
)

var t0 = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

// stack holds the full mock server wired through server.NewMux on an
// httptest server, with a fake clock shared by every component.
type stack struct {
	URL      string
	Clock    *testingclock.FakePassiveClock
	Store    *auth.Store
	Events   *events.Log
	Client   *http.Client
	GrantLog *bytes.Buffer
	dir      string
}

func newStack(t *testing.T) *stack {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := testingclock.NewFakePassiveClock(t0)

	var grantLog bytes.Buffer
	store := auth.NewStore(clk, testTTL)
	log := events.NewLog(clk, logger, events.NewGrantLogWriter(&grantLog))
	proc := auth.NewGrantProcessor(store, auth.UserCredentials{testUsername: testPassword}, log, logger)

	ts := httptest.NewUnstartedServer(nil)
	serverURL := "http://" + ts.Listener.Addr().String()
	ts.Config.Handler = server.NewMux(server.MuxConfig{
		Processor: proc,
		Events:    log,
		Logger:    logger,
		ServerURL: serverURL,
	})
	ts.Start()
	t.Cleanup(ts.Close)

	return &stack{
		URL:      serverURL,
		Clock:    clk,
		Store:    store,
		Events:   log,
		Client:   ts.Client(),
		GrantLog: &grantLog,
		dir:      t.TempDir(),
	}
}

// at moves the shared clock to t0+offset.
func (s *stack) at(offset time.Duration) {
	s.Clock.SetTime(t0.Add(offset))
}

// labels returns the grant labels recorded so far.
func (s *stack) labels() []string {
	return events.Labels(s.Events.Events())
}

// runClient performs one reference client invocation. Invocations share
// only the token cache file, like separate processes.
func (s *stack) runClient(t *testing.T) *client.Result {
	t.Helper()

	cfg, err := client.ParseConfig([]byte("token_cache: " + filepath.Join(s.dir, "tokens.db") + "\n"))
	require.NoError(t, err)

	res, err := client.RunOnce(context.Background(), client.Options{
		Config:      cfg,
		Target:      s.URL,
		Credentials: client.Credentials{Username: testUsername, Password: testPassword},
		Clock:       s.Clock,
		HTTPClient:  s.Client,
	}, io.Discard)
	require.NoError(t, err)
	return res
}

// tokenResponse is the JSON body returned by POST /oauth2/token.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (s *stack) postForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()
	resp, err := s.Client.PostForm(s.URL+path, form)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *stack) passwordGrant(t *testing.T) tokenResponse {
	t.Helper()
	resp := s.postForm(t, auth.TokenPath, url.Values{
		"grant_type": {"password"},
		"username":   {testUsername},
		"password":   {testPassword},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[tokenResponse](t, resp)
}

func (s *stack) refreshGrant(t *testing.T, refreshToken string) *http.Response {
	t.Helper()
	return s.postForm(t, auth.TokenPath, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
}

func (s *stack) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.Client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}
