package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/veeam-token-mock/internal/auth"
	"github.com/alexjbarnes/veeam-token-mock/internal/client"
	apperrors "github.com/alexjbarnes/veeam-token-mock/internal/errors"
	"github.com/alexjbarnes/veeam-token-mock/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bin.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestProcessRunner_Check(t *testing.T) {
	assert.ErrorIs(t, (&ProcessRunner{}).Check(), apperrors.ErrClientNotFound)
	assert.ErrorIs(t, (&ProcessRunner{Binary: "/does/not/exist"}).Check(), apperrors.ErrClientNotFound)
	assert.NoError(t, (&ProcessRunner{Binary: writeScript(t, "exit 0")}).Check())
}

func TestProcessRunner_PassesFlagsAndEnv(t *testing.T) {
	var out syncBuffer
	r := &ProcessRunner{
		Binary: writeScript(t, `echo "$@ user=$VEEAM_USER"`),
		Config: "/etc/veeam/client.yml",
		Env:    []string{"VEEAM_USER=svc"},
		Output: &out,
	}

	require.NoError(t, r.Run(context.Background(), "127.0.0.1:9999"))
	assert.Equal(t, "-c /etc/veeam/client.yml -n -t 127.0.0.1:9999 user=svc\n", out.String())
}

func TestProcessRunner_NonZeroExit(t *testing.T) {
	r := &ProcessRunner{Binary: writeScript(t, "exit 3")}

	err := r.Run(context.Background(), "127.0.0.1:9999")
	require.ErrorIs(t, err, apperrors.ErrTransport)
	assert.ErrorContains(t, err, "code 3")
}

func TestProcessRunner_ResetRemovesConfiguredCache(t *testing.T) {
	dir := t.TempDir()
	cache := filepath.Join(dir, "tokens.db")
	require.NoError(t, os.WriteFile(cache, []byte("stale"), 0o600))
	cfg := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(cfg, []byte("token_cache: "+cache+"\n"), 0o600))

	r := &ProcessRunner{Binary: writeScript(t, "exit 0"), Config: cfg}
	require.NoError(t, r.Reset())
	assert.NoFileExists(t, cache)

	// Nothing left to remove.
	require.NoError(t, r.Reset())
}

func TestProcessRunner_ResetErrors(t *testing.T) {
	assert.NoError(t, (&ProcessRunner{}).Reset())
	assert.Error(t, (&ProcessRunner{Config: filepath.Join(t.TempDir(), "missing.yml")}).Reset())
}

func TestClientRunner_ResetRemovesConfiguredCache(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "tokens.db")
	require.NoError(t, os.WriteFile(cache, []byte("stale"), 0o600))
	cfg, err := client.ParseConfig([]byte("token_cache: " + cache + "\n"))
	require.NoError(t, err)

	r := &ClientRunner{Config: cfg}
	require.NoError(t, r.Reset())
	assert.NoFileExists(t, cache)
	require.NoError(t, r.Reset())
}

func TestProcessLauncher_MissingBinary(t *testing.T) {
	l := &ProcessLauncher{Binary: filepath.Join(t.TempDir(), "veeam-mock")}
	_, err := l.Start(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrMockStart)
}

func TestProcessLauncher_EarlyExit(t *testing.T) {
	var out syncBuffer
	l := &ProcessLauncher{
		Binary:       writeScript(t, `echo "listen: address in use"; exit 1`),
		Output:       &out,
		StartTimeout: 5 * time.Second,
	}

	_, err := l.Start(context.Background())
	require.ErrorIs(t, err, apperrors.ErrMockStart)
	assert.ErrorContains(t, err, "exited early with code 1")
	assert.Contains(t, out.String(), "address in use")
}

func TestProcessLauncher_HealthTimeout(t *testing.T) {
	l := &ProcessLauncher{
		Binary:       writeScript(t, "exec sleep 30"),
		StartTimeout: 500 * time.Millisecond,
	}

	_, err := l.Start(context.Background())
	require.ErrorIs(t, err, apperrors.ErrMockStart)
	assert.ErrorContains(t, err, "timeout waiting for")
}

func TestServerLauncher_FeedAndLogSources(t *testing.T) {
	dir := t.TempDir()
	clk := testingclock.NewFakeClock(t0)
	l := &ServerLauncher{
		Clock:         clk,
		TokenLifetime: time.Minute,
		Users:         auth.UserCredentials{"svc": "pw"},
		GrantLog:      filepath.Join(dir, "grants.log"),
		Journal:       filepath.Join(dir, "journal.db"),
	}

	mock, err := l.Start(context.Background())
	require.NoError(t, err)

	grant(t, mock.Target(), passwordForm())

	feed, err := (&FeedSource{BaseURL: mock.BaseURL()}).Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"password"}, events.Labels(feed.Events))

	fromLog, err := (&LogSource{Path: l.GrantLog}).Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"password"}, events.Labels(fromLog.Events))

	require.NoError(t, mock.Stop(context.Background()))

	journal, err := events.ReadJournal(l.Journal)
	require.NoError(t, err)
	require.Len(t, journal, 1)
	assert.Equal(t, feed.Events[0].ID, journal[0].ID)
}

func TestFeedSource_Unreachable(t *testing.T) {
	_, err := (&FeedSource{BaseURL: "http://127.0.0.1:1"}).Snapshot(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrTransport)
}
