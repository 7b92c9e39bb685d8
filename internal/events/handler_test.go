package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleFeed(t *testing.T) {
	l := NewLog(nil, testLogger())
	l.RecordGrant("password", OutcomeGranted)
	l.RecordGrant("refresh_token", OutcomeGranted)
	l.RecordRejection()

	rec := httptest.NewRecorder()
	HandleFeed(l)(rec, httptest.NewRequest("GET", "/_mock/events", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var feed Feed
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&feed))
	assert.Equal(t, []string{"password", "refresh_token"}, Labels(feed.Events))
	assert.Equal(t, 1, feed.Rejected)
}

func TestHandleFeed_Since(t *testing.T) {
	l := NewLog(nil, testLogger())
	l.RecordGrant("password", OutcomeGranted)
	l.RecordGrant("refresh_token", OutcomeGranted)

	rec := httptest.NewRecorder()
	HandleFeed(l)(rec, httptest.NewRequest("GET", "/_mock/events?since=1", nil))

	var feed Feed
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&feed))
	assert.Equal(t, []string{"refresh_token"}, Labels(feed.Events))
}

func TestHandleFeed_EmptyIsArray(t *testing.T) {
	l := NewLog(nil, testLogger())
	rec := httptest.NewRecorder()
	HandleFeed(l)(rec, httptest.NewRequest("GET", "/_mock/events", nil))

	assert.Contains(t, rec.Body.String(), `"events":[]`)
}

func TestHandleFeed_BadSince(t *testing.T) {
	l := NewLog(nil, testLogger())
	rec := httptest.NewRecorder()
	HandleFeed(l)(rec, httptest.NewRequest("GET", "/_mock/events?since=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleFeed_WrongMethod(t *testing.T) {
	l := NewLog(nil, testLogger())
	rec := httptest.NewRecorder()
	HandleFeed(l)(rec, httptest.NewRequest("POST", "/_mock/events", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleStream_BacklogThenLive(t *testing.T) {
	l := NewLog(nil, testLogger())
	l.RecordGrant("password", OutcomeGranted)

	ts := httptest.NewServer(HandleStream(l, testLogger()))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var first Event
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, "password", first.GrantType)

	l.RecordGrant("refresh_token", OutcomeGranted)

	var second Event
	require.NoError(t, wsjson.Read(ctx, conn, &second))
	assert.Equal(t, "refresh_token", second.GrantType)
	assert.Equal(t, 2, second.Seq)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
}
