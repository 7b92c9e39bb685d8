package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/alexjbarnes/veeam-token-mock/internal/errors"
	"github.com/alexjbarnes/veeam-token-mock/internal/events"
	"github.com/alexjbarnes/veeam-token-mock/internal/server"
)

// Source reads the grant events the mock has recorded so far.
type Source interface {
	Snapshot(ctx context.Context) (events.Feed, error)
}

// FeedSource queries the mock's structured event feed over HTTP.
type FeedSource struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Snapshot fetches every event recorded so far.
func (s *FeedSource) Snapshot(ctx context.Context) (events.Feed, error) {
	hc := s.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+server.EventsPath, nil)
	if err != nil {
		return events.Feed{}, fmt.Errorf("creating feed request: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return events.Feed{}, fmt.Errorf("%w: fetching event feed: %w", apperrors.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return events.Feed{}, fmt.Errorf("%w: event feed returned %d", apperrors.ErrTransport, resp.StatusCode)
	}

	var feed events.Feed
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return events.Feed{}, fmt.Errorf("decoding event feed: %w", err)
	}
	return feed, nil
}

// LogSource reads the mock's plain-text grant log. It sees grants only;
// rejections are not written there.
type LogSource struct {
	Path string
}

// Snapshot parses the whole log file.
func (s *LogSource) Snapshot(_ context.Context) (events.Feed, error) {
	evs, err := events.ReadGrantLog(s.Path)
	if err != nil {
		return events.Feed{}, err
	}
	return events.Feed{Events: evs}, nil
}
