package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Feed is the JSON body served by HandleFeed.
type Feed struct {
	Events   []Event `json:"events"`
	Rejected int     `json:"rejected"`
}

// sinceParam parses the optional ?since=N query parameter.
func sinceParam(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// HandleFeed returns the /_mock/events handler.
func HandleFeed(l *Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		since, ok := sinceParam(r)
		if !ok {
			http.Error(w, "invalid since parameter", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(Feed{
			Events:   l.Since(since),
			Rejected: l.Rejections(),
		})
	}
}

// HandleStream returns the /_mock/events/stream websocket handler. It
// sends the backlog after ?since=N, then every new event as one JSON
// message, until either side closes.
func HandleStream(l *Log, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since, ok := sinceParam(r)
		if !ok {
			http.Error(w, "invalid since parameter", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Debug("events: websocket accept failed", slog.String("error", err.Error()))
			return
		}
		defer conn.CloseNow()

		// CloseRead discards client frames and cancels ctx when the peer goes away.
		ctx := conn.CloseRead(r.Context())

		backlog, ch, cancel := l.Subscribe(since)
		defer cancel()

		for _, ev := range backlog {
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case ev := <-ch:
				if err := wsjson.Write(ctx, conn, ev); err != nil {
					logger.Debug("events: stream write failed", slog.String("error", err.Error()))
					return
				}
			}
		}
	}
}
