package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// subscriberBuffer is the per-subscriber channel capacity. Slow
// subscribers miss events rather than block grant processing.
const subscriberBuffer = 64

// Log is the ordered, in-memory grant event log.
type Log struct {
	mu       sync.Mutex
	clock    clock.PassiveClock
	logger   *slog.Logger
	events   []Event
	rejected int
	sinks    []Sink
	subs     map[chan Event]struct{}
}

// NewLog creates an empty log. Every appended event is also written to
// each sink; sink failures are logged and otherwise ignored.
func NewLog(clk clock.PassiveClock, logger *slog.Logger, sinks ...Sink) *Log {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Log{
		clock:  clk,
		logger: logger,
		sinks:  sinks,
		subs:   make(map[chan Event]struct{}),
	}
}

// RecordGrant appends a grant event and returns it.
func (l *Log) RecordGrant(grantType, outcome string) Event {
	l.mu.Lock()
	ev := Event{
		ID:        uuid.NewString(),
		Seq:       len(l.events) + 1,
		Timestamp: l.clock.Now(),
		GrantType: grantType,
		Outcome:   outcome,
	}
	l.events = append(l.events, ev)

	for ch := range l.subs {
		select {
		case ch <- ev:
		default:
			l.logger.Debug("events: dropping event for slow subscriber", slog.Int("seq", ev.Seq))
		}
	}
	sinks := l.sinks
	l.mu.Unlock()

	for _, s := range sinks {
		if err := s.Write(ev); err != nil {
			l.logger.Warn("events: sink write failed",
				slog.Int("seq", ev.Seq),
				slog.String("error", err.Error()),
			)
		}
	}
	return ev
}

// RecordRejection counts a protected resource request refused with
// invalid_token. Rejections are not grants and never enter the event list.
func (l *Log) RecordRejection() {
	l.mu.Lock()
	l.rejected++
	l.mu.Unlock()
}

// Rejections returns the number of recorded rejections.
func (l *Log) Rejections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rejected
}

// Events returns a copy of all events in order.
func (l *Log) Events() []Event {
	return l.Since(0)
}

// Since returns a copy of the events with Seq > seq.
func (l *Log) Since(seq int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sinceLocked(seq)
}

func (l *Log) sinceLocked(seq int) []Event {
	if seq < 0 {
		seq = 0
	}
	if seq >= len(l.events) {
		return []Event{}
	}
	out := make([]Event, len(l.events)-seq)
	copy(out, l.events[seq:])
	return out
}

// Count returns how many events have the given grant type.
func (l *Log) Count(grantType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.GrantType == grantType {
			n++
		}
	}
	return n
}

// Subscribe returns the backlog after seq and a channel receiving every
// later event. No event falls between the backlog and the channel.
// Call cancel to unsubscribe.
func (l *Log) Subscribe(seq int) (backlog []Event, ch <-chan Event, cancel func()) {
	c := make(chan Event, subscriberBuffer)

	l.mu.Lock()
	backlog = l.sinceLocked(seq)
	l.subs[c] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, c)
			l.mu.Unlock()
		})
	}
	return backlog, c, cancel
}
