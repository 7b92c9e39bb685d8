package events

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
)

// GrantLinePrefix starts the line written for every processed grant.
// Legacy tooling counts occurrences of "Grant type: password" and
// "Grant type: refresh_token".
const GrantLinePrefix = "Grant type: "

const grantLogTimeFormat = "2006-01-02 15:04:05"

// grantLineRe matches GrantLogWriter lines as well as slog text and JSON
// records of the same message.
var grantLineRe = regexp.MustCompile(`Grant type: ([\w.:-]*)(?:.*?outcome"?[=:]"?(\w+))?`)

// SanitizeGrantType replaces every character outside [A-Za-z0-9_.:-] with
// "_", so a client-supplied grant type always fits on one grant log line.
func SanitizeGrantType(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_', r == '.', r == ':', r == '-':
			return r
		}
		return '_'
	}, s)
}

// GrantLogWriter appends one timestamped "Grant type: <type>" line per event.
type GrantLogWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewGrantLogWriter wraps w.
func NewGrantLogWriter(w io.Writer) *GrantLogWriter {
	return &GrantLogWriter{w: w}
}

// CreateGrantLog truncates path and returns a writer for it with the file
// handle to close on shutdown.
func CreateGrantLog(path string) (*GrantLogWriter, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("creating grant log: %w", err)
	}
	return NewGrantLogWriter(f), f, nil
}

// Write implements Sink.
func (g *GrantLogWriter) Write(ev Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := fmt.Fprintf(g.w, "[%s] %s%s outcome=%s\n",
		ev.Timestamp.Format(grantLogTimeFormat), GrantLinePrefix, SanitizeGrantType(ev.GrantType), ev.Outcome)
	return err
}

// ParseGrantLog extracts grant events from log text. Any line containing
// "Grant type: <type>" counts, so both GrantLogWriter output and captured
// server stdout work. The outcome is recovered when the line carries one.
func ParseGrantLog(r io.Reader) ([]Event, error) {
	var out []Event
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		m := grantLineRe.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		out = append(out, Event{Seq: len(out) + 1, GrantType: m[1], Outcome: m[2]})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading grant log: %w", err)
	}
	return out, nil
}

// ReadGrantLog parses the grant log at path. A missing file yields no events.
func ReadGrantLog(path string) ([]Event, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening grant log: %w", err)
	}
	defer f.Close()
	return ParseGrantLog(f)
}
