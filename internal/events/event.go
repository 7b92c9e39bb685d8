// Package events records every processed grant so the harness can assert
// on server-observed behavior instead of client exit codes.
package events

import (
	"fmt"
	"time"
)

// Grant outcomes. Failures use the OAuth2 error code returned to the client.
const (
	OutcomeGranted              = "granted"
	OutcomeInvalidClient        = "invalid_client"
	OutcomeInvalidGrant         = "invalid_grant"
	OutcomeUnsupportedGrantType = "unsupported_grant_type"
)

// Event is one processed grant request.
type Event struct {
	ID        string    `json:"id"`
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	GrantType string    `json:"grant_type"`
	Outcome   string    `json:"outcome"`
}

// Granted reports whether the grant produced a new token record.
// Events parsed from the text grant log carry no outcome and count as granted.
func (e Event) Granted() bool {
	return e.Outcome == "" || e.Outcome == OutcomeGranted
}

// Label renders the event for sequence comparison: the bare grant type
// when granted, otherwise the grant type followed by the failure code.
func (e Event) Label() string {
	if e.Granted() {
		return e.GrantType
	}
	return fmt.Sprintf("%s (%s)", e.GrantType, e.Outcome)
}

// Labels maps Label over evs.
func Labels(evs []Event) []string {
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Label())
	}
	return out
}

// Sink receives every appended event, e.g. a journal or a text log.
type Sink interface {
	Write(Event) error
}
