package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"

	apperrors "github.com/alexjbarnes/veeam-token-mock/internal/errors"
	"github.com/alexjbarnes/veeam-token-mock/internal/events"
	"github.com/alexjbarnes/veeam-token-mock/internal/models"
	"golang.org/x/crypto/bcrypt"
)

// UserCredentials maps usernames to passwords. A password starting with a
// bcrypt prefix is compared as a hash, anything else as plain text.
// An empty map accepts any non-empty username and password.
type UserCredentials map[string]string

// Open reports whether no users are configured.
func (u UserCredentials) Open() bool {
	return len(u) == 0
}

// Verify checks a username/password pair.
func (u UserCredentials) Verify(username, password string) bool {
	if username == "" || password == "" {
		return false
	}
	if u.Open() {
		return true
	}

	expected, ok := u[username]
	if !ok {
		return false
	}
	if isBcryptHash(expected) {
		return bcrypt.CompareHashAndPassword([]byte(expected), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(password)) == 1
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// GrantRecorder receives one event per processed grant.
type GrantRecorder interface {
	RecordGrant(grantType, outcome string) events.Event
}

// GrantRequest is a parsed token endpoint request.
type GrantRequest struct {
	GrantType    string
	Username     string
	Password     string
	RefreshToken string
}

// GrantProcessor validates grant requests and drives Store transitions.
type GrantProcessor struct {
	store    *Store
	users    UserCredentials
	recorder GrantRecorder
	logger   *slog.Logger
}

// NewGrantProcessor wires a processor to its store, credential set, and
// event recorder.
func NewGrantProcessor(store *Store, users UserCredentials, recorder GrantRecorder, logger *slog.Logger) *GrantProcessor {
	return &GrantProcessor{
		store:    store,
		users:    users,
		recorder: recorder,
		logger:   logger,
	}
}

// Store returns the token store the processor mutates.
func (p *GrantProcessor) Store() *Store {
	return p.store
}

// Process handles one grant request. Failed grants never mutate the
// store. Every call, successful or not, is recorded as an event.
func (p *GrantProcessor) Process(ctx context.Context, req GrantRequest) (models.TokenRecord, error) {
	var (
		rec models.TokenRecord
		err error
	)

	switch models.GrantType(req.GrantType) {
	case models.GrantPassword:
		if p.users.Verify(req.Username, req.Password) {
			rec = p.store.Issue(models.GrantPassword)
		} else {
			err = apperrors.ErrInvalidCredentials
		}
	case models.GrantRefreshToken:
		rec, err = p.store.Rotate(req.RefreshToken)
	default:
		err = apperrors.ErrUnsupportedGrantType
	}

	outcome := outcomeFor(err)
	grantType := events.SanitizeGrantType(req.GrantType)
	ev := p.recorder.RecordGrant(grantType, outcome)

	attrs := []any{
		slog.String("outcome", outcome),
		slog.Int("seq", ev.Seq),
	}
	if req.Username != "" {
		attrs = append(attrs, slog.String("username", req.Username))
	}
	if err == nil {
		attrs = append(attrs, slog.Time("expires_at", rec.ExpiresAt()))
	}
	p.logger.InfoContext(ctx, events.GrantLinePrefix+grantType, attrs...)

	return rec, err
}

// outcomeFor maps a grant error to its OAuth2 error code.
func outcomeFor(err error) string {
	switch {
	case err == nil:
		return events.OutcomeGranted
	case errors.Is(err, apperrors.ErrInvalidCredentials):
		return events.OutcomeInvalidClient
	case errors.Is(err, apperrors.ErrInvalidGrant):
		return events.OutcomeInvalidGrant
	default:
		return events.OutcomeUnsupportedGrantType
	}
}
