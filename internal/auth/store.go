// Package auth implements the mock authorization server. It acts as both
// the authorization server and the resource server for a single tenant.
// All state is in-memory; tokens are invalidated on restart.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/veeam-token-mock/internal/errors"
	"github.com/alexjbarnes/veeam-token-mock/internal/models"
	"k8s.io/utils/clock"
)

// DefaultAccessTTL is the access token lifetime used by the token refresh
// scenario.
const DefaultAccessTTL = 60 * time.Second

// tokenBytes is the number of random bytes in each issued token.
const tokenBytes = 32

// Validity is the result of checking an access token.
type Validity int

const (
	Unknown Validity = iota
	Valid
	Expired
)

func (v Validity) String() string {
	switch v {
	case Valid:
		return "valid"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Err returns the sentinel error for a rejected token, or nil when v is Valid.
func (v Validity) Err() error {
	switch v {
	case Valid:
		return nil
	case Expired:
		return apperrors.ErrTokenExpired
	default:
		return apperrors.ErrTokenUnknown
	}
}

// Store holds the single live token record. Every successful grant
// replaces it under mu, so there is never more than one valid access
// token. Expiry is computed lazily on validation.
type Store struct {
	mu      sync.Mutex
	clock   clock.PassiveClock
	ttl     time.Duration
	current *models.TokenRecord
	issued  int
}

// NewStore creates an empty token store. A nil clock uses the real clock
// and a non-positive ttl uses DefaultAccessTTL.
func NewStore(clk clock.PassiveClock, ttl time.Duration) *Store {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if ttl <= 0 {
		ttl = DefaultAccessTTL
	}
	return &Store{clock: clk, ttl: ttl}
}

// TTL returns the configured access token lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Clock returns the clock used for issuance and validation.
func (s *Store) Clock() clock.PassiveClock {
	return s.clock
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

// Issue generates a fresh token pair for grant and replaces the current
// record. It always succeeds.
func (s *Store) Issue(grant models.GrantType) models.TokenRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(grant)
}

func (s *Store) issueLocked(grant models.GrantType) models.TokenRecord {
	rec := models.TokenRecord{
		AccessToken:  RandomHex(tokenBytes),
		RefreshToken: RandomHex(tokenBytes),
		IssuedAt:     s.clock.Now(),
		AccessTTL:    s.ttl,
		GrantType:    grant,
	}
	// Collisions are practically impossible, but the previous pair must
	// never be handed out again.
	if s.current != nil {
		for rec.AccessToken == s.current.AccessToken {
			rec.AccessToken = RandomHex(tokenBytes)
		}
		for rec.RefreshToken == s.current.RefreshToken {
			rec.RefreshToken = RandomHex(tokenBytes)
		}
	}
	s.current = &rec
	s.issued++
	return rec
}

// Validate checks token against the current record at now. The access
// token is valid on the closed-open interval [IssuedAt, IssuedAt+TTL).
func (s *Store) Validate(token string, now time.Time) Validity {
	_, v := s.Check(token, now)
	return v
}

// Check is Validate that also returns the matching record when the token
// is Valid.
func (s *Store) Check(token string, now time.Time) (models.TokenRecord, Validity) {
	if token == "" {
		return models.TokenRecord{}, Unknown
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || !secureEqual(token, s.current.AccessToken) {
		return models.TokenRecord{}, Unknown
	}
	if now.Before(s.current.IssuedAt) || !now.Before(s.current.ExpiresAt()) {
		return models.TokenRecord{}, Expired
	}
	return *s.current, Valid
}

// LookupRefresh returns the current record if refreshToken matches it.
// Refresh tokens carry no TTL of their own; they stay valid until a newer
// grant supersedes them.
func (s *Store) LookupRefresh(refreshToken string) (models.TokenRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupRefreshLocked(refreshToken)
}

func (s *Store) lookupRefreshLocked(refreshToken string) (models.TokenRecord, bool) {
	if refreshToken == "" || s.current == nil || !secureEqual(refreshToken, s.current.RefreshToken) {
		return models.TokenRecord{}, false
	}
	return *s.current, true
}

// Rotate exchanges refreshToken for a new token pair. The lookup and the
// replacement happen under one lock so a concurrent password grant cannot
// interleave between them.
func (s *Store) Rotate(refreshToken string) (models.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookupRefreshLocked(refreshToken); !ok {
		return models.TokenRecord{}, apperrors.ErrInvalidGrant
	}
	return s.issueLocked(models.GrantRefreshToken), nil
}

// Snapshot returns a copy of the current record, if any.
func (s *Store) Snapshot() (models.TokenRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return models.TokenRecord{}, false
	}
	return *s.current, true
}

// Issued returns how many records have been issued since start.
func (s *Store) Issued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issued
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
