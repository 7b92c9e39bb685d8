package client

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	cacheDirPerm     = fs.FileMode(0o700)
	cacheFilePerm    = fs.FileMode(0o600)
	cacheOpenTimeout = 5 * time.Second
)

var tokensBucket = []byte("tokens")

// CachedToken is a token pair as the client last received it. ObtainedAt
// is taken from the client's clock so renewal decisions never depend on
// the server's.
type CachedToken struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	ObtainedAt   time.Time     `json:"obtained_at"`
	Lifetime     time.Duration `json:"lifetime"`
}

// ExpiresAt returns when the access token stops being accepted.
func (t *CachedToken) ExpiresAt() time.Time {
	return t.ObtainedAt.Add(t.Lifetime)
}

// NeedsRenewal reports whether tok is missing, or within margin of expiry
// at now.
func NeedsRenewal(tok *CachedToken, now time.Time, margin time.Duration) bool {
	if tok == nil || tok.AccessToken == "" {
		return true
	}
	return !now.Before(tok.ExpiresAt().Add(-margin))
}

// TokenCache persists token pairs per target in a bbolt file so separate
// client invocations share one login.
type TokenCache struct {
	db *bolt.DB
}

// OpenTokenCache opens or creates the cache at path.
func OpenTokenCache(path string) (*TokenCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), cacheDirPerm); err != nil {
		return nil, fmt.Errorf("creating token cache directory: %w", err)
	}

	db, err := bolt.Open(path, cacheFilePerm, &bolt.Options{Timeout: cacheOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening token cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tokensBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing token cache: %w", err)
	}

	return &TokenCache{db: db}, nil
}

// Load returns the cached token for target, or nil if none.
func (c *TokenCache) Load(target string) (*CachedToken, error) {
	var tok *CachedToken
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(tokensBucket).Get([]byte(target))
		if data == nil {
			return nil
		}
		tok = &CachedToken{}
		return json.Unmarshal(data, tok)
	})
	if err != nil {
		return nil, fmt.Errorf("loading cached token: %w", err)
	}
	return tok, nil
}

// Save stores tok for target.
func (c *TokenCache) Save(target string, tok *CachedToken) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding cached token: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Put([]byte(target), data)
	})
}

// Delete forgets the token for target.
func (c *TokenCache) Delete(target string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Delete([]byte(target))
	})
}

// Close releases the file lock.
func (c *TokenCache) Close() error {
	return c.db.Close()
}
