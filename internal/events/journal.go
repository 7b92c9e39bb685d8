package events

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	journalDirPerm     = fs.FileMode(0o700)
	journalFilePerm    = fs.FileMode(0o600)
	journalOpenTimeout = 5 * time.Second
)

var grantEventsBucket = []byte("grant_events")

// Journal is an append-only bbolt record of grant events. It outlives the
// mock process so a run can be inspected after shutdown. Tokens are never
// written to it.
type Journal struct {
	db *bolt.DB
}

// OpenJournal opens or creates the journal at path, truncating any events
// from a previous run.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), journalDirPerm); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := bolt.Open(path, journalFilePerm, &bolt.Options{Timeout: journalOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(grantEventsBucket) != nil {
			if err := tx.DeleteBucket(grantEventsBucket); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucket(grantEventsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing journal: %w", err)
	}

	return &Journal{db: db}, nil
}

// Write stores ev keyed by its sequence number.
func (j *Journal) Write(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event %d: %w", ev.Seq, err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(grantEventsBucket).Put(seqKey(ev.Seq), data)
	})
}

// Close releases the database file lock.
func (j *Journal) Close() error {
	return j.db.Close()
}

// ReadJournal loads all events from a closed journal in sequence order.
func ReadJournal(path string) ([]Event, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat journal: %w", err)
	}

	db, err := bolt.Open(path, journalFilePerm, &bolt.Options{Timeout: journalOpenTimeout, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	defer db.Close()

	var out []Event
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(grantEventsBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("decoding event %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, ev)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// seqKey encodes seq big-endian so bbolt's byte ordering matches event order.
func seqKey(seq int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(seq))
	return k
}
