package events

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournal_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "events.db")

	j, err := OpenJournal(path)
	require.NoError(t, err)

	l := NewLog(nil, testLogger(), j)
	l.RecordGrant("password", OutcomeGranted)
	l.RecordGrant("refresh_token", OutcomeGranted)
	require.NoError(t, j.Close())

	evs, err := ReadJournal(path)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "password", evs[0].GrantType)
	assert.Equal(t, "refresh_token", evs[1].GrantType)
	assert.Equal(t, 2, evs[1].Seq)
}

func TestJournal_OrderBeyondOneByte(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	j, err := OpenJournal(path)
	require.NoError(t, err)

	for i := 1; i <= 300; i++ {
		require.NoError(t, j.Write(Event{Seq: i, GrantType: "password", Timestamp: time.Now()}))
	}
	require.NoError(t, j.Close())

	evs, err := ReadJournal(path)
	require.NoError(t, err)
	require.Len(t, evs, 300)
	for i, ev := range evs {
		assert.Equal(t, i+1, ev.Seq)
	}
}

func TestJournal_OpenTruncatesPreviousRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	j, err := OpenJournal(path)
	require.NoError(t, err)
	require.NoError(t, j.Write(Event{Seq: 1, GrantType: "password"}))
	require.NoError(t, j.Close())

	j, err = OpenJournal(path)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	evs, err := ReadJournal(path)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestReadJournal_Missing(t *testing.T) {
	_, err := ReadJournal(filepath.Join(t.TempDir(), "nope.db"))
	assert.Error(t, err)
}
