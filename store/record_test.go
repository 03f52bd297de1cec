package store

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/teamgrid/huddle/signaling"
)

func TestRecordRoundTrip(t *testing.T) {
	s := NewRecordStore(t.TempDir())

	rec := &Record{
		HuddleID:  "h-1",
		ChannelID: "ch-1",
		StartedBy: signaling.Participant{UserID: "alice", Username: "Alice"},
	}
	require.NoError(t, s.Save(rec))

	got, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, rec, got)

	require.NoError(t, s.Clear())
	got, err = s.Load()
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestLoadWithoutRecord(t *testing.T) {
	s := NewRecordStore(t.TempDir())
	got, err := s.Load()
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestClearIsIdempotent(t *testing.T) {
	s := NewRecordStore(t.TempDir())
	require.NoError(t, s.Clear())
	require.NoError(t, s.Clear())
}

func TestSaveCreatesStateDir(t *testing.T) {
	s := NewRecordStore(t.TempDir() + "/nested/state")
	require.NoError(t, s.Save(&Record{HuddleID: "h-1", ChannelID: "ch-1"}))

	got, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, "h-1", got.HuddleID)
}
