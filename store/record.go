// Package store persists the active huddle's session metadata so a client
// restarted mid-call can reattach to it. Media reconnection itself is not
// guaranteed; only the metadata survives.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/teamgrid/huddle/signaling"
)

const recordFile = "huddle-session.json"

// Record is the persisted session metadata. Written when a huddle becomes
// active, cleared on end.
type Record struct {
	HuddleID  string                `json:"huddleId"`
	ChannelID string                `json:"channelId"`
	StartedBy signaling.Participant `json:"startedBy"`
}

// RecordStore keeps the record as JSON in the state directory.
type RecordStore struct {
	path string
}

func NewRecordStore(stateDir string) *RecordStore {
	return &RecordStore{path: filepath.Join(stateDir, recordFile)}
}

func (s *RecordStore) Save(r *Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write session record: %w", err)
	}
	return nil
}

// Load returns the persisted record, or nil when none exists.
func (s *RecordStore) Load() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode session record: %w", err)
	}
	return &r, nil
}

// Clear removes the record. Clearing an absent record is not an error.
func (s *RecordStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear session record: %w", err)
	}
	return nil
}
