package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/teamgrid/huddle/signaling"
)

const huddleTTL = 24 * time.Hour

// HuddleRecord is the relay's view of one active huddle.
type HuddleRecord struct {
	HuddleID  string                `json:"huddleId"`
	ChannelID string                `json:"channelId"`
	StartedBy signaling.Participant `json:"startedBy"`
	StartedAt time.Time             `json:"startedAt"`
}

// Store keeps the active-huddle record per channel and the participant set
// in Redis. At most one active huddle exists per channel.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func channelKey(channelID string) string { return "huddle:channel:" + channelID }
func peersKey(huddleID string) string    { return "huddle:" + huddleID + ":peers" }

// Create registers a new huddle. Returns false when the channel already has
// an active one.
func (s *Store) Create(ctx context.Context, rec HuddleRecord) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode huddle record: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, channelKey(rec.ChannelID), data, huddleTTL).Result()
	if err != nil {
		return false, fmt.Errorf("store huddle record: %w", err)
	}
	return ok, nil
}

// Get returns the channel's active huddle, nil when none exists.
func (s *Store) Get(ctx context.Context, channelID string) (*HuddleRecord, error) {
	data, err := s.rdb.Get(ctx, channelKey(channelID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load huddle record: %w", err)
	}
	var rec HuddleRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode huddle record: %w", err)
	}
	return &rec, nil
}

// Delete removes the huddle record and its participant set.
func (s *Store) Delete(ctx context.Context, rec *HuddleRecord) error {
	if err := s.rdb.Del(ctx, channelKey(rec.ChannelID), peersKey(rec.HuddleID)).Err(); err != nil {
		return fmt.Errorf("delete huddle record: %w", err)
	}
	return nil
}

func (s *Store) AddParticipant(ctx context.Context, huddleID string, p signaling.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode participant: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, peersKey(huddleID), p.UserID, data)
	pipe.Expire(ctx, peersKey(huddleID), huddleTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

func (s *Store) RemoveParticipant(ctx context.Context, huddleID, userID string) error {
	if err := s.rdb.HDel(ctx, peersKey(huddleID), userID).Err(); err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	return nil
}

// Participants returns the huddle's current roster.
func (s *Store) Participants(ctx context.Context, huddleID string) ([]signaling.Participant, error) {
	entries, err := s.rdb.HGetAll(ctx, peersKey(huddleID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	out := make([]signaling.Participant, 0, len(entries))
	for _, raw := range entries {
		var p signaling.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
