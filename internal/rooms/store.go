// Package rooms keeps teleconsult room records in Redis.
package rooms

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/teleconsult/internal/logging"
	"github.com/mossy-p/teleconsult/internal/models"
)

var log = logging.Logger("rooms")

const (
	CodeLength = 6
	codeChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

var (
	ErrNotFound = errors.New("room not found")
	ErrFull     = errors.New("room is full")
	ErrEnded    = errors.New("room has ended")
)

// Store persists room metadata, the code-to-ID mapping and the set of
// connected peers per room.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl, now: time.Now}
}

func roomKey(id string) string  { return "room:" + id }
func codeKey(code string) string { return "code:" + code }
func peersKey(id string) string { return "room:" + id + ":peers" }

// Create stores a new active room where creatorID is the caller.
func (s *Store) Create(ctx context.Context, creatorID, calleeID string) (*models.RoomMetadata, error) {
	room := &models.RoomMetadata{
		ID:        uuid.New().String(),
		Code:      generateRoomCode(),
		CreatorID: creatorID,
		CallerID:  creatorID,
		CalleeID:  calleeID,
		Status:    models.RoomStatusActive,
		CreatedAt: s.now(),
	}

	data, err := json.Marshal(room)
	if err != nil {
		return nil, fmt.Errorf("marshal room: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, roomKey(room.ID), data, s.ttl)
		// Store code-to-ID mapping for easy lookup
		pipe.Set(ctx, codeKey(room.Code), room.ID, s.ttl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store room: %w", err)
	}

	log.Infof("Room created: %s (code: %s) by user %s for %s", room.ID, room.Code, creatorID, calleeID)
	return room, nil
}

// Resolve maps a room code or ID to the room ID.
func (s *Store) Resolve(ctx context.Context, identifier string) (string, error) {
	// Check if it's a code (6 chars) vs UUID
	if len(identifier) != CodeLength {
		return identifier, nil
	}
	id, err := s.client.Get(ctx, codeKey(identifier)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup code: %w", err)
	}
	return id, nil
}

// Get loads a room by code or ID, including its current participant count.
func (s *Store) Get(ctx context.Context, identifier string) (*models.RoomMetadata, error) {
	roomID, err := s.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}

	var room models.RoomMetadata
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("failed to parse room data: %w", err)
	}

	count, err := s.client.SCard(ctx, peersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("count peers: %w", err)
	}
	room.ParticipantCount = int(count)
	return &room, nil
}

// Joinable loads a room and checks it is active and has a free slot.
func (s *Store) Joinable(ctx context.Context, identifier string) (*models.RoomMetadata, error) {
	room, err := s.Get(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if room.Status == models.RoomStatusEnded {
		return nil, ErrEnded
	}
	if room.ParticipantCount >= models.MaxParticipants {
		return nil, ErrFull
	}
	return room, nil
}

// End marks a room ended. Ending an ended room is a no-op.
func (s *Store) End(ctx context.Context, roomID string) (*models.RoomMetadata, error) {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Status == models.RoomStatusEnded {
		return room, nil
	}

	endedAt := s.now()
	room.Status = models.RoomStatusEnded
	room.EndedAt = &endedAt
	room.ParticipantCount = 0

	data, err := json.Marshal(room)
	if err != nil {
		return nil, fmt.Errorf("marshal room: %w", err)
	}
	if err := s.client.Set(ctx, roomKey(room.ID), data, redis.KeepTTL).Err(); err != nil {
		return nil, fmt.Errorf("store room: %w", err)
	}

	log.Infof("Room ended: %s", room.ID)
	return room, nil
}

// Delete removes every key belonging to the room.
func (s *Store) Delete(ctx context.Context, room *models.RoomMetadata) error {
	if err := s.client.Del(ctx, roomKey(room.ID), codeKey(room.Code), peersKey(room.ID)).Err(); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	log.Infof("Room deleted: %s", room.ID)
	return nil
}

// AddPeer records peerID as connected to roomID.
func (s *Store) AddPeer(ctx context.Context, roomID, peerID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, peersKey(roomID), peerID)
		pipe.Expire(ctx, peersKey(roomID), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add peer: %w", err)
	}
	return nil
}

// RemovePeer drops peerID from roomID's connected set.
func (s *Store) RemovePeer(ctx context.Context, roomID, peerID string) error {
	if err := s.client.SRem(ctx, peersKey(roomID), peerID).Err(); err != nil {
		return fmt.Errorf("remove peer: %w", err)
	}
	return nil
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, CodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
