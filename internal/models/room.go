package models

import "time"

// Role designates which side of a call creates the offer.
type Role string

const (
	RoleAuto   Role = ""
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Initiator reports whether the role creates the offer.
func (r Role) Initiator() bool { return r == RoleCaller }

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAuto || r == RoleCaller || r == RoleCallee
}

type RoomStatus string

const (
	RoomStatusActive RoomStatus = "active"
	RoomStatusEnded  RoomStatus = "ended"
)

// MaxParticipants is fixed: the call core negotiates exactly one peer pair.
const MaxParticipants = 2

// RoomMetadata stores information about a teleconsult room
type RoomMetadata struct {
	ID               string     `json:"id"`
	Code             string     `json:"code"`      // Short, shareable room code (e.g., "ABCD23")
	CreatorID        string     `json:"creatorId"` // User ID from JWT who created the room
	CallerID         string     `json:"callerId"`
	CalleeID         string     `json:"calleeId"`
	Status           RoomStatus `json:"status"`
	CreatedAt        time.Time  `json:"createdAt"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
	ParticipantCount int        `json:"participantCount"`
}

// RoleOf returns the role userID holds in the room, or false if the user is
// not a participant.
func (r *RoomMetadata) RoleOf(userID string) (Role, bool) {
	switch userID {
	case r.CallerID:
		return RoleCaller, true
	case r.CalleeID:
		return RoleCallee, true
	}
	return RoleAuto, false
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	CalleeID string `json:"calleeId" binding:"required"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// JoinTokenResponse carries a room-scoped token for the signaling websocket.
type JoinTokenResponse struct {
	Token     string    `json:"token"`
	RoomID    string    `json:"roomId"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}
