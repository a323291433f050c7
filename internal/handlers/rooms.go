package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/teleconsult/internal/middleware"
	"github.com/mossy-p/teleconsult/internal/models"
	"github.com/mossy-p/teleconsult/internal/rooms"
)

// CreateRoom creates a new room with the authenticated user as caller
func (a *API) CreateRoom(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.CalleeID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Callee must differ from caller"})
		return
	}

	room, err := a.store.Create(c.Request.Context(), userID, req.CalleeID)
	if err != nil {
		log.Errorf("Failed to create room: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: room.ID,
		Code:   room.Code,
	})
}

// GetRoom gets room information by code or ID (public)
func (a *API) GetRoom(c *gin.Context) {
	room, err := a.store.Get(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		writeRoomError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// JoinToken issues a signaling token for one of the room's two participants.
// The role comes from the room record so exactly one side creates the offer.
func (a *API) JoinToken(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)

	room, err := a.store.Get(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		writeRoomError(c, err)
		return
	}
	if room.Status == models.RoomStatusEnded {
		writeRoomError(c, rooms.ErrEnded)
		return
	}

	role, ok := room.RoleOf(userID)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a participant of this room"})
		return
	}

	token, expiresAt, err := a.issuer.IssueJoinToken(userID, room.ID, role, a.joinTokenTTL)
	if err != nil {
		log.Errorf("Failed to issue join token for room %s: %v", room.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, models.JoinTokenResponse{
		Token:     token,
		RoomID:    room.ID,
		Role:      role,
		ExpiresAt: expiresAt,
	})
}

// EndRoom marks the room ended and disconnects its peers (participants only)
func (a *API) EndRoom(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)

	room, err := a.store.Get(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		writeRoomError(c, err)
		return
	}
	if _, ok := room.RoleOf(userID); !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a participant of this room"})
		return
	}

	ended, err := a.store.End(c.Request.Context(), room.ID)
	if err != nil {
		writeRoomError(c, err)
		return
	}
	a.hub.EndRoom(room.ID)

	log.Infof("Room %s ended by user %s", room.ID, userID)
	c.JSON(http.StatusOK, ended)
}

// DeleteRoom deletes a room (requires authentication and creator)
func (a *API) DeleteRoom(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)

	room, err := a.store.Get(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		writeRoomError(c, err)
		return
	}

	// Verify user is the creator
	if room.CreatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}

	a.hub.EndRoom(room.ID)
	if err := a.store.Delete(c.Request.Context(), room); err != nil {
		writeRoomError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

func writeRoomError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, rooms.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
	case errors.Is(err, rooms.ErrEnded):
		c.JSON(http.StatusGone, gin.H{"error": "Room has ended"})
	case errors.Is(err, rooms.ErrFull):
		c.JSON(http.StatusConflict, gin.H{"error": "Room is full"})
	default:
		log.Errorf("Room store error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
