package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/teleconsult/internal/auth"
	"github.com/mossy-p/teleconsult/internal/logging"
	"github.com/mossy-p/teleconsult/internal/middleware"
	"github.com/mossy-p/teleconsult/internal/rooms"
)

var log = logging.Logger("server")

// API holds the dependencies shared by the REST handlers.
type API struct {
	store        *rooms.Store
	issuer       *auth.Issuer
	hub          *Hub
	joinTokenTTL time.Duration
}

func NewAPI(store *rooms.Store, issuer *auth.Issuer, hub *Hub, joinTokenTTL time.Duration) *API {
	return &API{store: store, issuer: issuer, hub: hub, joinTokenTTL: joinTokenTTL}
}

// Router builds the gin engine with every route registered.
func (a *API) Router(allowedOrigins []string) *gin.Engine {
	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(allowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	requireUser := middleware.JWTAuth(a.issuer)

	// Room management API
	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", a.Login)

		apiGroup.POST("/rooms", requireUser, a.CreateRoom)
		apiGroup.GET("/rooms/:roomId", a.GetRoom)
		apiGroup.POST("/rooms/:roomId/token", requireUser, a.JoinToken)
		apiGroup.POST("/rooms/:roomId/end", requireUser, a.EndRoom)
		apiGroup.DELETE("/rooms/:roomId", requireUser, a.DeleteRoom)
	}

	// WebSocket signaling endpoint - accepts room code or ID
	router.GET("/ws/signal/:roomId", a.hub.HandleSignaling)

	return router
}
