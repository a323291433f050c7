package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/teleconsult/config"
	"github.com/mossy-p/teleconsult/internal/auth"
	"github.com/mossy-p/teleconsult/internal/handlers"
	"github.com/mossy-p/teleconsult/internal/logging"
	"github.com/mossy-p/teleconsult/internal/redis"
	"github.com/mossy-p/teleconsult/internal/rooms"
)

var log = logging.Logger("server")

func main() {
	// Load configuration
	cfg := config.Load()
	logging.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	log.Info("Redis connection established")

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	store := rooms.NewStore(rdb, cfg.RoomTTL)
	issuer := auth.NewIssuer(cfg.JWTSecret)
	hub := handlers.NewHub(store, issuer)
	api := handlers.NewAPI(store, issuer, hub, cfg.JoinTokenTTL)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.Router(cfg.AllowedOrigins),
	}

	go func() {
		log.Infof("Starting teleconsult signaling server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server shutdown: %v", err)
	}
}
