package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mossy-p/teleconsult/internal/logging"
)

var log = logging.Logger("server")

// Config is the signaling server configuration.
type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	LogLevel       string
	RoomTTL        time.Duration
	JoinTokenTTL   time.Duration
	Redis          RedisConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// ClientConfig is the call client configuration.
type ClientConfig struct {
	APIURL       string
	SignalingURL string
	STUNURLs     []string
	LogLevel     string

	// Zero means wait indefinitely.
	MediaTimeout       time.Duration
	NegotiationTimeout time.Duration

	PingInterval           time.Duration
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
}

func Load() *Config {
	loadDotEnv()

	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		RoomTTL:        getDuration("ROOM_TTL", 24*time.Hour),
		JoinTokenTTL:   getDuration("JOIN_TOKEN_TTL", time.Hour),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
	}
}

func LoadClient() *ClientConfig {
	loadDotEnv()

	return &ClientConfig{
		APIURL:                 getEnv("API_URL", "http://localhost:8080"),
		SignalingURL:           getEnv("SIGNALING_URL", "ws://localhost:8080/ws/signal"),
		STUNURLs:               getEnvs("STUN_URLS", []string{"stun:stun.l.google.com:19302"}),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		MediaTimeout:           getDuration("MEDIA_TIMEOUT", 0),
		NegotiationTimeout:     getDuration("NEGOTIATION_TIMEOUT", 0),
		PingInterval:           getDuration("PING_INTERVAL", 250*time.Millisecond),
		ICEDisconnectedTimeout: getDuration("ICE_DISCONNECTED_TIMEOUT", 30*time.Second),
		ICEFailedTimeout:       getDuration("ICE_FAILED_TIMEOUT", 120*time.Second),
	}
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("Error loading .env file: %v", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvs splits a space-separated list.
func getEnvs(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Fields(value)
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Warnf("Invalid %s=%q, using %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		log.Warnf("Invalid %s=%q, using %s", key, value, defaultValue)
		return defaultValue
	}
	return d
}
