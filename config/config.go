// Package config loads environment configuration for the huddle client and
// the relay.
package config

import (
	"fmt"
	"os"
	"strings"
)

// Relay configures the signaling relay service.
type Relay struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          Redis
}

type Redis struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// LoadRelay reads relay configuration from the environment.
func LoadRelay() *Relay {
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Relay{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: Redis{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
		},
	}
}

// Client configures one huddle engine instance.
type Client struct {
	RelayURL  string
	UserID    string
	Username  string
	ChannelID string
	StateDir  string
	STUNURLs  []string
}

// LoadClient reads client configuration from the environment. UserID and
// ChannelID have no sensible defaults and are required.
func LoadClient() (*Client, error) {
	userID, err := mustGetenv("HUDDLE_USER_ID")
	if err != nil {
		return nil, err
	}
	channelID, err := mustGetenv("HUDDLE_CHANNEL_ID")
	if err != nil {
		return nil, err
	}

	stateDir := getEnv("HUDDLE_STATE_DIR", "")
	if stateDir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			stateDir = dir + "/huddle"
		} else {
			stateDir = ".huddle"
		}
	}

	return &Client{
		RelayURL:  getEnv("HUDDLE_RELAY_URL", "http://localhost:8080"),
		UserID:    userID,
		Username:  getEnv("HUDDLE_USERNAME", userID),
		ChannelID: channelID,
		StateDir:  stateDir,
		STUNURLs:  strings.Split(getEnv("HUDDLE_STUN_URLS", "stun:stun.l.google.com:19302"), ","),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustGetenv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("missing required env %s", key)
	}
	return v, nil
}
