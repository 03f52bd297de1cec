package main

import (
	"context"
	"log"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/teamgrid/huddle/config"
	"github.com/teamgrid/huddle/relay"
)

func main() {
	cfg := config.LoadRelay()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	slog.Info("redis connection established", "addr", cfg.Redis.Host+":"+cfg.Redis.Port)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server := relay.NewServer(cfg.JWTSecret, cfg.AllowedOrigins, relay.NewStore(rdb))
	router := server.Router()

	slog.Info("starting huddle relay", "port", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
