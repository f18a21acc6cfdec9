package store

import (
	"context"
	"crypto/tls"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedis connects from REDIS_* env vars and verifies with a bounded ping.
func NewRedis(ctx context.Context) (*redis.Client, error) {
	addr := envOr("REDIS_ADDR", "localhost:6379")
	db := 0
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			db = parsed
		}
	}
	var tlsConfig *tls.Config
	if envBool("REDIS_TLS") {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		if name := os.Getenv("REDIS_TLS_SERVER_NAME"); name != "" {
			tlsConfig.ServerName = name
		}
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  os.Getenv("REDIS_PASSWORD"),
		DB:        db,
		TLSConfig: tlsConfig,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}
