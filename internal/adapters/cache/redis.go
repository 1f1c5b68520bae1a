package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/jobrunner/geoingest/internal/ports/output"
)

// RedisConfig holds redis cache settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Redis is a chunk cache shared between instances. Redis failures are
// logged and reported as misses.
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

var _ output.ChunkCache = (*Redis)(nil)

// NewRedis connects to redis and pings it.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, ttl: cfg.TTL, logger: logger}, nil
}

// Get implements ChunkCache.
func (r *Redis) Get(ctx context.Context, key output.ChunkKey) ([]byte, bool) {
	body, err := r.rdb.Get(ctx, Key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("chunk cache read failed", "layer", key.LayerID, "chunk", key.ChunkID, "error", err)
		}
		return nil, false
	}
	return body, true
}

// Set implements ChunkCache.
func (r *Redis) Set(ctx context.Context, key output.ChunkKey, body []byte) {
	if err := r.rdb.Set(ctx, Key(key), body, r.ttl).Err(); err != nil {
		r.logger.Warn("chunk cache write failed", "layer", key.LayerID, "chunk", key.ChunkID, "error", err)
	}
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
