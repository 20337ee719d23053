package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/splat-api/internal/logging"
)

// Cache abstracts the Redis operations used by the artifact cache to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// cachedArtifact is the stored form of a converted image. The artifact
// filename is not cached because it depends on the uploaded name.
type cachedArtifact struct {
	PLY         []byte    `json:"ply"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	FocalLength float64   `json:"focal_length"`
	CreatedAt   time.Time `json:"created_at"`
}

// ArtifactCache stores converted artifacts keyed by the upload content, so
// a repeated upload skips inference. All failures are logged and reported
// as misses.
type ArtifactCache struct {
	cache          Cache
	ttl            time.Duration
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewArtifactCache wraps cache. A nil cache yields a nil *ArtifactCache,
// whose methods are no-ops.
func NewArtifactCache(cache Cache, ttl time.Duration, logger *zap.Logger) *ArtifactCache {
	if cache == nil {
		return nil
	}
	return &ArtifactCache{
		cache:          cache,
		ttl:            ttl,
		logger:         logger.Named("artifact_cache"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// ArtifactKey identifies an upload by content and the focal default that
// applies when the image carries no EXIF focal length.
func ArtifactKey(data []byte, defaultFocalMM float64) string {
	sum := sha1.Sum(data)
	return fmt.Sprintf("artifact:%s:f%g", hex.EncodeToString(sum[:]), defaultFocalMM)
}

func (c *ArtifactCache) get(ctx context.Context, requestID, key string) (*cachedArtifact, bool) {
	if c == nil {
		return nil, false
	}
	var raw string
	err := c.withRedisRetry(ctx, requestID, "cache.get.artifact", func() error {
		value, err := c.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(c.logger, "cache.get.artifact", requestID).Warn("failed to read cache", zap.Error(err))
		}
		return nil, false
	}

	var payload cachedArtifact
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		logging.WithOperation(c.logger, "cache.get.artifact", requestID).Warn("failed to decode cached artifact", zap.Error(err))
		return nil, false
	}
	if len(payload.PLY) == 0 {
		return nil, false
	}
	return &payload, true
}

func (c *ArtifactCache) put(ctx context.Context, requestID, key string, artifact *cachedArtifact) {
	if c == nil {
		return
	}
	serialized, err := json.Marshal(artifact)
	if err != nil {
		logging.WithOperation(c.logger, "cache.set.artifact", requestID).Error("failed to serialize artifact", zap.Error(err))
		return
	}
	if err := c.withRedisRetry(ctx, requestID, "cache.set.artifact", func() error {
		return c.cache.Set(ctx, key, string(serialized), c.ttl)
	}); err != nil {
		logging.WithOperation(c.logger, "cache.set.artifact", requestID).Warn("failed to cache artifact", zap.Error(err))
	}
}

func (c *ArtifactCache) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if c.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := c.initialBackoff
	opLogger := logging.WithOperation(c.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= c.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == c.retryAttempts-1 {
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
