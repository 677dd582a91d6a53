// internal/pipeline/cache.go
package pipeline

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"crm-pipeline/internal/common/logger"

	"github.com/redis/go-redis/v9"
)

const (
	boardCacheKey        = "pipeline:board"
	boardCacheVersionKey = "pipeline:board:version"
)

// BoardCache holds the last computed board snapshot. Version changes on
// every Invalidate; Set stores a board only while the version it was read
// under is still current, so a snapshot taken before a committed move is
// never written back after that move invalidated the cache.
type BoardCache interface {
	Get(ctx context.Context) (*Board, bool)
	Version(ctx context.Context) (int64, bool)
	Set(ctx context.Context, board *Board, version int64)
	Invalidate(ctx context.Context)
}

// RedisBoardCache stores the board as JSON with a TTL. Redis errors are
// logged and treated as a miss.
type RedisBoardCache struct {
	redis  *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

func NewRedisBoardCache(client *redis.Client, ttl time.Duration, log logger.Logger) *RedisBoardCache {
	return &RedisBoardCache{redis: client, ttl: ttl, logger: log}
}

func (c *RedisBoardCache) Get(ctx context.Context) (*Board, bool) {
	val, err := c.redis.Get(ctx, boardCacheKey).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("board cache read failed", map[string]interface{}{"error": err})
		}
		return nil, false
	}
	var b Board
	if err := json.Unmarshal([]byte(val), &b); err != nil {
		c.logger.Warn("board cache entry is corrupt", map[string]interface{}{"error": err})
		return nil, false
	}
	return &b, true
}

// Version returns the invalidation counter. ok is false when Redis could
// not be read, in which case the caller must not fill the cache.
func (c *RedisBoardCache) Version(ctx context.Context) (int64, bool) {
	v, err := c.redis.Get(ctx, boardCacheVersionKey).Int64()
	switch {
	case err == redis.Nil:
		return 0, true
	case err != nil:
		c.logger.Warn("board cache version read failed", map[string]interface{}{"error": err})
		return 0, false
	}
	return v, true
}

func (c *RedisBoardCache) Set(ctx context.Context, board *Board, version int64) {
	data, err := json.Marshal(board)
	if err != nil {
		return
	}
	err = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, boardCacheVersionKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if current != version {
			return errStaleBoard
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, boardCacheKey, data, c.ttl)
			return nil
		})
		return err
	}, boardCacheVersionKey)

	switch {
	case err == nil:
	case stderrors.Is(err, errStaleBoard) || stderrors.Is(err, redis.TxFailedErr):
		c.logger.Debug("board cache write skipped, invalidated during query", nil)
	default:
		c.logger.Warn("board cache write failed", map[string]interface{}{"error": err})
	}
}

// Invalidate bumps the version before dropping the entry so an in-flight
// Set read under the old version is rejected.
func (c *RedisBoardCache) Invalidate(ctx context.Context) {
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, boardCacheVersionKey)
		pipe.Del(ctx, boardCacheKey)
		return nil
	})
	if err != nil {
		c.logger.Warn("board cache invalidation failed", map[string]interface{}{"error": err})
	}
}

var errStaleBoard = stderrors.New("board snapshot is stale")

type noopCache struct{}

func (noopCache) Get(context.Context) (*Board, bool)     { return nil, false }
func (noopCache) Version(context.Context) (int64, bool) { return 0, false }
func (noopCache) Set(context.Context, *Board, int64)    {}
func (noopCache) Invalidate(context.Context)            {}
