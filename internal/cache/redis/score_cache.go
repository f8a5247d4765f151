package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/trustbond/internal/domain"
)

// scoreTTL bounds cache staleness: an entry older than this expires on its
// own even if no settlement invalidated it.
const scoreTTL = 5 * time.Minute

// ScoreCache implements domain.ScoreCache using Redis hashes.
// Each user's score is stored as a hash at key "score:{address}" with fields
// "score" and "ts" (Unix nanosecond timestamp).
type ScoreCache struct {
	rdb *redis.Client
}

// NewScoreCache creates a ScoreCache backed by the given Client.
func NewScoreCache(c *Client) *ScoreCache {
	return &ScoreCache{rdb: c.Underlying()}
}

func scoreKey(addr common.Address) string {
	return "score:" + addr.Hex()
}

// SetScore stores the latest trust score and computation timestamp for a user.
func (sc *ScoreCache) SetScore(ctx context.Context, addr common.Address, score float64, ts time.Time) error {
	key := scoreKey(addr)
	fields := map[string]interface{}{
		"score": strconv.FormatFloat(score, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	pipe := sc.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, scoreTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set score %s: %w", addr.Hex(), err)
	}
	return nil
}

// GetScore retrieves the cached trust score and timestamp for a user.
// It returns domain.ErrNotFound when the key does not exist.
func (sc *ScoreCache) GetScore(ctx context.Context, addr common.Address) (float64, time.Time, error) {
	key := scoreKey(addr)
	vals, err := sc.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get score %s: %w", addr.Hex(), err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	scoreStr, ok := vals["score"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	score, err := strconv.ParseFloat(scoreStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse score %s: %w", addr.Hex(), err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", addr.Hex(), err)
	}

	return score, time.Unix(0, tsNano), nil
}

// Invalidate drops the cached score for a user. Called after any settlement
// that changes the user's bond set or penalty offsets.
func (sc *ScoreCache) Invalidate(ctx context.Context, addr common.Address) error {
	if err := sc.rdb.Del(ctx, scoreKey(addr)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate score %s: %w", addr.Hex(), err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ScoreCache = (*ScoreCache)(nil)
