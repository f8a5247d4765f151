package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ScoreCache provides fast access to recently computed trust scores so the
// lending pool's borrow precheck does not recompute the full score formula
// on every request.
type ScoreCache interface {
	SetScore(ctx context.Context, addr common.Address, score float64, ts time.Time) error
	GetScore(ctx context.Context, addr common.Address) (float64, time.Time, error)
	Invalidate(ctx context.Context, addr common.Address) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus provides pub/sub for lifecycle events and durable streams for
// consumers that must not miss settlement records.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
