package coord

import (
	"context"
	"errors"
	"time"
)

// ErrNil is returned when a key does not exist
var ErrNil = errors.New("coord: key does not exist")

// Store is the narrow set of atomic primitives the scheduler needs from its
// coordination backend. Every method is atomic on its own key.
type Store interface {
	// Lists (FIFO queues)
	ListPush(ctx context.Context, key, value string) error
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ListRemove(ctx context.Context, key, value string) (int64, error)
	ListLen(ctx context.Context, key string) (int64, error)

	// Sorted sets, ordered by ascending score
	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error)
	ZRem(ctx context.Context, key, member string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// Keys
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndSwap(ctx context.Context, key, old, value string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error

	// Sets
	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// Publish/subscribe. The returned channel is closed once ctx is done.
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, error)

	Close() error
}
