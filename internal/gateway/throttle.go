package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"
)

// Throttle limits how often a room's timer is broadcast.
type Throttle interface {
	// Allow reports whether a timer broadcast for pin may go out now.
	Allow(ctx context.Context, pin string) (bool, error)
	// Forget drops any state held for pin.
	Forget(ctx context.Context, pin string)
}

// LocalThrottle keeps one rate.Limiter per pin in process memory. It only
// bounds broadcasts issued by this process.
type LocalThrottle struct {
	mu       sync.Mutex
	interval time.Duration
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

// NewLocalThrottle allows one broadcast per pin per interval.
//
// Precondition: interval > 0.
func NewLocalThrottle(interval time.Duration) *LocalThrottle {
	return &LocalThrottle{
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

// Allow implements Throttle.
func (t *LocalThrottle) Allow(_ context.Context, pin string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lim, ok := t.limiters[pin]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.interval), 1)
		t.limiters[pin] = lim
	}
	return lim.AllowN(t.now(), 1), nil
}

// Forget implements Throttle.
func (t *LocalThrottle) Forget(_ context.Context, pin string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.limiters, pin)
}

// Len returns the number of pins with limiter state.
func (t *LocalThrottle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}

// RedisThrottle shares throttle state across processes with SET NX PX: the
// first caller in each interval creates the key and wins.
type RedisThrottle struct {
	client   redis.Cmdable
	interval time.Duration
	prefix   string
}

// NewRedisThrottle creates a RedisThrottle.
//
// Precondition: client must be non-nil; interval must be at least 1ms.
func NewRedisThrottle(client redis.Cmdable, interval time.Duration) *RedisThrottle {
	return &RedisThrottle{client: client, interval: interval, prefix: "quizhub:timer:"}
}

// Allow implements Throttle.
func (t *RedisThrottle) Allow(ctx context.Context, pin string) (bool, error) {
	ok, err := t.client.SetNX(ctx, t.prefix+pin, 1, t.interval).Result()
	if err != nil {
		return false, fmt.Errorf("throttle %s: %w", pin, err)
	}
	return ok, nil
}

// Forget implements Throttle.
func (t *RedisThrottle) Forget(ctx context.Context, pin string) {
	_ = t.client.Del(ctx, t.prefix+pin).Err()
}
