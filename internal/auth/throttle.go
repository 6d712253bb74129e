package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultThrottleMax    = 10
	defaultThrottleWindow = time.Minute
)

// CounterStore is a keyed fixed-window hit counter with a TTL per key. The
// window is fixed, not sliding: a burst straddling a window boundary can reach
// twice the limit. Counters are ephemeral; losing them only loosens
// throttling, it never grants access on its own.
type CounterStore interface {
	// Allow consumes one hit for key unless the current window already holds
	// limit hits, in which case it returns false without consuming and the
	// time until the window resets.
	Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, time.Duration, error)
}

// LoginThrottle rate-limits authentication attempts per source IP. It is the
// only way in or out of the counter; raw get/set is not exposed.
type LoginThrottle struct {
	store  CounterStore
	limit  int
	window time.Duration
}

func NewLoginThrottle(store CounterStore, limit int, window time.Duration) *LoginThrottle {
	if limit <= 0 {
		limit = defaultThrottleMax
	}
	if window <= 0 {
		window = defaultThrottleWindow
	}
	return &LoginThrottle{store: store, limit: limit, window: window}
}

func (t *LoginThrottle) CheckAndConsume(ctx context.Context, ip string, now time.Time) (bool, time.Duration, error) {
	return t.store.Allow(ctx, ip, t.limit, t.window, now)
}

// MemoryCounter is the single-process CounterStore. Multi-instance
// deployments need the Redis counter for the limit to hold globally.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*counterWindow
	maxKeys int
}

type counterWindow struct {
	startedAt time.Time
	hits      int
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		windows: make(map[string]*counterWindow),
		maxKeys: 5000,
	}
}

func (m *MemoryCounter) Allow(_ context.Context, key string, limit int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windows[key]
	if w == nil || now.Sub(w.startedAt) >= window {
		w = &counterWindow{startedAt: now}
		m.windows[key] = w
	}

	if w.hits >= limit {
		retryAfter := w.startedAt.Add(window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return false, retryAfter, nil
	}

	w.hits++

	if len(m.windows) > m.maxKeys {
		threshold := now.Add(-window)
		for k, v := range m.windows {
			if v.startedAt.Before(threshold) {
				delete(m.windows, k)
			}
		}
	}

	return true, 0, nil
}

// allowScript refuses without incrementing once the window is full, so the
// stored count never exceeds the limit.
var allowScript = redis.NewScript(`
local hits = tonumber(redis.call('GET', KEYS[1]) or '0')
if hits >= tonumber(ARGV[1]) then
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		ttl = tonumber(ARGV[2])
	end
	return {0, ttl}
end
hits = redis.call('INCR', KEYS[1])
if hits == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, 0}
`)

// RedisCounter shares the window across instances. Redis is authoritative for
// time here; the caller-supplied now is ignored.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client, prefix: "login_throttle:"}
}

func (r *RedisCounter) Allow(ctx context.Context, key string, limit int, window time.Duration, _ time.Time) (bool, time.Duration, error) {
	res, err := allowScript.Run(ctx, r.client, []string{r.prefix + key}, limit, window.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("run throttle script: %w", err)
	}

	values, ok := res.([]any)
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected throttle script reply: %v", res)
	}
	allowed, _ := values[0].(int64)
	ttlMillis, _ := values[1].(int64)

	if allowed == 1 {
		return true, 0, nil
	}

	retryAfter := time.Duration(ttlMillis) * time.Millisecond
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter, nil
}
