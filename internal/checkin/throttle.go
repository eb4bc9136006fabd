package checkin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Throttle limits code regeneration to one per transaction per window.
type Throttle interface {
	// Allow reports whether a new code may be issued now; when denied it
	// also returns how many seconds remain until the next attempt.
	Allow(ctx context.Context, txID string) (bool, int, error)
}

// RegenWindow is the minimum spacing between issued codes per transaction.
const RegenWindow = 60 * time.Second

var regenScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisThrottle is the production limiter: a counter with a sliding expiry
// shared across service instances.
type RedisThrottle struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisThrottle(client redis.UniversalClient) *RedisThrottle {
	return &RedisThrottle{client: client, prefix: "prosafe:otp_regen"}
}

func (t *RedisThrottle) Allow(ctx context.Context, txID string) (bool, int, error) {
	key := fmt.Sprintf("%s:%s", t.prefix, txID)
	raw, err := regenScript.Run(ctx, t.client, []string{key}, RegenWindow.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected throttle response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected throttle count type: %T", values[0])
	}
	ttlMs, _ := values[1].(int64)
	if count > 1 {
		retryAfter := int((time.Duration(ttlMs) * time.Millisecond).Round(time.Second) / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter, nil
	}
	return true, 0, nil
}

// MemThrottle is the in-process limiter for tests and STORE=memory runs.
type MemThrottle struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewMemThrottle(now func() time.Time) *MemThrottle {
	if now == nil {
		now = time.Now
	}
	return &MemThrottle{last: make(map[string]time.Time), now: now}
}

func (t *MemThrottle) Allow(_ context.Context, txID string) (bool, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if issued, ok := t.last[txID]; ok {
		elapsed := now.Sub(issued)
		if elapsed < RegenWindow {
			return false, int((RegenWindow - elapsed).Round(time.Second) / time.Second), nil
		}
	}
	t.last[txID] = now
	return true, 0, nil
}
