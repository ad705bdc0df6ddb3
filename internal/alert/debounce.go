package alert

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Debouncer decides whether an alert should be written. Implementations
// suppress repeats of the same room and metric.
type Debouncer interface {
	Allow(ctx context.Context, a Alert) (bool, error)
}

// NoDebounce writes every alert.
type NoDebounce struct{}

func (NoDebounce) Allow(context.Context, Alert) (bool, error) { return true, nil }

func cooldownKey(a Alert) string {
	return "alert:cooldown:" + a.Room + ":" + a.Metric
}

// MemoryCooldown suppresses repeats within Cooldown in a single process.
type MemoryCooldown struct {
	cooldown time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

func NewMemoryCooldown(cooldown time.Duration) *MemoryCooldown {
	return &MemoryCooldown{cooldown: cooldown, now: time.Now, last: make(map[string]time.Time)}
}

func (m *MemoryCooldown) Allow(_ context.Context, a Alert) (bool, error) {
	key := cooldownKey(a)
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.last[key]; ok && now.Sub(t) < m.cooldown {
		return false, nil
	}
	m.last[key] = now
	return true, nil
}

// RedisCooldown shares the cooldown between API replicas with SET NX PX.
type RedisCooldown struct {
	client   *redis.Client
	cooldown time.Duration
}

func NewRedisCooldown(client *redis.Client, cooldown time.Duration) *RedisCooldown {
	return &RedisCooldown{client: client, cooldown: cooldown}
}

func (r *RedisCooldown) Allow(ctx context.Context, a Alert) (bool, error) {
	return r.client.SetNX(ctx, cooldownKey(a), string(a.Severity), r.cooldown).Result()
}
