package integrity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayWindow tracks (sender, sequence) pairs for a bounded period.
// Remember reports whether the pair was fresh and records it atomically.
type ReplayWindow interface {
	Remember(ctx context.Context, senderID string, seq uint64) (bool, error)
}

// MemoryWindow is the in-process replay window used when no shared store is
// configured. Entries are evicted once older than the codec expiry window,
// after which the timestamp check rejects the message anyway.
type MemoryWindow struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]map[uint64]int64
}

func NewMemoryWindow(ttl time.Duration) *MemoryWindow {
	if ttl <= 0 {
		ttl = DefaultMaxAge
	}
	return &MemoryWindow{ttl: ttl, now: time.Now, seen: make(map[string]map[uint64]int64)}
}

func (w *MemoryWindow) Remember(_ context.Context, senderID string, seq uint64) (bool, error) {
	nowUnix := w.now().Unix()
	cutoff := nowUnix - int64(w.ttl/time.Second)
	w.mu.Lock()
	defer w.mu.Unlock()
	perSender := w.seen[senderID]
	if perSender == nil {
		perSender = make(map[uint64]int64)
		w.seen[senderID] = perSender
	}
	for s, at := range perSender {
		if at < cutoff {
			delete(perSender, s)
		}
	}
	if _, ok := perSender[seq]; ok {
		return false, nil
	}
	perSender[seq] = nowUnix
	return true, nil
}

// RedisWindow shares the replay window across processes via SETNX with TTL,
// so every replica of a relay rejects a replayed sequence number.
type RedisWindow struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisWindow(client *redis.Client, ttl time.Duration, prefix string) *RedisWindow {
	if ttl <= 0 {
		ttl = DefaultMaxAge
	}
	if prefix == "" {
		prefix = "ring:replay"
	}
	return &RedisWindow{client: client, ttl: ttl, prefix: prefix}
}

func (w *RedisWindow) Remember(ctx context.Context, senderID string, seq uint64) (bool, error) {
	key := fmt.Sprintf("%s:%s:%d", w.prefix, senderID, seq)
	ok, err := w.client.SetNX(ctx, key, 1, w.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}
