package quota

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"ollamachat/internal/redis"
)

const guestKeyPrefix = "guest:quota:"

// ErrLimitReached is returned when a message would exceed a quota.
var ErrLimitReached = errors.New("message limit reached")

// GuestQuota caps the number of messages a guest may send in total.
// Counts live in redis when available, otherwise in process memory.
type GuestQuota struct {
	cache *redis.Client
	limit int
	ttl   time.Duration

	mu     sync.Mutex
	counts map[string]guestCount
}

type guestCount struct {
	used    int
	expires time.Time
}

// NewGuestQuota builds a quota of limit messages per guest. ttl bounds how long
// a guest's count is remembered and should match the guest token lifetime.
func NewGuestQuota(cache *redis.Client, limit int, ttl time.Duration) *GuestQuota {
	if limit <= 0 {
		limit = 10
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &GuestQuota{
		cache:  cache,
		limit:  limit,
		ttl:    ttl,
		counts: make(map[string]guestCount),
	}
}

// Limit returns the configured cap.
func (q *GuestQuota) Limit() int {
	return q.limit
}

// Reserve counts one message for the guest and returns how many remain
// afterwards. When the cap is already reached nothing is counted and
// ErrLimitReached is returned.
func (q *GuestQuota) Reserve(ctx context.Context, guestID string) (int, error) {
	if guestID == "" {
		return 0, errors.New("guest id required")
	}
	if q.cache.Enabled() {
		key := guestKeyPrefix + guestID
		used, err := q.cache.IncrWithTTL(ctx, key, q.ttl)
		if err != nil {
			return 0, fmt.Errorf("reserve guest message: %w", err)
		}
		if used > int64(q.limit) {
			_, _ = q.cache.DecrIfPositive(ctx, key)
			return 0, ErrLimitReached
		}
		return q.limit - int(used), nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	entry := q.entryLocked(guestID)
	if entry.used >= q.limit {
		return 0, ErrLimitReached
	}
	entry.used++
	q.counts[guestID] = entry
	return q.limit - entry.used, nil
}

// Release hands back a reservation whose message was never answered. It is a
// no-op for a guest with nothing counted, including one whose count expired.
func (q *GuestQuota) Release(ctx context.Context, guestID string) {
	if guestID == "" {
		return
	}
	if q.cache.Enabled() {
		if _, err := q.cache.DecrIfPositive(ctx, guestKeyPrefix+guestID); err != nil {
			log.Printf("[quota] release guest message: %v", err)
		}
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	entry := q.entryLocked(guestID)
	if entry.used > 0 {
		entry.used--
		q.counts[guestID] = entry
	}
}

// Remaining reports how many messages the guest may still send.
func (q *GuestQuota) Remaining(ctx context.Context, guestID string) (int, error) {
	if guestID == "" {
		return q.limit, nil
	}
	if q.cache.Enabled() {
		val, err := q.cache.Get(ctx, guestKeyPrefix+guestID)
		if err != nil {
			if errors.Is(err, redis.ErrCacheMiss) {
				return q.limit, nil
			}
			return 0, fmt.Errorf("read guest quota: %w", err)
		}
		used, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("parse guest quota: %w", err)
		}
		return clampRemaining(q.limit - used), nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return clampRemaining(q.limit - q.entryLocked(guestID).used), nil
}

func (q *GuestQuota) entryLocked(guestID string) guestCount {
	now := time.Now()
	entry, ok := q.counts[guestID]
	if !ok || now.After(entry.expires) {
		entry = guestCount{expires: now.Add(q.ttl)}
		q.counts[guestID] = entry
		q.pruneLocked(now)
	}
	return entry
}

func (q *GuestQuota) pruneLocked(now time.Time) {
	for id, entry := range q.counts {
		if now.After(entry.expires) {
			delete(q.counts, id)
		}
	}
}

func clampRemaining(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
