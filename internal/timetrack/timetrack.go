// Package timetrack keeps the time-on-lesson counter per (user, lesson) that
// the quiz minimum-time gate reads.
package timetrack

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/p-n-ai/pai-learn/internal/platform/cache"
)

// Tracker records and reports time spent on lessons.
type Tracker interface {
	// Record adds d to the user's time on the lesson.
	Record(ctx context.Context, userID, lessonID string, d time.Duration) error
	// TimeSpent returns the accumulated time. Unknown pairs report zero.
	TimeSpent(ctx context.Context, userID, lessonID string) (time.Duration, error)
}

func validate(userID, lessonID string, d time.Duration) error {
	if userID == "" || lessonID == "" {
		return fmt.Errorf("user and lesson are required")
	}
	if d < 0 {
		return fmt.Errorf("duration must be non-negative, got %s", d)
	}
	return nil
}

// MemoryTracker is an in-memory tracker for development and tests.
type MemoryTracker struct {
	mu    sync.RWMutex
	spent map[string]time.Duration
}

// NewMemoryTracker creates an empty in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		spent: make(map[string]time.Duration),
	}
}

func (t *MemoryTracker) Record(_ context.Context, userID, lessonID string, d time.Duration) error {
	if err := validate(userID, lessonID, d); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.spent[trackKey(userID, lessonID)] += d
	return nil
}

func (t *MemoryTracker) TimeSpent(_ context.Context, userID, lessonID string) (time.Duration, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.spent[trackKey(userID, lessonID)], nil
}

func trackKey(userID, lessonID string) string {
	return userID + ":" + lessonID
}

// RedisTracker stores counters as whole seconds under
// lesson_time:{user}:{lesson}.
type RedisTracker struct {
	cache *cache.Cache
	ttl   time.Duration
}

// NewRedisTracker creates a tracker backed by c. A positive ttl expires
// counters that stop receiving updates.
func NewRedisTracker(c *cache.Cache, ttl time.Duration) *RedisTracker {
	return &RedisTracker{cache: c, ttl: ttl}
}

func (t *RedisTracker) Record(ctx context.Context, userID, lessonID string, d time.Duration) error {
	if err := validate(userID, lessonID, d); err != nil {
		return err
	}
	seconds := int64(d / time.Second)
	if seconds == 0 {
		return nil
	}
	if _, err := t.cache.IncrBy(ctx, t.key(userID, lessonID), seconds, t.ttl); err != nil {
		return fmt.Errorf("recording lesson time: %w", err)
	}
	return nil
}

func (t *RedisTracker) TimeSpent(ctx context.Context, userID, lessonID string) (time.Duration, error) {
	seconds, err := t.cache.Counter(ctx, t.key(userID, lessonID))
	if err != nil {
		return 0, fmt.Errorf("reading lesson time: %w", err)
	}
	return time.Duration(seconds) * time.Second, nil
}

func (t *RedisTracker) key(userID, lessonID string) string {
	return t.cache.Key("lesson_time", userID, lessonID)
}
