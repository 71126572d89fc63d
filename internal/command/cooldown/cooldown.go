// Package cooldown tracks per-user command cooldowns.
package cooldown

import (
	"context"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// Tracker reports and records command cooldowns keyed by user and command.
type Tracker interface {
	// Active reports whether the user is still on cooldown for the command.
	Active(ctx context.Context, userID snowflake.ID, command string) (bool, error)
	// Add starts a cooldown of the given duration. Non-positive durations are ignored.
	Add(ctx context.Context, userID snowflake.ID, command string, d time.Duration) error
}

type key struct {
	userID  snowflake.ID
	command string
}

// MemoryTracker keeps cooldowns in process memory.
// Expired entries are dropped when next looked up or by Sweep.
type MemoryTracker struct {
	entries *xsync.MapOf[key, time.Time]
	now     func() time.Time
}

// NewMemoryTracker creates an empty in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		entries: xsync.NewMapOf[key, time.Time](),
		now:     time.Now,
	}
}

func (t *MemoryTracker) Active(_ context.Context, userID snowflake.ID, command string) (bool, error) {
	k := key{userID: userID, command: command}

	expiry, ok := t.entries.Load(k)
	if !ok {
		return false, nil
	}

	if !t.now().Before(expiry) {
		// Only evict the entry we saw; a concurrent Add may have replaced it
		t.entries.Compute(k, func(current time.Time, loaded bool) (time.Time, bool) {
			return current, !loaded || current.Equal(expiry)
		})

		return false, nil
	}

	return true, nil
}

func (t *MemoryTracker) Add(_ context.Context, userID snowflake.ID, command string, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t.entries.Store(key{userID: userID, command: command}, t.now().Add(d))

	return nil
}

// Sweep removes every expired entry and returns how many were removed.
func (t *MemoryTracker) Sweep() int {
	now := t.now()
	removed := 0

	t.entries.Range(func(k key, expiry time.Time) bool {
		if !now.Before(expiry) {
			t.entries.Delete(k)
			removed++
		}

		return true
	})

	return removed
}

// Len returns the number of tracked entries, including expired ones not yet swept.
func (t *MemoryTracker) Len() int {
	return t.entries.Size()
}
