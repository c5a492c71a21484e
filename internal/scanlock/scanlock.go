// Package scanlock debounces rapid resubmissions of the same scan inside one
// process. It is advisory: the conditional write in attendance is the
// correctness boundary.
package scanlock

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is used when Acquire is called with a non-positive ttl.
const DefaultTTL = 5 * time.Second

type entry struct {
	lockedAt  time.Time
	expiresAt time.Time
}

// Locks is a map of short-lived keyed locks.
type Locks struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// New returns an empty lock table.
func New() *Locks {
	return &Locks{entries: make(map[string]entry), now: time.Now}
}

// Key builds the lock key for a lecture and student.
func Key(lectureID, studentID string) string {
	return lectureID + ":" + studentID
}

// Acquire takes key for ttl. It returns false while a live entry exists.
func (l *Locks) Acquire(key string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.entries[key]; ok {
		if now.Before(e.expiresAt) {
			return false
		}
		delete(l.entries, key)
	}
	l.entries[key] = entry{lockedAt: now, expiresAt: now.Add(ttl)}
	return true
}

// Release drops key whether or not it expired.
func (l *Locks) Release(key string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// IsLocked reports whether key is held, evicting it if expired.
func (l *Locks) IsLocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return false
	}
	if !l.now().Before(e.expiresAt) {
		delete(l.entries, key)
		return false
	}
	return true
}

// Sweep evicts every expired entry and returns how many were removed.
func (l *Locks) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for k, e := range l.entries {
		if !now.Before(e.expiresAt) {
			delete(l.entries, k)
			n++
		}
	}
	return n
}

// Len is the number of entries, expired or not.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Reset clears every lock.
func (l *Locks) Reset() {
	l.mu.Lock()
	l.entries = make(map[string]entry)
	l.mu.Unlock()
}

// Run sweeps every interval until ctx is done.
func (l *Locks) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}
