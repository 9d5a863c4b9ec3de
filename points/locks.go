package points

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// =============================================================================
// LOCK TABLE - Per-key mutual exclusion with bounded waits
// =============================================================================

// LockTable hands out one exclusive lock per key ("wallet:<id>",
// "benefit:<id>", ...). Unrelated keys never contend. Every acquisition is
// bounded by the table timeout and by the caller's context.
type LockTable struct {
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// LockTimeoutError is a transient error: the holder may finish soon.
type LockTimeoutError struct {
	Key     string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock %s not acquired within %s", e.Key, e.Timeout)
}

func (e *LockTimeoutError) Unwrap() error { return ErrTransient }

func NewLockTable(timeout time.Duration) *LockTable {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &LockTable{
		timeout: timeout,
		entries: make(map[string]*lockEntry),
	}
}

// Acquire blocks until key is free, the timeout elapses or ctx is done.
// The returned release func is safe to call more than once.
func (t *LockTable) Acquire(ctx context.Context, key string) (func(), error) {
	e := t.ref(key)

	actx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if err := e.sem.Acquire(actx, 1); err != nil {
		t.unref(key, e)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &LockTimeoutError{Key: key, Timeout: t.timeout}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			t.unref(key, e)
		})
	}, nil
}

func (t *LockTable) ref(key string) *lockEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		t.entries[key] = e
	}
	e.refs++
	return e
}

func (t *LockTable) unref(key string, e *lockEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func walletKey(id WalletID) string   { return "wallet:" + string(id) }
func benefitKey(id BenefitID) string { return "benefit:" + string(id) }
func userKey(id UserID) string       { return "user:" + string(id) }
func idemKey(scope, key string) string {
	return "idem:" + scope + ":" + key
}
