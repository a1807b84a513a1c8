// Package lockset provides a keyed, non-blocking try-lock. A second
// concurrent acquirer for the same key is rejected outright rather than
// queued, and a held lease is force-released after a deadline so an error
// path that skips Release cannot cause permanent lockout.
package lockset

import (
	"sync"
	"time"

	"otakon/internal/logging"
)

// DefaultLeaseTimeout force-releases a lease whose holder never released it.
const DefaultLeaseTimeout = 10 * time.Second

// Lease is a held lock for one key. Release is idempotent.
type Lease struct {
	set      *Set
	key      string
	acquired time.Time
	once     sync.Once
}

// Key returns the key this lease holds.
func (l *Lease) Key() string { return l.key }

// Release frees the key. Safe to call more than once; a deferred Release
// after a force-release is a no-op.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.set.release(l.key, l)
	})
}

type entry struct {
	lease    *Lease
	acquired time.Time
}

// Set is a process-wide set of held keys. Construct once per process.
type Set struct {
	mu      sync.Mutex
	held    map[string]*entry
	timeout time.Duration
	now     func() time.Time
}

// New constructs a Set. A non-positive timeout takes DefaultLeaseTimeout.
func New(timeout time.Duration) *Set {
	if timeout <= 0 {
		timeout = DefaultLeaseTimeout
	}
	return &Set{
		held:    make(map[string]*entry),
		timeout: timeout,
		now:     time.Now,
	}
}

// TryAcquire attempts to take the key. It never blocks: the second caller
// for a held key gets (nil, false). A stale lease past the timeout is
// force-released and taken over.
func (s *Set) TryAcquire(key string) (*Lease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.held[key]; ok {
		if s.now().Sub(e.acquired) < s.timeout {
			logging.SecurityWarn("lease contention on %q, rejecting", key)
			return nil, false
		}
		// Holder exceeded the lease timeout; take the key over.
		logging.SecurityWarn("force-releasing stale lease on %q (held %v)", key, s.now().Sub(e.acquired))
		delete(s.held, key)
	}

	lease := &Lease{set: s, key: key, acquired: s.now()}
	s.held[key] = &entry{lease: lease, acquired: lease.acquired}
	return lease, true
}

func (s *Set) release(key string, l *Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Only the current holder may release; a stale lease that was already
	// forced out must not free a successor's key.
	if e, ok := s.held[key]; ok && e.lease == l {
		delete(s.held, key)
	}
}

// Held reports whether the key is currently leased.
func (s *Set) Held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.held[key]
	return ok && s.now().Sub(e.acquired) < s.timeout
}

// Reset drops every held key. Intended for tests.
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = make(map[string]*entry)
}
