// Package admission provides a non-blocking counting semaphore used to
// cap the number of concurrent TFTP sessions the server will admit.
package admission

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// Bucket is a fixed-capacity pool of admission tokens. Unlike
// active.wsTokenSource (which blocks the caller until a token frees up),
// Acquire here never blocks: a caller that finds the bucket empty gets a
// Guard that reports !Guard.OK(), and is expected to reject the request
// instead of waiting for one.
type Bucket struct {
	sem *semaphore.Weighted
	mu  sync.Mutex
	cap int64
	cur int64
}

// NewBucket constructs a Bucket that admits up to level concurrent
// holders.
func NewBucket(level int) *Bucket {
	return &Bucket{
		sem: semaphore.NewWeighted(int64(level)),
		cap: int64(level),
	}
}

// Level returns the number of tokens currently available, for tests and
// diagnostics.
func (b *Bucket) Level() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.cap - b.cur)
}

// Acquire attempts to take one token without blocking. The returned
// Guard's OK method reports whether the attempt succeeded; its Release
// method returns the token, a no-op if the attempt failed or Release was
// already called.
func (b *Bucket) Acquire() *Guard {
	ok := b.sem.TryAcquire(1)
	if ok {
		b.mu.Lock()
		b.cur++
		b.mu.Unlock()
	}
	return &Guard{bucket: b, ok: ok}
}

// Guard represents one admission attempt's outcome.
type Guard struct {
	bucket   *Bucket
	ok       bool
	released bool
}

// OK reports whether the admission attempt that produced this Guard
// succeeded.
func (g *Guard) OK() bool {
	return g.ok
}

// Release returns the token to the bucket. Safe to call multiple times,
// or on a Guard for which OK() is false; only the first call on a
// successful Guard has any effect.
func (g *Guard) Release() {
	if !g.ok || g.released {
		return
	}
	g.released = true
	g.bucket.sem.Release(1)

	g.bucket.mu.Lock()
	g.bucket.cur--
	g.bucket.mu.Unlock()
}
