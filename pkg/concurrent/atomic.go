package concurrent

import (
	"sync/atomic"
)

// AtomicLimiter caps the number of live connections without a lock. A zero
// or negative limit disables it.
type AtomicLimiter struct {
	max    int64
	count  int64
	enable int64
}

func NewAtomicLimiter(maxConcurrent int64) *AtomicLimiter {
	var enable int64 = 1
	if maxConcurrent <= 0 {
		maxConcurrent = 0
		enable = 0
	}
	return &AtomicLimiter{
		max:    maxConcurrent,
		enable: enable,
	}
}

func (b *AtomicLimiter) Acquire() (bool, int64) {
	if atomic.LoadInt64(&b.enable) != 1 {
		return true, atomic.LoadInt64(&b.count)
	}
	for {
		now := atomic.LoadInt64(&b.count)
		if now >= atomic.LoadInt64(&b.max) {
			return false, now
		}
		if atomic.CompareAndSwapInt64(&b.count, now, now+1) {
			return true, now + 1
		}
	}
}

func (b *AtomicLimiter) Release() {
	atomic.AddInt64(&b.count, -1)
}

func (b *AtomicLimiter) Reset(limit int64) {
	if limit <= 0 {
		atomic.StoreInt64(&b.enable, 0)
		limit = 0
	} else {
		atomic.StoreInt64(&b.enable, 1)
	}
	atomic.StoreInt64(&b.max, limit)
}

func (b *AtomicLimiter) Count() int64 {
	return atomic.LoadInt64(&b.count)
}
