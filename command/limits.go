package command

import (
	"time"
)

// ReplayTracker keeps the per-author high-water nonce. Nonce gaps are
// tolerated; anything at or below the mark is a replay.
type ReplayTracker struct {
	highWater map[AuthorId]uint64
}

func NewReplayTracker() *ReplayTracker {
	return &ReplayTracker{
		highWater: map[AuthorId]uint64{},
	}
}

// IsNewer reports whether the nonce is strictly above the author's
// high-water mark.
func (self *ReplayTracker) IsNewer(author AuthorId, nonce uint64) bool {
	mark, ok := self.highWater[author]
	if !ok {
		return true
	}
	return mark < nonce
}

// Accept raises the author's high-water mark.
func (self *ReplayTracker) Accept(author AuthorId, nonce uint64) {
	if mark, ok := self.highWater[author]; !ok || mark < nonce {
		self.highWater[author] = nonce
	}
}

// HighWater returns the author's highest accepted nonce.
func (self *ReplayTracker) HighWater(author AuthorId) (uint64, bool) {
	mark, ok := self.highWater[author]
	return mark, ok
}

// TokenBucket rate-limits one author: capacity = burst, refill = sustained
// commands per second.
type TokenBucket struct {
	capacity   float64
	refillRate float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

func NewTokenBucket(burst int, sustainPerSec float64, now func() time.Time) *TokenBucket {
	if now == nil {
		now = time.Now
	}
	capacity := float64(burst)
	return &TokenBucket{
		capacity:   capacity,
		refillRate: sustainPerSec,
		tokens:     capacity,
		lastRefill: now(),
		now:        now,
	}
}

func (self *TokenBucket) refill() {
	now := self.now()
	elapsed := now.Sub(self.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	self.tokens = min(self.capacity, self.tokens+elapsed*self.refillRate)
	self.lastRefill = now
}

// TryAcquire spends one token if available.
func (self *TokenBucket) TryAcquire() bool {
	self.refill()
	if self.tokens < 1 {
		return false
	}
	self.tokens -= 1
	return true
}

// Available returns the current token count after refill.
func (self *TokenBucket) Available() float64 {
	self.refill()
	return self.tokens
}
