package auth

import (
	"container/list"
	"sync"
	"time"
)

// RateLimiter throttles authentication attempts per source address: a
// token bucket refilled at rate tokens/period, tracked in an LRU of bounded
// size so a flood of distinct source addresses can't grow this unbounded.
// Grounded on pkg/prepared's container/list-backed LRU idiom.
type RateLimiter struct {
	mu       sync.Mutex
	rate     int
	period   time.Duration
	capacity int

	order *list.List
	index map[string]*list.Element
}

type bucketEntry struct {
	addr      string
	tokens    int
	updatedAt time.Time
}

// NewRateLimiter builds a limiter allowing rate attempts per period for each
// source address, tracking at most capacity distinct addresses (default
// 10/minute per spec.md C10, matching the teacher's default auth-attempt
// throttle).
func NewRateLimiter(rate int, period time.Duration, capacity int) *RateLimiter {
	if rate <= 0 {
		rate = 10
	}
	if period <= 0 {
		period = time.Minute
	}
	if capacity <= 0 {
		capacity = 10000
	}
	return &RateLimiter{
		rate:     rate,
		period:   period,
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Allow reports whether addr has a token left, consuming one if so.
func (l *RateLimiter) Allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	el, ok := l.index[addr]
	var e *bucketEntry
	if ok {
		e = el.Value.(*bucketEntry)
		l.order.MoveToFront(el)
	} else {
		e = &bucketEntry{addr: addr, tokens: l.rate, updatedAt: now}
		el = l.order.PushFront(e)
		l.index[addr] = el
		l.evictIfFull()
	}

	elapsed := now.Sub(e.updatedAt)
	if elapsed >= l.period {
		refills := int(elapsed / l.period)
		e.tokens = min(l.rate, e.tokens+refills*l.rate)
		e.updatedAt = now
	}

	if e.tokens <= 0 {
		return false
	}
	e.tokens--
	return true
}

func (l *RateLimiter) evictIfFull() {
	for l.order.Len() > l.capacity {
		back := l.order.Back()
		if back == nil {
			return
		}
		l.order.Remove(back)
		delete(l.index, back.Value.(*bucketEntry).addr)
	}
}
