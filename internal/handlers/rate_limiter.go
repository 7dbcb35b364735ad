package handlers

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// checkoutLimiter admits a bounded number of checkout attempts per customer in a fixed window.
type checkoutLimiter interface {
	// Admit records an attempt for customerID. When refused it returns how long until the window resets.
	Admit(customerID string) (bool, time.Duration)
}

type windowCounter struct {
	attempts int
	resetAt  time.Time
}

type fixedWindowLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	counters map[string]windowCounter
	sweepAt  time.Time
}

// newCheckoutLimiter returns nil when limiting is disabled.
func newCheckoutLimiter(max int, window time.Duration, clock func() time.Time) checkoutLimiter {
	if max <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &fixedWindowLimiter{
		max:      max,
		window:   window,
		now:      clock,
		counters: make(map[string]windowCounter),
	}
}

func (l *fixedWindowLimiter) Admit(customerID string) (bool, time.Duration) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		customerID = "anonymous"
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropStaleLocked(now)

	counter, ok := l.counters[customerID]
	if !ok || !now.Before(counter.resetAt) {
		l.counters[customerID] = windowCounter{attempts: 1, resetAt: now.Add(l.window)}
		return true, 0
	}
	if counter.attempts >= l.max {
		return false, counter.resetAt.Sub(now)
	}
	counter.attempts++
	l.counters[customerID] = counter
	return true, 0
}

// dropStaleLocked forgets customers whose window ended, at most once per window.
func (l *fixedWindowLimiter) dropStaleLocked(now time.Time) {
	if now.Before(l.sweepAt) {
		return
	}
	for id, counter := range l.counters {
		if !now.Before(counter.resetAt) {
			delete(l.counters, id)
		}
	}
	l.sweepAt = now.Add(l.window)
}

func retryAfterSeconds(wait time.Duration) string {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
