package handlers

import (
	"testing"
	"time"
)

func TestCheckoutLimiterResetsAfterWindow(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	limiter := newCheckoutLimiter(2, time.Minute, func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if ok, _ := limiter.Admit("user-1"); !ok {
			t.Fatalf("attempt %d unexpectedly refused", i+1)
		}
	}
	ok, wait := limiter.Admit("user-1")
	if ok || wait != time.Minute {
		t.Fatalf("expected refusal with 1m wait, got ok=%v wait=%s", ok, wait)
	}
	if ok, _ := limiter.Admit("user-2"); !ok {
		t.Fatal("limits must be per customer")
	}

	now = now.Add(time.Minute)
	if ok, _ := limiter.Admit("user-1"); !ok {
		t.Fatal("expected a fresh window after reset")
	}
}

func TestCheckoutLimiterDisabled(t *testing.T) {
	if limiter := newCheckoutLimiter(0, time.Minute, nil); limiter != nil {
		t.Fatal("expected nil limiter for non-positive limit")
	}
}

func TestRetryAfterSecondsRoundsUp(t *testing.T) {
	if got := retryAfterSeconds(1500 * time.Millisecond); got != "2" {
		t.Fatalf("expected 2, got %s", got)
	}
	if got := retryAfterSeconds(0); got != "1" {
		t.Fatalf("expected minimum of 1, got %s", got)
	}
}
