package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestLimiter_BurstThenRefill(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if err := l.Allow("10.0.0.1"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Allow("10.0.0.1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third request = %v, want ErrRateLimited", err)
	}

	// One token per second at 60/min.
	now = now.Add(time.Second)
	if err := l.Allow("10.0.0.1"); err != nil {
		t.Errorf("after refill: %v", err)
	}
}

func TestLimiter_PerClient(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 1})
	if err := l.Allow("a"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("a second request = %v", err)
	}
	if err := l.Allow("b"); err != nil {
		t.Errorf("b exhausted by a: %v", err)
	}
	if l.Clients() != 2 {
		t.Errorf("Clients = %d, want 2", l.Clients())
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("a"); err != nil {
			t.Fatalf("unlimited limiter rejected request %d", i)
		}
	}

	var nilLimiter *Limiter
	if err := nilLimiter.Allow("a"); err != nil {
		t.Errorf("nil limiter: %v", err)
	}
}
