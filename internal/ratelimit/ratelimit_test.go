package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("client"); err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
	}
}

func TestLimiter_BurstThenLimited(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if err := l.Allow("a"); err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	// Another client has its own bucket.
	if err := l.Allow("b"); err != nil {
		t.Errorf("client b: %v", err)
	}

	// One token per second refills.
	now = now.Add(time.Second)
	if err := l.Allow("a"); err != nil {
		t.Errorf("after refill: %v", err)
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestLimiter_PrunesIdleClients(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	_ = l.Allow("a")
	_ = l.Allow("b")
	if got := l.Clients(); got != 2 {
		t.Fatalf("Clients = %d, want 2", got)
	}

	now = now.Add(idleAfter + time.Second)
	_ = l.Allow("c")
	if got := l.Clients(); got != 1 {
		t.Errorf("Clients = %d, want 1 after pruning", got)
	}
}
