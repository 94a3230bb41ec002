package middleware

import (
	"testing"
	"time"
)

func TestLimiterStore_AllowAndCleanup(t *testing.T) {
	// allow 5 events immediately then the 6th should be rejected
	s := NewLimiterStore(5, 5, 100*time.Millisecond)
	defer s.Stop()

	key := "user-42"
	for i := 0; i < 5; i++ {
		if !s.Allow(key) {
			t.Fatalf("expected allow at iteration %d", i)
		}
	}

	if s.Allow(key) {
		t.Fatalf("expected limiter to block after burst consumed")
	}

	// keys are independent: another sender is unaffected
	if !s.Allow("user-other") {
		t.Fatalf("expected a fresh key to be allowed")
	}
}

func TestLimiterStore_ZeroRateFallsBack(t *testing.T) {
	s := NewLimiterStore(0, 1, time.Minute)
	defer s.Stop()

	if !s.Allow("k") {
		t.Fatalf("expected the default rate to allow the first event")
	}
}
