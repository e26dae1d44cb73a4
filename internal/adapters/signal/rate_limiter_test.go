package signal

import (
	"testing"
	"time"
)

func TestJoinRateLimiter_SlidingWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewJoinRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	if !rl.Allow("alice") || !rl.Allow("alice") {
		t.Fatal("first two joins should pass")
	}
	if rl.Allow("alice") {
		t.Fatal("third join inside the window should be refused")
	}
	if !rl.Allow("bob") {
		t.Fatal("limits are per member")
	}

	now = now.Add(61 * time.Second)
	if !rl.Allow("alice") {
		t.Fatal("join after the window should pass")
	}
}

func TestJoinRateLimiter_Disabled(t *testing.T) {
	rl := NewJoinRateLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !rl.Allow("alice") {
			t.Fatalf("attempt %d refused with limiter disabled", i)
		}
	}
}

func TestJoinRateLimiter_PrunesIdleMembers(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewJoinRateLimiter(5, time.Minute)
	rl.now = func() time.Time { return now }
	rl.Allow("alice")
	now = now.Add(2 * time.Minute)
	rl.Allow("bob")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.history["alice"]; ok {
		t.Fatal("idle member kept in history")
	}
	if len(rl.history) != 1 {
		t.Fatalf("history=%d entries, want 1", len(rl.history))
	}
}
