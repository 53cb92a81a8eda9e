package delivery

import (
	"fmt"
	"testing"
	"time"
)

// TestWindowBegin verifies first-attempt seeding, suppression inside the
// TTL, and release after it.
func TestWindowBegin(t *testing.T) {
	now := time.Unix(1700000000, 0)
	w := NewWindow(45 * time.Second)
	w.SetClock(func() time.Time { return now })

	if !w.Begin("k1") {
		t.Fatal("first Begin(k1) = false, want true")
	}
	if w.Begin("k1") {
		t.Error("repeat Begin(k1) inside window = true, want false")
	}
	if !w.Begin("k2") {
		t.Error("Begin(k2) = false, want true")
	}

	now = now.Add(44 * time.Second)
	if w.Begin("k1") {
		t.Error("Begin(k1) at 44s = true, want false")
	}

	now = now.Add(2 * time.Second)
	if !w.Begin("k1") {
		t.Error("Begin(k1) after window = false, want true")
	}
}

// TestWindowSuppressedRepeatDoesNotExtend checks that suppressed repeats
// keep the original deadline instead of refreshing it.
func TestWindowSuppressedRepeatDoesNotExtend(t *testing.T) {
	now := time.Unix(1700000000, 0)
	w := NewWindow(10 * time.Second)
	w.SetClock(func() time.Time { return now })

	w.Begin("k")
	now = now.Add(8 * time.Second)
	w.Begin("k") // suppressed, must not re-seed
	now = now.Add(3 * time.Second)
	if !w.Begin("k") {
		t.Error("Begin(k) 11s after seed = false, want true")
	}
}

// TestWindowCapEviction fills the window past its cap and checks inserts
// still succeed.
func TestWindowCapEviction(t *testing.T) {
	w := NewWindow(time.Hour)
	for i := 0; i < maxTrackedKeys+10; i++ {
		if !w.Begin(fmt.Sprintf("key-%d", i)) {
			t.Fatalf("Begin(key-%d) = false, want true", i)
		}
	}
}
