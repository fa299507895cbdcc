package throttle

import (
	"slices"
	"testing"
	"time"
)

func TestSlidingWindowCounter_Saturation(t *testing.T) {
	w := NewSlidingWindowCounter(time.Second, 3)

	for i := 0; i < 3; i++ {
		at := epoch.Add(time.Duration(i) * 100 * time.Millisecond)
		if got := w.Reserve(at); !got.Equal(at) {
			t.Fatalf("reservation %d: exp immediate send at %v; got %v", i, at, got)
		}
	}

	now := epoch.Add(300 * time.Millisecond)
	got := w.Reserve(now)
	if exp := epoch.Add(time.Second); !got.Equal(exp) {
		t.Errorf("exp oldest slot to free at %v; got %v", exp, got)
	}

	if n := w.Len(now); n != 4 {
		t.Errorf("exp every reservation logged; got %d", n)
	}

	// The window has to slide past the oldest reservation, not the newest.
	slid := epoch.Add(time.Second)
	if got := w.Reserve(slid); !got.Equal(slid) {
		t.Errorf("exp immediate send at %v; got %v", slid, got)
	}
}

func TestSlidingWindowCounter_SlidesPastOldest(t *testing.T) {
	w := NewSlidingWindowCounter(time.Second, 2)

	w.Reserve(epoch)
	w.Reserve(epoch)
	w.Reserve(epoch) // saturated, suggests epoch+1s

	later := epoch.Add(time.Second)
	if got := w.Reserve(later); !got.Equal(later) {
		t.Errorf("exp send at %v once the window slid; got %v", later, got)
	}
}

func TestSlidingWindowCounter_Prune(t *testing.T) {
	w := NewSlidingWindowCounter(time.Second, 5)
	w.Reserve(epoch)
	w.Reserve(epoch.Add(500 * time.Millisecond))

	testCases := []struct {
		name string
		at   time.Duration
		exp  int
	}{
		{name: "all inside", at: 900 * time.Millisecond, exp: 2},
		{name: "boundary is kept", at: time.Second, exp: 2},
		{name: "oldest expired", at: 1001 * time.Millisecond, exp: 1},
		{name: "all expired", at: 2 * time.Second, exp: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := w.Len(epoch.Add(tc.at)); got != tc.exp {
				t.Errorf("exp %d reservations; got %d", tc.exp, got)
			}
		})
	}
}

func TestSlidingWindowCounter_MonotonicRelease(t *testing.T) {
	w := NewSlidingWindowCounter(time.Second, 1)

	first := w.Reserve(epoch.Add(500 * time.Millisecond))
	second := w.Reserve(epoch.Add(600 * time.Millisecond))
	// Out of order: earlier than the last reservation.
	third := w.Reserve(epoch.Add(100 * time.Millisecond))

	if second.Before(first) || third.Before(second) {
		t.Errorf("exp non-decreasing suggestions; got %v, %v, %v", first, second, third)
	}
}

func TestSlidingWindowCounter_Newest(t *testing.T) {
	w := NewSlidingWindowCounter(time.Second, 2)
	if !w.Newest().IsZero() {
		t.Fatalf("exp zero newest on empty log; got %v", w.Newest())
	}

	at := epoch.Add(42 * time.Millisecond)
	w.Reserve(epoch)
	w.Reserve(at)
	if !w.Newest().Equal(at) {
		t.Errorf("exp newest %v; got %v", at, w.Newest())
	}
}

func TestSlidingWindowCounter_OutOfOrderStaysSorted(t *testing.T) {
	w := NewSlidingWindowCounter(time.Second, 5)

	w.Reserve(epoch.Add(900 * time.Millisecond))
	w.Reserve(epoch.Add(100 * time.Millisecond))
	w.Reserve(epoch.Add(500 * time.Millisecond))

	if !slices.IsSortedFunc(w.log, func(a, b time.Time) int { return a.Compare(b) }) {
		t.Fatalf("exp chronological log; got %v", w.log)
	}

	// Only the 100ms reservation has left the window; it must not shelter
	// behind the newer head.
	if got := w.Len(epoch.Add(1200 * time.Millisecond)); got != 2 {
		t.Errorf("exp 2 live reservations; got %d", got)
	}
	if !w.Newest().Equal(epoch.Add(900 * time.Millisecond)) {
		t.Errorf("exp newest at 900ms; got %v", w.Newest().Sub(epoch))
	}
}
