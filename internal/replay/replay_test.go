package replay

import (
	"errors"
	"testing"

	"github.com/ephemeralrooms/ephemeralrooms/internal/errs"
)

func TestFirstSequenceAlwaysAccepted(t *testing.T) {
	w := New()
	if err := w.CheckAndMark(100); err != nil {
		t.Fatalf("CheckAndMark(100) error = %v", err)
	}
	if w.HighestSeen() != 100 {
		t.Errorf("HighestSeen() = %d, want 100", w.HighestSeen())
	}
}

func TestMonotonicIncreaseAccepted(t *testing.T) {
	w := New()
	for _, s := range []uint64{0, 1, 2, 3, 10, 11} {
		if err := w.CheckAndMark(s); err != nil {
			t.Fatalf("CheckAndMark(%d) error = %v", s, err)
		}
	}
}

func TestExactReplayRejected(t *testing.T) {
	w := New()
	if err := w.CheckAndMark(5); err != nil {
		t.Fatalf("CheckAndMark(5) error = %v", err)
	}
	if err := w.CheckAndMark(5); !errors.Is(err, errs.ErrReplayDetected) {
		t.Fatalf("CheckAndMark(5) replay error = %v, want ErrReplayDetected", err)
	}
}

func TestOutOfOrderWithinWindowAccepted(t *testing.T) {
	w := New()
	if err := w.CheckAndMark(100); err != nil {
		t.Fatalf("CheckAndMark(100) error = %v", err)
	}
	if err := w.CheckAndMark(95); err != nil {
		t.Fatalf("CheckAndMark(95) error = %v", err)
	}
	// Same sequence again must be rejected.
	if err := w.CheckAndMark(95); !errors.Is(err, errs.ErrReplayDetected) {
		t.Fatalf("CheckAndMark(95) replay error = %v, want ErrReplayDetected", err)
	}
}

func TestBelowWindowRejected(t *testing.T) {
	w := New()
	if err := w.CheckAndMark(1000); err != nil {
		t.Fatalf("CheckAndMark(1000) error = %v", err)
	}
	if err := w.CheckAndMark(900); !errors.Is(err, errs.ErrReplayDetected) {
		t.Fatalf("CheckAndMark(900) error = %v, want ErrReplayDetected (outside 64-window)", err)
	}
}

func TestLargeForwardJumpResetsBitmap(t *testing.T) {
	w := New()
	if err := w.CheckAndMark(10); err != nil {
		t.Fatalf("CheckAndMark(10) error = %v", err)
	}
	if err := w.CheckAndMark(10000); err != nil {
		t.Fatalf("CheckAndMark(10000) error = %v", err)
	}
	// A sequence just below the old highest must now be rejected as
	// outside the (reset) window, not treated as a replay of bit state
	// carried over from before the jump.
	if err := w.CheckAndMark(9); !errors.Is(err, errs.ErrReplayDetected) {
		t.Fatalf("CheckAndMark(9) error = %v, want ErrReplayDetected", err)
	}
}

func TestTrackerPerSenderIsolation(t *testing.T) {
	tr := NewTracker()
	var alice, bob [16]byte
	alice[0] = 1
	bob[0] = 2

	if err := tr.CheckAndMark(alice, 0); err != nil {
		t.Fatalf("CheckAndMark(alice, 0) error = %v", err)
	}
	if err := tr.CheckAndMark(bob, 0); err != nil {
		t.Fatalf("CheckAndMark(bob, 0) error = %v", err)
	}
	if err := tr.CheckAndMark(alice, 0); !errors.Is(err, errs.ErrReplayDetected) {
		t.Fatalf("CheckAndMark(alice, 0) replay error = %v, want ErrReplayDetected", err)
	}
}

func TestTrackerResetClearsState(t *testing.T) {
	tr := NewTracker()
	var alice [16]byte
	alice[0] = 1

	if err := tr.CheckAndMark(alice, 5); err != nil {
		t.Fatalf("CheckAndMark(alice, 5) error = %v", err)
	}
	tr.Reset()
	if err := tr.CheckAndMark(alice, 5); err != nil {
		t.Fatalf("CheckAndMark(alice, 5) after Reset() error = %v, want nil", err)
	}
}
