package readiness

import "testing"

func TestLatticeTransitions(t *testing.T) {
	tr := NewTracker()

	if s, _ := tr.Current(); s != StateStarting {
		t.Fatalf("initial state = %s, want starting", s)
	}

	tr.MarkLoading()
	if s, _ := tr.Current(); s != StateLoading {
		t.Fatalf("after MarkLoading state = %s, want loading", s)
	}

	tr.MarkReady()
	if s, _ := tr.Current(); s != StateReady {
		t.Fatalf("after MarkReady state = %s, want ready", s)
	}
	if !tr.Ready() {
		t.Error("Ready() = false for ready tracker")
	}

	// Ready never reverts to Loading.
	tr.MarkLoading()
	if s, _ := tr.Current(); s != StateReady {
		t.Errorf("MarkLoading reverted ready state to %s", s)
	}

	// Ready is idempotent.
	tr.MarkReady()
	if s, _ := tr.Current(); s != StateReady {
		t.Errorf("repeat MarkReady gave %s", s)
	}
}

func TestFailedIsAbsorbing(t *testing.T) {
	tr := NewTracker()
	tr.MarkFailed("shard cannot start")

	if s, reason := tr.Current(); s != StateFailed || reason != "shard cannot start" {
		t.Fatalf("got (%s, %q)", s, reason)
	}

	tr.MarkReady()
	tr.MarkLoading()
	if s, _ := tr.Current(); s != StateFailed {
		t.Errorf("failed state was escaped, now %s", s)
	}
	if tr.Ready() {
		t.Error("Ready() = true for failed tracker")
	}

	// The first failure reason sticks.
	tr.MarkFailed("another error")
	if _, reason := tr.Current(); reason != "shard cannot start" {
		t.Errorf("failure reason overwritten: %q", reason)
	}
}

func TestFailedFromReady(t *testing.T) {
	tr := NewTracker()
	tr.MarkReady()
	tr.MarkFailed("engine died")
	if s, _ := tr.Current(); s != StateFailed {
		t.Fatalf("state = %s, want failed", s)
	}
}
