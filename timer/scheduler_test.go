package timer

import (
	"testing"
	"time"

	"overlord/types"
)

func fastConfig() types.TimeConfig {
	return types.TimeConfig{
		IntervalMillis: 20,
		ProposeRatio:   10,
		PreVoteRatio:   10,
		PreCommitRatio: 10,
		BrakeRatio:     10,
	}
}

func TestSchedulerDeliversFreshTimer(t *testing.T) {
	s := NewScheduler(fastConfig(), nil)
	defer s.Stop()

	s.SetTimer(1, 0, PhasePropose)

	select {
	case f := <-s.Fired():
		if f.Height != 1 || f.Round != 0 || f.Phase != PhasePropose {
			t.Fatalf("unexpected fired event: %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for timer")
	}
}

func TestSchedulerDropsStaleRound(t *testing.T) {
	s := NewScheduler(fastConfig(), nil)
	defer s.Stop()

	// Arm round 0's propose timer, then immediately advance to round 1:
	// the round-0 firing must never reach Fired().
	s.SetTimer(1, 0, PhasePropose)
	s.SetTimer(1, 1, PhasePropose)

	seen := map[types.Round]bool{}
	timeout := time.After(500 * time.Millisecond)
	for i := 0; i < 2; i++ {
		select {
		case f := <-s.Fired():
			seen[f.Round] = true
		case <-timeout:
		}
	}
	if seen[0] {
		t.Fatalf("round 0's stale propose timer should have been dropped")
	}
	if !seen[1] {
		t.Fatalf("round 1's propose timer should have been delivered")
	}
}

func TestSchedulerDropsStaleHeight(t *testing.T) {
	s := NewScheduler(fastConfig(), nil)
	defer s.Stop()

	s.SetTimer(1, 0, PhasePreVote)
	s.SetTimer(2, 0, PhasePropose) // advances epoch to height 2

	select {
	case f := <-s.Fired():
		if f.Height != 2 {
			t.Fatalf("expected only the height-2 timer to be delivered, got %+v", f)
		}
	case <-time.After(500 * time.Millisecond):
	}
}

func TestProposeBackoffCapsAtTenRounds(t *testing.T) {
	s := NewScheduler(types.TimeConfig{IntervalMillis: 1, ProposeRatio: 10, PreVoteRatio: 10, PreCommitRatio: 10, BrakeRatio: 10}, nil)
	defer s.Stop()

	at10 := s.interval(PhasePropose, 10)
	at20 := s.interval(PhasePropose, 20)
	if at10 != at20 {
		t.Fatalf("backoff should cap at round 10: interval(10)=%v interval(20)=%v", at10, at20)
	}
}
