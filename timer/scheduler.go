// Package timer schedules the per-phase round timeouts and drops stale
// firings on delivery rather than on scheduling, the direct generalization
// of the upstream Overlord Timer's epoch-gated Stream.
package timer

import (
	"log/slog"
	"sync"
	"time"

	"overlord/types"
)

// Phase identifies which round timeout fired.
type Phase int

const (
	// PhasePropose fires when a round's proposer has had long enough to
	// broadcast a proposal without one arriving; it carries the
	// exponential backoff since it also doubles as the "new round
	// started" signal the upstream epoch gate keys off of.
	PhasePropose Phase = iota
	// PhasePreVote fires when PreVote weight hasn't crossed threshold.
	PhasePreVote
	// PhasePreCommit fires when PreCommit weight hasn't crossed threshold.
	PhasePreCommit
	// PhaseBrake fires when a round should be abandoned outright.
	PhaseBrake
)

func (p Phase) String() string {
	switch p {
	case PhasePropose:
		return "propose"
	case PhasePreVote:
		return "pre_vote"
	case PhasePreCommit:
		return "pre_commit"
	case PhaseBrake:
		return "brake"
	default:
		return "unknown"
	}
}

// Fired is a timeout that survived the epoch gate and should drive the SMR.
type Fired struct {
	Height types.Height
	Round  types.Round
	Phase  Phase
}

// maxProposeBackoffExp caps the exponential propose-timeout backoff at
// 2^10, matching the upstream Timer::set_timer's coef.min(10).
const maxProposeBackoffExp = 10

// Scheduler schedules round timeouts from a TimeConfig and gates their
// firing against the latest (height, round) it has been told about, so a
// timer armed for a round the SMR has already left never reaches the
// driver. Gating happens at delivery time, not at scheduling time: an
// already-armed timer that fires late is simply dropped, it is never
// canceled out from under the runtime timer wheel.
type Scheduler struct {
	cfg    types.TimeConfig
	logger *slog.Logger

	mu    sync.Mutex
	epoch types.Height
	round types.Round

	raw chan Fired
	out chan Fired
	done chan struct{}
}

// NewScheduler starts the gating goroutine and returns a ready Scheduler.
func NewScheduler(cfg types.TimeConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cfg:    cfg,
		logger: logger,
		raw:    make(chan Fired, 16),
		out:    make(chan Fired, 16),
		done:   make(chan struct{}),
	}
	go s.gate()
	return s
}

// Fired is the channel of timeouts that passed the epoch gate.
func (s *Scheduler) Fired() <-chan Fired {
	return s.out
}

// Stop halts the gating goroutine. Already-armed time.AfterFunc callbacks
// may still fire into the (now unread) raw channel; they are harmless.
func (s *Scheduler) Stop() {
	close(s.done)
}

// SetTimer arms phase's timeout for (height, round). Arming a Propose timer
// also advances the scheduler's epoch/round watermark, the same way the
// upstream Timer bumps epoch_id/round only on NewRoundInfo.
func (s *Scheduler) SetTimer(height types.Height, round types.Round, phase Phase) {
	s.mu.Lock()
	if phase == PhasePropose {
		if height > s.epoch {
			s.epoch = height
		}
		s.round = round
	}
	interval := s.interval(phase, round)
	s.mu.Unlock()

	s.logger.Info("timer armed", "phase", phase.String(), "height", height, "round", round, "interval", interval)

	time.AfterFunc(interval, func() {
		select {
		case s.raw <- Fired{Height: height, Round: round, Phase: phase}:
		case <-s.done:
		}
	})
}

func (s *Scheduler) interval(phase Phase, round types.Round) time.Duration {
	base := time.Duration(s.cfg.IntervalMillis) * time.Millisecond
	var ratio uint64
	switch phase {
	case PhasePropose:
		ratio = s.cfg.ProposeRatio
	case PhasePreVote:
		ratio = s.cfg.PreVoteRatio
	case PhasePreCommit:
		ratio = s.cfg.PreCommitRatio
	case PhaseBrake:
		ratio = s.cfg.BrakeRatio
	}
	d := base * time.Duration(ratio) / 10

	if phase == PhasePropose {
		coef := round
		if coef > maxProposeBackoffExp {
			coef = maxProposeBackoffExp
		}
		d *= time.Duration(uint64(1) << coef)
	}
	return d
}

func (s *Scheduler) gate() {
	for {
		select {
		case <-s.done:
			return
		case f := <-s.raw:
			if s.shouldDeliver(f) {
				select {
				case s.out <- f:
				case <-s.done:
					return
				}
			} else {
				s.logger.Debug("dropped stale timer", "phase", f.Phase.String(), "height", f.Height, "round", f.Round)
			}
		}
	}
}

// shouldDeliver is the Go rendering of the upstream Timer::trigger's
// staleness check: a firing from an earlier height, or from an earlier
// round of the current height, is dropped whatever its phase; a round's own
// pre-vote/pre-commit/brake timeouts carry the same round as the propose
// timer that set the watermark, so they still pass.
func (s *Scheduler) shouldDeliver(f Fired) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.Height < s.epoch {
		return false
	}
	if f.Height == s.epoch && f.Round < s.round {
		return false
	}
	return true
}
