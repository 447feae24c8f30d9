package smr

import (
	"bytes"

	"overlord/timer"
	"overlord/types"
)

// Handle is the single step function every inbound event passes through:
// it returns zero or more Actions for the driver to perform, and never
// panics or returns an error — adversarial or stale input is absorbed by
// dropping it or, where the protocol calls for it, transitioning to Brake.
func (s *RoundState[B]) Handle(ev Event[B]) []Action[B] {
	switch ev.Kind {
	case EventEnterRound:
		return s.enterRound(ev)
	case EventBlockReady:
		return s.blockReady(ev)
	case EventProposal:
		return s.onProposal(ev)
	case EventPreVoteQC:
		return s.onPreVoteQC(ev)
	case EventPreCommitQC:
		return s.onPreCommitQC(ev)
	case EventChokeQC:
		return s.onChokeQC(ev)
	case EventTimeout:
		return s.onTimeout(ev)
	default:
		return nil
	}
}

// Transition 1: enter round r. If this authority proposes, it either
// re-proposes its lock or asks the driver to build a fresh block;
// otherwise it arms the propose timeout.
func (s *RoundState[B]) enterRound(ev Event[B]) []Action[B] {
	s.Round = ev.Round
	s.Step = StepPropose
	s.localBlock = nil
	s.localBlockHash = nil
	s.chokeSent = false

	actions := []Action[B]{{
		Kind:   ActionArmTimer,
		TimerPhase: timer.PhasePropose,
		Height: s.Height,
		Round:  s.Round,
	}}

	if ev.IsProposer {
		actions = append(actions, Action[B]{
			Kind:  ActionRequestBlock,
			Reuse: s.Lock,
		})
	}
	return actions
}

// blockReady is the continuation of enterRound for the proposer: the
// adapter handed back a block (fresh, or the locked one re-encoded), so the
// proposer signs and broadcasts its proposal.
func (s *RoundState[B]) blockReady(ev Event[B]) []Action[B] {
	if ev.Block == nil {
		return nil
	}
	block := *ev.Block
	hash := block.Hash()

	var lock *types.PreVoteQC
	if s.Lock != nil {
		lock = &s.Lock.QC
		hash = s.Lock.BlockHash
	}

	proposal := &types.Proposal[B]{
		Height:    s.Height,
		Round:     s.Round,
		Block:     block,
		BlockHash: hash,
		Lock:      lock,
	}

	s.localBlock = &block
	s.localBlockHash = hash

	return []Action[B]{{Kind: ActionBroadcastProposal, Proposal: proposal}}
}

// Transition 2: on a signature-verified SignedProposal from the round's
// proposer. The driver has already checked signature validity and that the
// sender is the selected proposer; this handles the remaining structural
// checks spec.md assigns to the SMR itself.
func (s *RoundState[B]) onProposal(ev Event[B]) []Action[B] {
	if s.Step != StepPropose || ev.Proposal == nil {
		return nil
	}
	p := ev.Proposal.Proposal
	if p.Height != s.Height || p.Round != s.Round {
		return nil
	}
	if !bytes.Equal(p.Block.Hash(), p.BlockHash) {
		return nil // block hash doesn't match the carried block
	}
	if !bytes.Equal(p.Block.PreHash(), ev.LastCommitHash) {
		return nil // doesn't chain from the last commit
	}
	if p.Lock != nil {
		if p.Lock.Vote.Round >= p.Round || !bytes.Equal(p.Lock.Vote.BlockHash, p.BlockHash) {
			return nil // malformed lock evidence
		}
	}

	blockHash := p.BlockHash
	if s.Lock != nil && s.Lock.Round > roundOfLock(p.Lock) {
		// Our lock is newer than whatever the proposer is re-proposing:
		// refuse adoption, pre-vote empty.
		blockHash = nil
	} else {
		block := p.Block
		s.localBlock = &block
		s.localBlockHash = p.BlockHash
	}

	s.Step = StepPreVote
	return []Action[B]{
		{Kind: ActionBroadcastPreVote, Vote: types.Vote{Height: s.Height, Round: s.Round, BlockHash: blockHash}},
		{Kind: ActionArmTimer, TimerPhase: timer.PhasePreVote, Height: s.Height, Round: s.Round},
	}
}

func roundOfLock(qc *types.PreVoteQC) types.Round {
	if qc == nil {
		return 0
	}
	return qc.Vote.Round
}

// Transition 3: on a PreVoteQC reported by the cabinet for this round.
func (s *RoundState[B]) onPreVoteQC(ev Event[B]) []Action[B] {
	qc := ev.PreVoteQC
	if qc == nil {
		return nil
	}
	if qc.Vote.Round > s.Round {
		return s.jumpToRound(qc.Vote.Round, Event[B]{Kind: EventPreVoteQC, PreVoteQC: qc})
	}
	// A jump replay re-enters at Propose before this QC is reprocessed, so
	// accept the QC in either Propose (jumped, no local proposal seen yet)
	// or PreVote (normal flow) step; any other step means this round
	// already moved past the point a PreVoteQC matters.
	if qc.Vote.Round != s.Round || (s.Step != StepPropose && s.Step != StepPreVote) {
		return nil
	}

	var voteHash types.Hash
	if !qc.Vote.IsEmpty() {
		s.Lock = &Lock{Round: s.Round, BlockHash: qc.Vote.BlockHash, QC: *qc}
		voteHash = qc.Vote.BlockHash
	}
	// Empty QC: pre-commit empty, lock is NOT cleared.

	s.Step = StepPreCommit
	return []Action[B]{
		{Kind: ActionBroadcastPreCommit, Vote: types.Vote{Height: s.Height, Round: s.Round, BlockHash: voteHash}},
		{Kind: ActionArmTimer, TimerPhase: timer.PhasePreCommit, Height: s.Height, Round: s.Round},
	}
}

// Transition 4: on a PreCommitQC reported by the cabinet for this round.
func (s *RoundState[B]) onPreCommitQC(ev Event[B]) []Action[B] {
	qc := ev.PreCommitQC
	if qc == nil {
		return nil
	}
	if qc.Vote.Round > s.Round {
		return s.jumpToRound(qc.Vote.Round, Event[B]{Kind: EventPreCommitQC, PreCommitQC: qc})
	}
	if qc.Vote.Round != s.Round || (s.Step != StepPropose && s.Step != StepPreVote && s.Step != StepPreCommit) {
		return nil
	}

	if !qc.Vote.IsEmpty() {
		s.Step = StepCommit
		return []Action[B]{{Kind: ActionCommit, CommitBlockHash: qc.Vote.BlockHash, CommitProof: qc}}
	}

	s.Step = StepBrake
	return []Action[B]{{Kind: ActionArmTimer, TimerPhase: timer.PhaseBrake, Height: s.Height, Round: s.Round}}
}

// Transition 7: on a ChokeQC for this round, advance to round+1. The driver
// is responsible for calling Handle again with EventEnterRound once it has
// queried the authority set for the new round's proposer.
func (s *RoundState[B]) onChokeQC(ev Event[B]) []Action[B] {
	qc := ev.ChokeQC
	if qc == nil || qc.Choke.Round < s.Round {
		return nil
	}
	return nil // driver drives the actual round advance via EventEnterRound
}

// Transition 5 & 6: on timeout in PreVote or PreCommit step.
func (s *RoundState[B]) onTimeout(ev Event[B]) []Action[B] {
	if ev.TimeoutRound != s.Round {
		return nil
	}
	switch ev.TimeoutPhase {
	case timer.PhasePreVote:
		if s.Step != StepPreVote {
			return nil
		}
		s.Step = StepPreCommit
		return []Action[B]{
			{Kind: ActionBroadcastPreCommit, Vote: types.Vote{Height: s.Height, Round: s.Round}},
			{Kind: ActionArmTimer, TimerPhase: timer.PhasePreCommit, Height: s.Height, Round: s.Round},
		}
	case timer.PhasePreCommit:
		if s.Step != StepPreCommit {
			return nil
		}
		return s.broadcastChoke(nil)
	case timer.PhaseBrake:
		if s.Step != StepBrake || s.chokeSent {
			return nil
		}
		return s.broadcastChoke(nil)
	case timer.PhasePropose:
		if s.Step != StepPropose {
			return nil
		}
		// No proposal arrived in time; re-arm with the next round's
		// backoff is the driver's job once it escalates via ChokeQC or a
		// higher-round QC. Here we simply note we timed out by moving to
		// Brake so the driver can decide whether to choke immediately.
		s.Step = StepBrake
		return []Action[B]{{Kind: ActionArmTimer, TimerPhase: timer.PhaseBrake, Height: s.Height, Round: s.Round}}
	default:
		return nil
	}
}

func (s *RoundState[B]) broadcastChoke(from *types.UpdateFrom) []Action[B] {
	if s.chokeSent {
		return nil
	}
	s.chokeSent = true
	s.Step = StepBrake
	return []Action[B]{{
		Kind:       ActionBroadcastChoke,
		Choke:      types.Choke{Height: s.Height, Round: s.Round},
		UpdateFrom: from,
	}}
}

// Transition 8 (adopting a SignedChoke's UpdateFrom evidence of a QC from a
// round beyond ours) lives in driver.Engine.adoptCarriedQC, not here: only
// the driver holds the cabinet the carried QC must be inserted into before
// it can be replayed as a genuine EventPreVoteQC/EventPreCommitQC/
// EventChokeQC, and transition 9 below already does the replay once that
// insert has happened.

// Transition 9: jump directly to a higher round carrying a QC, then
// re-process that QC at the new round. The jump always enters as a
// non-proposer; if this authority turns out to be the jumped-to round's proposer,
// the driver notices when it re-checks the authority set after this call
// returns and issues its own EventEnterRound with IsProposer=true, since
// only the driver has the authority list this decision needs.
func (s *RoundState[B]) jumpToRound(round types.Round, replay Event[B]) []Action[B] {
	actions := s.enterRound(Event[B]{Kind: EventEnterRound, Round: round, IsProposer: false})
	actions = append(actions, s.Handle(replay)...)
	return actions
}
