package smr

import (
	"testing"

	"overlord/timer"
	"overlord/types"
)

type fakeBlock struct {
	hash    types.Hash
	preHash types.Hash
}

func (b fakeBlock) Encode() ([]byte, error)     { return nil, nil }
func (b fakeBlock) Hash() types.Hash            { return b.hash }
func (b fakeBlock) PreHash() types.Hash         { return b.preHash }
func (b fakeBlock) OwnHeight() types.Height     { return 1 }
func (b fakeBlock) ExecHeight() types.Height    { return 0 }
func (b fakeBlock) PreProof() types.PreCommitQC { return types.PreCommitQC{} }

func actionKinds(actions []Action[fakeBlock]) []ActionKind {
	out := make([]ActionKind, len(actions))
	for i, a := range actions {
		out[i] = a.Kind
	}
	return out
}

func TestEnterRoundAsProposerRequestsBlock(t *testing.T) {
	s := NewRoundState[fakeBlock](1)
	actions := s.Handle(Event[fakeBlock]{Kind: EventEnterRound, Round: 0, IsProposer: true})

	kinds := actionKinds(actions)
	if len(kinds) != 2 || kinds[0] != ActionArmTimer || kinds[1] != ActionRequestBlock {
		t.Fatalf("unexpected actions: %+v", kinds)
	}
}

func TestEnterRoundAsNonProposerOnlyArmsTimer(t *testing.T) {
	s := NewRoundState[fakeBlock](1)
	actions := s.Handle(Event[fakeBlock]{Kind: EventEnterRound, Round: 0, IsProposer: false})

	if len(actions) != 1 || actions[0].Kind != ActionArmTimer {
		t.Fatalf("unexpected actions: %+v", actions)
	}
}

func TestProposalToPreVoteFlow(t *testing.T) {
	s := NewRoundState[fakeBlock](1)
	s.Handle(Event[fakeBlock]{Kind: EventEnterRound, Round: 0, IsProposer: false})

	block := fakeBlock{hash: []byte("b1"), preHash: []byte("genesis")}
	proposal := &types.SignedProposal[fakeBlock]{
		Proposal: types.Proposal[fakeBlock]{
			Height: 1, Round: 0, Block: block, BlockHash: block.hash,
		},
	}

	actions := s.Handle(Event[fakeBlock]{
		Kind:           EventProposal,
		Proposal:       proposal,
		LastCommitHash: []byte("genesis"),
	})

	if len(actions) != 2 || actions[0].Kind != ActionBroadcastPreVote {
		t.Fatalf("unexpected actions: %+v", actions)
	}
	if string(actions[0].Vote.BlockHash) != "b1" {
		t.Fatalf("expected pre-vote for b1, got %q", actions[0].Vote.BlockHash)
	}
	if s.Step != StepPreVote {
		t.Fatalf("expected step=pre_vote, got %s", s.Step)
	}
}

func TestProposalRejectedWhenPreHashMismatches(t *testing.T) {
	s := NewRoundState[fakeBlock](1)
	s.Handle(Event[fakeBlock]{Kind: EventEnterRound, Round: 0, IsProposer: false})

	block := fakeBlock{hash: []byte("b1"), preHash: []byte("wrong")}
	proposal := &types.SignedProposal[fakeBlock]{
		Proposal: types.Proposal[fakeBlock]{Height: 1, Round: 0, Block: block, BlockHash: block.hash},
	}

	actions := s.Handle(Event[fakeBlock]{Kind: EventProposal, Proposal: proposal, LastCommitHash: []byte("genesis")})
	if actions != nil {
		t.Fatalf("expected proposal to be silently dropped, got %+v", actions)
	}
	if s.Step != StepPropose {
		t.Fatalf("step should not have advanced, got %s", s.Step)
	}
}

func TestPreVoteQCNonEmptySetsLockAndPreCommits(t *testing.T) {
	s := NewRoundState[fakeBlock](1)
	s.Step = StepPreVote
	s.Round = 0

	qc := &types.PreVoteQC{Vote: types.Vote{Height: 1, Round: 0, BlockHash: []byte("b1")}}
	actions := s.Handle(Event[fakeBlock]{Kind: EventPreVoteQC, PreVoteQC: qc})

	if len(actions) != 2 || actions[0].Kind != ActionBroadcastPreCommit {
		t.Fatalf("unexpected actions: %+v", actions)
	}
	if s.Lock == nil || string(s.Lock.BlockHash) != "b1" {
		t.Fatalf("expected lock to be set to b1, got %+v", s.Lock)
	}
	if s.Step != StepPreCommit {
		t.Fatalf("expected step=pre_commit, got %s", s.Step)
	}
}

func TestPreVoteQCEmptyDoesNotClearExistingLock(t *testing.T) {
	s := NewRoundState[fakeBlock](1)
	s.Step = StepPreVote
	s.Round = 1
	s.Lock = &Lock{Round: 0, BlockHash: []byte("b1")}

	qc := &types.PreVoteQC{Vote: types.Vote{Height: 1, Round: 1}} // empty hash
	s.Handle(Event[fakeBlock]{Kind: EventPreVoteQC, PreVoteQC: qc})

	if s.Lock == nil || string(s.Lock.BlockHash) != "b1" {
		t.Fatalf("lock must survive an empty PreVoteQC, got %+v", s.Lock)
	}
}

func TestPreCommitQCNonEmptyCommits(t *testing.T) {
	s := NewRoundState[fakeBlock](1)
	s.Step = StepPreCommit
	s.Round = 0

	qc := &types.PreCommitQC{Vote: types.Vote{Height: 1, Round: 0, BlockHash: []byte("b1")}}
	actions := s.Handle(Event[fakeBlock]{Kind: EventPreCommitQC, PreCommitQC: qc})

	if len(actions) != 1 || actions[0].Kind != ActionCommit {
		t.Fatalf("unexpected actions: %+v", actions)
	}
	if string(actions[0].CommitBlockHash) != "b1" {
		t.Fatalf("expected commit for b1, got %q", actions[0].CommitBlockHash)
	}
	if s.Step != StepCommit {
		t.Fatalf("expected step=commit, got %s", s.Step)
	}
}

func TestPreCommitQCEmptyEntersBrake(t *testing.T) {
	s := NewRoundState[fakeBlock](1)
	s.Step = StepPreCommit
	s.Round = 0

	qc := &types.PreCommitQC{Vote: types.Vote{Height: 1, Round: 0}}
	actions := s.Handle(Event[fakeBlock]{Kind: EventPreCommitQC, PreCommitQC: qc})

	if len(actions) != 1 || actions[0].Kind != ActionArmTimer || actions[0].TimerPhase != timer.PhaseBrake {
		t.Fatalf("unexpected actions: %+v", actions)
	}
	if s.Step != StepBrake {
		t.Fatalf("expected step=brake, got %s", s.Step)
	}
}

func TestPreVoteTimeoutPreCommitsEmpty(t *testing.T) {
	s := NewRoundState[fakeBlock](1)
	s.Step = StepPreVote
	s.Round = 0

	actions := s.Handle(Event[fakeBlock]{Kind: EventTimeout, TimeoutPhase: timer.PhasePreVote, TimeoutRound: 0})
	if len(actions) != 2 || actions[0].Kind != ActionBroadcastPreCommit || !actions[0].Vote.IsEmpty() {
		t.Fatalf("unexpected actions: %+v", actions)
	}
}

func TestPreCommitTimeoutBroadcastsChokeOnce(t *testing.T) {
	s := NewRoundState[fakeBlock](1)
	s.Step = StepPreCommit
	s.Round = 0

	actions := s.Handle(Event[fakeBlock]{Kind: EventTimeout, TimeoutPhase: timer.PhasePreCommit, TimeoutRound: 0})
	if len(actions) != 1 || actions[0].Kind != ActionBroadcastChoke {
		t.Fatalf("unexpected actions: %+v", actions)
	}

	// A brake timeout after the first choke must not re-fire it.
	more := s.Handle(Event[fakeBlock]{Kind: EventTimeout, TimeoutPhase: timer.PhaseBrake, TimeoutRound: 0})
	if more != nil {
		t.Fatalf("expected no further choke broadcast, got %+v", more)
	}
}

func TestPreVoteQCFromHigherRoundJumps(t *testing.T) {
	s := NewRoundState[fakeBlock](1)
	s.Step = StepPropose
	s.Round = 0

	qc := &types.PreVoteQC{Vote: types.Vote{Height: 1, Round: 3, BlockHash: []byte("b1")}}
	actions := s.Handle(Event[fakeBlock]{Kind: EventPreVoteQC, PreVoteQC: qc})

	if s.Round != 3 {
		t.Fatalf("expected round to jump to 3, got %d", s.Round)
	}
	if len(actions) == 0 {
		t.Fatalf("expected actions from both the round entry and the replayed QC")
	}
}
