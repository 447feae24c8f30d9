// Package smr implements the per-height, round-based state machine that
// drives one authority through Propose/PreVote/PreCommit/Brake, producing
// the ten transitions as a step function: Handle consumes one Event and
// returns the Actions the driver must perform, so every suspension point
// (signing, broadcasting, adapter calls) stays owned by the driver.
package smr

import (
	"overlord/timer"
	"overlord/types"
)

// Step is the round-local phase an authority is in.
type Step int

const (
	StepPropose Step = iota
	StepPreVote
	StepPreCommit
	StepBrake
	StepCommit
)

func (s Step) String() string {
	switch s {
	case StepPropose:
		return "propose"
	case StepPreVote:
		return "pre_vote"
	case StepPreCommit:
		return "pre_commit"
	case StepBrake:
		return "brake"
	case StepCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// Lock is the polka an authority carries across rounds: the highest-round
// PreVoteQC it has adopted for a non-empty hash. It survives round
// escalation within a height and is released only by a strictly
// higher-round PreVoteQC for a different hash, or by the height committing.
type Lock struct {
	Round     types.Round
	BlockHash types.Hash
	QC        types.PreVoteQC
}

// RoundState is one authority's view of one height's consensus progress.
type RoundState[B types.Block] struct {
	Height types.Height
	Round  types.Round
	Step   Step

	Lock *Lock

	// localBlock is this round's candidate, set once a proposal (ours or
	// the proposer's) is adopted.
	localBlock     *B
	localBlockHash types.Hash

	chokeSent bool
}

// NewRoundState starts a fresh height at round 0, Propose step, no lock.
func NewRoundState[B types.Block](height types.Height) *RoundState[B] {
	return &RoundState[B]{Height: height, Round: 0, Step: StepPropose}
}

// EventKind tags the payload an Event carries.
type EventKind int

const (
	// EventEnterRound starts round Round fresh — either because the
	// height just started, a ChokeQC advanced the round, or a QC from a
	// higher round forced a jump.
	EventEnterRound EventKind = iota
	// EventBlockReady delivers the block the adapter built in response to
	// an ActionRequestBlock, so this authority (as proposer) can sign and
	// broadcast its proposal.
	EventBlockReady
	// EventProposal delivers a signature-verified SignedProposal from the
	// round's proposer.
	EventProposal
	EventPreVoteQC
	EventPreCommitQC
	EventChokeQC
	EventTimeout
)

// Event is the single input type Handle consumes. Exactly the fields
// relevant to Kind are populated.
type Event[B types.Block] struct {
	Kind EventKind

	// EventEnterRound
	Round          types.Round
	IsProposer     bool
	LastCommitHash types.Hash

	// EventBlockReady
	Block *B

	// EventProposal
	Proposal *types.SignedProposal[B]

	// EventPreVoteQC / EventPreCommitQC / EventChokeQC
	PreVoteQC   *types.PreVoteQC
	PreCommitQC *types.PreCommitQC
	ChokeQC     *types.ChokeQC

	// EventTimeout
	TimeoutPhase timer.Phase
	TimeoutRound types.Round
}

// ActionKind tags the side effect an Action asks the driver to perform.
type ActionKind int

const (
	ActionArmTimer ActionKind = iota
	ActionRequestBlock
	ActionBroadcastProposal
	ActionBroadcastPreVote
	ActionBroadcastPreCommit
	ActionBroadcastChoke
	ActionCommit
)

// Action is one side effect the driver must perform in response to a
// Handle call. Exactly the fields relevant to Kind are populated.
type Action[B types.Block] struct {
	Kind ActionKind

	// ActionArmTimer
	TimerPhase timer.Phase
	Height     types.Height
	Round      types.Round

	// ActionRequestBlock: reuse carries the locked block hash/QC the
	// adapter must re-propose instead of building a fresh block.
	Reuse *Lock

	// ActionBroadcastProposal
	Proposal *types.Proposal[B]

	// ActionBroadcastPreVote / ActionBroadcastPreCommit
	Vote types.Vote

	// ActionBroadcastChoke
	Choke      types.Choke
	UpdateFrom *types.UpdateFrom

	// ActionCommit
	CommitBlockHash types.Hash
	CommitProof     *types.PreCommitQC
}
