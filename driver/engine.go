package driver

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"overlord/authority"
	"overlord/cabinet"
	"overlord/crypto"
	"overlord/observability"
	"overlord/observability/logging"
	"overlord/smr"
	"overlord/storage"
	"overlord/timer"
	"overlord/types"
	"overlord/wire"
)

// blockStateWindow bounds how many trailing BlockState records the driver
// threads into CreateBlock, matching the short window original_source's
// salon example keeps rather than growing it without bound.
const blockStateWindow = 16

// EngineConfig gathers everything Engine needs to bind cabinet, authority,
// smr and timer around one authority's signing identity.
type EngineConfig[B types.Block, S any] struct {
	Self        types.Address
	Signer      crypto.Contract
	Adapter     Adapter[B, S]
	Network     Network[B]
	DB          storage.Database
	Logger      *slog.Logger
	DecodeBlock types.BlockDecoder

	StartHeight    types.Height
	LastCommitHash types.Hash
	LastProof      types.Proof
	ExecHeight     types.Height

	AuthConfig    types.AuthConfig
	TimeConfig    types.TimeConfig
	MaxExecBehind types.Height
}

// Engine binds the cabinet, authority, smr and timer packages into the
// running step machine for one authority. It is the generalization of the
// teacher's consensus/bft.Engine: what that package inlined as
// receivedVotes/receivedPower/validatorSet is now owned by cabinet and
// authority, and Engine is left only to wire Handle's returned Actions into
// signing, broadcasting and the Adapter contract.
type Engine[B types.Block, S any] struct {
	mu sync.Mutex

	self   types.Address
	signer crypto.Contract

	adapter     Adapter[B, S]
	network     Network[B]
	db          storage.Database
	logger      *slog.Logger
	decodeBlock types.BlockDecoder

	scheduler *timer.Scheduler
	authorityMgr *authority.Manager
	cab       *cabinet.Cabinet[B]
	round     *smr.RoundState[B]

	lastCommitHash types.Hash
	lastProof      types.Proof
	execHeight     types.Height
	maxExecBehind  types.Height
	blockStates    []types.BlockState[S]

	// highest{PreVote,PreCommit,Choke}QC track the best evidence this
	// authority holds for the current height, reset on every startHeightLocked,
	// so a choke it broadcasts can carry the strongest one forward as
	// UpdateFrom for a lagging peer to adopt directly.
	highestPreVoteQC   *types.PreVoteQC
	highestPreCommitQC *types.PreCommitQC
	highestChokeQC     *types.ChokeQC

	blockCache map[string]B

	lastCommitAt time.Time
}

// NewEngine constructs an Engine ready to drive cfg.StartHeight, starting
// at round 0 once Run is called.
func NewEngine[B types.Block, S any](cfg EngineConfig[B, S]) *Engine[B, S] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine[B, S]{
		self:           cfg.Self,
		signer:         cfg.Signer,
		adapter:        cfg.Adapter,
		network:        cfg.Network,
		db:             cfg.DB,
		logger:         logger,
		decodeBlock:    cfg.DecodeBlock,
		scheduler:      timer.NewScheduler(cfg.TimeConfig, logger),
		authorityMgr:   authority.New(cfg.AuthConfig),
		cab:            cabinet.New[B](),
		lastCommitHash: cfg.LastCommitHash,
		lastProof:      cfg.LastProof,
		execHeight:     cfg.ExecHeight,
		maxExecBehind:  cfg.MaxExecBehind,
		blockCache:     make(map[string]B),
	}
	e.round = smr.NewRoundState[B](cfg.StartHeight)
	return e
}

// Run enters round 0 of the starting height and then blocks, feeding every
// timer firing that survives the epoch gate into the SMR, until ctx is
// canceled.
func (e *Engine[B, S]) Run(ctx context.Context) {
	e.mu.Lock()
	e.startHeightLocked(ctx, e.round.Height)
	e.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			e.scheduler.Stop()
			return
		case f, ok := <-e.scheduler.Fired():
			if !ok {
				return
			}
			e.mu.Lock()
			if f.Height == e.round.Height {
				e.runActions(ctx, e.round.Handle(smr.Event[B]{
					Kind:         smr.EventTimeout,
					TimeoutPhase: f.Phase,
					TimeoutRound: f.Round,
				}))
			}
			e.mu.Unlock()
		}
	}
}

// HandleMessage is the single entry point transport delivers inbound
// consensus traffic through; each handler verifies the message's signature
// (or a QC's aggregate) itself before acting on it.
func (e *Engine[B, S]) HandleMessage(ctx context.Context, msg types.OverlordMsg[B]) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch msg.Kind {
	case types.MsgSignedProposal:
		return e.handleProposal(ctx, msg.SignedProposal)
	case types.MsgSignedPreVote:
		return e.handlePreVote(ctx, msg.SignedPreVote)
	case types.MsgSignedPreCommit:
		return e.handlePreCommit(ctx, msg.SignedPreCommit)
	case types.MsgPreVoteQC:
		return e.handlePreVoteQC(ctx, msg.PreVoteQC)
	case types.MsgPreCommitQC:
		return e.handlePreCommitQC(ctx, msg.PreCommitQC)
	case types.MsgSignedChoke:
		return e.handleSignedChoke(ctx, msg.SignedChoke)
	case types.MsgChokeQC:
		return e.handleChokeQC(ctx, msg.ChokeQC)
	case types.MsgSignedHeight:
		return e.handleSignedHeight(ctx, msg.SignedHeight)
	case types.MsgSyncRequest:
		return e.handleSyncRequest(ctx, msg.SyncRequest)
	case types.MsgSyncResponse:
		return e.handleSyncResponse(ctx, msg.SyncResponse)
	case types.MsgStop:
		e.scheduler.Stop()
		return nil
	default:
		return nil
	}
}

func (e *Engine[B, S]) handleProposal(ctx context.Context, sp *types.SignedProposal[B]) error {
	if sp == nil {
		return nil
	}
	encoded, err := wire.EncodeProposal(sp.Proposal)
	if err != nil {
		return types.WrapError(types.ErrMalformed, err, "encode inbound proposal")
	}
	if err := e.signer.VerifySignature(encoded, sp.Signature, sp.Proposal.Proposer); err != nil {
		e.reportError(ctx, types.WrapError(types.ErrCrypto, err, "proposal signature"))
		return nil
	}
	expected := e.authorityMgr.SelectProposer(sp.Proposal.Height, sp.Proposal.Round, e.lastCommitHash)
	if !bytes.Equal(expected, sp.Proposal.Proposer) {
		e.reportError(ctx, types.NewError(types.ErrMalformed, "proposal from non-proposer for round %d", sp.Proposal.Round))
		return nil
	}

	if err := e.cab.InsertProposal(sp); err != nil {
		if conflict, ok := err.(*cabinet.ConflictError[B]); ok {
			e.reportError(ctx, types.NewError(types.ErrCabinetConflict, "proposer equivocated at height %d round %d", sp.Proposal.Height, sp.Proposal.Round))
			_ = conflict
		}
		return nil
	}
	e.cacheBlock(sp.Proposal.Block)

	before := e.round.Round
	e.runActions(ctx, e.round.Handle(smr.Event[B]{
		Kind:           smr.EventProposal,
		Proposal:       sp,
		LastCommitHash: e.lastCommitHash,
	}))
	e.reconcileProposerLocked(ctx, before)
	return nil
}

func (e *Engine[B, S]) handlePreVote(ctx context.Context, sv *types.SignedPreVote) error {
	if sv == nil {
		return nil
	}
	encoded, err := wire.EncodeVote(sv.Vote)
	if err != nil {
		return types.WrapError(types.ErrMalformed, err, "encode inbound pre-vote")
	}
	if err := e.signer.VerifySignature(encoded, sv.Signature, sv.Voter); err != nil {
		e.reportError(ctx, types.WrapError(types.ErrCrypto, err, "pre-vote signature"))
		return nil
	}
	sv.VoteWeight = e.authorityMgr.WeightOf(sv.Voter)
	return e.insertPreVoteLocked(ctx, sv)
}

func (e *Engine[B, S]) insertPreVoteLocked(ctx context.Context, sv *types.SignedPreVote) error {
	cum, err := e.cab.InsertPreVote(sv)
	if err != nil {
		if _, ok := err.(*cabinet.ConflictError[B]); ok {
			e.reportError(ctx, types.NewError(types.ErrCabinetConflict, "pre-vote equivocation from %x", sv.Voter))
		}
		return nil
	}
	if cum.Round == sv.Vote.Round && e.authorityMgr.HasQuorum(cum.Weight) && e.cab.PreVoteQC(sv.Vote.Height, cum.Round) == nil {
		e.formPreVoteQC(ctx, sv.Vote.Height, cum.Round, cum.BlockHash)
	}
	return nil
}

func (e *Engine[B, S]) handlePreCommit(ctx context.Context, sv *types.SignedPreCommit) error {
	if sv == nil {
		return nil
	}
	encoded, err := wire.EncodeVote(sv.Vote)
	if err != nil {
		return types.WrapError(types.ErrMalformed, err, "encode inbound pre-commit")
	}
	if err := e.signer.VerifySignature(encoded, sv.Signature, sv.Voter); err != nil {
		e.reportError(ctx, types.WrapError(types.ErrCrypto, err, "pre-commit signature"))
		return nil
	}
	sv.VoteWeight = e.authorityMgr.WeightOf(sv.Voter)
	return e.insertPreCommitLocked(ctx, sv)
}

func (e *Engine[B, S]) insertPreCommitLocked(ctx context.Context, sv *types.SignedPreCommit) error {
	cum, err := e.cab.InsertPreCommit(sv)
	if err != nil {
		if _, ok := err.(*cabinet.ConflictError[B]); ok {
			e.reportError(ctx, types.NewError(types.ErrCabinetConflict, "pre-commit equivocation from %x", sv.Voter))
		}
		return nil
	}
	if cum.Round == sv.Vote.Round && e.authorityMgr.HasQuorum(cum.Weight) && e.cab.PreCommitQC(sv.Vote.Height, cum.Round) == nil {
		e.formPreCommitQC(ctx, sv.Vote.Height, cum.Round, cum.BlockHash)
	}
	return nil
}

func (e *Engine[B, S]) handleSignedChoke(ctx context.Context, sc *types.SignedChoke) error {
	if sc == nil {
		return nil
	}
	encoded, err := wire.EncodeChoke(sc.Choke)
	if err != nil {
		return types.WrapError(types.ErrMalformed, err, "encode inbound choke")
	}
	if err := e.signer.VerifySignature(encoded, sc.Signature, sc.Voter); err != nil {
		e.reportError(ctx, types.WrapError(types.ErrCrypto, err, "choke signature"))
		return nil
	}
	sc.VoteWeight = e.authorityMgr.WeightOf(sc.Voter)
	observability.Consensus().RecordChoke()

	e.adoptCarriedQC(ctx, sc.From)

	cum, err := e.cab.InsertChoke(sc)
	if err != nil {
		if _, ok := err.(*cabinet.ConflictError[B]); ok {
			e.reportError(ctx, types.NewError(types.ErrCabinetConflict, "choke equivocation from %x", sc.Voter))
		}
		return nil
	}
	if cum.Round == sc.Choke.Round && e.authorityMgr.HasQuorum(cum.Weight) && e.cab.ChokeQC(sc.Choke.Height, cum.Round) == nil {
		e.formChokeQC(ctx, sc.Choke.Height, cum.Round)
	}
	return nil
}

// adoptCarriedQC is transition 8: a choke's UpdateFrom evidence, when it
// names a QC beyond this authority's current round, is replayed through the
// same handle{PreVoteQC,PreCommitQC,ChokeQC} path an inbound QC message
// takes — verify aggregate, insert into the cabinet, re-enter the SMR — so
// one choke is enough to fast-forward a lagging authority instead of making
// it wait on its own quorum to re-form the QC.
func (e *Engine[B, S]) adoptCarriedQC(ctx context.Context, from *types.UpdateFrom) {
	if from == nil {
		return
	}
	switch from.Kind {
	case types.UpdateFromPreVoteQC:
		qc := from.PreVoteQC
		if qc != nil && qc.Vote.Height == e.round.Height && qc.Vote.Round > e.round.Round {
			_ = e.handlePreVoteQC(ctx, qc)
		}
	case types.UpdateFromPreCommitQC:
		qc := from.PreCommitQC
		if qc != nil && qc.Vote.Height == e.round.Height && qc.Vote.Round > e.round.Round {
			_ = e.handlePreCommitQC(ctx, qc)
		}
	case types.UpdateFromChokeQC:
		qc := from.ChokeQC
		if qc != nil && qc.Choke.Height == e.round.Height && qc.Choke.Round >= e.round.Round {
			_ = e.handleChokeQC(ctx, qc)
		}
	}
}

// currentUpdateFrom returns the strongest QC evidence this authority holds
// beyond round, to attach to its own outbound choke: a PreCommitQC implies a
// PreVoteQC already formed so it outranks one, and either outranks a mere
// ChokeQC.
func (e *Engine[B, S]) currentUpdateFrom(round types.Round) *types.UpdateFrom {
	if qc := e.highestPreCommitQC; qc != nil && qc.Vote.Round > round {
		return &types.UpdateFrom{Kind: types.UpdateFromPreCommitQC, PreCommitQC: qc}
	}
	if qc := e.highestPreVoteQC; qc != nil && qc.Vote.Round > round {
		return &types.UpdateFrom{Kind: types.UpdateFromPreVoteQC, PreVoteQC: qc}
	}
	if qc := e.highestChokeQC; qc != nil && qc.Choke.Round > round {
		return &types.UpdateFrom{Kind: types.UpdateFromChokeQC, ChokeQC: qc}
	}
	return nil
}

func (e *Engine[B, S]) trackPreVoteQC(qc *types.PreVoteQC) {
	if qc != nil && (e.highestPreVoteQC == nil || qc.Vote.Round > e.highestPreVoteQC.Vote.Round) {
		e.highestPreVoteQC = qc
	}
}

func (e *Engine[B, S]) trackPreCommitQC(qc *types.PreCommitQC) {
	if qc != nil && (e.highestPreCommitQC == nil || qc.Vote.Round > e.highestPreCommitQC.Vote.Round) {
		e.highestPreCommitQC = qc
	}
}

func (e *Engine[B, S]) trackChokeQC(qc *types.ChokeQC) {
	if qc != nil && (e.highestChokeQC == nil || qc.Choke.Round > e.highestChokeQC.Choke.Round) {
		e.highestChokeQC = qc
	}
}

func (e *Engine[B, S]) handlePreVoteQC(ctx context.Context, qc *types.PreVoteQC) error {
	if qc == nil {
		return nil
	}
	if err := e.verifyQCAggregate(wireVoteBytes(qc.Vote), qc.Aggregates); err != nil {
		e.reportError(ctx, err)
		return nil
	}
	e.cab.SetPreVoteQC(qc)
	e.trackPreVoteQC(qc)
	before := e.round.Round
	e.runActions(ctx, e.round.Handle(smr.Event[B]{Kind: smr.EventPreVoteQC, PreVoteQC: qc}))
	e.reconcileProposerLocked(ctx, before)
	return nil
}

func (e *Engine[B, S]) handlePreCommitQC(ctx context.Context, qc *types.PreCommitQC) error {
	if qc == nil {
		return nil
	}
	if err := e.verifyQCAggregate(wireVoteBytes(qc.Vote), qc.Aggregates); err != nil {
		e.reportError(ctx, err)
		return nil
	}
	e.cab.SetPreCommitQC(qc)
	e.trackPreCommitQC(qc)
	before := e.round.Round
	e.runActions(ctx, e.round.Handle(smr.Event[B]{Kind: smr.EventPreCommitQC, PreCommitQC: qc}))
	e.reconcileProposerLocked(ctx, before)
	return nil
}

func (e *Engine[B, S]) handleChokeQC(ctx context.Context, qc *types.ChokeQC) error {
	if qc == nil {
		return nil
	}
	encoded, err := wire.EncodeChoke(qc.Choke)
	if err != nil {
		return types.WrapError(types.ErrMalformed, err, "encode choke qc vote")
	}
	if err := e.verifyQCAggregate(encoded, qc.Aggregates); err != nil {
		e.reportError(ctx, err)
		return nil
	}
	e.cab.SetChokeQC(qc)
	e.trackChokeQC(qc)
	e.advanceRoundLocked(ctx, qc.Choke.Round+1)
	return nil
}

func wireVoteBytes(v types.Vote) []byte {
	encoded, _ := wire.EncodeVote(v)
	return encoded
}

func (e *Engine[B, S]) verifyQCAggregate(msg []byte, agg types.Aggregates) error {
	bm, err := authority.BitmapFromBytes(agg.AddressBitmap)
	if err != nil {
		return types.WrapError(types.ErrMalformed, err, "decode QC bitmap")
	}
	if !e.authorityMgr.HasQuorum(e.authorityMgr.WeightOfBitmap(bm)) {
		return types.NewError(types.ErrMalformed, "QC bitmap weight below threshold")
	}
	voters := e.authorityMgr.AddressesFromBitmap(bm)
	if err := e.signer.VerifyAggregate(msg, agg.Signature, voters); err != nil {
		return types.WrapError(types.ErrCrypto, err, "QC aggregate signature")
	}
	return nil
}

// formPreVoteQC aggregates every collected pre-vote for blockHash at
// (height, round) into a PreVoteQC, records it, broadcasts it, and feeds it
// back into this authority's own SMR.
func (e *Engine[B, S]) formPreVoteQC(ctx context.Context, height types.Height, round types.Round, blockHash types.Hash) {
	votes := e.cab.PreVotesFor(height, round, blockHash)
	sigs := make(map[string]types.Signature, len(votes))
	bm := authority.NewBitmap(e.authorityMgr.Len())
	for _, v := range votes {
		sigs[string(v.Voter)] = v.Signature
		if i := e.authorityMgr.IndexOf(v.Voter); i >= 0 {
			bm.Set(i)
		}
	}
	vote := types.Vote{Height: height, Round: round, BlockHash: blockHash}
	aggSig, err := e.signer.Aggregate(sigs)
	if err != nil {
		e.reportError(ctx, types.WrapError(types.ErrCrypto, err, "aggregate pre-votes"))
		return
	}
	qc := &types.PreVoteQC{Vote: vote, Aggregates: types.Aggregates{AddressBitmap: bm.Bytes(), Signature: aggSig}}
	e.cab.SetPreVoteQC(qc)
	e.trackPreVoteQC(qc)
	observability.Consensus().RecordQCFormed("pre_vote")
	_ = e.network.Broadcast(ctx, types.OverlordMsg[B]{Kind: types.MsgPreVoteQC, PreVoteQC: qc})

	before := e.round.Round
	e.runActions(ctx, e.round.Handle(smr.Event[B]{Kind: smr.EventPreVoteQC, PreVoteQC: qc}))
	e.reconcileProposerLocked(ctx, before)
}

func (e *Engine[B, S]) formPreCommitQC(ctx context.Context, height types.Height, round types.Round, blockHash types.Hash) {
	votes := e.cab.PreCommitsFor(height, round, blockHash)
	sigs := make(map[string]types.Signature, len(votes))
	bm := authority.NewBitmap(e.authorityMgr.Len())
	for _, v := range votes {
		sigs[string(v.Voter)] = v.Signature
		if i := e.authorityMgr.IndexOf(v.Voter); i >= 0 {
			bm.Set(i)
		}
	}
	vote := types.Vote{Height: height, Round: round, BlockHash: blockHash}
	aggSig, err := e.signer.Aggregate(sigs)
	if err != nil {
		e.reportError(ctx, types.WrapError(types.ErrCrypto, err, "aggregate pre-commits"))
		return
	}
	qc := &types.PreCommitQC{Vote: vote, Aggregates: types.Aggregates{AddressBitmap: bm.Bytes(), Signature: aggSig}}
	e.cab.SetPreCommitQC(qc)
	e.trackPreCommitQC(qc)
	observability.Consensus().RecordQCFormed("pre_commit")
	_ = e.network.Broadcast(ctx, types.OverlordMsg[B]{Kind: types.MsgPreCommitQC, PreCommitQC: qc})

	before := e.round.Round
	e.runActions(ctx, e.round.Handle(smr.Event[B]{Kind: smr.EventPreCommitQC, PreCommitQC: qc}))
	e.reconcileProposerLocked(ctx, before)
}

func (e *Engine[B, S]) formChokeQC(ctx context.Context, height types.Height, round types.Round) {
	choke := types.Choke{Height: height, Round: round}
	chokes := e.cab.ChokesFor(height, round)
	sigs := make(map[string]types.Signature, len(chokes))
	bm := authority.NewBitmap(e.authorityMgr.Len())
	for _, sc := range chokes {
		sigs[string(sc.Voter)] = sc.Signature
		if i := e.authorityMgr.IndexOf(sc.Voter); i >= 0 {
			bm.Set(i)
		}
	}
	aggSig, err := e.signer.Aggregate(sigs)
	if err != nil {
		e.reportError(ctx, types.WrapError(types.ErrCrypto, err, "aggregate chokes"))
		return
	}
	qc := &types.ChokeQC{Choke: choke, Aggregates: types.Aggregates{AddressBitmap: bm.Bytes(), Signature: aggSig}}
	e.cab.SetChokeQC(qc)
	e.trackChokeQC(qc)
	observability.Consensus().RecordQCFormed("choke")
	_ = e.network.Broadcast(ctx, types.OverlordMsg[B]{Kind: types.MsgChokeQC, ChokeQC: qc})
	e.advanceRoundLocked(ctx, round+1)
}

// advanceRoundLocked enters round at the current height, consulting the
// authority list fresh since a ChokeQC can be the first signal a round
// boundary crossed.
func (e *Engine[B, S]) advanceRoundLocked(ctx context.Context, round types.Round) {
	proposer := e.authorityMgr.SelectProposer(e.round.Height, round, e.lastCommitHash)
	isProposer := bytes.Equal(proposer, e.self)
	observability.Consensus().SetRound(round)
	e.runActions(ctx, e.round.Handle(smr.Event[B]{
		Kind:           smr.EventEnterRound,
		Round:          round,
		IsProposer:     isProposer,
		LastCommitHash: e.lastCommitHash,
	}))
}

// reconcileProposerLocked detects a same-height round jump (transition 9)
// that smr.RoundState always enters as a non-proposer, and issues the
// supplemental EventEnterRound this authority needs if the jump landed it
// on a round it actually leads — only the driver holds the authority list
// that decision needs, per smr.RoundState.jumpToRound's contract.
func (e *Engine[B, S]) reconcileProposerLocked(ctx context.Context, before types.Round) {
	if e.round.Round == before {
		return
	}
	observability.Consensus().SetRound(e.round.Round)
	proposer := e.authorityMgr.SelectProposer(e.round.Height, e.round.Round, e.lastCommitHash)
	if !bytes.Equal(proposer, e.self) {
		return
	}
	e.runActions(ctx, e.round.Handle(smr.Event[B]{
		Kind:           smr.EventEnterRound,
		Round:          e.round.Round,
		IsProposer:     true,
		LastCommitHash: e.lastCommitHash,
	}))
}

// runActions performs every side effect Handle asked for, in order. It
// never recurses back into itself except through the bounded, one-level
// re-entries documented on each Action case (self-proposal adoption,
// QC-triggered re-votes).
func (e *Engine[B, S]) runActions(ctx context.Context, actions []smr.Action[B]) {
	for _, a := range actions {
		switch a.Kind {
		case smr.ActionArmTimer:
			e.scheduler.SetTimer(a.Height, a.Round, a.TimerPhase)
		case smr.ActionRequestBlock:
			e.requestBlock(ctx, a.Reuse)
		case smr.ActionBroadcastProposal:
			e.broadcastProposal(ctx, a.Proposal)
		case smr.ActionBroadcastPreVote:
			e.broadcastPreVote(ctx, a.Vote)
		case smr.ActionBroadcastPreCommit:
			e.broadcastPreCommit(ctx, a.Vote)
		case smr.ActionBroadcastChoke:
			e.broadcastChoke(ctx, a.Choke, a.UpdateFrom)
		case smr.ActionCommit:
			e.commit(ctx, a.CommitBlockHash, a.CommitProof)
		}
	}
}

func (e *Engine[B, S]) requestBlock(ctx context.Context, reuse *smr.Lock) {
	if reuse != nil {
		if block, ok := e.blockCache[string(reuse.BlockHash)]; ok {
			e.runActions(ctx, e.round.Handle(smr.Event[B]{Kind: smr.EventBlockReady, Block: &block}))
			return
		}
		e.reportError(ctx, types.NewError(types.ErrAdapter, "locked block %x not in cache, cannot re-propose", reuse.BlockHash))
		return
	}

	block, err := e.adapter.CreateBlock(ctx, e.round.Height, e.execHeight, e.lastCommitHash, e.lastProof, e.blockStates)
	if err != nil {
		e.reportError(ctx, types.WrapError(types.ErrAdapter, err, "create_block"))
		return
	}
	e.cacheBlock(block)
	e.runActions(ctx, e.round.Handle(smr.Event[B]{Kind: smr.EventBlockReady, Block: &block}))
}

func (e *Engine[B, S]) broadcastProposal(ctx context.Context, p *types.Proposal[B]) {
	if p == nil {
		return
	}
	p.Proposer = e.self
	encoded, err := wire.EncodeProposal(*p)
	if err != nil {
		e.reportError(ctx, types.WrapError(types.ErrMalformed, err, "encode own proposal"))
		return
	}
	sig, err := e.signer.Sign(encoded)
	if err != nil {
		e.reportError(ctx, types.WrapError(types.ErrCrypto, err, "sign own proposal"))
		return
	}
	sp := &types.SignedProposal[B]{Proposal: *p, Signature: sig}
	e.cacheBlock(p.Block)

	if err := e.cab.InsertProposal(sp); err != nil {
		if _, ok := err.(*cabinet.AlreadyExistsError[B]); !ok {
			e.reportError(ctx, types.WrapError(types.ErrCabinetConflict, err, "insert own proposal"))
		}
	}
	_ = e.network.Broadcast(ctx, types.OverlordMsg[B]{Kind: types.MsgSignedProposal, SignedProposal: sp})

	// A proposer pre-votes for its own block the same way it would an
	// inbound one, so it runs through the same structural checks.
	e.runActions(ctx, e.round.Handle(smr.Event[B]{
		Kind:           smr.EventProposal,
		Proposal:       sp,
		LastCommitHash: e.lastCommitHash,
	}))
}

func (e *Engine[B, S]) broadcastPreVote(ctx context.Context, vote types.Vote) {
	encoded, err := wire.EncodeVote(vote)
	if err != nil {
		e.reportError(ctx, types.WrapError(types.ErrMalformed, err, "encode own pre-vote"))
		return
	}
	sig, err := e.signer.Sign(encoded)
	if err != nil {
		e.reportError(ctx, types.WrapError(types.ErrCrypto, err, "sign own pre-vote"))
		return
	}
	sv := &types.SignedPreVote{Vote: vote, VoteWeight: e.authorityMgr.WeightOf(e.self), Voter: e.self, Signature: sig}
	_ = e.network.Broadcast(ctx, types.OverlordMsg[B]{Kind: types.MsgSignedPreVote, SignedPreVote: sv})
	_ = e.insertPreVoteLocked(ctx, sv)
}

func (e *Engine[B, S]) broadcastPreCommit(ctx context.Context, vote types.Vote) {
	encoded, err := wire.EncodeVote(vote)
	if err != nil {
		e.reportError(ctx, types.WrapError(types.ErrMalformed, err, "encode own pre-commit"))
		return
	}
	sig, err := e.signer.Sign(encoded)
	if err != nil {
		e.reportError(ctx, types.WrapError(types.ErrCrypto, err, "sign own pre-commit"))
		return
	}
	sv := &types.SignedPreCommit{Vote: vote, VoteWeight: e.authorityMgr.WeightOf(e.self), Voter: e.self, Signature: sig}
	_ = e.network.Broadcast(ctx, types.OverlordMsg[B]{Kind: types.MsgSignedPreCommit, SignedPreCommit: sv})
	_ = e.insertPreCommitLocked(ctx, sv)
}

func (e *Engine[B, S]) broadcastChoke(ctx context.Context, choke types.Choke, from *types.UpdateFrom) {
	if from == nil {
		from = e.currentUpdateFrom(choke.Round)
	}
	encoded, err := wire.EncodeChoke(choke)
	if err != nil {
		e.reportError(ctx, types.WrapError(types.ErrMalformed, err, "encode own choke"))
		return
	}
	sig, err := e.signer.Sign(encoded)
	if err != nil {
		e.reportError(ctx, types.WrapError(types.ErrCrypto, err, "sign own choke"))
		return
	}
	sc := &types.SignedChoke{Choke: choke, VoteWeight: e.authorityMgr.WeightOf(e.self), From: from, Voter: e.self, Signature: sig}
	_ = e.network.Broadcast(ctx, types.OverlordMsg[B]{Kind: types.MsgSignedChoke, SignedChoke: sc})

	cum, err := e.cab.InsertChoke(sc)
	if err == nil && cum.Round == choke.Round && e.authorityMgr.HasQuorum(cum.Weight) && e.cab.ChokeQC(choke.Height, cum.Round) == nil {
		e.formChokeQC(ctx, choke.Height, cum.Round)
	}
}

func (e *Engine[B, S]) commit(ctx context.Context, blockHash types.Hash, proof *types.PreCommitQC) {
	if proof == nil {
		return
	}
	block, ok := e.blockCache[string(blockHash)]
	if !ok {
		e.reportError(ctx, types.NewError(types.ErrAdapter, "committed block %x missing from cache", blockHash))
		return
	}

	fullBlock, err := e.adapter.FetchFullBlock(ctx, block)
	if err != nil {
		e.reportError(ctx, types.WrapError(types.ErrAdapter, err, "fetch_full_block"))
		return
	}
	height := e.round.Height
	if err := e.db.Put(blockKey(height), fullBlock); err != nil {
		e.reportError(ctx, types.WrapError(types.ErrAdapter, err, "persist committed block"))
	}

	result, err := e.adapter.SaveAndExecBlockWithProof(ctx, height, fullBlock, *proof)
	if err != nil {
		e.reportError(ctx, types.WrapError(types.ErrAdapter, err, "save_and_exec_block_with_proof"))
		return
	}

	e.lastCommitHash = blockHash
	e.lastProof = *proof
	e.execHeight = result.BlockState.Height
	e.blockStates = append(e.blockStates, result.BlockState)
	if len(e.blockStates) > blockStateWindow {
		e.blockStates = e.blockStates[len(e.blockStates)-blockStateWindow:]
	}
	if len(result.Config.AuthConfig.AuthList) > 0 {
		e.authorityMgr = authority.New(result.Config.AuthConfig)
	}
	if result.Config.MaxExecBehind > 0 {
		e.maxExecBehind = result.Config.MaxExecBehind
	}

	e.cab.RemoveBelow(height)
	e.pruneBlockCache()

	now := time.Now()
	if !e.lastCommitAt.IsZero() {
		observability.Consensus().RecordBlockInterval(now.Sub(e.lastCommitAt))
	}
	e.lastCommitAt = now
	observability.Consensus().SetCabinetDrawers(e.cab.DrawerCount())

	e.startHeightLocked(ctx, height+1)
}

func (e *Engine[B, S]) startHeightLocked(ctx context.Context, height types.Height) {
	e.round = smr.NewRoundState[B](height)
	e.highestPreVoteQC = nil
	e.highestPreCommitQC = nil
	e.highestChokeQC = nil
	observability.Consensus().SetHeight(height)
	observability.Consensus().SetRound(0)
	proposer := e.authorityMgr.SelectProposer(height, 0, e.lastCommitHash)
	isProposer := bytes.Equal(proposer, e.self)
	e.runActions(ctx, e.round.Handle(smr.Event[B]{
		Kind:           smr.EventEnterRound,
		Round:          0,
		IsProposer:     isProposer,
		LastCommitHash: e.lastCommitHash,
	}))
}

func (e *Engine[B, S]) handleSignedHeight(ctx context.Context, sh *types.SignedHeight) error {
	if sh == nil {
		return nil
	}
	if sh.Height <= e.round.Height+e.maxExecBehind {
		return nil
	}
	go e.catchUp(ctx)
	return nil
}

// catchUp fetches and fast-forwards through committed blocks this authority
// has fallen more than MaxExecBehind behind on, the sync round trip
// original_source's salon example wires on every height advance once
// get_latest_height outruns the local height by more than the configured
// window.
func (e *Engine[B, S]) catchUp(ctx context.Context) {
	latest, err := e.adapter.GetLatestHeight(ctx)
	if err != nil {
		e.reportError(ctx, types.WrapError(types.ErrAdapter, err, "get_latest_height"))
		return
	}

	e.mu.Lock()
	from := e.round.Height
	behind := latest > from+e.maxExecBehind
	e.mu.Unlock()
	if !behind {
		return
	}

	blocks, err := e.adapter.GetBlockWithProofs(ctx, types.HeightRange{From: from, To: latest + 1})
	if err != nil {
		e.reportError(ctx, types.WrapError(types.ErrAdapter, err, "get_block_with_proofs"))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, bp := range blocks {
		if bp.Block.OwnHeight() < e.round.Height {
			continue
		}
		fullBlock, err := bp.Block.Encode()
		if err != nil {
			e.reportError(ctx, types.WrapError(types.ErrMalformed, err, "encode synced block"))
			return
		}
		result, err := e.adapter.SaveAndExecBlockWithProof(ctx, bp.Block.OwnHeight(), fullBlock, bp.Proof)
		if err != nil {
			e.reportError(ctx, types.WrapError(types.ErrAdapter, err, "save synced block"))
			return
		}
		e.lastCommitHash = bp.Block.Hash()
		e.lastProof = bp.Proof
		e.execHeight = result.BlockState.Height
		e.blockStates = append(e.blockStates, result.BlockState)
		e.cab.Pop(bp.Block.OwnHeight())
	}
	e.startHeightLocked(ctx, latest+1)
}

func (e *Engine[B, S]) handleSyncRequest(ctx context.Context, sr *types.SyncRequest) error {
	if sr == nil {
		return nil
	}
	blocks, err := e.adapter.GetBlockWithProofs(ctx, sr.Range)
	if err != nil {
		return types.WrapError(types.ErrAdapter, err, "get_block_with_proofs for sync request")
	}
	resp := &types.SyncResponse[B]{RequestID: sr.RequestID, Responder: e.self}
	for _, bp := range blocks {
		resp.BlocksWithProofs = append(resp.BlocksWithProofs, types.BlockProof[B]{Block: bp.Block, Proof: bp.Proof})
	}
	sig, err := e.signer.Sign([]byte(sr.RequestID))
	if err != nil {
		return types.WrapError(types.ErrCrypto, err, "sign sync response")
	}
	resp.Signature = sig
	return e.network.Transmit(ctx, sr.Requester, types.OverlordMsg[B]{Kind: types.MsgSyncResponse, SyncResponse: resp})
}

func (e *Engine[B, S]) handleSyncResponse(ctx context.Context, sr *types.SyncResponse[B]) error {
	if sr == nil {
		return nil
	}
	for _, bp := range sr.BlocksWithProofs {
		if bp.Block.OwnHeight() < e.round.Height {
			continue
		}
		fullBlock, err := bp.Block.Encode()
		if err != nil {
			return types.WrapError(types.ErrMalformed, err, "encode synced block")
		}
		result, err := e.adapter.SaveAndExecBlockWithProof(ctx, bp.Block.OwnHeight(), fullBlock, bp.Proof)
		if err != nil {
			return types.WrapError(types.ErrAdapter, err, "save synced block")
		}
		e.lastCommitHash = bp.Block.Hash()
		e.lastProof = bp.Proof
		e.execHeight = result.BlockState.Height
	}
	if len(sr.BlocksWithProofs) > 0 {
		e.startHeightLocked(ctx, e.lastProof.Vote.Height+1)
	}
	return nil
}

func (e *Engine[B, S]) cacheBlock(b B) {
	e.blockCache[string(b.Hash())] = b
}

// pruneBlockCache keeps the cache bounded to the active height and its
// immediate predecessor, since nothing older can ever be re-proposed or
// committed once RemoveBelow has already dropped the cabinet's record of it.
func (e *Engine[B, S]) pruneBlockCache() {
	for hash, b := range e.blockCache {
		if b.OwnHeight()+1 < e.round.Height {
			delete(e.blockCache, hash)
		}
	}
}

// reportError logs every ConsensusError the driver recovers from and hands
// it to the adapter. Cabinet-conflict messages carry an equivocating
// voter's raw address (see the "equivocation from %x" call sites), so that
// one Kind's message goes out through logging.MaskField rather than
// plainly — "detail" isn't on the allowlist, so it redacts unless the
// message is empty; every other Kind's text never carries an address and
// is left legible for operators.
func (e *Engine[B, S]) reportError(ctx context.Context, err *types.ConsensusError) {
	if err.Kind == types.ErrCabinetConflict {
		e.logger.Warn("consensus error", "kind", err.Kind, logging.MaskField("detail", err.Message))
	} else {
		e.logger.Warn("consensus error", "kind", err.Kind, "message", err.Message)
	}
	e.adapter.HandleError(ctx, err)
}

func blockKey(height types.Height) []byte {
	return []byte(fmt.Sprintf("block/%d", height))
}
