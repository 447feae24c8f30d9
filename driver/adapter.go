// Package driver binds the cabinet, authority, smr and timer packages into
// one running Engine per authority: it demultiplexes inbound OverlordMsg
// traffic, feeds the cabinet, forms QCs the instant a CumWeight crosses
// threshold, drives the SMR's Handle/Action loop, and owns every call into
// the host application through the Adapter contract. It is the
// generalization of the teacher's consensus/bft.Engine — what that package
// inlined as receivedVotes/receivedPower/validatorSet now lives in cabinet
// and authority, and the driver is left holding only the wiring between
// them.
package driver

import (
	"context"

	"overlord/types"
)

// Adapter is the host application's half of the consensus contract — the
// Go rendering of original_source's Adapter trait. Every method may block;
// the driver always calls through a context so the host can cancel a
// create_block or save_and_exec_block_with_proof call that has fallen
// behind a round's timeout.
type Adapter[B types.Block, S any] interface {
	// CreateBlock builds a fresh block for height, chained from preHash and
	// carrying preProof as proof of the predecessor's commitment. blockStates
	// is the short window of recently executed states the application may
	// need to derive this block's content.
	CreateBlock(ctx context.Context, height, execHeight types.Height, preHash types.Hash, preProof types.Proof, blockStates []types.BlockState[S]) (B, error)

	// CheckBlockStates validates that block is consistent with the supplied
	// block_states window before the driver votes on it.
	CheckBlockStates(ctx context.Context, block B, blockStates []types.BlockState[S]) error

	// FetchFullBlock returns the full wire encoding of block's transactions,
	// used when a proposal only carries a Lock and the full body must be
	// recovered from the application's mempool/cache.
	FetchFullBlock(ctx context.Context, block B) ([]byte, error)

	// SaveAndExecBlockWithProof persists and executes a committed block,
	// returning the resulting state and whatever consensus configuration
	// applies starting the next height.
	SaveAndExecBlockWithProof(ctx context.Context, height types.Height, fullBlock []byte, proof types.Proof) (types.ExecResult[S], error)

	// GetBlockWithProofs answers a sync request over heightRange, used both
	// to serve SyncRequest from lagging peers and to catch this authority
	// up when it falls more than MaxExecBehind behind the network.
	GetBlockWithProofs(ctx context.Context, heightRange types.HeightRange) ([]types.BlockProof[B], error)

	// GetLatestHeight reports the highest height the application has
	// already committed, used to detect whether this authority has fallen
	// behind far enough to warrant a sync round trip instead of waiting on
	// consensus to catch it up one height at a time.
	GetLatestHeight(ctx context.Context) (types.Height, error)

	// HandleError is notified of every recoverable ConsensusError the
	// driver absorbed instead of propagating, mirroring the upstream
	// Adapter::handle_error sink.
	HandleError(ctx context.Context, err *types.ConsensusError)
}

// Network is the transport half of the contract: broadcasting to every
// authority, and unicasting a sync response back to its requester.
type Network[B types.Block] interface {
	Broadcast(ctx context.Context, msg types.OverlordMsg[B]) error
	Transmit(ctx context.Context, to types.Address, msg types.OverlordMsg[B]) error
}
