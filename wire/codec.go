// Package wire provides deterministic RLP encoding for the consensus wire
// types, the same encoding the teacher's validator-set persistence layer
// uses for anything that must hash and compare identically across every
// authority.
package wire

import (
	"github.com/ethereum/go-ethereum/rlp"

	"overlord/types"
)

// EncodeVote deterministically encodes a Vote for signing/hashing.
func EncodeVote(v types.Vote) ([]byte, error) {
	return rlp.EncodeToBytes(v)
}

// EncodeChoke deterministically encodes a Choke for signing/hashing.
func EncodeChoke(c types.Choke) ([]byte, error) {
	return rlp.EncodeToBytes(c)
}

// rlpProposal mirrors types.Proposal but with the block pre-encoded, since
// RLP cannot walk an arbitrary types.Block interface value.
type rlpProposal struct {
	Height    types.Height
	Round     types.Round
	Block     []byte
	BlockHash types.Hash
	Proposer  types.Address
	HasLock   bool
	Lock      types.PreVoteQC
}

// EncodeProposal deterministically encodes a Proposal for signing/hashing.
// The block is encoded via its own Encode method first since RLP cannot
// serialize the Block interface directly.
func EncodeProposal[B types.Block](p types.Proposal[B]) ([]byte, error) {
	blockBytes, err := p.Block.Encode()
	if err != nil {
		return nil, types.WrapError(types.ErrMalformed, err, "encode proposal block")
	}
	out := rlpProposal{
		Height:    p.Height,
		Round:     p.Round,
		Block:     blockBytes,
		BlockHash: p.BlockHash,
		Proposer:  p.Proposer,
	}
	if p.Lock != nil {
		out.HasLock = true
		out.Lock = *p.Lock
	}
	return rlp.EncodeToBytes(out)
}

// DecodeProposal reverses EncodeProposal, using decode to reconstruct the
// concrete Block from its encoded bytes.
func DecodeProposal(data []byte, decode types.BlockDecoder) (types.Proposal[types.Block], error) {
	var in rlpProposal
	if err := rlp.DecodeBytes(data, &in); err != nil {
		return types.Proposal[types.Block]{}, types.WrapError(types.ErrMalformed, err, "decode proposal")
	}
	block, err := decode(in.Block)
	if err != nil {
		return types.Proposal[types.Block]{}, types.WrapError(types.ErrMalformed, err, "decode proposal block")
	}
	p := types.Proposal[types.Block]{
		Height:    in.Height,
		Round:     in.Round,
		Block:     block,
		BlockHash: in.BlockHash,
		Proposer:  in.Proposer,
	}
	if in.HasLock {
		lock := in.Lock
		p.Lock = &lock
	}
	return p, nil
}

// EncodeAggregates deterministically encodes an Aggregates value.
func EncodeAggregates(a types.Aggregates) ([]byte, error) {
	return rlp.EncodeToBytes(a)
}

// EncodePreVoteQC deterministically encodes a PreVoteQC.
func EncodePreVoteQC(qc types.PreVoteQC) ([]byte, error) {
	return rlp.EncodeToBytes(qc)
}

// EncodePreCommitQC deterministically encodes a PreCommitQC.
func EncodePreCommitQC(qc types.PreCommitQC) ([]byte, error) {
	return rlp.EncodeToBytes(qc)
}

// DecodePreCommitQC reverses EncodePreCommitQC.
func DecodePreCommitQC(data []byte) (types.PreCommitQC, error) {
	var qc types.PreCommitQC
	if err := rlp.DecodeBytes(data, &qc); err != nil {
		return types.PreCommitQC{}, types.WrapError(types.ErrMalformed, err, "decode PreCommitQC")
	}
	return qc, nil
}
