package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"overlord/types"
)

type fakeBlock struct {
	height  types.Height
	preHash types.Hash
	hash    types.Hash
}

// Encode lays out height (8 bytes) followed by the raw hash bytes, enough
// for decodeFakeBlock to reconstruct an equivalent block.
func (b fakeBlock) Encode() ([]byte, error) {
	buf := make([]byte, 8+len(b.hash))
	binary.BigEndian.PutUint64(buf[:8], b.height)
	copy(buf[8:], b.hash)
	return buf, nil
}
func (b fakeBlock) Hash() types.Hash            { return b.hash }
func (b fakeBlock) PreHash() types.Hash         { return b.preHash }
func (b fakeBlock) OwnHeight() types.Height     { return b.height }
func (b fakeBlock) ExecHeight() types.Height    { return b.height }
func (b fakeBlock) PreProof() types.PreCommitQC { return types.PreCommitQC{} }

func decodeFakeBlock(data []byte) (types.Block, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("fake block: short encoding")
	}
	height := binary.BigEndian.Uint64(data[:8])
	hash := append([]byte(nil), data[8:]...)
	return fakeBlock{height: height, hash: hash}, nil
}

func TestEncodeVoteDeterministic(t *testing.T) {
	v := types.Vote{Height: 10, Round: 2, BlockHash: []byte("blockhash")}
	a, err := EncodeVote(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := EncodeVote(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("EncodeVote is not deterministic across identical inputs")
	}

	other := v
	other.Round = 3
	c, err := EncodeVote(other)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bytes.Equal(a, c) {
		t.Fatalf("EncodeVote produced identical output for different votes")
	}
}

func TestEncodeChokeDeterministic(t *testing.T) {
	c := types.Choke{Height: 5, Round: 1}
	a, err := EncodeChoke(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := EncodeChoke(types.Choke{Height: 5, Round: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("EncodeChoke is not deterministic across identical inputs")
	}
}

func TestProposalRoundTripWithoutLock(t *testing.T) {
	block := fakeBlock{height: 7, preHash: []byte("prev"), hash: []byte("cur")}
	p := types.Proposal[fakeBlock]{
		Height:    7,
		Round:     0,
		Block:     block,
		BlockHash: block.Hash(),
		Proposer:  types.Address("proposer"),
	}

	encoded, err := EncodeProposal(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decoded, err := DecodeProposal(encoded, decodeFakeBlock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if decoded.Height != p.Height || decoded.Round != p.Round {
		t.Fatalf("decoded height/round mismatch: got %+v", decoded)
	}
	if !bytes.Equal(decoded.BlockHash, p.BlockHash) {
		t.Fatalf("decoded block hash mismatch")
	}
	if !bytes.Equal(decoded.Proposer, p.Proposer) {
		t.Fatalf("decoded proposer mismatch")
	}
	if decoded.Lock != nil {
		t.Fatalf("expected no lock on decoded proposal, got %+v", decoded.Lock)
	}
	if decoded.Block.OwnHeight() != block.height {
		t.Fatalf("decoded block height mismatch: got %d want %d", decoded.Block.OwnHeight(), block.height)
	}
}

func TestProposalRoundTripWithLock(t *testing.T) {
	block := fakeBlock{height: 8, preHash: []byte("prev"), hash: []byte("cur8")}
	lock := types.PreVoteQC{
		Vote:       types.Vote{Height: 8, Round: 1, BlockHash: block.Hash()},
		Aggregates: types.Aggregates{AddressBitmap: []byte{0b0111}, Signature: []byte("agg")},
	}
	p := types.Proposal[fakeBlock]{
		Height:    8,
		Round:     2,
		Block:     block,
		BlockHash: block.Hash(),
		Lock:      &lock,
		Proposer:  types.Address("proposer"),
	}

	encoded, err := EncodeProposal(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decoded, err := DecodeProposal(encoded, decodeFakeBlock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if decoded.Lock == nil {
		t.Fatalf("expected decoded proposal to carry a lock")
	}
	if decoded.Lock.Vote.Round != lock.Vote.Round {
		t.Fatalf("decoded lock round mismatch: got %d want %d", decoded.Lock.Vote.Round, lock.Vote.Round)
	}
	if !bytes.Equal(decoded.Lock.Aggregates.Signature, lock.Aggregates.Signature) {
		t.Fatalf("decoded lock aggregate signature mismatch")
	}
}

func TestPreCommitQCRoundTrip(t *testing.T) {
	qc := types.PreCommitQC{
		Vote:       types.Vote{Height: 12, Round: 0, BlockHash: []byte("hash12")},
		Aggregates: types.Aggregates{AddressBitmap: []byte{0b1011}, Signature: []byte("aggregate-sig")},
	}

	encoded, err := EncodePreCommitQC(qc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decoded, err := DecodePreCommitQC(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if decoded.Vote.Height != qc.Vote.Height || decoded.Vote.Round != qc.Vote.Round {
		t.Fatalf("decoded vote mismatch: got %+v", decoded.Vote)
	}
	if !bytes.Equal(decoded.Vote.BlockHash, qc.Vote.BlockHash) {
		t.Fatalf("decoded block hash mismatch")
	}
	if !bytes.Equal(decoded.Aggregates.Signature, qc.Aggregates.Signature) {
		t.Fatalf("decoded aggregate signature mismatch")
	}
}

func TestDecodePreCommitQCRejectsGarbage(t *testing.T) {
	if _, err := DecodePreCommitQC([]byte("not rlp")); err == nil {
		t.Fatalf("expected decode error for malformed input")
	}
}
