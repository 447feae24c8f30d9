package types

// SignatureScheme identifies which signing algorithm produced a Signature,
// mirroring the dual secp256k1/ed25519 scheme tag the teacher's bft package
// carries on every vote and proposal.
type SignatureScheme byte

const (
	SchemeSecp256k1 SignatureScheme = iota
	SchemeEd25519
	SchemeBLS12381
)

// Signature is an opaque, scheme-tagged signature envelope. secp256k1
// signatures leave PublicKey empty, since the signer's key is recovered from
// the signature itself; ed25519 signatures carry the signer's key in
// PublicKey and are verified against it; BLS signatures carry it too, but
// are verified against the key registered for the signer's address.
type Signature struct {
	Scheme    SignatureScheme `json:"scheme"`
	Bytes     []byte          `json:"bytes"`
	PublicKey []byte          `json:"publicKey,omitempty"`
}

// VoteType distinguishes the two voting phases an authority signs a Vote
// in, pre-vote and pre-commit; the matching QC type carries the same phase
// once the vote crosses threshold.
type VoteType byte

const (
	VoteTypePreVote VoteType = iota
	VoteTypePreCommit
)

// Vote is the (height, round, block hash) triple every PreVote/PreCommit
// signs over. An empty BlockHash means "no block" — a round that escalated
// without agreeing on a proposal.
type Vote struct {
	Height    Height `json:"height"`
	Round     Round  `json:"round"`
	BlockHash Hash   `json:"blockHash"`
}

// EmptyVote builds the "no block" vote for a height/round.
func EmptyVote(height Height, round Round) Vote {
	return Vote{Height: height, Round: round}
}

// IsEmpty reports whether v carries no block hash.
func (v Vote) IsEmpty() bool {
	return len(v.BlockHash) == 0
}

// SignedPreVote is one authority's signed PreVote, weighted by its voting
// power at the time it was cast.
type SignedPreVote struct {
	Vote       Vote    `json:"vote"`
	VoteWeight Weight  `json:"voteWeight"`
	Voter      Address `json:"voter"`
	Signature  Signature `json:"signature"`
}

// SignedPreCommit has the same shape as SignedPreVote; it is a distinct Go
// type so the cabinet and SMR cannot accidentally mix the two phases.
type SignedPreCommit struct {
	Vote       Vote      `json:"vote"`
	VoteWeight Weight    `json:"voteWeight"`
	Voter      Address   `json:"voter"`
	Signature  Signature `json:"signature"`
}

// Aggregates is the aggregate-signed voter set behind a QC: a bitmap of
// which authorities (by position in the sorted authority list) contributed,
// and the aggregate signature over their shared Vote/Choke.
type Aggregates struct {
	AddressBitmap []byte `json:"addressBitmap"`
	Signature     []byte `json:"signature"`
}

// PreVoteQC is formed once PreVote weight for one block hash in one round
// crosses the BFT threshold.
type PreVoteQC struct {
	Vote       Vote       `json:"vote"`
	Aggregates Aggregates `json:"aggregates"`
}

// PreCommitQC is formed once PreCommit weight for one block hash in one
// round crosses the BFT threshold; a PreCommitQC is a block's proof of
// commitment and is carried forward as the next block's PreProof.
type PreCommitQC struct {
	Vote       Vote       `json:"vote"`
	Aggregates Aggregates `json:"aggregates"`
}

// Proof is the proof-of-commitment a block carries for its predecessor.
type Proof = PreCommitQC

// Choke is the (height, round) an authority signs when it gives up on a
// round without ever seeing two-thirds of PreVote or PreCommit weight.
type Choke struct {
	Height Height `json:"height"`
	Round  Round  `json:"round"`
}

// UpdateFromKind tags which prior QC justified a SignedChoke.
type UpdateFromKind byte

const (
	UpdateFromPreVoteQC UpdateFromKind = iota
	UpdateFromPreCommitQC
	UpdateFromChokeQC
)

// UpdateFrom carries the evidence an authority attaches to a choke vote: the
// QC it already held when it chose to brake, so peers can fast-forward.
type UpdateFrom struct {
	Kind        UpdateFromKind `json:"kind"`
	PreVoteQC   *PreVoteQC     `json:"preVoteQC,omitempty"`
	PreCommitQC *PreCommitQC   `json:"preCommitQC,omitempty"`
	ChokeQC     *ChokeQC       `json:"chokeQC,omitempty"`
}

// SignedChoke is one authority's signed vote to abandon a round.
type SignedChoke struct {
	Choke      Choke       `json:"choke"`
	VoteWeight Weight      `json:"voteWeight"`
	From       *UpdateFrom `json:"from,omitempty"`
	Voter      Address     `json:"voter"`
	Signature  Signature   `json:"signature"`
}

// ChokeQC is formed once Choke weight for one round crosses threshold,
// forcing every authority to advance to round+1 regardless of local state.
type ChokeQC struct {
	Choke      Choke      `json:"choke"`
	Aggregates Aggregates `json:"aggregates"`
}

// Proposal is a round's candidate block, carrying the PreVoteQC that locked
// it if the proposer is re-proposing a prior round's lock rather than a
// fresh block.
type Proposal[B Block] struct {
	Height    Height     `json:"height"`
	Round     Round      `json:"round"`
	Block     B          `json:"block"`
	BlockHash Hash       `json:"blockHash"`
	Lock      *PreVoteQC `json:"lock,omitempty"`
	Proposer  Address    `json:"proposer"`
}

// AsVote extracts the (height, round, blockHash) vote a Proposal stands for.
func (p Proposal[B]) AsVote() Vote {
	return Vote{Height: p.Height, Round: p.Round, BlockHash: p.BlockHash}
}

// SignedProposal is a Proposal plus the proposer's signature over it.
type SignedProposal[B Block] struct {
	Proposal  Proposal[B] `json:"proposal"`
	Signature Signature   `json:"signature"`
}

// SignedHeight is a gossiped "I am at height H" beacon, used by lagging
// peers to discover they need to sync.
type SignedHeight struct {
	Height    Height    `json:"height"`
	Address   Address   `json:"address"`
	Signature Signature `json:"signature"`
}

// SyncRequest asks a peer for committed blocks and their proofs over a
// height range.
type SyncRequest struct {
	RequestID string      `json:"requestId"`
	Range     HeightRange `json:"range"`
	Requester Address     `json:"requester"`
	Signature Signature   `json:"signature"`
}

// SyncResponse answers a SyncRequest with the requested blocks and proofs,
// correlated back to the request by RequestID.
type SyncResponse[B Block] struct {
	RequestID        string        `json:"requestId"`
	BlocksWithProofs  []BlockProof[B] `json:"blocksWithProofs"`
	Responder        Address       `json:"responder"`
	Signature        Signature     `json:"signature"`
}

// BlockProof pairs a committed block with the PreCommitQC that proves it.
type BlockProof[B Block] struct {
	Block B           `json:"block"`
	Proof PreCommitQC `json:"proof"`
}

// OverlordMsgKind tags the payload carried by an OverlordMsg.
type OverlordMsgKind byte

const (
	MsgSignedProposal OverlordMsgKind = iota
	MsgSignedPreVote
	MsgSignedPreCommit
	MsgPreVoteQC
	MsgPreCommitQC
	MsgSignedChoke
	MsgChokeQC
	MsgSignedHeight
	MsgSyncRequest
	MsgSyncResponse
	MsgStop
)

// OverlordMsg is the wire envelope every inbound/outbound consensus message
// travels in, one field populated according to Kind — the Go rendering of
// the upstream OverlordMsg<B> enum, shaped like the teacher's own
// transport.Message{Type, Payload} envelope.
type OverlordMsg[B Block] struct {
	Kind            OverlordMsgKind    `json:"kind"`
	SignedProposal  *SignedProposal[B] `json:"signedProposal,omitempty"`
	SignedPreVote   *SignedPreVote     `json:"signedPreVote,omitempty"`
	SignedPreCommit *SignedPreCommit   `json:"signedPreCommit,omitempty"`
	PreVoteQC       *PreVoteQC         `json:"preVoteQC,omitempty"`
	PreCommitQC     *PreCommitQC       `json:"preCommitQC,omitempty"`
	SignedChoke     *SignedChoke       `json:"signedChoke,omitempty"`
	ChokeQC         *ChokeQC           `json:"chokeQC,omitempty"`
	SignedHeight    *SignedHeight      `json:"signedHeight,omitempty"`
	SyncRequest     *SyncRequest       `json:"syncRequest,omitempty"`
	SyncResponse    *SyncResponse[B]   `json:"syncResponse,omitempty"`
}
