package crypto

import (
	"overlord/types"
)

// Contract is the opaque signing/aggregation capability every Overlord
// signer implements — the Go rendering of the upstream Crypto trait. The
// driver never touches raw key material directly, only this contract.
type Contract interface {
	// Hash returns the content hash of msg.
	Hash(msg []byte) types.Hash

	// Sign produces a Signature over msg using the signer's own key.
	Sign(msg []byte) (types.Signature, error)

	// VerifySignature checks that sig is a valid signature over msg by
	// signer.
	VerifySignature(msg []byte, sig types.Signature, signer types.Address) error

	// Aggregate combines one signature per voter into a single aggregate
	// signature, keyed by voter address so the caller can recover which
	// bitmap positions to set.
	Aggregate(sigs map[string]types.Signature) ([]byte, error)

	// VerifyAggregate checks an aggregate signature against msg and the
	// public keys of every contributing voter.
	VerifyAggregate(msg []byte, aggregate []byte, voters []types.Address) error
}
