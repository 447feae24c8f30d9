package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"overlord/types"
)

// Ed25519Signer is the second signing scheme the teacher's Signature
// envelope carries alongside secp256k1. Its address is derived the same
// way the teacher recovers one: keccak256(pubkey)[12:].
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Signer wraps a generated or loaded ed25519 keypair as a
// Contract.
func NewEd25519Signer(priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// Ed25519Address derives the 20-byte address for an ed25519 public key.
func Ed25519Address(pub ed25519.PublicKey) types.Address {
	return ethcrypto.Keccak256(pub)[12:]
}

func (s *Ed25519Signer) Hash(msg []byte) types.Hash {
	h := sha256.Sum256(msg)
	return h[:]
}

func (s *Ed25519Signer) Sign(msg []byte) (types.Signature, error) {
	hash := s.Hash(msg)
	sig := ed25519.Sign(s.priv, hash)
	return types.Signature{Scheme: types.SchemeEd25519, Bytes: sig, PublicKey: append([]byte(nil), s.pub...)}, nil
}

func (s *Ed25519Signer) VerifySignature(msg []byte, sig types.Signature, signer types.Address) error {
	if sig.Scheme != types.SchemeEd25519 {
		return types.NewError(types.ErrCrypto, "expected ed25519 signature, got scheme %d", sig.Scheme)
	}
	if len(sig.PublicKey) != ed25519.PublicKeySize {
		return types.NewError(types.ErrCrypto, "invalid ed25519 public key length %d", len(sig.PublicKey))
	}
	hash := s.Hash(msg)
	if !ed25519.Verify(sig.PublicKey, hash, sig.Bytes) {
		return types.NewError(types.ErrCrypto, "invalid ed25519 signature")
	}
	recovered := Ed25519Address(sig.PublicKey)
	if string(recovered) != string(signer) {
		return types.NewError(types.ErrCrypto, "signature address mismatch")
	}
	return nil
}

// Aggregate and VerifyAggregate reuse the same concatenation scheme as
// Secp256k1Signer; ed25519 signatures don't combine into a true aggregate
// either, so this scheme is intended for tests and reference deployments,
// not for the production BLS path. See BLSSigner.
func (s *Ed25519Signer) Aggregate(sigs map[string]types.Signature) ([]byte, error) {
	return concatAggregate(types.SchemeEd25519, sigs)
}

func (s *Ed25519Signer) VerifyAggregate(msg []byte, aggregate []byte, voters []types.Address) error {
	return verifyConcatAggregate(msg, aggregate, voters, types.SchemeEd25519, s.VerifySignature)
}
