package crypto

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"overlord/types"
)

// Secp256k1Signer signs consensus messages with a recoverable secp256k1
// signature, verified the same way the teacher's verifySignature recovers
// the signer's address from the signature rather than carrying a public
// key on the wire.
type Secp256k1Signer struct {
	key *PrivateKey
}

// NewSecp256k1Signer wraps key as a Contract.
func NewSecp256k1Signer(key *PrivateKey) *Secp256k1Signer {
	return &Secp256k1Signer{key: key}
}

func (s *Secp256k1Signer) Hash(msg []byte) types.Hash {
	h := sha256.Sum256(msg)
	return h[:]
}

func (s *Secp256k1Signer) Sign(msg []byte) (types.Signature, error) {
	hash := s.Hash(msg)
	sig, err := ethcrypto.Sign(hash, s.key.PrivateKey)
	if err != nil {
		return types.Signature{}, types.WrapError(types.ErrCrypto, err, "secp256k1 sign failed")
	}
	return types.Signature{Scheme: types.SchemeSecp256k1, Bytes: sig}, nil
}

func (s *Secp256k1Signer) VerifySignature(msg []byte, sig types.Signature, signer types.Address) error {
	if sig.Scheme != types.SchemeSecp256k1 {
		return types.NewError(types.ErrCrypto, "expected secp256k1 signature, got scheme %d", sig.Scheme)
	}
	if len(sig.Bytes) != 65 {
		return types.NewError(types.ErrCrypto, "invalid secp256k1 signature length %d", len(sig.Bytes))
	}
	hash := s.Hash(msg)
	pubKey, err := ethcrypto.SigToPub(hash, sig.Bytes)
	if err != nil {
		return types.WrapError(types.ErrCrypto, err, "secp256k1 recover failed")
	}
	recovered := ethcrypto.PubkeyToAddress(*pubKey).Bytes()
	if !bytes.Equal(recovered, signer) {
		return types.NewError(types.ErrCrypto, "signature address mismatch")
	}
	return nil
}

// Aggregate concatenates each voter's signature, address-sorted, as a
// reference "aggregate" for the secp256k1 scheme. Unlike BLSSigner, this is
// not a true cryptographic aggregate — recoverable ECDSA signatures don't
// combine — it exists so tests and examples that don't need production BLS
// aggregation still get a deterministic, fully-checkable QC payload. See
// BLSSigner for the production path.
func (s *Secp256k1Signer) Aggregate(sigs map[string]types.Signature) ([]byte, error) {
	return concatAggregate(types.SchemeSecp256k1, sigs)
}

// VerifyAggregate splits the concatenated aggregate back into per-voter
// signatures and verifies each individually against voters.
func (s *Secp256k1Signer) VerifyAggregate(msg []byte, aggregate []byte, voters []types.Address) error {
	return verifyConcatAggregate(msg, aggregate, voters, types.SchemeSecp256k1, s.VerifySignature)
}

// concatAggregate is the shared non-BLS "aggregate" used by both the
// secp256k1 and ed25519 reference signers: a length-prefixed concatenation
// of (voter, signature) pairs, sorted by voter address for determinism.
func concatAggregate(scheme types.SignatureScheme, sigs map[string]types.Signature) ([]byte, error) {
	voters := make([]string, 0, len(sigs))
	for voter := range sigs {
		voters = append(voters, voter)
	}
	sort.Strings(voters)

	var buf bytes.Buffer
	for _, voter := range voters {
		sig := sigs[voter]
		if sig.Scheme != scheme {
			return nil, types.NewError(types.ErrCrypto, "cannot aggregate signature with scheme %d for voter %x", sig.Scheme, voter)
		}
		buf.WriteByte(byte(len(voter)))
		buf.WriteString(voter)
		buf.WriteByte(byte(len(sig.Bytes)))
		buf.Write(sig.Bytes)
		buf.WriteByte(byte(len(sig.PublicKey)))
		buf.Write(sig.PublicKey)
	}
	return buf.Bytes(), nil
}

// verifyConcatAggregate reverses concatAggregate and verifies each
// contained signature with verify.
func verifyConcatAggregate(msg []byte, aggregate []byte, voters []types.Address, scheme types.SignatureScheme, verify func([]byte, types.Signature, types.Address) error) error {
	byAddr := make(map[string]bool, len(voters))
	for _, v := range voters {
		byAddr[string(v)] = true
	}

	buf := bytes.NewReader(aggregate)
	seen := 0
	for buf.Len() > 0 {
		voterLen, err := buf.ReadByte()
		if err != nil {
			return types.WrapError(types.ErrMalformed, err, "truncated aggregate")
		}
		voter := make([]byte, voterLen)
		if _, err := buf.Read(voter); err != nil {
			return types.WrapError(types.ErrMalformed, err, "truncated aggregate voter")
		}
		sigLen, err := buf.ReadByte()
		if err != nil {
			return types.WrapError(types.ErrMalformed, err, "truncated aggregate")
		}
		sigBytes := make([]byte, sigLen)
		if _, err := buf.Read(sigBytes); err != nil {
			return types.WrapError(types.ErrMalformed, err, "truncated aggregate signature")
		}
		pubLen, err := buf.ReadByte()
		if err != nil {
			return types.WrapError(types.ErrMalformed, err, "truncated aggregate")
		}
		pubKey := make([]byte, pubLen)
		if _, err := buf.Read(pubKey); err != nil {
			return types.WrapError(types.ErrMalformed, err, "truncated aggregate public key")
		}
		if !byAddr[string(voter)] {
			return types.NewError(types.ErrCrypto, "aggregate contains signature from unexpected voter %x", voter)
		}
		if err := verify(msg, types.Signature{Scheme: scheme, Bytes: sigBytes, PublicKey: pubKey}, voter); err != nil {
			return fmt.Errorf("voter %x: %w", voter, err)
		}
		seen++
	}
	if seen != len(voters) {
		return types.NewError(types.ErrCrypto, "aggregate carries %d signatures, expected %d", seen, len(voters))
	}
	return nil
}
