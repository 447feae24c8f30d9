package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	blst "github.com/supranational/blst/bindings/go"

	"overlord/types"
)

// blsDST is the domain separation tag for Overlord's BLS aggregate
// signatures, the same construction the blst binding's Ethereum backend
// uses for the MinPk ciphersuite (public keys in G1, signatures in G2).
var blsDST = []byte("OVERLORD_BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_POP_")

const (
	blsPubkeySize  = 48 // compressed G1
	blsSigSize     = 96 // compressed G2
	blsSecretSize  = 32
)

// BLSSigner is the production aggregate-signature backend: every authority
// signs the same (height, round, blockHash) payload, and the QC's
// Aggregates.Signature is a true BLS aggregate — O(1) to verify regardless
// of how many authorities contributed, unlike the secp256k1/ed25519
// reference schemes' concatenation.
type BLSSigner struct {
	secretKey *blst.SecretKey
	publicKey []byte // compressed G1, 48 bytes

	// registry maps an authority address to its compressed BLS public key,
	// needed to verify an aggregate against the voters a QC's bitmap names.
	registry map[string][]byte
}

// BLSKeyGen derives a BLS keypair from seed material (at least 32 bytes of
// entropy), returning the compressed public key and serialized secret key.
func BLSKeyGen(ikm []byte) (pubkey, secretKey []byte, err error) {
	if len(ikm) < 32 {
		return nil, nil, types.NewError(types.ErrCrypto, "BLS IKM must be at least 32 bytes, got %d", len(ikm))
	}
	sk := blst.KeyGen(ikm)
	if sk == nil {
		return nil, nil, types.NewError(types.ErrCrypto, "BLS key generation failed")
	}
	pk := new(blst.P1Affine).From(sk)
	return pk.Compress(), sk.Serialize(), nil
}

// NewBLSSigner wraps a serialized secret key as a Contract. registry maps
// every authority's address to its compressed BLS public key so
// VerifyAggregate can resolve voters named by a QC's bitmap.
func NewBLSSigner(secretKey []byte, registry map[string][]byte) (*BLSSigner, error) {
	if len(secretKey) != blsSecretSize {
		return nil, types.NewError(types.ErrCrypto, "invalid BLS secret key length %d", len(secretKey))
	}
	sk := new(blst.SecretKey).Deserialize(secretKey)
	if sk == nil {
		return nil, types.NewError(types.ErrCrypto, "invalid BLS secret key bytes")
	}
	pub := new(blst.P1Affine).From(sk).Compress()
	return &BLSSigner{secretKey: sk, publicKey: pub, registry: registry}, nil
}

// PublicKey returns this signer's compressed BLS public key.
func (s *BLSSigner) PublicKey() []byte {
	return append([]byte(nil), s.publicKey...)
}

// PublicKeyHex hex-encodes PublicKey for storage in an authority.Node.
func (s *BLSSigner) PublicKeyHex() string {
	return hex.EncodeToString(s.publicKey)
}

func (s *BLSSigner) Hash(msg []byte) types.Hash {
	h := sha256.Sum256(msg)
	return h[:]
}

func (s *BLSSigner) Sign(msg []byte) (types.Signature, error) {
	sig := new(blst.P2Affine).Sign(s.secretKey, msg, blsDST)
	if sig == nil {
		return types.Signature{}, types.NewError(types.ErrCrypto, "BLS signing failed")
	}
	return types.Signature{Scheme: types.SchemeBLS12381, Bytes: sig.Compress(), PublicKey: s.PublicKey()}, nil
}

func (s *BLSSigner) VerifySignature(msg []byte, sig types.Signature, signer types.Address) error {
	if sig.Scheme != types.SchemeBLS12381 {
		return types.NewError(types.ErrCrypto, "expected BLS signature, got scheme %d", sig.Scheme)
	}
	pubkey, err := s.pubkeyFor(signer)
	if err != nil {
		return err
	}
	if len(sig.Bytes) != blsSigSize {
		return types.NewError(types.ErrCrypto, "invalid BLS signature length %d", len(sig.Bytes))
	}
	pk := new(blst.P1Affine).Uncompress(pubkey)
	if pk == nil {
		return types.NewError(types.ErrCrypto, "invalid BLS public key for %x", signer)
	}
	sigPoint := new(blst.P2Affine).Uncompress(sig.Bytes)
	if sigPoint == nil {
		return types.NewError(types.ErrCrypto, "invalid BLS signature bytes")
	}
	if !sigPoint.Verify(true, pk, true, msg, blsDST) {
		return types.NewError(types.ErrCrypto, "BLS signature verification failed")
	}
	return nil
}

// Aggregate combines every voter's BLS signature into a single compressed
// aggregate signature over their (shared) message.
func (s *BLSSigner) Aggregate(sigs map[string]types.Signature) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, types.NewError(types.ErrCrypto, "no BLS signatures to aggregate")
	}
	compressed := make([][]byte, 0, len(sigs))
	for voter, sig := range sigs {
		if sig.Scheme != types.SchemeBLS12381 {
			return nil, types.NewError(types.ErrCrypto, "cannot BLS-aggregate signature with scheme %d for voter %x", sig.Scheme, voter)
		}
		compressed = append(compressed, sig.Bytes)
	}
	agg := new(blst.P2Aggregate)
	if !agg.AggregateCompressed(compressed, true) {
		return nil, types.NewError(types.ErrCrypto, "BLS aggregation failed")
	}
	return agg.ToAffine().Compress(), nil
}

// VerifyAggregate checks a FastAggregateVerify: every voter named signed
// the same msg, and aggregate combines exactly their signatures.
func (s *BLSSigner) VerifyAggregate(msg []byte, aggregate []byte, voters []types.Address) error {
	if len(voters) == 0 {
		return types.NewError(types.ErrCrypto, "aggregate names no voters")
	}
	if len(aggregate) != blsSigSize {
		return types.NewError(types.ErrCrypto, "invalid BLS aggregate signature length %d", len(aggregate))
	}
	pks := make([]*blst.P1Affine, len(voters))
	for i, voter := range voters {
		pubkey, err := s.pubkeyFor(voter)
		if err != nil {
			return err
		}
		pk := new(blst.P1Affine).Uncompress(pubkey)
		if pk == nil {
			return types.NewError(types.ErrCrypto, "invalid BLS public key for %x", voter)
		}
		pks[i] = pk
	}
	sig := new(blst.P2Affine).Uncompress(aggregate)
	if sig == nil {
		return types.NewError(types.ErrCrypto, "invalid BLS aggregate signature bytes")
	}
	if !sig.FastAggregateVerify(true, pks, msg, blsDST) {
		return types.NewError(types.ErrCrypto, "BLS aggregate verification failed")
	}
	return nil
}

func (s *BLSSigner) pubkeyFor(addr types.Address) ([]byte, error) {
	pubkey, ok := s.registry[string(addr)]
	if !ok {
		return nil, types.NewError(types.ErrCrypto, "no known BLS public key for address %x", addr)
	}
	if len(pubkey) != blsPubkeySize {
		return nil, types.NewError(types.ErrCrypto, "invalid BLS public key length %d for address %x", len(pubkey), addr)
	}
	return pubkey, nil
}
