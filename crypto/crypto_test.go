package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"overlord/types"
)

func TestSecp256k1SignVerifyRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	signer := NewSecp256k1Signer(key)
	addr := key.PubKey().Address().Bytes()

	msg := []byte("height=1 round=0 blockHash=abc")
	sig, err := signer.Sign(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := signer.VerifySignature(msg, sig, addr); err != nil {
		t.Fatalf("verification failed: %v", err)
	}

	otherKey, _ := GeneratePrivateKey()
	otherAddr := otherKey.PubKey().Address().Bytes()
	if err := signer.VerifySignature(msg, sig, otherAddr); err == nil {
		t.Fatalf("expected verification failure against mismatched address")
	}
}

func TestSecp256k1ConcatAggregateRoundTrip(t *testing.T) {
	k1, _ := GeneratePrivateKey()
	k2, _ := GeneratePrivateKey()
	a1 := k1.PubKey().Address().Bytes()
	a2 := k2.PubKey().Address().Bytes()
	s1 := NewSecp256k1Signer(k1)
	s2 := NewSecp256k1Signer(k2)

	msg := []byte("height=2 round=0 blockHash=def")
	sig1, _ := s1.Sign(msg)
	sig2, _ := s2.Sign(msg)

	agg, err := s1.Aggregate(map[string]types.Signature{
		string(a1): sig1,
		string(a2): sig2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s1.VerifyAggregate(msg, agg, []types.Address{a1, a2}); err != nil {
		t.Fatalf("aggregate verification failed: %v", err)
	}
	if err := s1.VerifyAggregate(msg, agg, []types.Address{a1}); err == nil {
		t.Fatalf("expected mismatch error when voters list is incomplete")
	}
}

func TestBLSSignVerifyRoundTrip(t *testing.T) {
	pub, secret, err := BLSKeyGen([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	addr := types.Address("authority-1")
	signer, err := NewBLSSigner(secret, map[string][]byte{string(addr): pub})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := []byte("height=4 round=0 blockHash=jkl")
	sig, err := signer.Sign(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := signer.VerifySignature(msg, sig, addr); err != nil {
		t.Fatalf("verification failed: %v", err)
	}

	otherAddr := types.Address("authority-2")
	if err := signer.VerifySignature(msg, sig, otherAddr); err == nil {
		t.Fatalf("expected verification failure against an address with no registered key")
	}
}

func TestBLSAggregateRoundTrip(t *testing.T) {
	pub1, secret1, err := BLSKeyGen([]byte("seed-authority-one-needs-32-byte"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pub2, secret2, err := BLSKeyGen([]byte("seed-authority-two-needs-32-byte"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	addr1 := types.Address("authority-1")
	addr2 := types.Address("authority-2")
	registry := map[string][]byte{string(addr1): pub1, string(addr2): pub2}

	signer1, err := NewBLSSigner(secret1, registry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	signer2, err := NewBLSSigner(secret2, registry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := []byte("height=5 round=0 blockHash=mno")
	sig1, err := signer1.Sign(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sig2, err := signer2.Sign(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	agg, err := signer1.Aggregate(map[string]types.Signature{
		string(addr1): sig1,
		string(addr2): sig2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := signer1.VerifyAggregate(msg, agg, []types.Address{addr1, addr2}); err != nil {
		t.Fatalf("aggregate verification failed: %v", err)
	}
	if err := signer1.VerifyAggregate(msg, agg, []types.Address{addr1}); err == nil {
		t.Fatalf("expected FastAggregateVerify failure when a voter is omitted")
	}
}

func TestEd25519SignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	signer := NewEd25519Signer(priv)
	addr := Ed25519Address(pub)

	msg := []byte("height=3 round=1 blockHash=ghi")
	sig, err := signer.Sign(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := signer.VerifySignature(msg, sig, addr); err != nil {
		t.Fatalf("verification failed: %v", err)
	}
}
