package aead

import (
	"bytes"
	"testing"
)

func TestChaChaPoly1305RoundTrip(t *testing.T) {
	key, err := DeriveKey([]byte("pre-shared-secret"), "control")
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	enc, err := NewChaChaPoly1305Encryptor(key)
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}

	plaintext := []byte("hello stun")
	buf := make([]byte, len(plaintext), len(plaintext)+64)
	copy(buf, plaintext)

	n, err := enc.Encrypt(buf, len(plaintext))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	buf = buf[:n]

	n, err = enc.Decrypt(buf, n)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(buf[:n], plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", buf[:n], plaintext)
	}
}

func TestChainRoundTripThroughMultipleStages(t *testing.T) {
	key1, _ := DeriveKey([]byte("secret-a"), "stage1")
	key2, _ := DeriveKey([]byte("secret-b"), "stage2")
	e1, err := NewChaChaPoly1305Encryptor(key1)
	if err != nil {
		t.Fatalf("stage1: %v", err)
	}
	e2, err := NewChaChaPoly1305Encryptor(key2)
	if err != nil {
		t.Fatalf("stage2: %v", err)
	}
	chain := NewChain(e1, e2)

	plaintext := []byte("chained payload")
	buf := make([]byte, len(plaintext), len(plaintext)+128)
	copy(buf, plaintext)

	n, err := chain.EncryptAll(buf, len(plaintext))
	if err != nil {
		t.Fatalf("encrypt chain: %v", err)
	}
	buf = buf[:n]

	n, err = chain.DecryptAll(buf, n)
	if err != nil {
		t.Fatalf("decrypt chain: %v", err)
	}
	if !bytes.Equal(buf[:n], plaintext) {
		t.Fatalf("chain round trip mismatch: got %q want %q", buf[:n], plaintext)
	}
}

func TestDeriveKeyDeterministicPerLabel(t *testing.T) {
	k1, _ := DeriveKey([]byte("secret"), "control")
	k2, _ := DeriveKey([]byte("secret"), "control")
	k3, _ := DeriveKey([]byte("secret"), "data")
	if k1 != k2 {
		t.Fatalf("expected deterministic derivation for same label")
	}
	if k1 == k3 {
		t.Fatalf("expected distinct keys for distinct labels")
	}
}

func TestPadUnpadRoundTrip(t *testing.T) {
	policy := PaddingPolicy{PaddingTo: 64}
	policy, err := policy.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	plaintext := []byte("short message")
	padded, err := policy.Pad(plaintext)
	if err != nil {
		t.Fatalf("pad: %v", err)
	}
	if len(padded) != 64 {
		t.Fatalf("expected padded length 64, got %d", len(padded))
	}
	unpadded, err := Unpad(padded)
	if err != nil {
		t.Fatalf("unpad: %v", err)
	}
	if !bytes.Equal(unpadded, plaintext) {
		t.Fatalf("unpad mismatch: got %q want %q", unpadded, plaintext)
	}
}

func TestChainWithPaddingStageRoundTrips(t *testing.T) {
	key, err := DeriveKey([]byte("pre-shared-secret"), "control")
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	enc, err := NewChaChaPoly1305Encryptor(key)
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	padding, err := PaddingPolicy{PaddingTo: 64}.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	chain := NewChain(padding, enc)

	plaintext := []byte("short")
	buf := make([]byte, len(plaintext), chain.RequiredCapacity(len(plaintext)))
	copy(buf, plaintext)

	n, err := chain.EncryptAll(buf, len(plaintext))
	if err != nil {
		t.Fatalf("encrypt chain: %v", err)
	}
	const nonceSize, overhead = 12, 16
	if n != 64+nonceSize+overhead {
		t.Fatalf("expected sealed padded length %d, got %d", 64+nonceSize+overhead, n)
	}
	buf = buf[:n]

	n, err = chain.DecryptAll(buf, n)
	if err != nil {
		t.Fatalf("decrypt chain: %v", err)
	}
	if !bytes.Equal(buf[:n], plaintext) {
		t.Fatalf("chain round trip mismatch: got %q want %q", buf[:n], plaintext)
	}
}

func TestPaddingDisabledWhenZero(t *testing.T) {
	policy := PaddingPolicy{}
	if policy.Enabled() {
		t.Fatalf("expected zero PaddingTo to be disabled")
	}
}
