package crypto

import (
	"bytes"
	"errors"
	"testing"
)

// Low-cost parameters keep the tests fast.
var testKDF = KDFParams{N: 1024, R: 8, P: 1}

func TestKeyFileRoundTrip(t *testing.T) {
	kf, v, err := NewKeyFile("correct horse", AlgorithmAES256GCM, DefaultChunkSize, testKDF)
	if err != nil {
		t.Fatalf("failed to create key file: %v", err)
	}
	data, err := kf.Marshal()
	if err != nil {
		t.Fatalf("failed to marshal key file: %v", err)
	}

	parsed, err := ParseKeyFile(data)
	if err != nil {
		t.Fatalf("failed to parse key file: %v", err)
	}
	unlocked, err := parsed.Unlock("correct horse")
	if err != nil {
		t.Fatalf("failed to unlock: %v", err)
	}
	if unlocked.Geometry() != v.Geometry() || unlocked.Algorithm() != v.Algorithm() {
		t.Fatal("unlocked vault layout differs")
	}

	// Headers written by one instance open with the other.
	h, _ := v.CreateHeader()
	enc, _ := v.EncryptHeader(h)
	dec, err := unlocked.DecryptHeader(enc)
	if err != nil {
		t.Fatalf("unlocked vault cannot read header: %v", err)
	}
	if !bytes.Equal(dec.Nonce(), h.Nonce()) {
		t.Fatal("header nonce mismatch")
	}
}

func TestKeyFileWrongPassphrase(t *testing.T) {
	kf, _, err := NewKeyFile("secret", AlgorithmChaCha20Poly1305, DefaultChunkSize, testKDF)
	if err != nil {
		t.Fatalf("failed to create key file: %v", err)
	}
	if _, err := kf.Unlock("not the secret"); !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("expected ErrWrongPassphrase, got %v", err)
	}
}

func TestKeyFileLayoutTamperRejected(t *testing.T) {
	kf, _, err := NewKeyFile("secret", AlgorithmAES256GCM, DefaultChunkSize, testKDF)
	if err != nil {
		t.Fatalf("failed to create key file: %v", err)
	}
	kf.ChunkSize = MinChunkSize
	if _, err := kf.Unlock("secret"); !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("expected rejection of altered chunk size, got %v", err)
	}
}

func TestParseKeyFile_Invalid(t *testing.T) {
	if _, err := ParseKeyFile([]byte("{")); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	if _, err := ParseKeyFile([]byte(`{"version":9,"kdf":{"name":"scrypt"}}`)); err == nil {
		t.Fatal("expected error for unknown version")
	}
	if _, err := ParseKeyFile([]byte(`{"version":1,"kdf":{"name":"pbkdf2"}}`)); err == nil {
		t.Fatal("expected error for unknown kdf")
	}
}
