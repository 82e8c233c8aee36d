package crypto

import (
	"crypto/rand"
	"testing"
)

func TestCreateAEADCipher(t *testing.T) {
	for _, algorithm := range SupportedAlgorithms() {
		t.Run(algorithm, func(t *testing.T) {
			key := make([]byte, KeySize)
			if _, err := rand.Read(key); err != nil {
				t.Fatalf("failed to generate key: %v", err)
			}

			cipher, err := createAEADCipher(algorithm, key)
			if err != nil {
				t.Fatalf("failed to create cipher: %v", err)
			}
			if cipher.Algorithm() != algorithm {
				t.Fatalf("expected algorithm %s, got %s", algorithm, cipher.Algorithm())
			}
			if cipher.NonceSize() != NonceSize {
				t.Fatalf("expected nonce size %d, got %d", NonceSize, cipher.NonceSize())
			}
			if cipher.Overhead() != TagSize {
				t.Fatalf("expected tag size %d, got %d", TagSize, cipher.Overhead())
			}
		})
	}
}

func TestCreateAEADCipher_InvalidAlgorithm(t *testing.T) {
	key := make([]byte, KeySize)
	if _, err := createAEADCipher("INVALID", key); err == nil {
		t.Fatal("expected error for invalid algorithm")
	}
}

func TestCreateAEADCipher_InvalidKeySize(t *testing.T) {
	key := make([]byte, 16)
	if _, err := createAEADCipher(AlgorithmAES256GCM, key); err == nil {
		t.Fatal("expected error for invalid AES key size")
	}
	if _, err := createAEADCipher(AlgorithmChaCha20Poly1305, key); err == nil {
		t.Fatal("expected error for invalid ChaCha20 key size")
	}
}

func TestIsAlgorithmSupported(t *testing.T) {
	if !IsAlgorithmSupported(AlgorithmAES256GCM) {
		t.Error("AES256-GCM should be supported")
	}
	if !IsAlgorithmSupported(AlgorithmChaCha20Poly1305) {
		t.Error("ChaCha20-Poly1305 should be supported")
	}
	if IsAlgorithmSupported("AES128-CBC") {
		t.Error("AES128-CBC should not be supported")
	}
}
