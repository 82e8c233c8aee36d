package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// AlgorithmAES256GCM is the default AES-256-GCM algorithm.
	AlgorithmAES256GCM = "AES256-GCM"
	// AlgorithmChaCha20Poly1305 is the ChaCha20-Poly1305 algorithm.
	AlgorithmChaCha20Poly1305 = "ChaCha20-Poly1305"

	// KeySize is the key length of every supported algorithm (256 bits).
	KeySize = 32
)

// algorithms maps a vault algorithm name to its AEAD constructor. Every
// entry must produce NonceSize nonces and TagSize tags.
var algorithms = []struct {
	name string
	aead func(key []byte) (cipher.AEAD, error)
}{
	{AlgorithmAES256GCM, func(key []byte) (cipher.AEAD, error) {
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	}},
	{AlgorithmChaCha20Poly1305, chacha20poly1305.New},
}

// SupportedAlgorithms lists the algorithms a vault may be created with.
func SupportedAlgorithms() []string {
	names := make([]string, len(algorithms))
	for i, a := range algorithms {
		names[i] = a.name
	}
	return names
}

// IsAlgorithmSupported reports whether a vault can use the algorithm.
func IsAlgorithmSupported(algorithm string) bool {
	for _, a := range algorithms {
		if a.name == algorithm {
			return true
		}
	}
	return false
}

// AEADCipher is a cipher.AEAD that knows its algorithm name.
type AEADCipher interface {
	cipher.AEAD
	Algorithm() string
}

type namedAEAD struct {
	cipher.AEAD
	name string
}

func (c namedAEAD) Algorithm() string { return c.name }

// createAEADCipher keys algorithm with key.
func createAEADCipher(algorithm string, key []byte) (AEADCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size for %s: expected %d bytes, got %d", algorithm, KeySize, len(key))
	}
	for _, a := range algorithms {
		if a.name != algorithm {
			continue
		}
		aead, err := a.aead(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s cipher: %w", algorithm, err)
		}
		if aead.NonceSize() != NonceSize || aead.Overhead() != TagSize {
			return nil, fmt.Errorf("%s does not fit the chunk layout (nonce %d, tag %d)", algorithm, aead.NonceSize(), aead.Overhead())
		}
		return namedAEAD{AEAD: aead, name: algorithm}, nil
	}
	return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
}
