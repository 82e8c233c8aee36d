package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// NonceSource supplies the base nonce for every chunk. The chunk nonce is
// derived from the base, the chunk index and the chunk content, so a
// source that repeats itself still yields distinct nonces for distinct
// chunks.
type NonceSource interface {
	NextNonce() ([]byte, error)
}

// RandomNonces draws every nonce from crypto/rand.
type RandomNonces struct{}

// NextNonce implements NonceSource.
func (RandomNonces) NextNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// BaseNonce returns the same base nonce for every chunk. Re-encrypting the
// same cleartext with the same header and BaseNonce reproduces its
// ciphertext byte for byte, which makes interrupted uploads resumable.
// Changed cleartext gets fresh nonces.
type BaseNonce []byte

// NextNonce implements NonceSource.
func (b BaseNonce) NextNonce() ([]byte, error) {
	if len(b) != NonceSize {
		return nil, fmt.Errorf("invalid base nonce size: expected %d bytes, got %d", NonceSize, len(b))
	}
	nonce := make([]byte, NonceSize)
	copy(nonce, b)
	return nonce, nil
}

// deriveChunkNonce truncates HMAC-SHA256(key, base || index || payload)
// to a nonce.
func deriveChunkNonce(key, base []byte, index int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(base)
	var indexBytes [8]byte
	binary.BigEndian.PutUint64(indexBytes[:], uint64(index))
	mac.Write(indexBytes[:])
	mac.Write(payload)
	return mac.Sum(nil)[:NonceSize]
}
