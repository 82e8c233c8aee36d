package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	headerKeyInfo = "vault-transfer header key"
	nonceKeyInfo  = "vault-transfer chunk nonce key"
)

// Vault holds the key material and chunk geometry of one encrypted
// directory tree. A Vault is safe for concurrent use; all per-file state
// lives in FileHeader values and the stream types.
type Vault struct {
	geometry  Geometry
	algorithm string

	mu        sync.RWMutex
	masterKey []byte
	headerKey []byte
	headers   AEADCipher
}

// NewVault builds a vault from its master key. The key is copied.
func NewVault(masterKey []byte, algorithm string, chunkSize int) (*Vault, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("invalid master key size: expected %d bytes, got %d", KeySize, len(masterKey))
	}
	if !IsAlgorithmSupported(algorithm) {
		return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
	geometry, err := NewGeometry(chunkSize)
	if err != nil {
		return nil, err
	}

	headerKey := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(headerKeyInfo)), headerKey); err != nil {
		return nil, fmt.Errorf("failed to derive header key: %w", err)
	}
	headers, err := createAEADCipher(algorithm, headerKey)
	if err != nil {
		return nil, err
	}

	key := make([]byte, len(masterKey))
	copy(key, masterKey)
	return &Vault{
		geometry:  geometry,
		algorithm: algorithm,
		masterKey: key,
		headerKey: headerKey,
		headers:   headers,
	}, nil
}

// Geometry returns the chunk layout of the vault.
func (v *Vault) Geometry() Geometry {
	return v.geometry
}

// Algorithm returns the AEAD algorithm name.
func (v *Vault) Algorithm() string {
	return v.algorithm
}

// Destroy zeroes the key material. Later operations fail with ErrDestroyed.
func (v *Vault) Destroy() {
	v.mu.Lock()
	defer v.mu.Unlock()
	zero(v.masterKey)
	zero(v.headerKey)
	v.masterKey = nil
	v.headerKey = nil
	v.headers = nil
}

func (v *Vault) headerCipher() (AEADCipher, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.headers == nil {
		return nil, ErrDestroyed
	}
	return v.headers, nil
}

// FileHeader is the per-file record carrying the content key. It is
// immutable once created.
type FileHeader struct {
	nonce      []byte
	contentKey []byte
	nonceKey   []byte
	content    AEADCipher
}

// Nonce returns the header nonce, which also binds chunks to their file.
func (h *FileHeader) Nonce() []byte {
	out := make([]byte, len(h.nonce))
	copy(out, h.nonce)
	return out
}

// Destroy zeroes the content key.
func (h *FileHeader) Destroy() {
	zero(h.contentKey)
	zero(h.nonceKey)
	h.content = nil
}

// CreateHeader generates a fresh header with a random content key.
func (v *Vault) CreateHeader() (*FileHeader, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate header nonce: %w", err)
	}
	contentKey := make([]byte, ContentKeySize)
	if _, err := rand.Read(contentKey); err != nil {
		return nil, fmt.Errorf("failed to generate content key: %w", err)
	}
	return v.newHeader(nonce, contentKey)
}

func (v *Vault) newHeader(nonce, contentKey []byte) (*FileHeader, error) {
	content, err := createAEADCipher(v.algorithm, contentKey)
	if err != nil {
		return nil, err
	}
	nonceKey := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, contentKey, nonce, []byte(nonceKeyInfo)), nonceKey); err != nil {
		return nil, fmt.Errorf("failed to derive nonce key: %w", err)
	}
	return &FileHeader{nonce: nonce, contentKey: contentKey, nonceKey: nonceKey, content: content}, nil
}

// EncryptHeader returns the HeaderSize bytes stored at the start of a file.
func (v *Vault) EncryptHeader(h *FileHeader) ([]byte, error) {
	headers, err := v.headerCipher()
	if err != nil {
		return nil, err
	}
	payload := make([]byte, ContentKeySize+headerReserved)
	copy(payload, h.contentKey)
	for i := ContentKeySize; i < len(payload); i++ {
		payload[i] = 0xFF
	}
	defer zero(payload)

	out := make([]byte, 0, HeaderSize)
	out = append(out, h.nonce...)
	return headers.Seal(out, h.nonce, payload, nil), nil
}

// DecryptHeader authenticates and parses a stored header.
func (v *Vault) DecryptHeader(data []byte) (*FileHeader, error) {
	if len(data) != HeaderSize {
		return nil, &InvalidFileSizeError{Size: int64(len(data)), HeaderSize: HeaderSize, Overhead: ChunkOverhead}
	}
	headers, err := v.headerCipher()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	copy(nonce, data[:NonceSize])
	payload, err := headers.Open(nil, nonce, data[NonceSize:], nil)
	if err != nil {
		return nil, &IntegrityError{Chunk: -1}
	}
	contentKey := make([]byte, ContentKeySize)
	copy(contentKey, payload[:ContentKeySize])
	zero(payload)
	return v.newHeader(nonce, contentKey)
}

// EncryptChunk seals one chunk payload. The stored chunk is the derived
// nonce followed by ciphertext and tag. The nonce is a keyed hash of base,
// index and payload, so a repeated base repeats a nonce only for a chunk
// of identical content at the same index.
func (v *Vault) EncryptChunk(h *FileHeader, index int64, base, payload []byte) ([]byte, error) {
	if h.content == nil {
		return nil, ErrDestroyed
	}
	if int64(len(payload)) > v.geometry.CleartextChunkSize() {
		return nil, fmt.Errorf("chunk payload of %d bytes exceeds chunk size %d", len(payload), v.geometry.CleartextChunkSize())
	}
	if len(base) != NonceSize {
		return nil, fmt.Errorf("invalid nonce size: expected %d bytes, got %d", NonceSize, len(base))
	}
	nonce := deriveChunkNonce(h.nonceKey, base, index, payload)
	out := make([]byte, 0, len(payload)+ChunkOverhead)
	out = append(out, nonce...)
	return h.content.Seal(out, nonce, payload, chunkAAD(h, index)), nil
}

// DecryptChunk authenticates and opens one stored chunk. A failure is
// reported as an *IntegrityError carrying the chunk index.
func (v *Vault) DecryptChunk(h *FileHeader, index int64, chunk []byte) ([]byte, error) {
	if h.content == nil {
		return nil, ErrDestroyed
	}
	if len(chunk) <= ChunkOverhead {
		return nil, &InvalidFileSizeError{Size: int64(len(chunk)), Remainder: int64(len(chunk)), Overhead: ChunkOverhead}
	}
	payload, err := h.content.Open(nil, chunk[:NonceSize], chunk[NonceSize:], chunkAAD(h, index))
	if err != nil {
		return nil, &IntegrityError{Chunk: index}
	}
	return payload, nil
}

// chunkAAD binds a chunk to its file and position.
func chunkAAD(h *FileHeader, index int64) []byte {
	aad := make([]byte, NonceSize+8)
	copy(aad, h.nonce)
	binary.BigEndian.PutUint64(aad[NonceSize:], uint64(index))
	return aad
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
