package crypto

import "fmt"

const (
	// NonceSize is the nonce length of every supported AEAD.
	NonceSize = 12
	// TagSize is the authentication tag length of every supported AEAD.
	TagSize = 16
	// ChunkOverhead is the fixed number of bytes a chunk adds to its payload.
	ChunkOverhead = NonceSize + TagSize

	// DefaultChunkSize is the default cleartext payload per chunk (32KB).
	DefaultChunkSize = 32 * 1024
	// MinChunkSize is the smallest payload a vault may be created with.
	MinChunkSize = 16 * 1024
	// MaxChunkSize is the largest payload a vault may be created with.
	MaxChunkSize = 1024 * 1024

	// ContentKeySize is the length of the per-file content key.
	ContentKeySize = KeySize
	headerReserved = 8
	// HeaderSize is the encrypted header length stored at the start of
	// every file: nonce, content key, reserved bytes and tag.
	HeaderSize = NonceSize + ContentKeySize + headerReserved + TagSize

	// UnknownLength marks a transfer whose length is not known in advance.
	UnknownLength int64 = -1
)

// Geometry describes the chunk layout of a vault. It is fixed for the
// lifetime of the vault.
type Geometry struct {
	chunkSize int64
}

// NewGeometry validates the cleartext chunk payload size.
func NewGeometry(chunkSize int) (Geometry, error) {
	if chunkSize < MinChunkSize || chunkSize > MaxChunkSize {
		return Geometry{}, fmt.Errorf("chunk size %d out of range [%d, %d]", chunkSize, MinChunkSize, MaxChunkSize)
	}
	return Geometry{chunkSize: int64(chunkSize)}, nil
}

// CleartextChunkSize returns the payload bytes carried by a full chunk.
func (g Geometry) CleartextChunkSize() int64 {
	return g.chunkSize
}

// CiphertextChunkSize returns the stored size of a full chunk.
func (g Geometry) CiphertextChunkSize() int64 {
	return g.chunkSize + ChunkOverhead
}

// HeaderSize returns the stored size of the file header.
func (g Geometry) HeaderSize() int64 {
	return HeaderSize
}

// ToCiphertextSize returns the ciphertext length of length cleartext
// bytes. The header is counted only when offset is 0. UnknownLength is
// passed through unchanged.
func (g Geometry) ToCiphertextSize(offset, length int64) int64 {
	if length == UnknownLength {
		return UnknownLength
	}
	var header int64
	if offset == 0 {
		header = HeaderSize
	}
	full := length / g.chunkSize
	size := header + full*g.CiphertextChunkSize()
	if rest := length % g.chunkSize; rest > 0 {
		size += rest + ChunkOverhead
	}
	return size
}

// ToCleartextSize is the inverse of ToCiphertextSize. Lengths no chunk
// layout can produce return an *InvalidFileSizeError.
func (g Geometry) ToCleartextSize(offset, length int64) (int64, error) {
	if length == UnknownLength {
		return UnknownLength, nil
	}
	var header int64
	if offset == 0 {
		header = HeaderSize
	}
	body := length - header
	if body < 0 {
		return 0, &InvalidFileSizeError{Size: length, HeaderSize: header, Overhead: ChunkOverhead}
	}
	full := body / g.CiphertextChunkSize()
	rest := body % g.CiphertextChunkSize()
	if rest > 0 && rest <= ChunkOverhead {
		return 0, &InvalidFileSizeError{Size: length, HeaderSize: header, Remainder: rest, Overhead: ChunkOverhead}
	}
	size := full * g.chunkSize
	if rest > 0 {
		size += rest - ChunkOverhead
	}
	return size, nil
}

// ChunkIndex returns the chunk holding the cleartext offset.
func (g Geometry) ChunkIndex(offset int64) int64 {
	return offset / g.chunkSize
}

// ChunkOffset returns the ciphertext position of the chunk holding the
// cleartext offset, header included.
func (g Geometry) ChunkOffset(offset int64) int64 {
	return HeaderSize + g.ChunkIndex(offset)*g.CiphertextChunkSize()
}

// Aligned reports whether offset is on a chunk boundary.
func (g Geometry) Aligned(offset int64) bool {
	return offset%g.chunkSize == 0
}
