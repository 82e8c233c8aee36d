package crypto

import (
	"errors"
	"fmt"
	"io"
)

// EncryptingWriter encrypts a cleartext stream chunk by chunk. Full
// chunks are sealed as soon as they fill; the trailing partial chunk is
// sealed by Close. The header is not written; callers store it first.
type EncryptingWriter struct {
	dst    io.Writer
	vault  *Vault
	header *FileHeader
	nonces NonceSource

	buffer []byte
	filled int
	index  int64
	closed bool
	err    error
}

// NewEncryptingWriter returns a writer whose first chunk has index
// firstChunk. Resumed writes start at the chunk of their cleartext offset.
func NewEncryptingWriter(dst io.Writer, v *Vault, h *FileHeader, nonces NonceSource, firstChunk int64) *EncryptingWriter {
	if nonces == nil {
		nonces = RandomNonces{}
	}
	return &EncryptingWriter{
		dst:    dst,
		vault:  v,
		header: h,
		nonces: nonces,
		buffer: make([]byte, v.Geometry().CleartextChunkSize()),
		index:  firstChunk,
	}
}

// Write implements io.Writer.
func (w *EncryptingWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("write to closed encrypting writer")
	}
	if w.err != nil {
		return 0, w.err
	}

	written := 0
	for written < len(p) {
		n := copy(w.buffer[w.filled:], p[written:])
		w.filled += n
		written += n
		if w.filled == len(w.buffer) {
			if err := w.flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Chunks returns the number of chunks sealed so far.
func (w *EncryptingWriter) Chunks() int64 {
	return w.index
}

func (w *EncryptingWriter) flush() error {
	if w.filled == 0 {
		return nil
	}
	base, err := w.nonces.NextNonce()
	if err != nil {
		w.err = err
		return err
	}
	chunk, err := w.vault.EncryptChunk(w.header, w.index, base, w.buffer[:w.filled])
	if err != nil {
		w.err = fmt.Errorf("failed to encrypt chunk %d: %w", w.index, err)
		return w.err
	}
	if _, err := w.dst.Write(chunk); err != nil {
		w.err = err
		return err
	}
	w.filled = 0
	w.index++
	return nil
}

// Close seals the trailing partial chunk. It does not close dst.
func (w *EncryptingWriter) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}
	err := w.flush()
	zero(w.buffer)
	return err
}

// DecryptingReader decrypts a ciphertext stream positioned at the start
// of chunk firstChunk. Bytes of chunks that authenticated are delivered
// before the error of the first chunk that did not.
type DecryptingReader struct {
	src    io.Reader
	vault  *Vault
	header *FileHeader

	buffer  []byte
	current []byte
	index   int64
	skip    int64
	err     error
}

// NewDecryptingReader returns a reader that drops the first skip cleartext
// bytes of chunk firstChunk.
func NewDecryptingReader(src io.Reader, v *Vault, h *FileHeader, firstChunk, skip int64) *DecryptingReader {
	return &DecryptingReader{
		src:    src,
		vault:  v,
		header: h,
		buffer: make([]byte, v.Geometry().CiphertextChunkSize()),
		index:  firstChunk,
		skip:   skip,
	}
}

// Read implements io.Reader.
func (r *DecryptingReader) Read(p []byte) (int, error) {
	totalRead := 0
	for totalRead < len(p) {
		if len(r.current) > 0 {
			n := copy(p[totalRead:], r.current)
			r.current = r.current[n:]
			totalRead += n
			continue
		}
		if r.err != nil {
			return totalRead, r.err
		}
		if err := r.next(); err != nil {
			r.err = err
			if totalRead > 0 {
				return totalRead, nil
			}
			return 0, err
		}
	}
	return totalRead, nil
}

// next reads and opens one chunk into current.
func (r *DecryptingReader) next() error {
	n, err := io.ReadFull(r.src, r.buffer)
	switch {
	case err == io.EOF:
		return io.EOF
	case err == io.ErrUnexpectedEOF:
		if n <= ChunkOverhead {
			return &InvalidFileSizeError{Size: int64(n), Remainder: int64(n), Overhead: ChunkOverhead}
		}
	case err != nil:
		return err
	}

	plaintext, err := r.vault.DecryptChunk(r.header, r.index, r.buffer[:n])
	if err != nil {
		return err
	}
	r.index++
	if r.skip > 0 {
		if r.skip >= int64(len(plaintext)) {
			return io.EOF
		}
		plaintext = plaintext[r.skip:]
		r.skip = 0
	}
	r.current = plaintext
	return nil
}
