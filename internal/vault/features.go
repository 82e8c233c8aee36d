package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/vault-transfer/internal/crypto"
	"github.com/kenneth/vault-transfer/internal/metrics"
	"github.com/kenneth/vault-transfer/internal/storage"
)

// WriteFeature encrypts writes to paths inside a vault.
type WriteFeature struct {
	writer   storage.Writer
	registry *Registry
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

// NewWriteFeature wraps writer.
func NewWriteFeature(writer storage.Writer, registry *Registry, logger *logrus.Logger, m *metrics.Metrics) *WriteFeature {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &WriteFeature{writer: writer, registry: registry, logger: logger, metrics: m}
}

// Write implements storage.Writer. A new file gets a fresh header, which
// is stored in status.Header so an interrupted write can be resumed. A
// resumed write must start on a chunk boundary and carry the existing
// header.
func (f *WriteFeature) Write(ctx context.Context, p storage.Path, status *storage.Status) (io.WriteCloser, error) {
	v, _, err := f.registry.Lookup(ctx, p)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return f.writer.Write(ctx, p, status)
	}

	g := v.Geometry()
	if status.Offset != 0 {
		if !g.Aligned(status.Offset) {
			return nil, fmt.Errorf("write %s at offset %d: %w", p, status.Offset, ErrUnalignedOffset)
		}
		if len(status.Header) == 0 {
			return nil, fmt.Errorf("write %s at offset %d: resumed write requires the file header", p, status.Offset)
		}
	}

	var header *crypto.FileHeader
	if len(status.Header) == 0 {
		header, err = v.CreateHeader()
		if err != nil {
			return nil, err
		}
		status.Header, err = v.EncryptHeader(header)
		if err != nil {
			return nil, err
		}
	} else {
		header, err = v.DecryptHeader(status.Header)
		if err != nil {
			f.metrics.RecordEncryptionError("encrypt", "header")
			return nil, fmt.Errorf("write %s: %w", p, err)
		}
	}

	ct := NewStatusAdapter(v, status, f.logger, f.metrics).Ciphertext()
	out, err := f.writer.Write(ctx, p, ct)
	if err != nil {
		header.Destroy()
		return nil, err
	}
	if status.Offset == 0 {
		if _, err := out.Write(status.Header); err != nil {
			err = fmt.Errorf("failed to write header of %s: %w", p, err)
			storage.AbortWriter(out, err)
			header.Destroy()
			return nil, err
		}
	}
	f.metrics.RecordEncryptionOperation("encrypt")
	return &encryptingWriteCloser{
		EncryptingWriter: crypto.NewEncryptingWriter(out, v, header, status.Nonces, g.ChunkIndex(status.Offset)),
		out:              out,
		header:           header,
	}, nil
}

type encryptingWriteCloser struct {
	*crypto.EncryptingWriter
	out    io.WriteCloser
	header *crypto.FileHeader
	closed bool
}

// Abort discards the write without committing it.
func (w *encryptingWriteCloser) Abort(cause error) {
	if w.closed {
		return
	}
	w.closed = true
	w.header.Destroy()
	storage.AbortWriter(w.out, cause)
}

func (w *encryptingWriteCloser) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.header.Destroy()
	// A trailing chunk that cannot be sealed leaves a truncated file,
	// which must not replace what is stored.
	if err := w.EncryptingWriter.Close(); err != nil {
		storage.AbortWriter(w.out, err)
		return err
	}
	return w.out.Close()
}

// ReadFeature decrypts reads of paths inside a vault.
type ReadFeature struct {
	reader   storage.Reader
	registry *Registry
	metrics  *metrics.Metrics
}

// NewReadFeature wraps reader.
func NewReadFeature(reader storage.Reader, registry *Registry, m *metrics.Metrics) *ReadFeature {
	return &ReadFeature{reader: reader, registry: registry, metrics: m}
}

// Read implements storage.Reader. Offset and length are cleartext; the
// ciphertext read starts at the chunk holding the offset and the
// decrypted stream skips into it.
func (f *ReadFeature) Read(ctx context.Context, p storage.Path, status *storage.Status) (io.ReadCloser, error) {
	v, _, err := f.registry.Lookup(ctx, p)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return f.reader.Read(ctx, p, status)
	}
	if status.Length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	g := v.Geometry()
	first := g.ChunkIndex(status.Offset)
	skip := status.Offset - first*g.CleartextChunkSize()

	ctLength := storage.UnknownLength
	if status.Length > 0 {
		last := g.ChunkIndex(status.Offset + status.Length - 1)
		ctLength = (last - first + 1) * g.CiphertextChunkSize()
	}

	var headerBytes []byte
	var body io.ReadCloser
	if first == 0 {
		if ctLength != storage.UnknownLength {
			ctLength += crypto.HeaderSize
		}
		body, err = f.reader.Read(ctx, p, &storage.Status{Offset: 0, Length: ctLength})
		if err != nil {
			return nil, err
		}
		headerBytes = make([]byte, crypto.HeaderSize)
		if _, err := io.ReadFull(body, headerBytes); err != nil {
			_ = body.Close()
			return nil, f.headerError(p, err)
		}
	} else {
		headerBytes, err = f.readHeader(ctx, p)
		if err != nil {
			return nil, err
		}
		body, err = f.reader.Read(ctx, p, &storage.Status{Offset: g.ChunkOffset(status.Offset), Length: ctLength})
		if err != nil {
			return nil, err
		}
	}

	header, err := v.DecryptHeader(headerBytes)
	if err != nil {
		_ = body.Close()
		f.metrics.RecordEncryptionError("decrypt", "header")
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	f.metrics.RecordEncryptionOperation("decrypt")

	var r io.Reader = crypto.NewDecryptingReader(body, v, header, first, skip)
	if status.Length > 0 {
		r = io.LimitReader(r, status.Length)
	}
	return &decryptingReadCloser{r: r, body: body, header: header, metrics: f.metrics}, nil
}

func (f *ReadFeature) readHeader(ctx context.Context, p storage.Path) ([]byte, error) {
	rc, err := f.reader.Read(ctx, p, &storage.Status{Offset: 0, Length: crypto.HeaderSize})
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	headerBytes := make([]byte, crypto.HeaderSize)
	if _, err := io.ReadFull(rc, headerBytes); err != nil {
		return nil, f.headerError(p, err)
	}
	return headerBytes, nil
}

func (f *ReadFeature) headerError(p storage.Path, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("read %s: %w", p, &crypto.InvalidFileSizeError{HeaderSize: crypto.HeaderSize, Overhead: crypto.ChunkOverhead})
	}
	return fmt.Errorf("failed to read header of %s: %w", p, err)
}

type decryptingReadCloser struct {
	r       io.Reader
	body    io.ReadCloser
	header  *crypto.FileHeader
	metrics *metrics.Metrics
}

func (r *decryptingReadCloser) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && errors.Is(err, crypto.ErrAuthentication) {
		r.metrics.RecordEncryptionError("decrypt", "integrity")
	}
	return n, err
}

func (r *decryptingReadCloser) Close() error {
	r.header.Destroy()
	return r.body.Close()
}

// AttributesFeature reports cleartext sizes for paths inside a vault.
type AttributesFeature struct {
	finder   storage.AttributesFinder
	registry *Registry
}

// NewAttributesFeature wraps finder.
func NewAttributesFeature(finder storage.AttributesFinder, registry *Registry) *AttributesFeature {
	return &AttributesFeature{finder: finder, registry: registry}
}

// Attributes implements storage.AttributesFinder.
func (f *AttributesFeature) Attributes(ctx context.Context, p storage.Path) (storage.Attributes, error) {
	attrs, err := f.finder.Attributes(ctx, p)
	if err != nil {
		return attrs, err
	}
	v, _, err := f.registry.Lookup(ctx, p)
	if err != nil {
		return storage.Attributes{}, err
	}
	if v == nil {
		return attrs, nil
	}
	size, err := v.Geometry().ToCleartextSize(0, attrs.Size)
	if err != nil {
		return storage.Attributes{}, fmt.Errorf("attributes %s: %w", p, err)
	}
	attrs.Size = size
	return attrs, nil
}

// Find reports whether p exists.
func (f *AttributesFeature) Find(ctx context.Context, p storage.Path) (bool, error) {
	return storage.Find(ctx, f, p)
}

// DeleteFeature deletes paths inside vaults and refuses to delete a vault
// key file.
type DeleteFeature struct {
	deleter  storage.Deleter
	registry *Registry
}

// NewDeleteFeature wraps deleter.
func NewDeleteFeature(deleter storage.Deleter, registry *Registry) *DeleteFeature {
	return &DeleteFeature{deleter: deleter, registry: registry}
}

// Delete implements storage.Deleter.
func (f *DeleteFeature) Delete(ctx context.Context, paths []storage.Path) error {
	for _, p := range paths {
		for _, root := range f.registry.Roots() {
			if p == KeyFilePath(root) {
				return fmt.Errorf("delete %s: %w", p, ErrProtected)
			}
		}
	}
	return f.deleter.Delete(ctx, paths)
}

// ListFeature translates listed sizes inside vaults and hides key files.
type ListFeature struct {
	lister   storage.Lister
	registry *Registry
	logger   *logrus.Logger
}

// NewListFeature wraps lister.
func NewListFeature(lister storage.Lister, registry *Registry, logger *logrus.Logger) *ListFeature {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ListFeature{lister: lister, registry: registry, logger: logger}
}

// List implements storage.Lister. Entries whose size cannot be translated
// are reported with an unknown size.
func (f *ListFeature) List(ctx context.Context, prefix storage.Path) ([]storage.Entry, error) {
	entries, err := f.lister.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if f.isKeyFile(e.Path) {
			continue
		}
		v, _, err := f.registry.Lookup(ctx, e.Path)
		if err != nil {
			return nil, err
		}
		if v != nil {
			size, err := v.Geometry().ToCleartextSize(0, e.Attributes.Size)
			if err != nil {
				f.logger.WithField("path", e.Path.String()).WithError(err).Warn("Failure translating listed file size")
				size = storage.UnknownLength
			}
			e.Attributes.Size = size
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *ListFeature) isKeyFile(p storage.Path) bool {
	for _, root := range f.registry.Roots() {
		if p == KeyFilePath(root) {
			return true
		}
	}
	return false
}
