// Package transfer runs uploads and downloads through the composed
// capability chain: vault encryption over segmented large objects over a
// storage backend.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/vault-transfer/internal/audit"
	"github.com/kenneth/vault-transfer/internal/cache"
	"github.com/kenneth/vault-transfer/internal/config"
	"github.com/kenneth/vault-transfer/internal/crypto"
	"github.com/kenneth/vault-transfer/internal/metrics"
	"github.com/kenneth/vault-transfer/internal/segment"
	"github.com/kenneth/vault-transfer/internal/storage"
	"github.com/kenneth/vault-transfer/internal/vault"
)

// DefaultBufferSize is the copy step between context checks.
const DefaultBufferSize = 256 * 1024

var tracer = otel.Tracer("github.com/kenneth/vault-transfer/internal/transfer")

// Outcomes recorded in metrics.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultCanceled = "canceled"
)

// Options configure a Session.
type Options struct {
	Vaults     []config.VaultConfig
	Segments   segment.Options
	Prefix     string
	BufferSize int
	// KDF overrides the scrypt parameters of newly created vaults.
	KDF crypto.KDFParams
	// Prompt asks for passphrases of vaults configured without one. A nil
	// prompt cancels the login.
	Prompt vault.PasswordPrompt
	Cache  cache.Cache
	Audit  audit.Logger
}

// OptionsFromConfig derives session options from the configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		Vaults:     cfg.Vaults,
		Segments:   cfg.SegmentOptions(),
		Prefix:     cfg.Segments.Prefix,
		BufferSize: cfg.Transfer.BufferSize,
	}
	if cfg.Cache.Enabled {
		opts.Cache = cache.NewMemoryCache(cfg.Cache.MaxItems, cfg.Cache.DefaultTTL)
	}
	return opts
}

// Session owns the vault registry and the capability chain of one
// transfer context.
type Session struct {
	backend  storage.Backend
	registry *vault.Registry
	service  *segment.Service

	writer  storage.Writer
	reader  storage.Reader
	attrs   storage.AttributesFinder
	lister  storage.Lister
	deleter storage.Deleter

	opts    Options
	cache   cache.Cache
	audit   audit.Logger
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// New composes the capability chain over backend and registers the
// configured vaults. Vaults are unlocked on first access.
func New(backend storage.Backend, opts Options, logger *logrus.Logger, m *metrics.Metrics) (*Session, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	c := opts.Cache
	if c == nil {
		c = cache.NewMemoryCache(0, 0)
	}

	s := &Session{
		backend:  backend,
		registry: vault.NewRegistry(),
		service:  segment.NewService(backend, backend, opts.Prefix, logger),
		opts:     opts,
		cache:    c,
		audit:    opts.Audit,
		logger:   logger,
		metrics:  m,
	}

	upload, err := segment.NewUploadFeature(backend, s.service, opts.Segments, logger, m)
	if err != nil {
		return nil, fmt.Errorf("invalid segment options: %w", err)
	}
	segAttrs := segment.NewAttributesFeature(backend, s.service)

	s.writer = vault.NewWriteFeature(upload, s.registry, logger, m)
	s.reader = vault.NewReadFeature(segment.NewReadFeature(backend, s.service), s.registry, m)
	s.attrs = vault.NewAttributesFeature(segAttrs, s.registry)
	s.lister = vault.NewListFeature(segment.NewListFeature(backend, segAttrs, s.service), s.registry, logger)
	s.deleter = vault.NewDeleteFeature(segment.NewDeleteFeature(backend, s.service, logger), s.registry)

	for _, vc := range opts.Vaults {
		s.registry.Register(vc.Path(), s.opener(vc))
	}
	return s, nil
}

func (s *Session) vaultOptions(vc config.VaultConfig) vault.Options {
	vopts := vault.DefaultOptions()
	vopts.Create = vc.Create
	if vc.Algorithm != "" {
		vopts.Algorithm = vc.Algorithm
	}
	if vc.ChunkSize > 0 {
		vopts.ChunkSize = vc.ChunkSize
	}
	if s.opts.KDF.N > 0 {
		vopts.KDF = s.opts.KDF
	}
	return vopts
}

func (s *Session) prompt(vc config.VaultConfig) vault.PasswordPrompt {
	if vc.Passphrase != "" {
		return vault.StaticPassphrase(vc.Passphrase)
	}
	if s.opts.Prompt != nil {
		return s.opts.Prompt
	}
	return vault.StaticPassphrase("")
}

func (s *Session) opener(vc config.VaultConfig) vault.Opener {
	root := vc.Path()
	return func(ctx context.Context) (*crypto.Vault, error) {
		v, err := vault.Open(ctx, s.backend, root, s.prompt(vc), s.vaultOptions(vc), s.logger, s.metrics)
		if s.audit != nil {
			s.audit.LogVaultUnlock(root.Container, root.Key, err)
		}
		return v, err
	}
}

// CreateVault provisions a vault at vc's root, or unlocks the one already
// there, and registers it.
func (s *Session) CreateVault(ctx context.Context, vc config.VaultConfig) error {
	vc.Create = true
	v, err := s.opener(vc)(ctx)
	if err != nil {
		return err
	}
	s.registry.Add(vc.Path(), v)
	return nil
}

// Registry returns the vault registry of the session.
func (s *Session) Registry() *vault.Registry {
	return s.registry
}

// CacheStats reports the attributes cache.
func (s *Session) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// Close destroys the key material of every unlocked vault.
func (s *Session) Close() {
	s.registry.Close()
}

// UploadOption adjusts the descriptor of an upload.
type UploadOption func(*storage.Status)

// WithMimeType sets the content type of the uploaded object.
func WithMimeType(mimeType string) UploadOption {
	return func(s *storage.Status) { s.MimeType = mimeType }
}

// WithMetadata attaches user metadata.
func WithMetadata(metadata map[string]string) UploadOption {
	return func(s *storage.Status) { s.Metadata = metadata }
}

// WithSegmentSize overrides the cleartext segment size.
func WithSegmentSize(size int64) UploadOption {
	return func(s *storage.Status) { s.SegmentSize = size }
}

// WithResume continues an interrupted upload at offset. Encrypted uploads
// need the header returned by the interrupted attempt and a chunk-aligned
// offset.
func WithResume(offset int64, header []byte) UploadOption {
	return func(s *storage.Status) {
		s.Offset = offset
		s.Header = header
	}
}

// WithNonces replaces the random chunk nonces of an encrypted upload.
func WithNonces(nonces crypto.NonceSource) UploadOption {
	return func(s *storage.Status) { s.Nonces = nonces }
}

// Result describes a finished transfer.
type Result struct {
	ID         string
	Path       storage.Path
	Encrypted  bool
	Bytes      int64
	Duration   time.Duration
	Attributes storage.Attributes
	// Header is the encrypted file header of an encrypted upload, needed
	// to resume it.
	Header []byte

	start time.Time
}

// Upload stores length bytes from r at p. An unknown length is
// storage.UnknownLength.
func (s *Session) Upload(ctx context.Context, p storage.Path, r io.Reader, length int64, opts ...UploadOption) (*Result, error) {
	status := storage.NewStatus(length)
	status.SegmentSize = s.opts.Segments.SegmentSize
	for _, opt := range opts {
		opt(status)
	}

	res, ctx, span := s.begin(ctx, "upload", p)
	defer span.End()
	span.SetAttributes(attribute.Int64("transfer.length", length), attribute.Int64("transfer.offset", status.Offset))

	err := s.upload(ctx, p, r, status, res)
	s.finish(span, "upload", audit.EventTypeUpload, res, err)
	return res, err
}

func (s *Session) upload(ctx context.Context, p storage.Path, r io.Reader, status *storage.Status, res *Result) error {
	w, err := s.writer.Write(ctx, p, status)
	if err != nil {
		return err
	}
	res.Header = status.Header

	n, err := s.copy(ctx, w, r)
	res.Bytes = n
	if err == nil && status.Length != storage.UnknownLength && n != status.Length {
		err = fmt.Errorf("upload of %s ended after %d of %d bytes", p, n, status.Length)
	}
	if err != nil {
		storage.AbortWriter(w, err)
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, p)
	res.Attributes, _ = status.Response()
	return nil
}


// Download writes length bytes of p starting at offset to w. A negative
// length reads to the end.
func (s *Session) Download(ctx context.Context, p storage.Path, w io.Writer, offset, length int64) (*Result, error) {
	res, ctx, span := s.begin(ctx, "download", p)
	defer span.End()
	span.SetAttributes(attribute.Int64("transfer.length", length), attribute.Int64("transfer.offset", offset))

	err := s.download(ctx, p, w, &storage.Status{Offset: offset, Length: length}, res)
	s.finish(span, "download", audit.EventTypeDownload, res, err)
	return res, err
}

func (s *Session) download(ctx context.Context, p storage.Path, w io.Writer, status *storage.Status, res *Result) error {
	rc, err := s.reader.Read(ctx, p, status)
	if err != nil {
		return err
	}
	defer rc.Close()
	res.Bytes, err = s.copy(ctx, w, rc)
	return err
}

// Open returns a reader over length bytes of p starting at offset. The
// caller closes it.
func (s *Session) Open(ctx context.Context, p storage.Path, offset, length int64) (io.ReadCloser, error) {
	return s.reader.Read(ctx, p, &storage.Status{Offset: offset, Length: length})
}

// Stat returns the cleartext attributes of p.
func (s *Session) Stat(ctx context.Context, p storage.Path) (storage.Attributes, error) {
	if attrs, ok := s.cache.Get(ctx, p); ok {
		return attrs, nil
	}
	ctx, span := tracer.Start(ctx, "transfer.stat", trace.WithAttributes(attribute.String("transfer.path", p.String())))
	defer span.End()

	attrs, err := s.attrs.Attributes(ctx, p)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return storage.Attributes{}, err
	}
	s.cache.Set(ctx, p, attrs, 0)
	return attrs, nil
}

// List lists objects below prefix with cleartext sizes, hiding segments
// and vault key files.
func (s *Session) List(ctx context.Context, prefix storage.Path) ([]storage.Entry, error) {
	return s.lister.List(ctx, prefix)
}

// Delete removes paths together with the segments of large objects.
func (s *Session) Delete(ctx context.Context, paths ...storage.Path) error {
	ctx, span := tracer.Start(ctx, "transfer.delete", trace.WithAttributes(attribute.Int("transfer.objects", len(paths))))
	defer span.End()

	start := time.Now()
	err := s.deleter.Delete(ctx, paths)
	for _, p := range paths {
		s.cache.Invalidate(ctx, p)
		if s.audit != nil {
			s.audit.LogTransfer(audit.EventTypeDelete, audit.Transfer{
				Container: p.Container,
				Key:       p.Key,
				Encrypted: s.registry.Contains(p),
				Duration:  time.Since(start),
			}, err)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.WithField("objects", len(paths)).WithError(err).Error("Delete failed")
		return err
	}
	s.logger.WithField("objects", len(paths)).Debug("Deleted objects")
	return nil
}

// Segments lists the segments referenced by the manifest of p. Objects
// that are not large objects have none.
func (s *Session) Segments(ctx context.Context, p storage.Path) ([]segment.Segment, error) {
	return s.service.List(ctx, p)
}

// Sweep deletes stored segments of p that no committed manifest
// references.
func (s *Session) Sweep(ctx context.Context, p storage.Path) ([]storage.Path, error) {
	ctx, span := tracer.Start(ctx, "transfer.sweep", trace.WithAttributes(attribute.String("transfer.path", p.String())))
	defer span.End()

	start := time.Now()
	deleted, err := segment.Sweep(ctx, s.service, s.backend, p)
	if s.audit != nil {
		s.audit.LogTransfer(audit.EventTypeSweep, audit.Transfer{
			Container: p.Container,
			Key:       p.Key,
			Duration:  time.Since(start),
			Metadata:  map[string]interface{}{"deleted": len(deleted)},
		}, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("transfer.deleted", len(deleted)))
	if len(deleted) > 0 {
		s.logger.WithFields(logrus.Fields{
			"path":    p.String(),
			"deleted": len(deleted),
		}).Info("Swept orphaned segments")
	}
	return deleted, nil
}

func (s *Session) begin(ctx context.Context, op string, p storage.Path) (*Result, context.Context, trace.Span) {
	res := &Result{
		ID:        uuid.NewString(),
		Path:      p,
		Encrypted: s.registry.Contains(p),
		start:     time.Now(),
	}
	ctx, span := tracer.Start(ctx, "transfer."+op, trace.WithAttributes(
		attribute.String("transfer.id", res.ID),
		attribute.String("transfer.path", p.String()),
		attribute.Bool("transfer.encrypted", res.Encrypted),
	))
	return res, ctx, span
}

func (s *Session) finish(span trace.Span, op string, eventType audit.EventType, res *Result, err error) {
	res.Duration = time.Since(res.start)
	outcome := Outcome(err)
	s.metrics.RecordTransfer(op, res.Encrypted, outcome, res.Duration, res.Bytes)
	span.SetAttributes(attribute.Int64("transfer.bytes", res.Bytes))

	if s.audit != nil {
		s.audit.LogTransfer(eventType, audit.Transfer{
			ID:        res.ID,
			Container: res.Path.Container,
			Key:       res.Path.Key,
			Encrypted: res.Encrypted,
			Bytes:     res.Bytes,
			Duration:  res.Duration,
		}, err)
	}

	entry := s.logger.WithFields(logrus.Fields{
		"transfer_id": res.ID,
		"operation":   op,
		"path":        res.Path.String(),
		"encrypted":   res.Encrypted,
		"bytes":       res.Bytes,
		"duration_ms": res.Duration.Milliseconds(),
	})
	switch outcome {
	case ResultSuccess:
		span.SetStatus(codes.Ok, "")
		entry.Info("Transfer completed")
	case ResultCanceled:
		span.SetStatus(codes.Error, "canceled")
		entry.WithError(err).Warn("Transfer canceled")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		entry.WithError(err).Error("Transfer failed")
	}
}

// Outcome classifies err for metrics. Dismissed passphrase prompts and
// canceled contexts are cancellations, not failures.
func Outcome(err error) string {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, vault.ErrLoginCanceled), errors.Is(err, context.Canceled):
		return ResultCanceled
	default:
		return ResultFailure
	}
}

// copy moves src to dst in buffer-sized steps, checking ctx before each.
func (s *Session) copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, s.opts.BufferSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
