package segment

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kenneth/vault-transfer/internal/metrics"
	"github.com/kenneth/vault-transfer/internal/retry"
	"github.com/kenneth/vault-transfer/internal/storage"
)

const (
	// DefaultThreshold is the length from which uploads are segmented.
	DefaultThreshold = 2 * 1024 * 1024 * 1024
	// DefaultSegmentSize is the size of every segment but the last.
	DefaultSegmentSize = 1024 * 1024 * 1024
	// DefaultMinSegmentSize is the smallest segment the backend accepts
	// for any but the last segment.
	DefaultMinSegmentSize = 1024 * 1024
)

var tracer = otel.Tracer("github.com/kenneth/vault-transfer/internal/segment")

// Options configure an UploadFeature.
type Options struct {
	Threshold      int64
	SegmentSize    int64
	MinSegmentSize int64
	Retry          retry.Policy
}

// DefaultOptions returns the default segmentation settings.
func DefaultOptions() Options {
	return Options{
		Threshold:      DefaultThreshold,
		SegmentSize:    DefaultSegmentSize,
		MinSegmentSize: DefaultMinSegmentSize,
		Retry:          retry.DefaultPolicy(),
	}
}

// Validate checks the option bounds.
func (o Options) Validate() error {
	if o.SegmentSize <= 0 {
		return fmt.Errorf("segment size must be positive, got %d", o.SegmentSize)
	}
	if o.SegmentSize < o.MinSegmentSize {
		return fmt.Errorf("segment size %d below minimum segment size %d", o.SegmentSize, o.MinSegmentSize)
	}
	if o.Threshold < 0 {
		return fmt.Errorf("threshold must not be negative, got %d", o.Threshold)
	}
	return nil
}

// State is the phase of a segmented upload.
type State int

const (
	StateStart State = iota
	StateSplitting
	StateUploadingSegment
	StateCommitting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateSplitting:
		return "splitting"
	case StateUploadingSegment:
		return "uploading-segment"
	case StateCommitting:
		return "committing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// UploadFeature is a storage.Writer that uploads large objects as
// segments plus a manifest and small ones directly.
type UploadFeature struct {
	writer  storage.Writer
	deleter storage.Deleter
	service *Service
	opts    Options
	retrier *retry.Retrier
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewUploadFeature wraps writer.
func NewUploadFeature(writer storage.Writer, service *Service, opts Options, logger *logrus.Logger, m *metrics.Metrics) (*UploadFeature, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	// A writer that can also delete lets overwrites drop the segments
	// of the object they replace.
	deleter, _ := writer.(storage.Deleter)
	return &UploadFeature{
		writer:  writer,
		deleter: deleter,
		service: service,
		opts:    opts,
		retrier: retry.New(opts.Retry, logger, m.RecordRetry),
		logger:  logger,
		metrics: m,
	}, nil
}

// Write implements storage.Writer. Known lengths below the threshold are
// written directly; everything else returns an *Upload.
func (f *UploadFeature) Write(ctx context.Context, p storage.Path, status *storage.Status) (io.WriteCloser, error) {
	if status.Length != storage.UnknownLength && status.Length < f.opts.Threshold {
		w, err := f.writer.Write(ctx, p, status)
		if err != nil {
			return nil, err
		}
		return &directWriter{WriteCloser: w, ctx: ctx, feature: f, path: p}, nil
	}
	if status.Offset != 0 {
		return nil, fmt.Errorf("segmented upload of %s cannot start at offset %d", p, status.Offset)
	}
	segmentSize := f.opts.SegmentSize
	if status.SegmentSize > 0 {
		segmentSize = status.SegmentSize
	}
	if segmentSize < f.opts.MinSegmentSize {
		return nil, fmt.Errorf("segment size %d below minimum segment size %d", segmentSize, f.opts.MinSegmentSize)
	}
	return &Upload{
		ctx:         ctx,
		feature:     f,
		path:        p,
		status:      status,
		segmentSize: segmentSize,
	}, nil
}

// sweep deletes the stored segments of p not in keep. Segments it fails
// to delete stay behind for Sweep.
func (f *UploadFeature) sweep(ctx context.Context, p storage.Path, keep []Segment) {
	if f.deleter == nil {
		return
	}
	logger := f.logger.WithField("path", p.String())
	stored, err := f.service.Families(ctx, p)
	if err != nil {
		logger.WithError(err).Warn("Failed to list segments of replaced object")
		return
	}
	referenced := make(map[string]struct{}, len(keep))
	for _, s := range keep {
		referenced[s.Path.Key] = struct{}{}
	}
	var stale []storage.Path
	for _, s := range stored {
		if _, ok := referenced[s.Path.Key]; !ok {
			stale = append(stale, s.Path)
		}
	}
	if len(stale) == 0 {
		return
	}
	if err := f.deleter.Delete(ctx, stale); err != nil {
		logger.WithError(err).Warn("Failed to delete segments of replaced object")
		return
	}
	logger.WithField("deleted", len(stale)).Info("Deleted segments of replaced object")
}

// directWriter is an object written without segmentation. It replaces
// whatever p held, so segments of an earlier large object go with it.
type directWriter struct {
	io.WriteCloser
	ctx     context.Context
	feature *UploadFeature
	path    storage.Path
}

func (w *directWriter) Abort(cause error) {
	storage.AbortWriter(w.WriteCloser, cause)
}

func (w *directWriter) Close() error {
	if err := w.WriteCloser.Close(); err != nil {
		return err
	}
	w.feature.sweep(w.ctx, w.path, nil)
	return nil
}

// Upload is one segmented upload in progress. Segments are uploaded
// sequentially as the buffer fills; Close uploads the last one and
// commits the manifest.
type Upload struct {
	ctx         context.Context
	feature     *UploadFeature
	path        storage.Path
	status      *storage.Status
	segmentSize int64

	state     State
	buffer    []byte
	written   int64
	existing  map[string]Segment
	completed []Segment
	skipped   int
	err       error
}

// State returns the current phase.
func (u *Upload) State() State {
	return u.state
}

// Segments returns the segments uploaded or reused so far.
func (u *Upload) Segments() []Segment {
	return append([]Segment(nil), u.completed...)
}

// Skipped returns how many segments were found already stored.
func (u *Upload) Skipped() int {
	return u.skipped
}

func (u *Upload) fail(err error) error {
	u.state = StateFailed
	u.err = err
	u.buffer = nil
	u.feature.logger.WithFields(logrus.Fields{
		"path":     u.path.String(),
		"segments": len(u.completed),
		"written":  u.written,
	}).WithError(err).Error("Segmented upload failed, keeping uploaded segments")
	return err
}

// Abort fails the upload without committing. Segments already uploaded
// stay in place for a later resume.
func (u *Upload) Abort(cause error) {
	if u.state == StateDone || u.state == StateFailed {
		return
	}
	_ = u.fail(fmt.Errorf("upload of %s aborted: %w", u.path, cause))
}

// Write implements io.Writer.
func (u *Upload) Write(p []byte) (int, error) {
	switch u.state {
	case StateFailed:
		return 0, u.err
	case StateCommitting, StateDone:
		return 0, errors.New("write to committed upload")
	case StateStart:
		u.state = StateSplitting
	}
	if u.buffer == nil {
		u.buffer = make([]byte, 0, u.bufferSize())
	}

	written := 0
	for written < len(p) {
		room := int(u.segmentSize) - len(u.buffer)
		n := len(p) - written
		if n > room {
			n = room
		}
		u.buffer = append(u.buffer, p[written:written+n]...)
		written += n
		u.written += int64(n)
		if int64(len(u.buffer)) == u.segmentSize {
			if err := u.uploadSegment(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// bufferSize is the capacity of the segment buffer, allocated once. A
// known length smaller than a segment bounds it.
func (u *Upload) bufferSize() int64 {
	if u.status.Length > 0 && u.status.Length < u.segmentSize {
		return u.status.Length
	}
	return u.segmentSize
}

// Close uploads the trailing segment and commits the manifest.
func (u *Upload) Close() error {
	switch u.state {
	case StateFailed:
		return u.err
	case StateDone:
		return nil
	}

	if len(u.completed) == 0 && len(u.buffer) == 0 {
		return u.writeEmpty()
	}
	if len(u.buffer) > 0 {
		if err := u.uploadSegment(); err != nil {
			return err
		}
	}
	return u.commit()
}

// writeEmpty stores an empty object directly; a manifest of no segments
// would describe nothing.
func (u *Upload) writeEmpty() error {
	if u.status.Length > 0 {
		return u.fail(fmt.Errorf("upload of %s ended after 0 of %d bytes", u.path, u.status.Length))
	}
	status := u.status.Clone()
	status.Length = 0
	status.OnResponse(u.status.SetResponse)
	w, err := u.feature.writer.Write(u.ctx, u.path, status)
	if err != nil {
		return u.fail(err)
	}
	if err := w.Close(); err != nil {
		return u.fail(err)
	}
	u.state = StateDone
	u.feature.sweep(u.ctx, u.path, nil)
	return nil
}

func (u *Upload) uploadSegment() error {
	if err := u.ctx.Err(); err != nil {
		return u.fail(err)
	}
	u.state = StateUploadingSegment
	if u.existing == nil {
		var existing map[string]Segment
		err := u.feature.retrier.Do(u.ctx, "list-segments", func() error {
			var err error
			existing, err = u.feature.service.Existing(u.ctx, u.path, u.status.Length)
			return err
		})
		if err != nil {
			return u.fail(err)
		}
		u.existing = existing
	}

	data := u.buffer
	sum := md5.Sum(data)
	checksum := hex.EncodeToString(sum[:])
	ordinal := len(u.completed) + 1
	segPath := storage.Path{Container: u.path.Container, Key: u.feature.service.Name(u.path, u.status.Length, ordinal)}
	logger := u.feature.logger.WithFields(logrus.Fields{
		"path":    u.path.String(),
		"segment": segPath.Key,
		"size":    len(data),
	})

	if prev, ok := u.existing[segPath.Key]; ok && prev.Size == int64(len(data)) && prev.Checksum == checksum {
		logger.Debug("Segment already uploaded, skipping")
		u.feature.metrics.RecordSegment(metrics.SegmentSkipped, prev.Size)
		u.completed = append(u.completed, prev)
		u.skipped++
		u.buffer = u.buffer[:0]
		u.state = StateSplitting
		return nil
	}

	ctx, span := tracer.Start(u.ctx, "segment.upload")
	span.SetAttributes(
		attribute.String("segment.path", segPath.String()),
		attribute.Int("segment.ordinal", ordinal),
		attribute.Int("segment.size", len(data)),
	)
	defer span.End()

	var attrs storage.Attributes
	err := u.feature.retrier.Do(ctx, "segment", func() error {
		status := &storage.Status{Length: int64(len(data)), Checksum: checksum}
		w, err := u.feature.writer.Write(ctx, segPath, status)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
			storage.AbortWriter(w, err)
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
		attrs, _ = status.Response()
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		u.feature.metrics.RecordSegment(metrics.SegmentFailed, int64(len(data)))
		return u.fail(fmt.Errorf("failed to upload segment %d of %s: %w", ordinal, u.path, err))
	}
	if attrs.ETag != "" && attrs.ETag != checksum {
		logger.WithField("etag", attrs.ETag).Warn("Segment ETag differs from MD5 checksum")
	}

	modTime := attrs.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	u.completed = append(u.completed, Segment{Path: segPath, Size: int64(len(data)), Checksum: checksum, ModTime: modTime})
	u.feature.metrics.RecordSegment(metrics.SegmentUploaded, int64(len(data)))
	logger.Debug("Segment uploaded")

	u.buffer = u.buffer[:0]
	u.state = StateSplitting
	return nil
}

func (u *Upload) commit() error {
	if err := u.ctx.Err(); err != nil {
		return u.fail(err)
	}
	u.state = StateCommitting

	var total int64
	for i, seg := range u.completed {
		if i < len(u.completed)-1 && seg.Size < u.feature.opts.MinSegmentSize {
			return u.fail(fmt.Errorf("segment %d of %s has %d bytes, below minimum %d", i+1, u.path, seg.Size, u.feature.opts.MinSegmentSize))
		}
		total += seg.Size
	}
	if total != u.written {
		return u.fail(fmt.Errorf("segments of %s hold %d bytes, expected %d", u.path, total, u.written))
	}
	if u.status.Length != storage.UnknownLength && total != u.status.Length {
		return u.fail(fmt.Errorf("upload of %s ended after %d of %d bytes", u.path, total, u.status.Length))
	}

	manifest, err := u.feature.service.Manifest(u.path.Container, u.completed)
	if err != nil {
		return u.fail(err)
	}
	metadata := make(map[string]string, len(u.status.Metadata)+1)
	for k, v := range u.status.Metadata {
		metadata[k] = v
	}
	metadata[storage.ManifestMetadataKey] = storage.ManifestMetadataValue

	var attrs storage.Attributes
	err = u.feature.retrier.Do(u.ctx, "manifest", func() error {
		status := &storage.Status{
			Length:   int64(len(manifest)),
			MimeType: "application/json",
			Metadata: metadata,
		}
		w, err := u.feature.writer.Write(u.ctx, u.path, status)
		if err != nil {
			return err
		}
		if _, err := w.Write(manifest); err != nil {
			storage.AbortWriter(w, err)
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
		attrs, _ = status.Response()
		return nil
	})
	u.feature.metrics.RecordManifestCommit(err == nil)
	if err != nil {
		return u.fail(fmt.Errorf("failed to commit manifest of %s: %w", u.path, err))
	}

	u.state = StateDone
	u.buffer = nil
	u.feature.logger.WithFields(logrus.Fields{
		"path":     u.path.String(),
		"segments": len(u.completed),
		"skipped":  u.skipped,
		"size":     total,
	}).Info("Committed segmented upload")
	u.feature.sweep(u.ctx, u.path, u.completed)

	u.status.SetResponse(storage.Attributes{
		Size:     total,
		ETag:     attrs.ETag,
		ModTime:  attrs.ModTime,
		Metadata: metadata,
	})
	return nil
}
