package segment

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/vault-transfer/internal/storage"
)

// ReadFeature is a storage.Reader that reassembles large objects from
// their segments and reads everything else directly.
type ReadFeature struct {
	reader  storage.Reader
	service *Service
}

// NewReadFeature wraps reader.
func NewReadFeature(reader storage.Reader, service *Service) *ReadFeature {
	return &ReadFeature{reader: reader, service: service}
}

// Read implements storage.Reader. Segments before status.Offset are
// skipped without being opened.
func (f *ReadFeature) Read(ctx context.Context, p storage.Path, status *storage.Status) (io.ReadCloser, error) {
	segments, err := f.service.List(ctx, p)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return f.reader.Read(ctx, p, status)
	}

	offset := status.Offset
	for len(segments) > 0 && offset >= segments[0].Size {
		offset -= segments[0].Size
		segments = segments[1:]
	}
	if len(segments) == 0 && offset > 0 {
		return nil, fmt.Errorf("read %s: offset %d beyond end of object", p, status.Offset)
	}
	return &segmentReader{
		ctx:       ctx,
		reader:    f.reader,
		segments:  segments,
		offset:    offset,
		remaining: status.Length,
	}, nil
}

// segmentReader opens one segment at a time.
type segmentReader struct {
	ctx       context.Context
	reader    storage.Reader
	segments  []Segment
	offset    int64
	remaining int64
	current   io.ReadCloser
}

func (r *segmentReader) Read(p []byte) (int, error) {
	for {
		if r.remaining == 0 {
			return 0, io.EOF
		}
		if r.current == nil {
			if len(r.segments) == 0 {
				return 0, io.EOF
			}
			if err := r.ctx.Err(); err != nil {
				return 0, err
			}
			seg := r.segments[0]
			length := seg.Size - r.offset
			if r.remaining >= 0 && r.remaining < length {
				length = r.remaining
			}
			rc, err := r.reader.Read(r.ctx, seg.Path, &storage.Status{Offset: r.offset, Length: length})
			if err != nil {
				return 0, fmt.Errorf("failed to open segment %s: %w", seg.Path, err)
			}
			r.current = rc
			r.segments = r.segments[1:]
			r.offset = 0
		}

		if r.remaining >= 0 && int64(len(p)) > r.remaining {
			p = p[:r.remaining]
		}
		n, err := r.current.Read(p)
		if r.remaining >= 0 {
			r.remaining -= int64(n)
		}
		if err == io.EOF {
			_ = r.current.Close()
			r.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *segmentReader) Close() error {
	if r.current != nil {
		err := r.current.Close()
		r.current = nil
		return err
	}
	return nil
}

// AttributesFeature reports the logical size of large objects.
type AttributesFeature struct {
	finder  storage.AttributesFinder
	service *Service
}

// NewAttributesFeature wraps finder.
func NewAttributesFeature(finder storage.AttributesFinder, service *Service) *AttributesFeature {
	return &AttributesFeature{finder: finder, service: service}
}

// Attributes implements storage.AttributesFinder.
func (f *AttributesFeature) Attributes(ctx context.Context, p storage.Path) (storage.Attributes, error) {
	attrs, err := f.finder.Attributes(ctx, p)
	if err != nil {
		return attrs, err
	}
	if !storage.IsManifest(attrs.Metadata) {
		return attrs, nil
	}
	segments, err := f.service.List(ctx, p)
	if err != nil {
		return storage.Attributes{}, err
	}
	var size int64
	for _, s := range segments {
		size += s.Size
	}
	attrs.Size = size
	return attrs, nil
}

// ListFeature hides segment objects from listings and reports the
// logical size of large objects.
type ListFeature struct {
	lister  storage.Lister
	attrs   *AttributesFeature
	service *Service
}

// NewListFeature wraps lister.
func NewListFeature(lister storage.Lister, attrs *AttributesFeature, service *Service) *ListFeature {
	return &ListFeature{lister: lister, attrs: attrs, service: service}
}

// List implements storage.Lister.
func (f *ListFeature) List(ctx context.Context, prefix storage.Path) ([]storage.Entry, error) {
	entries, err := f.lister.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if f.service.IsSegment(e.Path.Key) {
			continue
		}
		// Listings without metadata cannot tell manifests apart.
		if e.Attributes.Metadata == nil || storage.IsManifest(e.Attributes.Metadata) {
			attrs, err := f.attrs.Attributes(ctx, e.Path)
			if err != nil {
				return nil, err
			}
			e.Attributes = attrs
		}
		out = append(out, e)
	}
	return out, nil
}

// DeleteFeature deletes large objects together with their segments.
type DeleteFeature struct {
	deleter storage.Deleter
	service *Service
	logger  *logrus.Logger
}

// NewDeleteFeature wraps deleter.
func NewDeleteFeature(deleter storage.Deleter, service *Service, logger *logrus.Logger) *DeleteFeature {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DeleteFeature{deleter: deleter, service: service, logger: logger}
}

// Delete implements storage.Deleter. The manifest goes first so a
// partially completed delete never leaves an object pointing at missing
// segments.
func (f *DeleteFeature) Delete(ctx context.Context, paths []storage.Path) error {
	var segments []storage.Path
	for _, p := range paths {
		list, err := f.service.List(ctx, p)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return err
		}
		for _, s := range list {
			segments = append(segments, s.Path)
		}
	}
	if err := f.deleter.Delete(ctx, paths); err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}
	f.logger.WithFields(logrus.Fields{
		"objects":  len(paths),
		"segments": len(segments),
	}).Debug("Deleting segments")
	return f.deleter.Delete(ctx, segments)
}

// Sweep deletes stored segments of p that its committed manifest does not
// reference, such as those left by failed uploads. It returns the paths
// deleted.
func Sweep(ctx context.Context, service *Service, deleter storage.Deleter, p storage.Path) ([]storage.Path, error) {
	referenced := make(map[string]struct{})
	list, err := service.List(ctx, p)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	for _, s := range list {
		referenced[s.Path.Key] = struct{}{}
	}

	stored, err := service.Families(ctx, p)
	if err != nil {
		return nil, err
	}
	var orphans []storage.Path
	for _, s := range stored {
		if _, ok := referenced[s.Path.Key]; !ok {
			orphans = append(orphans, s.Path)
		}
	}
	if len(orphans) == 0 {
		return nil, nil
	}
	if err := deleter.Delete(ctx, orphans); err != nil {
		return nil, err
	}
	return orphans, nil
}
