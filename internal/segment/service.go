// Package segment splits large objects into independently uploaded
// segments tied together by a manifest, and reassembles them on read.
package segment

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/vault-transfer/internal/storage"
)

// DefaultPrefix is the key prefix under which segments are stored.
const DefaultPrefix = ".file-segments/"

// ordinalDigits is the zero-padded width of a segment ordinal.
const ordinalDigits = 8

// Segment is one uploaded piece of a large object.
type Segment struct {
	Path     storage.Path
	Size     int64
	Checksum string
	ModTime  time.Time
}

// Service names, enumerates and describes segments.
type Service struct {
	index  storage.SegmentIndex
	lister storage.Lister
	prefix string
	logger *logrus.Logger
}

// NewService returns a segment service. An empty prefix selects
// DefaultPrefix.
func NewService(index storage.SegmentIndex, lister storage.Lister, prefix string, logger *logrus.Logger) *Service {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{index: index, lister: lister, prefix: prefix, logger: logger}
}

// Prefix returns the segment key prefix.
func (s *Service) Prefix() string {
	return s.prefix
}

// Basename returns the key shared by every segment of an upload of size
// bytes: "<prefix><key>/<size>".
func (s *Service) Basename(p storage.Path, size int64) string {
	return fmt.Sprintf("%s%s/%d", s.prefix, p.Key, size)
}

// Name returns the key of segment n: "<basename>/<8-digit ordinal>".
func (s *Service) Name(p storage.Path, size int64, n int) string {
	return fmt.Sprintf("%s/%0*d", s.Basename(p, size), ordinalDigits, n)
}

// IsSegment reports whether key lies under the segment prefix.
func (s *Service) IsSegment(key string) bool {
	return strings.HasPrefix(key, s.prefix)
}

// List returns the segments referenced by the manifest of p in manifest
// order. An object that is not a large object yields an empty list.
func (s *Service) List(ctx context.Context, p storage.Path) ([]Segment, error) {
	objects, err := s.index.Segments(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to read segments of %s: %w", p, err)
	}
	segments := make([]Segment, 0, len(objects))
	for _, o := range objects {
		seg := Segment{
			Path: storage.Path{Container: p.Container, Key: o.Name},
			Size: o.Size,
		}
		if o.LastModified != "" {
			modTime, err := time.Parse(time.RFC3339, o.LastModified)
			if err != nil {
				s.logger.WithFields(logrus.Fields{
					"segment":       o.Name,
					"last_modified": o.LastModified,
				}).WithError(err).Warn("Segment modification date is not ISO 8601")
			} else {
				seg.ModTime = modTime
			}
		}
		if strings.TrimSpace(o.ETag) != "" {
			seg.Checksum = o.ETag
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// Existing lists segments already stored for an upload of p with the
// given size, keyed by segment key.
func (s *Service) Existing(ctx context.Context, p storage.Path, size int64) (map[string]Segment, error) {
	base := s.Basename(p, size) + "/"
	entries, err := s.lister.List(ctx, storage.Path{Container: p.Container, Key: base})
	if err != nil {
		return nil, fmt.Errorf("failed to list segments of %s: %w", p, err)
	}
	existing := make(map[string]Segment, len(entries))
	for _, e := range entries {
		if !isOrdinal(strings.TrimPrefix(e.Path.Key, base)) {
			continue
		}
		existing[e.Path.Key] = fromEntry(e)
	}
	return existing, nil
}

// Families lists every stored segment of p across all upload sizes.
func (s *Service) Families(ctx context.Context, p storage.Path) ([]Segment, error) {
	base := s.prefix + p.Key + "/"
	entries, err := s.lister.List(ctx, storage.Path{Container: p.Container, Key: base})
	if err != nil {
		return nil, fmt.Errorf("failed to list segments of %s: %w", p, err)
	}
	var segments []Segment
	for _, e := range entries {
		size, ordinal, ok := strings.Cut(strings.TrimPrefix(e.Path.Key, base), "/")
		if !ok || !isOrdinal(ordinal) {
			continue
		}
		if _, err := strconv.ParseInt(size, 10, 64); err != nil {
			continue
		}
		segments = append(segments, fromEntry(e))
	}
	return segments, nil
}

// Manifest renders the manifest of segments in the order given.
func (s *Service) Manifest(container string, segments []Segment) ([]byte, error) {
	entries := make([]storage.ManifestEntry, 0, len(segments))
	for _, seg := range segments {
		entries = append(entries, storage.ManifestEntry{
			Path:      fmt.Sprintf("/%s/%s", container, seg.Path.Key),
			ETag:      seg.Checksum,
			SizeBytes: seg.Size,
		})
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return data, nil
}

func fromEntry(e storage.Entry) Segment {
	checksum := e.Attributes.Checksum
	if checksum == "" {
		checksum = strings.Trim(e.Attributes.ETag, `"`)
	}
	return Segment{Path: e.Path, Size: e.Attributes.Size, Checksum: checksum, ModTime: e.Attributes.ModTime}
}

func isOrdinal(s string) bool {
	if len(s) != ordinalDigits {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
