// Package storage defines the capabilities a transfer consumes from a
// remote object store and the descriptor that travels through them.
//
// Every capability is a small interface; decorators such as the vault and
// segment features wrap exactly one inner implementation of the same
// interface, so a transfer chain is composed rather than inherited.
package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Path addresses an object inside a container.
type Path struct {
	Container string
	Key       string
}

// NewPath parses "container/key" or "/container/key".
func NewPath(s string) Path {
	s = strings.TrimPrefix(s, "/")
	container, key, _ := strings.Cut(s, "/")
	return Path{Container: container, Key: key}
}

// String returns "/container/key".
func (p Path) String() string {
	return "/" + p.Container + "/" + p.Key
}

// Child returns the path of name below p.
func (p Path) Child(name string) Path {
	if p.Key == "" {
		return Path{Container: p.Container, Key: name}
	}
	return Path{Container: p.Container, Key: strings.TrimSuffix(p.Key, "/") + "/" + name}
}

// Name returns the last element of the key.
func (p Path) Name() string {
	key := strings.TrimSuffix(p.Key, "/")
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}

// Within reports whether p equals root or lies below it.
func (p Path) Within(root Path) bool {
	if p.Container != root.Container {
		return false
	}
	if root.Key == "" {
		return true
	}
	prefix := strings.TrimSuffix(root.Key, "/")
	return p.Key == prefix || strings.HasPrefix(p.Key, prefix+"/")
}

// Attributes describe a stored object.
type Attributes struct {
	Size     int64
	ETag     string
	Checksum string
	ModTime  time.Time
	Metadata map[string]string
}

// Entry is one listed object.
type Entry struct {
	Path       Path
	Attributes Attributes
}

// SegmentObject is a segment as reported by the backend's large-object
// index. LastModified is kept as the raw ISO 8601 string the backend
// returned.
type SegmentObject struct {
	Name         string
	Size         int64
	ETag         string
	LastModified string
}

// Writer opens an object for writing. Closing the returned writer commits
// the object and publishes its attributes through status.SetResponse.
type Writer interface {
	Write(ctx context.Context, p Path, status *Status) (io.WriteCloser, error)
}

// Aborter is implemented by writers that can discard a write without
// committing it. After Abort, Close is a no-op.
type Aborter interface {
	Abort(cause error)
}

// AbortWriter discards w. Writers without Abort hold nothing until Close
// and are dropped unclosed.
func AbortWriter(w io.WriteCloser, cause error) {
	if a, ok := w.(Aborter); ok {
		a.Abort(cause)
	}
}

// Reader opens an object for reading from status.Offset. A non-negative
// status.Length bounds the read.
type Reader interface {
	Read(ctx context.Context, p Path, status *Status) (io.ReadCloser, error)
}

// AttributesFinder returns the attributes of an object or ErrNotFound.
type AttributesFinder interface {
	Attributes(ctx context.Context, p Path) (Attributes, error)
}

// Lister lists objects whose keys start with prefix.Key.
type Lister interface {
	List(ctx context.Context, prefix Path) ([]Entry, error)
}

// Deleter removes objects. Missing objects are not an error.
type Deleter interface {
	Delete(ctx context.Context, paths []Path) error
}

// SegmentIndex returns the segments referenced by a large object's
// manifest, or nil when p is not a large object.
type SegmentIndex interface {
	Segments(ctx context.Context, p Path) ([]SegmentObject, error)
}

// Backend groups every capability of a remote store.
type Backend interface {
	Writer
	Reader
	AttributesFinder
	Lister
	Deleter
	SegmentIndex
}

// Find reports whether an object exists.
func Find(ctx context.Context, finder AttributesFinder, p Path) (bool, error) {
	_, err := finder.Attributes(ctx, p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}
