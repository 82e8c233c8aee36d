// Package memory is an in-process storage backend. It implements every
// capability, including a large-object index, and supports fault
// injection for exercising retry and resume paths.
package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kenneth/vault-transfer/internal/storage"
)

// Op names passed to a FaultFunc.
const (
	OpWrite  = "write"
	OpRead   = "read"
	OpDelete = "delete"
)

// FaultFunc may return an error to fail an operation on p.
type FaultFunc func(op string, p storage.Path) error

type object struct {
	data     []byte
	metadata map[string]string
	modTime  time.Time
	etag     string
}

// Backend is a concurrency-safe in-memory object store.
type Backend struct {
	mu      sync.RWMutex
	objects map[string]*object
	fault   FaultFunc
	writes  map[string]int
	now     func() time.Time
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		objects: make(map[string]*object),
		writes:  make(map[string]int),
		now:     time.Now,
	}
}

// InjectFault installs fn; nil removes it.
func (b *Backend) InjectFault(fn FaultFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fault = fn
}

// WriteCount returns how many times p was committed.
func (b *Backend) WriteCount(p storage.Path) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.writes[p.String()]
}

// Bytes returns a copy of the stored content of p.
func (b *Backend) Bytes(p storage.Path) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[p.String()]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Put stores data directly, bypassing fault injection.
func (b *Backend) Put(p storage.Path, data []byte, metadata map[string]string) {
	b.store(p, data, metadata)
}

func (b *Backend) check(ctx context.Context, op string, p storage.Path) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	fault := b.fault
	b.mu.RUnlock()
	if fault != nil {
		return fault(op, p)
	}
	return nil
}

func (b *Backend) store(p storage.Path, data []byte, metadata map[string]string) storage.Attributes {
	sum := md5.Sum(data)
	obj := &object{
		data:     data,
		metadata: copyMetadata(metadata),
		modTime:  b.now().UTC(),
		etag:     hex.EncodeToString(sum[:]),
	}
	b.mu.Lock()
	b.objects[p.String()] = obj
	b.writes[p.String()]++
	b.mu.Unlock()
	return obj.attributes()
}

func (o *object) attributes() storage.Attributes {
	return storage.Attributes{
		Size:     int64(len(o.data)),
		ETag:     o.etag,
		Checksum: o.etag,
		ModTime:  o.modTime,
		Metadata: copyMetadata(o.metadata),
	}
}

// Write implements storage.Writer. A nonzero status.Offset keeps the
// first Offset bytes of the existing object and replaces the rest.
func (b *Backend) Write(ctx context.Context, p storage.Path, status *storage.Status) (io.WriteCloser, error) {
	if err := b.check(ctx, OpWrite, p); err != nil {
		return nil, err
	}
	var prefix []byte
	if status.Offset > 0 {
		b.mu.RLock()
		obj, ok := b.objects[p.String()]
		b.mu.RUnlock()
		if !ok || int64(len(obj.data)) < status.Offset {
			return nil, fmt.Errorf("write %s at offset %d: %w", p, status.Offset, storage.ErrNotFound)
		}
		prefix = append(prefix, obj.data[:status.Offset]...)
	}
	w := &writer{ctx: ctx, backend: b, path: p, status: status}
	w.buf.Write(prefix)
	return w, nil
}

type writer struct {
	ctx     context.Context
	backend *Backend
	path    storage.Path
	status  *storage.Status
	buf     bytes.Buffer
	closed  bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("write to closed object %s", w.path)
	}
	return w.buf.Write(p)
}

// Abort drops the buffered object.
func (w *writer) Abort(error) {
	w.closed = true
	w.buf.Reset()
}

func (w *writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.backend.check(w.ctx, OpWrite, w.path); err != nil {
		return err
	}
	attrs := w.backend.store(w.path, w.buf.Bytes(), w.status.Metadata)
	w.status.SetResponse(attrs)
	return nil
}

// Read implements storage.Reader.
func (b *Backend) Read(ctx context.Context, p storage.Path, status *storage.Status) (io.ReadCloser, error) {
	if err := b.check(ctx, OpRead, p); err != nil {
		return nil, err
	}
	b.mu.RLock()
	obj, ok := b.objects[p.String()]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("read %s: %w", p, storage.ErrNotFound)
	}
	data := obj.data
	if status.Offset > int64(len(data)) {
		return nil, fmt.Errorf("read %s: offset %d beyond size %d", p, status.Offset, len(data))
	}
	data = data[status.Offset:]
	if status.Length >= 0 && status.Length < int64(len(data)) {
		data = data[:status.Length]
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Attributes implements storage.AttributesFinder.
func (b *Backend) Attributes(ctx context.Context, p storage.Path) (storage.Attributes, error) {
	if err := ctx.Err(); err != nil {
		return storage.Attributes{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[p.String()]
	if !ok {
		return storage.Attributes{}, fmt.Errorf("attributes %s: %w", p, storage.ErrNotFound)
	}
	return obj.attributes(), nil
}

// List implements storage.Lister. Entries are sorted by key.
func (b *Backend) List(ctx context.Context, prefix storage.Path) ([]storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var entries []storage.Entry
	for key, obj := range b.objects {
		p := storage.NewPath(key)
		if p.Container != prefix.Container || !strings.HasPrefix(p.Key, prefix.Key) {
			continue
		}
		entries = append(entries, storage.Entry{Path: p, Attributes: obj.attributes()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path.Key < entries[j].Path.Key })
	return entries, nil
}

// Delete implements storage.Deleter.
func (b *Backend) Delete(ctx context.Context, paths []storage.Path) error {
	for _, p := range paths {
		if err := b.check(ctx, OpDelete, p); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range paths {
		delete(b.objects, p.String())
	}
	return nil
}

// Segments implements storage.SegmentIndex by reading the manifest the
// way a large-object aware server would.
func (b *Backend) Segments(ctx context.Context, p storage.Path) ([]storage.SegmentObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[p.String()]
	if !ok {
		return nil, fmt.Errorf("segments %s: %w", p, storage.ErrNotFound)
	}
	if !storage.IsManifest(obj.metadata) {
		return nil, nil
	}
	entries, err := storage.ParseManifest(obj.data)
	if err != nil {
		return nil, err
	}
	segments := make([]storage.SegmentObject, 0, len(entries))
	for _, e := range entries {
		sp := e.EntryPath()
		s := storage.SegmentObject{Name: sp.Key, Size: e.SizeBytes, ETag: e.ETag}
		if seg, ok := b.objects[sp.String()]; ok {
			s.LastModified = seg.modTime.Format(time.RFC3339)
		}
		segments = append(segments, s)
	}
	return segments, nil
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
