package segment

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/vault-transfer/internal/metrics"
	"github.com/kenneth/vault-transfer/internal/retry"
	"github.com/kenneth/vault-transfer/internal/storage"
	"github.com/kenneth/vault-transfer/internal/storage/memory"
)

const mib = 1024 * 1024

type fixture struct {
	backend *memory.Backend
	service *Service
	upload  *UploadFeature
	read    *ReadFeature
	attrs   *AttributesFeature
	delete  *DeleteFeature
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	b := memory.New()
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	s := NewService(b, b, "", logger)
	upload, err := NewUploadFeature(b, s, opts, logger, m)
	require.NoError(t, err)
	return &fixture{
		backend: b,
		service: s,
		upload:  upload,
		read:    NewReadFeature(b, s),
		attrs:   NewAttributesFeature(b, s),
		delete:  NewDeleteFeature(b, s, logger),
		metrics: m,
	}
}

func testOptions() Options {
	return Options{
		Threshold:      1 * mib,
		SegmentSize:    1 * mib,
		MinSegmentSize: 1 * mib,
		Retry:          retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

// write streams data in uneven pieces to exercise buffer boundaries.
func write(ctx context.Context, f *UploadFeature, p storage.Path, status *storage.Status, data []byte) (io.WriteCloser, error) {
	w, err := f.Write(ctx, p, status)
	if err != nil {
		return nil, err
	}
	for len(data) > 0 {
		n := 300 * 1024
		if n > len(data) {
			n = len(data)
		}
		if _, err := w.Write(data[:n]); err != nil {
			return w, err
		}
		data = data[n:]
	}
	return w, w.Close()
}

func readAll(t *testing.T, f *fixture, p storage.Path, offset, length int64) []byte {
	t.Helper()
	r, err := f.read.Read(context.Background(), p, &storage.Status{Offset: offset, Length: length})
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestSmallUploadBypassesSegmentation(t *testing.T) {
	f := newFixture(t, testOptions())
	p := storage.NewPath("c/small")
	data := randomBytes(t, 1000)

	status := storage.NewStatus(int64(len(data)))
	w, err := write(context.Background(), f.upload, p, status, data)
	require.NoError(t, err)
	_, isUpload := w.(*Upload)
	assert.False(t, isUpload)

	segments, err := f.service.List(context.Background(), p)
	require.NoError(t, err)
	assert.Empty(t, segments)
	assert.Equal(t, data, readAll(t, f, p, 0, -1))
}

func TestSegmentedUpload(t *testing.T) {
	f := newFixture(t, testOptions())
	p := storage.NewPath("c/big.bin")
	data := randomBytes(t, 6*mib+123)

	status := storage.NewStatus(int64(len(data)))
	w, err := write(context.Background(), f.upload, p, status, data)
	require.NoError(t, err)
	assert.Equal(t, StateDone, w.(*Upload).State())

	segments, err := f.service.List(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, segments, 7)
	var total int64
	for i, s := range segments {
		assert.Equal(t, f.service.Name(p, int64(len(data)), i+1), s.Path.Key)
		total += s.Size
	}
	assert.Equal(t, int64(len(data)), total)

	resp, ok := status.Response()
	require.True(t, ok)
	assert.Equal(t, int64(len(data)), resp.Size)

	attrs, err := f.attrs.Attributes(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), attrs.Size)

	assert.Equal(t, data, readAll(t, f, p, 0, -1))
	assert.Equal(t, 7.0, testutil.ToFloat64(f.metrics.SegmentCounter(metrics.SegmentUploaded)))
}

func TestSegmentedUploadUnknownLength(t *testing.T) {
	f := newFixture(t, testOptions())
	p := storage.NewPath("c/stream")
	data := randomBytes(t, 2*mib+5)

	_, err := write(context.Background(), f.upload, p, storage.NewStatus(storage.UnknownLength), data)
	require.NoError(t, err)

	segments, err := f.service.List(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, segments, 3)
	assert.True(t, strings.HasPrefix(segments[0].Path.Key, ".file-segments/stream/-1/"))
	assert.Equal(t, data, readAll(t, f, p, 0, -1))
}

func TestEmptyUnknownLengthWritesDirectly(t *testing.T) {
	f := newFixture(t, testOptions())
	p := storage.NewPath("c/empty")

	status := storage.NewStatus(storage.UnknownLength)
	w, err := write(context.Background(), f.upload, p, status, nil)
	require.NoError(t, err)
	assert.Equal(t, StateDone, w.(*Upload).State())

	data, ok := f.backend.Bytes(p)
	require.True(t, ok)
	assert.Empty(t, data)
	resp, ok := status.Response()
	require.True(t, ok)
	assert.Equal(t, int64(0), resp.Size)
}

func TestRangedReadAcrossSegments(t *testing.T) {
	f := newFixture(t, testOptions())
	p := storage.NewPath("c/ranged")
	data := randomBytes(t, 3*mib)
	_, err := write(context.Background(), f.upload, p, storage.NewStatus(int64(len(data))), data)
	require.NoError(t, err)

	offset := int64(mib - 10)
	assert.Equal(t, data[offset:offset+mib+20], readAll(t, f, p, offset, mib+20))
	assert.Equal(t, data[2*mib:], readAll(t, f, p, 2*mib, -1))
	assert.Empty(t, readAll(t, f, p, 3*mib, -1))
}

func TestTransientSegmentFailureIsRetried(t *testing.T) {
	f := newFixture(t, testOptions())
	p := storage.NewPath("c/retry")
	data := randomBytes(t, 3*mib)
	second := storage.Path{Container: "c", Key: f.service.Name(p, int64(len(data)), 2)}

	var failures int32
	f.backend.InjectFault(func(op string, target storage.Path) error {
		if op == memory.OpWrite && target == second && atomic.AddInt32(&failures, 1) <= 2 {
			return storage.MarkTransient("put", errors.New("slow down"))
		}
		return nil
	})

	_, err := write(context.Background(), f.upload, p, storage.NewStatus(int64(len(data))), data)
	require.NoError(t, err)
	assert.Equal(t, data, readAll(t, f, p, 0, -1))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.RetryCounter("segment")))
}

func TestFatalSegmentFailureKeepsUploadedSegments(t *testing.T) {
	f := newFixture(t, testOptions())
	p := storage.NewPath("c/fatal")
	data := randomBytes(t, 3*mib)
	third := storage.Path{Container: "c", Key: f.service.Name(p, int64(len(data)), 3)}

	denied := errors.New("access denied")
	f.backend.InjectFault(func(op string, target storage.Path) error {
		if op == memory.OpWrite && target == third {
			return denied
		}
		return nil
	})

	w, err := write(context.Background(), f.upload, p, storage.NewStatus(int64(len(data))), data)
	require.ErrorIs(t, err, denied)
	assert.Equal(t, StateFailed, w.(*Upload).State())

	found, err := storage.Find(context.Background(), f.backend, p)
	require.NoError(t, err)
	assert.False(t, found, "no manifest may be committed")

	existing, err := f.service.Existing(context.Background(), p, int64(len(data)))
	require.NoError(t, err)
	assert.Len(t, existing, 2)
}

func TestResumeSkipsUploadedSegments(t *testing.T) {
	data := randomBytes(t, 6*mib)
	p := storage.NewPath("c/resume")

	// Manifest of an uninterrupted run.
	clean := newFixture(t, testOptions())
	_, err := write(context.Background(), clean.upload, p, storage.NewStatus(int64(len(data))), data)
	require.NoError(t, err)
	want, ok := clean.backend.Bytes(p)
	require.True(t, ok)

	f := newFixture(t, testOptions())
	fifth := storage.Path{Container: "c", Key: f.service.Name(p, int64(len(data)), 5)}
	f.backend.InjectFault(func(op string, target storage.Path) error {
		if op == memory.OpWrite && target == fifth {
			return errors.New("connection reset")
		}
		return nil
	})
	_, err = write(context.Background(), f.upload, p, storage.NewStatus(int64(len(data))), data)
	require.Error(t, err)

	f.backend.InjectFault(nil)
	w, err := write(context.Background(), f.upload, p, storage.NewStatus(int64(len(data))), data)
	require.NoError(t, err)
	assert.Equal(t, 4, w.(*Upload).Skipped())

	for n := 1; n <= 6; n++ {
		seg := storage.Path{Container: "c", Key: f.service.Name(p, int64(len(data)), n)}
		assert.Equal(t, 1, f.backend.WriteCount(seg), "segment %d uploaded more than once", n)
	}
	got, ok := f.backend.Bytes(p)
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.Equal(t, data, readAll(t, f, p, 0, -1))
}

func TestCanceledUploadDoesNotCommit(t *testing.T) {
	f := newFixture(t, testOptions())
	p := storage.NewPath("c/cancel")
	ctx, cancel := context.WithCancel(context.Background())

	w, err := f.upload.Write(ctx, p, storage.NewStatus(3*mib))
	require.NoError(t, err)
	_, err = w.Write(randomBytes(t, mib))
	require.NoError(t, err)
	cancel()
	_, err = w.Write(randomBytes(t, mib))
	require.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, w.Close(), context.Canceled)
	assert.Equal(t, StateFailed, w.(*Upload).State())

	found, _ := storage.Find(context.Background(), f.backend, p)
	assert.False(t, found)
}

func TestShortStreamFailsCompletenessCheck(t *testing.T) {
	f := newFixture(t, testOptions())
	p := storage.NewPath("c/short")
	_, err := write(context.Background(), f.upload, p, storage.NewStatus(3*mib), randomBytes(t, 2*mib))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ended after")

	found, _ := storage.Find(context.Background(), f.backend, p)
	assert.False(t, found)
}

func TestSegmentSizeBelowMinimumRejected(t *testing.T) {
	f := newFixture(t, testOptions())
	status := storage.NewStatus(storage.UnknownLength)
	status.SegmentSize = 1024
	_, err := f.upload.Write(context.Background(), storage.NewPath("c/x"), status)
	assert.Error(t, err)

	_, err = NewUploadFeature(f.backend, f.service, Options{SegmentSize: 10, MinSegmentSize: 100}, nil, nil)
	assert.Error(t, err)
}

func TestDeleteRemovesSegments(t *testing.T) {
	f := newFixture(t, testOptions())
	p := storage.NewPath("c/doomed")
	data := randomBytes(t, 2*mib+1)
	_, err := write(context.Background(), f.upload, p, storage.NewStatus(int64(len(data))), data)
	require.NoError(t, err)

	require.NoError(t, f.delete.Delete(context.Background(), []storage.Path{p, storage.NewPath("c/never-existed")}))

	entries, err := f.backend.List(context.Background(), storage.Path{Container: "c"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSweepRemovesOrphans(t *testing.T) {
	f := newFixture(t, testOptions())
	p := storage.NewPath("c/swept")
	data := randomBytes(t, 2*mib)
	_, err := write(context.Background(), f.upload, p, storage.NewStatus(int64(len(data))), data)
	require.NoError(t, err)

	orphan := storage.Path{Container: "c", Key: f.service.Name(p, 5*mib, 1)}
	f.backend.Put(orphan, bytes.Repeat([]byte{1}, 10), nil)

	removed, err := Sweep(context.Background(), f.service, f.backend, p)
	require.NoError(t, err)
	assert.Equal(t, []storage.Path{orphan}, removed)
	assert.Equal(t, data, readAll(t, f, p, 0, -1))
}

func TestListFeatureHidesSegments(t *testing.T) {
	f := newFixture(t, testOptions())
	p := storage.NewPath("c/listed")
	data := randomBytes(t, 2*mib)
	_, err := write(context.Background(), f.upload, p, storage.NewStatus(int64(len(data))), data)
	require.NoError(t, err)
	f.backend.Put(storage.NewPath("c/plain"), []byte("abc"), map[string]string{})

	entries, err := NewListFeature(f.backend, f.attrs, f.service).List(context.Background(), storage.Path{Container: "c"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "listed", entries[0].Path.Key)
	assert.Equal(t, int64(len(data)), entries[0].Attributes.Size)
	assert.Equal(t, int64(3), entries[1].Attributes.Size)
}

func TestUpload_AbortKeepsSegments(t *testing.T) {
	f := newFixture(t, testOptions())
	ctx := context.Background()
	p := storage.NewPath("docs/aborted.bin")
	data := randomBytes(t, 2*mib+10)

	w, err := f.upload.Write(ctx, p, storage.NewStatus(int64(len(data))))
	require.NoError(t, err)
	_, err = w.Write(data[:2*mib])
	require.NoError(t, err)

	upload := w.(*Upload)
	upload.Abort(errors.New("source closed"))
	assert.Equal(t, StateFailed, upload.State())
	assert.ErrorContains(t, w.Close(), "source closed")

	found, err := storage.Find(ctx, f.backend, p)
	require.NoError(t, err)
	assert.False(t, found, "aborted upload must not commit a manifest")

	existing, err := f.service.Existing(ctx, p, int64(len(data)))
	require.NoError(t, err)
	assert.Len(t, existing, 2)
}

func TestOverwriteSweepsReplacedSegments(t *testing.T) {
	f := newFixture(t, testOptions())
	ctx := context.Background()
	p := storage.NewPath("c/replaced")

	_, err := write(ctx, f.upload, p, storage.NewStatus(3*mib), randomBytes(t, 3*mib))
	require.NoError(t, err)
	data := randomBytes(t, 2*mib+7)
	_, err = write(ctx, f.upload, p, storage.NewStatus(int64(len(data))), data)
	require.NoError(t, err)

	stored, err := f.service.Families(ctx, p)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for i, s := range stored {
		assert.Equal(t, f.service.Name(p, int64(len(data)), i+1), s.Path.Key)
	}
	assert.Equal(t, data, readAll(t, f, p, 0, -1))

	_, err = write(ctx, f.upload, p, storage.NewStatus(10), []byte("small file"))
	require.NoError(t, err)
	stored, err = f.service.Families(ctx, p)
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Equal(t, []byte("small file"), readAll(t, f, p, 0, -1))
}

func TestFailedOverwriteKeepsSegments(t *testing.T) {
	f := newFixture(t, testOptions())
	ctx := context.Background()
	p := storage.NewPath("c/kept")
	data := randomBytes(t, 2*mib)
	_, err := write(ctx, f.upload, p, storage.NewStatus(int64(len(data))), data)
	require.NoError(t, err)

	f.backend.InjectFault(func(op string, target storage.Path) error {
		if op == memory.OpWrite && target == p {
			return errors.New("read-only")
		}
		return nil
	})
	_, err = write(ctx, f.upload, p, storage.NewStatus(10), []byte("small file"))
	require.Error(t, err)
	f.backend.InjectFault(nil)

	stored, err := f.service.Families(ctx, p)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	assert.Equal(t, data, readAll(t, f, p, 0, -1))
}

type failingManifest struct {
	storage.Writer
	manifest storage.Path
	pipe     *shortWriter
}

func (f *failingManifest) Write(ctx context.Context, p storage.Path, status *storage.Status) (io.WriteCloser, error) {
	w, err := f.Writer.Write(ctx, p, status)
	if err != nil || p != f.manifest {
		return w, err
	}
	f.pipe = &shortWriter{WriteCloser: w}
	return f.pipe, nil
}

// shortWriter fails every Write and records whether it was aborted.
type shortWriter struct {
	io.WriteCloser
	aborted bool
}

func (w *shortWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func (w *shortWriter) Abort(cause error) {
	w.aborted = true
	storage.AbortWriter(w.WriteCloser, cause)
}

func TestManifestWriteFailureAborts(t *testing.T) {
	logger, _ := test.NewNullLogger()
	b := memory.New()
	s := NewService(b, b, "", logger)
	p := storage.NewPath("c/manifest")
	writer := &failingManifest{Writer: b, manifest: p}
	upload, err := NewUploadFeature(writer, s, testOptions(), logger, nil)
	require.NoError(t, err)

	data := randomBytes(t, 2*mib)
	w, err := write(context.Background(), upload, p, storage.NewStatus(int64(len(data))), data)
	require.ErrorContains(t, err, "failed to commit manifest")
	assert.Equal(t, StateFailed, w.(*Upload).State())
	require.NotNil(t, writer.pipe)
	assert.True(t, writer.pipe.aborted)

	found, err := storage.Find(context.Background(), b, p)
	require.NoError(t, err)
	assert.False(t, found, "manifest must not be committed")
	existing, err := s.Existing(context.Background(), p, int64(len(data)))
	require.NoError(t, err)
	assert.Len(t, existing, 2)
}

func TestSegmentBufferAllocatedOnce(t *testing.T) {
	opts := testOptions()
	opts.SegmentSize = 4 * mib
	f := newFixture(t, opts)
	ctx := context.Background()

	// A known length below one segment bounds the buffer.
	w, err := f.upload.Write(ctx, storage.NewPath("c/short"), storage.NewStatus(2*mib))
	require.NoError(t, err)
	_, err = w.Write(randomBytes(t, 10))
	require.NoError(t, err)
	assert.Equal(t, 2*mib, cap(w.(*Upload).buffer))
	w.(*Upload).Abort(errors.New("done"))

	w, err = f.upload.Write(ctx, storage.NewPath("c/long"), storage.NewStatus(storage.UnknownLength))
	require.NoError(t, err)
	upload := w.(*Upload)
	_, err = w.Write(randomBytes(t, 10))
	require.NoError(t, err)
	require.Equal(t, 4*mib, cap(upload.buffer))
	start := &upload.buffer[:1][0]

	_, err = w.Write(randomBytes(t, 9*mib))
	require.NoError(t, err)
	assert.Len(t, upload.Segments(), 2)
	assert.Same(t, start, &upload.buffer[:1][0], "segment buffer reallocated")
	require.NoError(t, w.Close())
	assert.Nil(t, upload.buffer)
}
