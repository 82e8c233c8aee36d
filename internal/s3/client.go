// Package s3 is the S3-compatible storage backend. Large objects are
// recognised by manifest metadata; the backend itself stores every
// segment and manifest as a plain object.
package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/vault-transfer/internal/config"
	"github.com/kenneth/vault-transfer/internal/metrics"
	"github.com/kenneth/vault-transfer/internal/storage"
)

// maxDeleteBatch is the largest number of keys one DeleteObjects call accepts.
const maxDeleteBatch = 1000

// maxManifestSize bounds how much of a manifest object is read.
const maxManifestSize = 16 << 20

// API is the subset of the S3 client the backend uses.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	s3.ListObjectsV2APIClient
}

// Backend implements storage.Backend on top of an S3 API.
type Backend struct {
	api     API
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

var _ storage.Backend = (*Backend)(nil)

// New wraps an existing API client.
func New(api API, logger *logrus.Logger, m *metrics.Metrics) *Backend {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Backend{api: api, logger: logger, metrics: m, now: time.Now}
}

// NewClient creates a backend from configuration.
func NewClient(ctx context.Context, cfg *config.BackendConfig, logger *logrus.Logger, m *metrics.Metrics) (*Backend, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(normalizeEndpoint(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return New(client, logger, m), nil
}

func normalizeEndpoint(endpoint string, useSSL bool) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// Write implements storage.Writer. The object is buffered and stored with
// a single PutObject when the writer is closed. A nonzero status.Offset
// keeps the first Offset bytes of the existing object.
func (b *Backend) Write(ctx context.Context, p storage.Path, status *storage.Status) (io.WriteCloser, error) {
	w := &writer{ctx: ctx, backend: b, path: p, status: status}
	if status.Offset > 0 {
		rc, err := b.Read(ctx, p, &storage.Status{Length: status.Offset})
		if err != nil {
			return nil, fmt.Errorf("failed to read existing prefix of %s: %w", p, err)
		}
		defer rc.Close()
		n, err := io.Copy(&w.buf, rc)
		if err != nil {
			return nil, translateError("read", p, err)
		}
		if n != status.Offset {
			return nil, fmt.Errorf("write %s at offset %d: object has only %d bytes", p, status.Offset, n)
		}
	}
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

	body := w.buf.Bytes()
	sum := md5.Sum(body)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(w.path.Container),
		Key:           aws.String(w.path.Key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentMD5:    aws.String(base64.StdEncoding.EncodeToString(sum[:])),
		Metadata:      w.status.Metadata,
	}
	if w.status.MimeType != "" {
		input.ContentType = aws.String(w.status.MimeType)
	}

	start := time.Now()
	out, err := w.backend.api.PutObject(w.ctx, input)
	w.backend.observe("PutObject", w.path.Container, start, err)
	if err != nil {
		return translateError("put", w.path, err)
	}
	checksum := hex.EncodeToString(sum[:])
	etag := checksum
	if out.ETag != nil {
		etag = strings.Trim(*out.ETag, `"`)
	}
	w.status.SetResponse(storage.Attributes{
		Size:     int64(len(body)),
		ETag:     etag,
		Checksum: checksum,
		ModTime:  w.backend.now().UTC(),
		Metadata: w.status.Metadata,
	})
	return nil
}

// Read implements storage.Reader using a ranged GetObject.
func (b *Backend) Read(ctx context.Context, p storage.Path, status *storage.Status) (io.ReadCloser, error) {
	if status.Length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	input := &s3.GetObjectInput{
		Bucket: aws.String(p.Container),
		Key:    aws.String(p.Key),
	}
	if rng := rangeHeader(status.Offset, status.Length); rng != "" {
		input.Range = aws.String(rng)
	}
	start := time.Now()
	out, err := b.api.GetObject(ctx, input)
	b.observe("GetObject", p.Container, start, err)
	if err != nil {
		return nil, translateError("get", p, err)
	}
	return out.Body, nil
}

// rangeHeader renders an HTTP range for offset and length. A negative
// length reads to the end.
func rangeHeader(offset, length int64) string {
	switch {
	case length >= 0:
		return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	case offset > 0:
		return fmt.Sprintf("bytes=%d-", offset)
	default:
		return ""
	}
}

// Attributes implements storage.AttributesFinder.
func (b *Backend) Attributes(ctx context.Context, p storage.Path) (storage.Attributes, error) {
	start := time.Now()
	out, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.Container),
		Key:    aws.String(p.Key),
	})
	b.observe("HeadObject", p.Container, start, err)
	if err != nil {
		return storage.Attributes{}, translateError("head", p, err)
	}
	etag := strings.Trim(aws.ToString(out.ETag), `"`)
	attrs := storage.Attributes{
		Size:     aws.ToInt64(out.ContentLength),
		ETag:     etag,
		ModTime:  aws.ToTime(out.LastModified),
		Metadata: out.Metadata,
	}
	// Multipart ETags are not content digests.
	if !strings.Contains(etag, "-") {
		attrs.Checksum = etag
	}
	return attrs, nil
}

// List implements storage.Lister, following continuation tokens.
func (b *Backend) List(ctx context.Context, prefix storage.Path) ([]storage.Entry, error) {
	paginator := s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(prefix.Container),
		Prefix: aws.String(prefix.Key),
	})
	var entries []storage.Entry
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		b.observe("ListObjectsV2", prefix.Container, start, err)
		if err != nil {
			return nil, translateError("list", prefix, err)
		}
		for _, obj := range page.Contents {
			etag := strings.Trim(aws.ToString(obj.ETag), `"`)
			entries = append(entries, storage.Entry{
				Path: storage.Path{Container: prefix.Container, Key: aws.ToString(obj.Key)},
				Attributes: storage.Attributes{
					Size:    aws.ToInt64(obj.Size),
					ETag:    etag,
					ModTime: aws.ToTime(obj.LastModified),
				},
			})
		}
	}
	return entries, nil
}

// Delete implements storage.Deleter with batched DeleteObjects calls per
// container.
func (b *Backend) Delete(ctx context.Context, paths []storage.Path) error {
	byContainer := make(map[string][]types.ObjectIdentifier)
	var order []string
	for _, p := range paths {
		if _, ok := byContainer[p.Container]; !ok {
			order = append(order, p.Container)
		}
		byContainer[p.Container] = append(byContainer[p.Container], types.ObjectIdentifier{Key: aws.String(p.Key)})
	}

	for _, container := range order {
		objects := byContainer[container]
		for len(objects) > 0 {
			n := min(len(objects), maxDeleteBatch)
			batch := objects[:n]
			objects = objects[n:]

			start := time.Now()
			out, err := b.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(container),
				Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
			})
			b.observe("DeleteObjects", container, start, err)
			if err != nil {
				return translateError("delete", storage.Path{Container: container}, err)
			}
			for _, e := range out.Errors {
				if aws.ToString(e.Code) == "NoSuchKey" {
					continue
				}
				return fmt.Errorf("failed to delete /%s/%s: %s: %s",
					container, aws.ToString(e.Key), aws.ToString(e.Code), aws.ToString(e.Message))
			}
			b.logger.WithFields(logrus.Fields{
				"container": container,
				"count":     n,
			}).Debug("Deleted objects")
		}
	}
	return nil
}

// Segments implements storage.SegmentIndex by reading the manifest
// object. Modification dates come from a listing of the segment family.
func (b *Backend) Segments(ctx context.Context, p storage.Path) ([]storage.SegmentObject, error) {
	attrs, err := b.Attributes(ctx, p)
	if err != nil {
		return nil, err
	}
	if !storage.IsManifest(attrs.Metadata) {
		return nil, nil
	}
	rc, err := b.Read(ctx, p, &storage.Status{Length: storage.UnknownLength})
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxManifestSize))
	if err != nil {
		return nil, translateError("get", p, err)
	}
	entries, err := storage.ParseManifest(data)
	if err != nil {
		return nil, err
	}
	modTimes, err := b.familyModTimes(ctx, entries)
	if err != nil {
		return nil, err
	}
	segments := make([]storage.SegmentObject, 0, len(entries))
	for _, e := range entries {
		sp := e.EntryPath()
		s := storage.SegmentObject{Name: sp.Key, Size: e.SizeBytes, ETag: e.ETag}
		if t, ok := modTimes[sp]; ok {
			s.LastModified = t.UTC().Format(time.RFC3339)
		}
		segments = append(segments, s)
	}
	return segments, nil
}

func (b *Backend) familyModTimes(ctx context.Context, entries []storage.ManifestEntry) (map[storage.Path]time.Time, error) {
	modTimes := make(map[storage.Path]time.Time)
	if len(entries) == 0 {
		return modTimes, nil
	}
	first := entries[0].EntryPath()
	family := first.Key[:strings.LastIndex(first.Key, "/")+1]
	listed, err := b.List(ctx, storage.Path{Container: first.Container, Key: family})
	if err != nil {
		return nil, err
	}
	for _, e := range listed {
		if !e.Attributes.ModTime.IsZero() {
			modTimes[e.Path] = e.Attributes.ModTime
		}
	}
	return modTimes, nil
}

// observe records the duration of a backend call and classifies its
// error, if any.
func (b *Backend) observe(op, container string, start time.Time, err error) {
	b.metrics.RecordBackendOperation(op, container, time.Since(start))
	if err == nil {
		return
	}
	code := "unknown"
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	b.metrics.RecordBackendError(op, container, code)
}

// transientCodes are S3 error codes worth retrying.
var transientCodes = map[string]bool{
	"SlowDown":            true,
	"Throttling":          true,
	"ThrottlingException": true,
	"RequestTimeout":      true,
	"InternalError":       true,
	"ServiceUnavailable":  true,
}

// translateError maps SDK errors onto storage errors: missing objects
// wrap storage.ErrNotFound, throttling and server errors become
// transient.
func translateError(op string, p storage.Path, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case code == "NoSuchKey" || code == "NotFound" || code == "NoSuchBucket":
			return fmt.Errorf("%s %s: %w", op, p, storage.ErrNotFound)
		case transientCodes[code]:
			return storage.MarkTransient(op+" "+p.String(), err)
		}
	}
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		code := status.HTTPStatusCode()
		if code == http.StatusNotFound {
			return fmt.Errorf("%s %s: %w", op, p, storage.ErrNotFound)
		}
		if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
			return storage.MarkTransient(op+" "+p.String(), err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return storage.MarkTransient(op+" "+p.String(), err)
	}
	return fmt.Errorf("failed to %s %s: %w", op, p, err)
}
