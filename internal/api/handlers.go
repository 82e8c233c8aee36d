package api

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/vault-transfer/internal/audit"
	"github.com/kenneth/vault-transfer/internal/metrics"
	"github.com/kenneth/vault-transfer/internal/storage"
	"github.com/kenneth/vault-transfer/internal/transfer"
)

// MetadataHeaderPrefix marks request and response headers carrying user
// metadata.
const MetadataHeaderPrefix = "X-Meta-"

// TransferIDHeader carries the ID of the transfer that served a request.
const TransferIDHeader = "X-Transfer-Id"

// Handler serves transfers over HTTP.
type Handler struct {
	session     *transfer.Session
	logger      *logrus.Logger
	metrics     *metrics.Metrics
	auditLogger audit.Logger
}

// NewHandler creates a new API handler. auditLogger may be nil.
func NewHandler(session *transfer.Session, logger *logrus.Logger, m *metrics.Metrics, auditLogger audit.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		session:     session,
		logger:      logger,
		metrics:     m,
		auditLogger: auditLogger,
	}
}

// RegisterRoutes registers API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.Handle("/metrics", h.metrics.Handler()).Methods("GET")

	r.HandleFunc("/{container}/{key:.+}", h.handleSegments).Methods("GET").Queries("segments", "")
	r.HandleFunc("/{container}/{key:.*}", h.handleSweep).Methods("POST").Queries("sweep", "")

	r.HandleFunc("/{container}", h.handleList).Methods("GET")
	r.HandleFunc("/{container}/", h.handleList).Methods("GET")
	r.HandleFunc("/{container}/{key:.+}", h.handleGet).Methods("GET")
	r.HandleFunc("/{container}/{key:.+}", h.handlePut).Methods("PUT")
	r.HandleFunc("/{container}/{key:.+}", h.handleDelete).Methods("DELETE")
	r.HandleFunc("/{container}/{key:.+}", h.handleHead).Methods("HEAD")
}

func requestPath(r *http.Request) storage.Path {
	vars := mux.Vars(r)
	return storage.Path{Container: vars["container"], Key: vars["key"]}
}

// writeError translates err, writes it and records the failed request.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, p storage.Path, err error, start time.Time) {
	apiErr := TranslateError(err, p)
	apiErr.RequestID = getRequestID(r)
	apiErr.WriteXML(w, r)

	entry := h.logger.WithError(err).WithFields(logrus.Fields{
		"container":  p.Container,
		"key":        p.Key,
		"code":       apiErr.Code,
		"request_id": apiErr.RequestID,
	})
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		entry.Errorf("Failed to %s object", op)
	} else {
		entry.Debugf("Failed to %s object", op)
	}

	h.metrics.RecordHTTPRequest(r.Method, r.URL.Path, apiErr.HTTPStatus, time.Since(start), 0)
	h.logAccess(r, op, p, err, start)
}

func (h *Handler) logAccess(r *http.Request, op string, p storage.Path, err error, start time.Time) {
	if h.auditLogger == nil {
		return
	}
	h.auditLogger.LogAccess(op, p.Container, p.Key, getClientIP(r), r.UserAgent(), getRequestID(r), err == nil, err, time.Since(start))
}

// handleHealth handles health check requests.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	roots := h.session.Registry().Roots()
	vaults := make([]string, 0, len(roots))
	for _, root := range roots {
		vaults = append(vaults, root.String())
	}

	stats := h.session.CacheStats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"vaults": vaults,
		"cache": map[string]int64{
			"items":     int64(stats.Items),
			"hits":      stats.Hits,
			"misses":    stats.Misses,
			"evictions": stats.Evictions,
		},
	})
	h.metrics.RecordHTTPRequest("GET", "/health", http.StatusOK, time.Since(start), 0)
}

// handleGet streams an object, honouring a single byte range.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	p := requestPath(r)
	ctx := r.Context()

	attrs, err := h.session.Stat(ctx, p)
	if err != nil {
		h.writeError(w, r, "download", p, err, start)
		return
	}

	status := http.StatusOK
	offset, length := int64(0), attrs.Size
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		offset, length, err = parseRange(rangeHeader, attrs.Size)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", attrs.Size))
			apiErr := ErrInvalidRange.WithResource(p.String(), getRequestID(r))
			apiErr.WriteXML(w, r)
			h.metrics.RecordHTTPRequest("GET", r.URL.Path, apiErr.HTTPStatus, time.Since(start), 0)
			h.logAccess(r, "download", p, err, start)
			return
		}
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, attrs.Size))
	}

	setObjectHeaders(w, attrs)
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))

	h.metrics.IncrementActiveConnections()
	defer h.metrics.DecrementActiveConnections()

	// The status line is held back until the first byte so a failure to
	// open the object still produces an error response.
	dw := &deferredWriter{w: w, status: status}
	res, err := h.session.Download(ctx, p, dw, offset, length)
	if err != nil {
		if !dw.wrote {
			w.Header().Del("Content-Length")
			w.Header().Set(TransferIDHeader, res.ID)
			h.writeError(w, r, "download", p, err, start)
			return
		}
		// Headers are gone; the client sees a short body.
		h.logger.WithError(err).WithFields(logrus.Fields{
			"container": p.Container,
			"key":       p.Key,
			"written":   res.Bytes,
		}).Error("Download failed mid-stream")
		h.metrics.RecordHTTPRequest("GET", r.URL.Path, status, time.Since(start), res.Bytes)
		h.logAccess(r, "download", p, err, start)
		return
	}
	dw.commit()

	h.metrics.RecordHTTPRequest("GET", r.URL.Path, status, time.Since(start), res.Bytes)
	h.logAccess(r, "download", p, nil, start)
}

// handlePut stores the request body. A request without Content-Length is
// uploaded with an unknown length.
func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	p := requestPath(r)

	length := r.ContentLength
	if length < 0 {
		length = storage.UnknownLength
	}

	var opts []transfer.UploadOption
	if ct := r.Header.Get("Content-Type"); ct != "" {
		opts = append(opts, transfer.WithMimeType(ct))
	}
	if metadata := extractMetadata(r.Header); len(metadata) > 0 {
		opts = append(opts, transfer.WithMetadata(metadata))
	}
	if v := r.Header.Get("X-Segment-Size"); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil || size <= 0 {
			apiErr := ErrInvalidRequest.WithResource(p.String(), getRequestID(r))
			apiErr.Message = "X-Segment-Size must be a positive integer."
			apiErr.WriteXML(w, r)
			h.metrics.RecordHTTPRequest("PUT", r.URL.Path, apiErr.HTTPStatus, time.Since(start), 0)
			return
		}
		opts = append(opts, transfer.WithSegmentSize(size))
	}

	h.metrics.IncrementActiveConnections()
	defer h.metrics.DecrementActiveConnections()

	res, err := h.session.Upload(r.Context(), p, r.Body, length, opts...)
	w.Header().Set(TransferIDHeader, res.ID)
	if err != nil {
		h.writeError(w, r, "upload", p, err, start)
		return
	}

	if res.Attributes.ETag != "" {
		w.Header().Set("ETag", quoteETag(res.Attributes.ETag))
	}
	w.WriteHeader(http.StatusOK)
	h.metrics.RecordHTTPRequest("PUT", r.URL.Path, http.StatusOK, time.Since(start), res.Bytes)
	h.logAccess(r, "upload", p, nil, start)
}

// handleHead returns the cleartext attributes of an object.
func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	p := requestPath(r)

	attrs, err := h.session.Stat(r.Context(), p)
	if err != nil {
		h.writeError(w, r, "stat", p, err, start)
		return
	}

	setObjectHeaders(w, attrs)
	w.Header().Set("Content-Length", strconv.FormatInt(attrs.Size, 10))
	w.WriteHeader(http.StatusOK)
	h.metrics.RecordHTTPRequest("HEAD", r.URL.Path, http.StatusOK, time.Since(start), 0)
	h.logAccess(r, "stat", p, nil, start)
}

// handleDelete removes an object and its segments.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	p := requestPath(r)

	if err := h.session.Delete(r.Context(), p); err != nil {
		h.writeError(w, r, "delete", p, err, start)
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.metrics.RecordHTTPRequest("DELETE", r.URL.Path, http.StatusNoContent, time.Since(start), 0)
	h.logAccess(r, "delete", p, nil, start)
}

// SegmentInfo is one entry of a segment listing.
type SegmentInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	Checksum     string    `json:"checksum,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
}

// handleSegments lists the segments of a large object.
func (h *Handler) handleSegments(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	p := requestPath(r)

	segments, err := h.session.Segments(r.Context(), p)
	if err != nil {
		h.writeError(w, r, "segments", p, err, start)
		return
	}

	out := make([]SegmentInfo, 0, len(segments))
	for _, s := range segments {
		out = append(out, SegmentInfo{
			Key:          s.Path.Key,
			Size:         s.Size,
			Checksum:     s.Checksum,
			LastModified: s.ModTime,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"container": p.Container,
		"key":       p.Key,
		"segments":  out,
	})
	h.metrics.RecordHTTPRequest("GET", r.URL.Path, http.StatusOK, time.Since(start), 0)
	h.logAccess(r, "segments", p, nil, start)
}

// handleSweep deletes orphaned segments below a path.
func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	p := requestPath(r)

	deleted, err := h.session.Sweep(r.Context(), p)
	if err != nil {
		h.writeError(w, r, "sweep", p, err, start)
		return
	}

	keys := make([]string, 0, len(deleted))
	for _, d := range deleted {
		keys = append(keys, d.Key)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"container": p.Container,
		"deleted":   keys,
	})
	h.metrics.RecordHTTPRequest("POST", r.URL.Path, http.StatusOK, time.Since(start), 0)
	h.logAccess(r, "sweep", p, nil, start)
}

// ListResult is the response of a container listing.
type ListResult struct {
	XMLName   xml.Name      `xml:"ListResult"`
	Container string        `xml:"Container"`
	Prefix    string        `xml:"Prefix,omitempty"`
	Contents  []ListedEntry `xml:"Contents"`
}

// ListedEntry is one object of a listing.
type ListedEntry struct {
	Key          string `xml:"Key"`
	Size         int64  `xml:"Size"`
	ETag         string `xml:"ETag,omitempty"`
	LastModified string `xml:"LastModified,omitempty"`
}

// handleList lists objects of a container with cleartext sizes.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	p := storage.Path{Container: mux.Vars(r)["container"], Key: r.URL.Query().Get("prefix")}

	entries, err := h.session.List(r.Context(), p)
	if err != nil {
		h.writeError(w, r, "list", p, err, start)
		return
	}

	result := ListResult{Container: p.Container, Prefix: p.Key, Contents: make([]ListedEntry, 0, len(entries))}
	for _, e := range entries {
		le := ListedEntry{Key: e.Path.Key, Size: e.Attributes.Size}
		if e.Attributes.ETag != "" {
			le.ETag = quoteETag(e.Attributes.ETag)
		}
		if !e.Attributes.ModTime.IsZero() {
			le.LastModified = e.Attributes.ModTime.UTC().Format(time.RFC3339)
		}
		result.Contents = append(result.Contents, le)
	}

	xmlData, err := xml.MarshalIndent(result, "", "  ")
	if err != nil {
		h.writeError(w, r, "list", p, err, start)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(xmlData)
	h.metrics.RecordHTTPRequest("GET", r.URL.Path, http.StatusOK, time.Since(start), int64(len(xmlData)))
	h.logAccess(r, "list", p, nil, start)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func setObjectHeaders(w http.ResponseWriter, attrs storage.Attributes) {
	w.Header().Set("Accept-Ranges", "bytes")
	if attrs.ETag != "" {
		w.Header().Set("ETag", quoteETag(attrs.ETag))
	}
	if !attrs.ModTime.IsZero() {
		w.Header().Set("Last-Modified", attrs.ModTime.UTC().Format(http.TimeFormat))
	}
	for k, v := range attrs.Metadata {
		w.Header().Set(MetadataHeaderPrefix+k, v)
	}
}

// extractMetadata collects X-Meta-* request headers.
func extractMetadata(header http.Header) map[string]string {
	metadata := make(map[string]string)
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if !strings.HasPrefix(canonical, MetadataHeaderPrefix) || len(values) == 0 {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(canonical, MetadataHeaderPrefix))
		if key != "" {
			metadata[key] = values[0]
		}
	}
	return metadata
}

func quoteETag(etag string) string {
	if strings.HasPrefix(etag, `"`) {
		return etag
	}
	return `"` + etag + `"`
}

var errUnsatisfiableRange = errors.New("range not satisfiable")

// parseRange resolves a single "bytes=" range against an object of size
// bytes: "bytes=start-end", "bytes=start-" or "bytes=-suffix".
func parseRange(header string, size int64) (offset, length int64, err error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("invalid range header %q", header)
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range header %q", header)
	}

	if first == "" {
		suffix, err := strconv.ParseInt(last, 10, 64)
		if err != nil || suffix <= 0 {
			return 0, 0, fmt.Errorf("invalid suffix range %q", header)
		}
		if size == 0 {
			return 0, 0, errUnsatisfiableRange
		}
		if suffix > size {
			suffix = size
		}
		return size - suffix, suffix, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid range start %q", header)
	}
	if start >= size {
		return 0, 0, errUnsatisfiableRange
	}
	end := size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return 0, 0, fmt.Errorf("invalid range end %q", header)
		}
		if end >= size {
			end = size - 1
		}
	}
	return start, end - start + 1, nil
}

// deferredWriter sends the status line with the first body byte.
type deferredWriter struct {
	w      http.ResponseWriter
	status int
	wrote  bool
}

func (d *deferredWriter) Write(p []byte) (int, error) {
	d.commit()
	return d.w.Write(p)
}

func (d *deferredWriter) commit() {
	if !d.wrote {
		d.w.WriteHeader(d.status)
		d.wrote = true
	}
}
