package middleware

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/kenneth/vault-transfer/internal/config"
)

func TestLoggingMiddleware(t *testing.T) {
	logger, hook := test.NewNullLogger()
	cfg := &config.LoggingConfig{
		AccessLogFormat: "default",
		RedactHeaders:   []string{"authorization"},
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("test"))
	})
	wrapped := LoggingMiddleware(logger, cfg)(handler)

	req := httptest.NewRequest("GET", "/docs/report.pdf", nil)
	w := httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("expected an access log entry")
	}
	if entry.Data["bytes"] != int64(4) {
		t.Errorf("expected 4 response bytes logged, got %v", entry.Data["bytes"])
	}
}

func TestLoggingMiddleware_UploadBytes(t *testing.T) {
	logger, hook := test.NewNullLogger()
	cfg := &config.LoggingConfig{AccessLogFormat: "default"}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	wrapped := LoggingMiddleware(logger, cfg)(handler)

	req := httptest.NewRequest("PUT", "/docs/big.bin", strings.NewReader("0123456789"))
	req.Header.Set("Content-Length", "10")
	wrapped.ServeHTTP(httptest.NewRecorder(), req)

	if got := hook.LastEntry().Data["bytes"]; got != int64(10) {
		t.Errorf("expected request size to be logged for uploads, got %v", got)
	}
	if got := hook.LastEntry().Data["status"]; got != http.StatusCreated {
		t.Errorf("expected status 201, got %v", got)
	}
}

func TestResponseWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rw := &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}

	rw.WriteHeader(http.StatusNotFound)
	if rw.statusCode != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rw.statusCode)
	}

	n, err := rw.Write([]byte("test"))
	if err != nil {
		t.Errorf("Write returned error: %v", err)
	}
	if n != 4 {
		t.Errorf("expected to write 4 bytes, wrote %d", n)
	}
	if rw.bytesWritten != 4 {
		t.Errorf("expected bytesWritten to be 4, got %d", rw.bytesWritten)
	}
	rw.Flush()
	if !w.Flushed {
		t.Error("expected Flush to reach the underlying writer")
	}
}

func TestLoggingFormats(t *testing.T) {
	tests := []struct {
		name           string
		format         string
		redactHeaders  []string
		expectedFields []string
	}{
		{"default format", "default", []string{"authorization"}, []string{"method", "path", "status", "duration_ms", "bytes"}},
		{"json format", "json", []string{"authorization", "x-vault-passphrase"}, []string{`"json":`}},
		{"clf format", "clf", []string{"authorization"}, []string{"clf", "GET /docs/a?segments HTTP/1.1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			logger := logrus.New()
			logger.SetOutput(&out)
			logger.SetFormatter(&logrus.JSONFormatter{})

			cfg := &config.LoggingConfig{
				AccessLogFormat: tt.format,
				RedactHeaders:   tt.redactHeaders,
			}
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("[]"))
			})
			wrapped := LoggingMiddleware(logger, cfg)(handler)

			req := httptest.NewRequest("GET", "/docs/a?segments", nil)
			req.Header.Set("User-Agent", "test-agent")
			req.Header.Set("Authorization", "Bearer secret-token")
			req.Header.Set("X-Vault-Passphrase", "hunter2")
			wrapped.ServeHTTP(httptest.NewRecorder(), req)

			captured := out.String()
			for _, field := range tt.expectedFields {
				if !strings.Contains(captured, field) {
					t.Errorf("expected log output to contain %q, got: %s", field, captured)
				}
			}
			if strings.Contains(captured, "hunter2") && tt.format == "json" {
				t.Errorf("passphrase leaked into access log: %s", captured)
			}
		})
	}
}

func TestShouldRedactHeader(t *testing.T) {
	tests := []struct {
		headerName    string
		redactHeaders []string
		expected      bool
	}{
		{"authorization", []string{"authorization", "x-vault-passphrase"}, true},
		{"x-vault-passphrase", []string{"authorization", "x-vault-passphrase"}, true},
		{"content-type", []string{"authorization"}, false},
		{"AUTHORIZATION", []string{"authorization"}, true},
		{"user-agent", []string{}, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%v", tt.headerName, tt.redactHeaders), func(t *testing.T) {
			if got := shouldRedactHeader(tt.headerName, tt.redactHeaders); got != tt.expected {
				t.Errorf("shouldRedactHeader(%q, %v) = %v, expected %v", tt.headerName, tt.redactHeaders, got, tt.expected)
			}
		})
	}
}

func TestCreateLogEntry(t *testing.T) {
	cfg := &config.LoggingConfig{
		AccessLogFormat: "json",
		RedactHeaders:   []string{"authorization"},
	}

	req := httptest.NewRequest("PUT", "/docs/key?resume", nil)
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("Content-Type", "application/octet-stream")
	req.RemoteAddr = "127.0.0.1:12345"

	rec := httptest.NewRecorder()
	rec.Header().Set(RequestIDHeader, "rid")
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusCreated}

	entry := createLogEntry(req, rw, 150*time.Millisecond, 512, cfg)

	if entry.Method != "PUT" || entry.Path != "/docs/key" || entry.Query != "resume" {
		t.Errorf("unexpected request fields %+v", entry)
	}
	if entry.Status != http.StatusCreated || entry.Bytes != 512 || entry.DurationMs != 150 {
		t.Errorf("unexpected response fields %+v", entry)
	}
	if entry.RequestID != "rid" {
		t.Errorf("expected request id rid, got %s", entry.RequestID)
	}
	if entry.Headers["authorization"] != "[REDACTED]" {
		t.Errorf("expected authorization header to be redacted, got %s", entry.Headers["authorization"])
	}
	if entry.Headers["content-type"] != "application/octet-stream" {
		t.Errorf("expected content-type header to not be redacted, got %s", entry.Headers["content-type"])
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if _, err := uuid.Parse(seen); err != nil {
		t.Fatalf("expected a generated uuid, got %q", seen)
	}
	if w.Header().Get(RequestIDHeader) != seen {
		t.Error("expected the request id to be echoed")
	}

	incoming := uuid.NewString()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, incoming)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != incoming {
		t.Errorf("expected incoming id %s to be kept, got %s", incoming, seen)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "not-a-uuid\r\ninjected")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "not-a-uuid\r\ninjected" {
		t.Error("malformed incoming id should be replaced")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	logger, hook := test.NewNullLogger()
	handler := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
	if hook.LastEntry() == nil || hook.LastEntry().Data["panic"] != "boom" {
		t.Error("expected the panic to be logged")
	}
}
