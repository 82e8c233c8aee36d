package middleware

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/kenneth/vault-transfer/internal/middleware"

// TracingMiddleware starts a server span per request. With
// redactSensitive the object key, query and credential headers are
// masked.
func TracingMiddleware(redactSensitive bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			container, key := extractContainerAndKey(r.URL.Path)

			ctx, span := otel.Tracer(tracerName).Start(ctx, getSpanName(r.Method, container, key, r.URL.Query().Has("segments")),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPRoute("/{container}/{key}"),
					attribute.String("http.host", r.Host),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("http.remote_addr", getRemoteAddr(r)),
				),
			)
			defer span.End()

			if container != "" {
				span.SetAttributes(attribute.String("storage.container", container))
			}
			if key != "" {
				if redactSensitive {
					span.SetAttributes(attribute.String("storage.key", "[REDACTED]"))
				} else {
					span.SetAttributes(attribute.String("storage.key", key))
				}
			}
			if r.URL.RawQuery != "" {
				if redactSensitive {
					span.SetAttributes(attribute.String("http.query", "[REDACTED]"))
				} else {
					span.SetAttributes(attribute.String("http.query", r.URL.RawQuery))
				}
			}
			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := &tracingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(rw, r.WithContext(ctx))

			if rw.statusCode == 0 {
				rw.statusCode = http.StatusOK
			}
			span.SetAttributes(semconv.HTTPStatusCode(rw.statusCode))
			if rw.statusCode >= 500 {
				span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

// extractContainerAndKey splits "/container/key/with/slashes".
func extractContainerAndKey(path string) (container, key string) {
	path = strings.TrimPrefix(path, "/")
	container, key, _ = strings.Cut(path, "/")
	return container, key
}

func getSpanName(method, container, key string, segments bool) string {
	if container == "" || key == "" {
		return "HTTP " + method
	}
	switch method {
	case http.MethodGet:
		if segments {
			return "Transfer Segments"
		}
		return "Transfer Download"
	case http.MethodPut:
		return "Transfer Upload"
	case http.MethodDelete:
		return "Transfer Delete"
	case http.MethodHead:
		return "Transfer Stat"
	default:
		return "HTTP " + method
	}
}

// getRemoteAddr prefers X-Real-IP, then the first X-Forwarded-For entry.
func getRemoteAddr(r *http.Request) string {
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	return r.RemoteAddr
}

var (
	safeHeaders = []string{
		"content-type",
		"content-length",
		"content-range",
		"range",
		"accept",
		"if-match",
		"if-none-match",
		"x-request-id",
	}
	sensitiveHeaders = []string{
		"authorization",
		"cookie",
		"x-vault-passphrase",
	}
)

func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	for _, header := range safeHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}
	for _, header := range sensitiveHeaders {
		value := headers.Get(header)
		if value == "" {
			continue
		}
		if redactSensitive {
			value = "[REDACTED]"
		}
		span.SetAttributes(attribute.String("http.request.header."+header, value))
	}
}

type tracingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *tracingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *tracingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
