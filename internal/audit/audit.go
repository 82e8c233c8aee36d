package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeUpload represents an upload.
	EventTypeUpload EventType = "upload"
	// EventTypeDownload represents a download.
	EventTypeDownload EventType = "download"
	// EventTypeDelete represents a delete.
	EventTypeDelete EventType = "delete"
	// EventTypeSweep represents removal of orphaned segments.
	EventTypeSweep EventType = "sweep"
	// EventTypeVaultUnlock represents a vault being opened or created.
	EventTypeVaultUnlock EventType = "vault_unlock"
	// EventTypeAccess represents an HTTP access.
	EventTypeAccess EventType = "access"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	TransferID string                 `json:"transfer_id,omitempty"`
	Container  string                 `json:"container,omitempty"`
	Key        string                 `json:"key,omitempty"`
	Encrypted  bool                   `json:"encrypted"`
	Bytes      int64                  `json:"bytes,omitempty"`
	ClientIP   string                 `json:"client_ip,omitempty"`
	UserAgent  string                 `json:"user_agent,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Duration   time.Duration          `json:"duration_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Transfer describes a completed transfer for LogTransfer.
type Transfer struct {
	ID        string
	Container string
	Key       string
	Encrypted bool
	Bytes     int64
	Duration  time.Duration
	Metadata  map[string]interface{}
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogTransfer logs an upload, download, delete or sweep.
	LogTransfer(eventType EventType, t Transfer, err error)

	// LogVaultUnlock logs a vault being unlocked.
	LogVaultUnlock(container, root string, err error)

	// LogAccess logs an HTTP access.
	LogAccess(method, container, key, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration)

	// Events returns the buffered events, oldest first.
	Events() []*AuditEvent
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
	logger    *logrus.Logger
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger keeping the last maxEvents events.
// A nil writer keeps events in memory only.
func NewLogger(maxEvents int, writer EventWriter, logger *logrus.Logger) Logger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
		logger:    logger,
	}
}

// Log logs an audit event. Writer failures are reported through the
// application log and do not fail the caller.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		if err := l.writer.WriteEvent(event); err != nil {
			l.logger.WithError(err).WithField("event_type", event.EventType).Warn("Failed to write audit event")
		}
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	return nil
}

func (l *auditLogger) LogTransfer(eventType EventType, t Transfer, err error) {
	event := &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  eventType,
		TransferID: t.ID,
		Container:  t.Container,
		Key:        t.Key,
		Encrypted:  t.Encrypted,
		Bytes:      t.Bytes,
		Success:    err == nil,
		Duration:   t.Duration,
		Metadata:   t.Metadata,
	}
	if err != nil {
		event.Error = err.Error()
	}
	_ = l.Log(event)
}

func (l *auditLogger) LogVaultUnlock(container, root string, err error) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeVaultUnlock,
		Container: container,
		Key:       root,
		Encrypted: true,
		Success:   err == nil,
	}
	if err != nil {
		event.Error = err.Error()
	}
	_ = l.Log(event)
}

func (l *auditLogger) LogAccess(method, container, key, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeAccess,
		Container: container,
		Key:       key,
		ClientIP:  clientIP,
		UserAgent: userAgent,
		RequestID: requestID,
		Success:   success,
		Duration:  duration,
		Metadata:  map[string]interface{}{"method": method},
	}
	if err != nil {
		event.Error = err.Error()
	}
	_ = l.Log(event)
}

// Events returns a copy of the buffered events.
func (l *auditLogger) Events() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// JSONWriter writes one JSON document per event.
type JSONWriter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewJSONWriter returns a writer to out; nil means stdout.
func NewJSONWriter(out io.Writer) *JSONWriter {
	if out == nil {
		out = os.Stdout
	}
	return &JSONWriter{out: out}
}

// WriteEvent implements EventWriter.
func (w *JSONWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = fmt.Fprintf(w.out, "%s\n", data)
	return err
}
