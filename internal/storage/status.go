package storage

import (
	"sync"

	"github.com/kenneth/vault-transfer/internal/crypto"
)

// UnknownLength marks a transfer whose length is not known in advance.
const UnknownLength = crypto.UnknownLength

// Status describes one transfer as it passes through the capability
// chain. Offset and Length are in the byte space of the capability the
// descriptor is handed to.
type Status struct {
	Offset int64
	Length int64
	Append bool

	MimeType string
	Metadata map[string]string
	Checksum string

	// SegmentSize overrides the configured segment size of a segmented
	// upload. Zero keeps the configured value.
	SegmentSize int64

	// Header is the encrypted file header of an encrypted write. It is
	// generated when empty.
	Header []byte
	// Nonces supplies chunk nonces of an encrypted write.
	Nonces crypto.NonceSource

	mu       sync.Mutex
	response *Attributes
	onSet    func(Attributes)
}

// NewStatus returns a descriptor for a transfer of length bytes at offset 0.
func NewStatus(length int64) *Status {
	return &Status{Length: length}
}

// Clone copies the request fields. The response is not copied.
func (s *Status) Clone() *Status {
	c := &Status{
		Offset:      s.Offset,
		Length:      s.Length,
		Append:      s.Append,
		MimeType:    s.MimeType,
		Checksum:    s.Checksum,
		SegmentSize: s.SegmentSize,
		Nonces:      s.Nonces,
	}
	if s.Header != nil {
		c.Header = append([]byte(nil), s.Header...)
	}
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// OnResponse registers a hook invoked whenever a response is published.
// Decorators use it to translate attributes back into their own space.
func (s *Status) OnResponse(fn func(Attributes)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSet = fn
}

// SetResponse publishes the attributes of the committed object.
func (s *Status) SetResponse(attrs Attributes) {
	s.mu.Lock()
	s.response = &attrs
	fn := s.onSet
	s.mu.Unlock()
	if fn != nil {
		fn(attrs)
	}
}

// Response returns the published attributes, if any.
func (s *Status) Response() (Attributes, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.response == nil {
		return Attributes{}, false
	}
	return *s.response, true
}
