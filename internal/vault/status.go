package vault

import (
	"github.com/sirupsen/logrus"

	"github.com/kenneth/vault-transfer/internal/crypto"
	"github.com/kenneth/vault-transfer/internal/metrics"
	"github.com/kenneth/vault-transfer/internal/storage"
)

// StatusAdapter translates a cleartext transfer descriptor into the
// ciphertext descriptor handed to the wrapped capability, and translates
// the published response back.
type StatusAdapter struct {
	vault     *crypto.Vault
	cleartext *storage.Status
	logger    *logrus.Logger
	metrics   *metrics.Metrics
}

// NewStatusAdapter adapts cleartext for v.
func NewStatusAdapter(v *crypto.Vault, cleartext *storage.Status, logger *logrus.Logger, m *metrics.Metrics) *StatusAdapter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &StatusAdapter{vault: v, cleartext: cleartext, logger: logger, metrics: m}
}

// Ciphertext returns the translated descriptor. The length becomes the
// ciphertext length, the header counted only at offset 0. A nonzero
// offset becomes the ciphertext position of that cleartext offset, which
// is exact for chunk-aligned offsets. MIME type and checksum describe the
// cleartext and are cleared.
func (a *StatusAdapter) Ciphertext() *storage.Status {
	g := a.vault.Geometry()
	ct := a.cleartext.Clone()
	ct.Length = g.ToCiphertextSize(a.cleartext.Offset, a.cleartext.Length)
	if a.cleartext.Offset != 0 {
		ct.Offset = g.ToCiphertextSize(0, a.cleartext.Offset)
	}
	if a.cleartext.SegmentSize > 0 {
		ct.SegmentSize = g.ToCiphertextSize(0, a.cleartext.SegmentSize)
	}
	ct.MimeType = ""
	ct.Checksum = ""
	ct.OnResponse(a.Publish)
	return ct
}

// Publish translates a ciphertext response and sets it on the cleartext
// descriptor. A size that cannot be translated is logged and the
// response is left unset.
func (a *StatusAdapter) Publish(attrs storage.Attributes) {
	size, err := a.vault.Geometry().ToCleartextSize(0, attrs.Size)
	if err != nil {
		a.metrics.RecordSizeTranslationFailure()
		a.logger.WithFields(logrus.Fields{
			"size": attrs.Size,
			"etag": attrs.ETag,
		}).WithError(err).Warn("Failure translating file size from response")
		return
	}
	attrs.Size = size
	a.cleartext.SetResponse(attrs)
}
