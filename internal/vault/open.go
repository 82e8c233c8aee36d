package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/vault-transfer/internal/crypto"
	"github.com/kenneth/vault-transfer/internal/metrics"
	"github.com/kenneth/vault-transfer/internal/storage"
)

// PasswordPrompt asks for the passphrase of the vault at root. create is
// true when a new vault is about to be provisioned. Implementations
// return ErrLoginCanceled when the user declines.
type PasswordPrompt interface {
	Prompt(ctx context.Context, root storage.Path, create bool) (string, error)
}

// PromptFunc adapts a function to PasswordPrompt.
type PromptFunc func(ctx context.Context, root storage.Path, create bool) (string, error)

// Prompt implements PasswordPrompt.
func (f PromptFunc) Prompt(ctx context.Context, root storage.Path, create bool) (string, error) {
	return f(ctx, root, create)
}

// StaticPassphrase always answers with the same passphrase.
type StaticPassphrase string

// Prompt implements PasswordPrompt.
func (s StaticPassphrase) Prompt(context.Context, storage.Path, bool) (string, error) {
	if s == "" {
		return "", ErrLoginCanceled
	}
	return string(s), nil
}

// Options control how a vault is opened or provisioned.
type Options struct {
	// Create provisions a new vault when the root holds none.
	Create    bool
	Algorithm string
	ChunkSize int
	KDF       crypto.KDFParams
}

// DefaultOptions returns the settings for new vaults.
func DefaultOptions() Options {
	return Options{
		Algorithm: crypto.AlgorithmAES256GCM,
		ChunkSize: crypto.DefaultChunkSize,
		KDF:       crypto.DefaultKDFParams(),
	}
}

// Store is the subset of a backend needed to load and persist key files.
type Store interface {
	storage.Reader
	storage.Writer
}

// Open loads the vault at root, prompting once for its passphrase. When
// the root holds no key file and opts.Create is set, a new vault is
// provisioned and its key file written.
func Open(ctx context.Context, store Store, root storage.Path, prompt PasswordPrompt, opts Options, logger *logrus.Logger, m *metrics.Metrics) (*crypto.Vault, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	keyPath := KeyFilePath(root)
	data, err := readKeyFile(ctx, store, keyPath)
	if errors.Is(err, storage.ErrNotFound) {
		if !opts.Create {
			return nil, fmt.Errorf("open %s: %w", root, ErrVaultNotFound)
		}
		return create(ctx, store, root, prompt, opts, logger)
	}
	if err != nil {
		return nil, err
	}

	kf, err := crypto.ParseKeyFile(data)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", root, err)
	}
	passphrase, err := prompt.Prompt(ctx, root, false)
	if err != nil {
		return nil, err
	}
	v, err := kf.Unlock(passphrase)
	m.RecordVaultUnlock(err == nil)
	if err != nil {
		logger.WithField("vault", root.String()).WithError(err).Warn("Failed to unlock vault")
		return nil, fmt.Errorf("open %s: %w", root, err)
	}
	logger.WithFields(logrus.Fields{
		"vault":      root.String(),
		"algorithm":  v.Algorithm(),
		"chunk_size": v.Geometry().CleartextChunkSize(),
	}).Info("Unlocked vault")
	return v, nil
}

func create(ctx context.Context, store Store, root storage.Path, prompt PasswordPrompt, opts Options, logger *logrus.Logger) (*crypto.Vault, error) {
	passphrase, err := prompt.Prompt(ctx, root, true)
	if err != nil {
		return nil, err
	}
	if opts.Algorithm == "" {
		opts.Algorithm = crypto.AlgorithmAES256GCM
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = crypto.DefaultChunkSize
	}
	if opts.KDF.N == 0 {
		opts.KDF = crypto.DefaultKDFParams()
	}
	kf, v, err := crypto.NewKeyFile(passphrase, opts.Algorithm, opts.ChunkSize, opts.KDF)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", root, err)
	}
	data, err := kf.Marshal()
	if err != nil {
		v.Destroy()
		return nil, err
	}

	status := storage.NewStatus(int64(len(data)))
	status.MimeType = "application/json"
	w, err := store.Write(ctx, KeyFilePath(root), status)
	if err != nil {
		v.Destroy()
		return nil, fmt.Errorf("failed to write key file of %s: %w", root, err)
	}
	if _, err := w.Write(data); err != nil {
		storage.AbortWriter(w, err)
		v.Destroy()
		return nil, fmt.Errorf("failed to write key file of %s: %w", root, err)
	}
	if err := w.Close(); err != nil {
		v.Destroy()
		return nil, fmt.Errorf("failed to write key file of %s: %w", root, err)
	}
	logger.WithFields(logrus.Fields{
		"vault":     root.String(),
		"algorithm": opts.Algorithm,
	}).Info("Created vault")
	return v, nil
}

func readKeyFile(ctx context.Context, store storage.Reader, p storage.Path) ([]byte, error) {
	rc, err := store.Read(ctx, p, storage.NewStatus(storage.UnknownLength))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(rc, 64*1024)); err != nil {
		return nil, fmt.Errorf("failed to read key file %s: %w", p, err)
	}
	return buf.Bytes(), nil
}
