// Package vault applies client-side encryption to paths that lie inside
// a vault. Its features decorate the storage capabilities; paths outside
// every registered vault pass straight through.
package vault

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/kenneth/vault-transfer/internal/crypto"
	"github.com/kenneth/vault-transfer/internal/storage"
)

var (
	// ErrLoginCanceled is returned when the passphrase prompt was
	// dismissed. It is a cancellation, not a failure, and is never retried.
	ErrLoginCanceled = errors.New("vault login canceled")

	// ErrVaultNotFound is returned when a registered root holds no vault
	// and creation was not requested.
	ErrVaultNotFound = errors.New("vault not found")

	// ErrUnalignedOffset is returned for encrypted writes that resume at
	// a cleartext offset not on a chunk boundary.
	ErrUnalignedOffset = errors.New("encrypted write offset not chunk aligned")

	// ErrProtected is returned when deleting a vault key file.
	ErrProtected = errors.New("vault key file is protected")
)

// Opener unlocks a vault on first access.
type Opener func(ctx context.Context) (*crypto.Vault, error)

type entry struct {
	root  storage.Path
	open  Opener
	mu    sync.Mutex
	vault *crypto.Vault
}

// Registry maps vault roots to vaults. It is an explicit value owned by a
// transfer session; lookups pick the longest matching root.
type Registry struct {
	mu      sync.RWMutex
	entries []*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers an unlocked vault at root.
func (r *Registry) Add(root storage.Path, v *crypto.Vault) {
	r.insert(&entry{root: root, vault: v})
}

// Register registers a vault at root that open unlocks on first access.
// A failed open is not cached; the next access tries again.
func (r *Registry) Register(root storage.Path, open Opener) {
	r.insert(&entry{root: root, open: open})
}

func (r *Registry) insert(e *entry) {
	e.root.Key = strings.TrimSuffix(e.root.Key, "/")
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.entries {
		if existing.root == e.root {
			r.entries[i] = e
			return
		}
	}
	r.entries = append(r.entries, e)
	sort.SliceStable(r.entries, func(i, j int) bool {
		return len(r.entries[i].root.Key) > len(r.entries[j].root.Key)
	})
}

// Roots returns the registered roots, longest first.
func (r *Registry) Roots() []storage.Path {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roots := make([]storage.Path, 0, len(r.entries))
	for _, e := range r.entries {
		roots = append(roots, e.root)
	}
	return roots
}

// Lookup returns the vault containing p and its root. A nil vault means p
// is not encrypted; the vault key file itself is never encrypted.
func (r *Registry) Lookup(ctx context.Context, p storage.Path) (*crypto.Vault, storage.Path, error) {
	e := r.find(p)
	if e == nil || p == KeyFilePath(e.root) {
		return nil, storage.Path{}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.vault != nil {
		return e.vault, e.root, nil
	}
	v, err := e.open(ctx)
	if err != nil {
		return nil, e.root, err
	}
	e.vault = v
	return v, e.root, nil
}

// Contains reports whether p lies inside a registered vault without
// unlocking it.
func (r *Registry) Contains(p storage.Path) bool {
	e := r.find(p)
	return e != nil && p != KeyFilePath(e.root)
}

func (r *Registry) find(p storage.Path) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if p.Within(e.root) {
			return e
		}
	}
	return nil
}

// Close destroys the key material of every unlocked vault.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.mu.Lock()
		if e.vault != nil {
			e.vault.Destroy()
			e.vault = nil
		}
		e.mu.Unlock()
	}
	r.entries = nil
}

// KeyFilePath returns the location of the key file of the vault at root.
func KeyFilePath(root storage.Path) storage.Path {
	return root.Child(crypto.KeyFileName)
}
