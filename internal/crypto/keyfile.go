package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	// KeyFileName is the name of the vault metadata object at the vault root.
	KeyFileName = "vault.json"

	keyFileVersion = 1
	kdfScrypt      = "scrypt"
	saltSize       = 32
)

// KDFParams are the scrypt parameters used to derive the key that wraps
// the vault master key.
type KDFParams struct {
	Name string `json:"name"`
	N    int    `json:"n"`
	R    int    `json:"r"`
	P    int    `json:"p"`
	Salt string `json:"salt"`
}

// DefaultKDFParams returns interactive-strength scrypt parameters.
func DefaultKDFParams() KDFParams {
	return KDFParams{Name: kdfScrypt, N: 32768, R: 8, P: 1}
}

// KeyFile is the persisted form of a vault: its geometry, algorithm and
// the master key wrapped under a passphrase-derived key.
type KeyFile struct {
	Version    int       `json:"version"`
	Algorithm  string    `json:"algorithm"`
	ChunkSize  int       `json:"chunk_size"`
	KDF        KDFParams `json:"kdf"`
	Nonce      string    `json:"nonce"`
	WrappedKey string    `json:"wrapped_key"`
}

// NewKeyFile provisions a new vault with a random master key and returns
// both the key file to persist and the unlocked vault.
func NewKeyFile(passphrase, algorithm string, chunkSize int, params KDFParams) (*KeyFile, *Vault, error) {
	masterKey := make([]byte, KeySize)
	if _, err := rand.Read(masterKey); err != nil {
		return nil, nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	defer zero(masterKey)

	vault, err := NewVault(masterKey, algorithm, chunkSize)
	if err != nil {
		return nil, nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	params.Name = kdfScrypt
	params.Salt = base64.StdEncoding.EncodeToString(salt)

	kek, err := deriveKEK(passphrase, params)
	if err != nil {
		return nil, nil, err
	}
	defer zero(kek)
	wrapper, err := createAEADCipher(algorithm, kek)
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	kf := &KeyFile{
		Version:   keyFileVersion,
		Algorithm: algorithm,
		ChunkSize: chunkSize,
		KDF:       params,
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
	}
	wrapped := wrapper.Seal(nil, nonce, masterKey, kf.aad())
	kf.WrappedKey = base64.StdEncoding.EncodeToString(wrapped)
	return kf, vault, nil
}

// ParseKeyFile decodes a stored key file.
func ParseKeyFile(data []byte) (*KeyFile, error) {
	var kf KeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("failed to parse vault key file: %w", err)
	}
	if kf.Version != keyFileVersion {
		return nil, fmt.Errorf("unsupported vault key file version %d", kf.Version)
	}
	if kf.KDF.Name != kdfScrypt {
		return nil, fmt.Errorf("unsupported key derivation function %q", kf.KDF.Name)
	}
	return &kf, nil
}

// Marshal encodes the key file for storage.
func (kf *KeyFile) Marshal() ([]byte, error) {
	return json.MarshalIndent(kf, "", "  ")
}

// Unlock unwraps the master key. A wrong passphrase returns
// ErrWrongPassphrase.
func (kf *KeyFile) Unlock(passphrase string) (*Vault, error) {
	nonce, err := base64.StdEncoding.DecodeString(kf.Nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key file nonce: %w", err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(kf.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode wrapped key: %w", err)
	}
	kek, err := deriveKEK(passphrase, kf.KDF)
	if err != nil {
		return nil, err
	}
	defer zero(kek)
	wrapper, err := createAEADCipher(kf.Algorithm, kek)
	if err != nil {
		return nil, err
	}
	masterKey, err := wrapper.Open(nil, nonce, wrapped, kf.aad())
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	defer zero(masterKey)
	return NewVault(masterKey, kf.Algorithm, kf.ChunkSize)
}

// aad binds the wrapped key to the vault layout so it cannot be replayed
// under a different chunk size or algorithm.
func (kf *KeyFile) aad() []byte {
	return []byte(fmt.Sprintf("v%d|%s|%d", kf.Version, kf.Algorithm, kf.ChunkSize))
}

func deriveKEK(passphrase string, params KDFParams) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(params.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	key, err := scrypt.Key([]byte(passphrase), salt, params.N, params.R, params.P, KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
