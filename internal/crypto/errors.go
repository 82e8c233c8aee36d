package crypto

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication is returned when a header or chunk fails AEAD
	// verification. It is never retryable.
	ErrAuthentication = errors.New("authentication failed")

	// ErrInvalidFileSize matches every *InvalidFileSizeError.
	ErrInvalidFileSize = errors.New("invalid ciphertext file size")

	// ErrWrongPassphrase is returned when the vault key file cannot be
	// unwrapped with the supplied passphrase.
	ErrWrongPassphrase = errors.New("wrong vault passphrase")

	// ErrDestroyed is returned when key material was already zeroed.
	ErrDestroyed = errors.New("vault key material destroyed")
)

// IntegrityError reports which part of an encrypted file failed
// authentication. Chunk is -1 for the file header.
type IntegrityError struct {
	Chunk int64
}

func (e *IntegrityError) Error() string {
	if e.Chunk < 0 {
		return "file header authentication failed"
	}
	return fmt.Sprintf("chunk %d authentication failed", e.Chunk)
}

func (e *IntegrityError) Unwrap() error {
	return ErrAuthentication
}

// InvalidFileSizeError is returned when a ciphertext length cannot be
// produced by the chunk layout.
type InvalidFileSizeError struct {
	// Size is the observed ciphertext length.
	Size int64
	// HeaderSize is the header length that was subtracted from Size.
	HeaderSize int64
	// Remainder is the length of the trailing partial chunk.
	Remainder int64
	// Overhead is the minimum length a trailing chunk must exceed.
	Overhead int64
}

func (e *InvalidFileSizeError) Error() string {
	if e.Size < e.HeaderSize {
		return fmt.Sprintf("invalid ciphertext size %d: expected at least %d header bytes", e.Size, e.HeaderSize)
	}
	return fmt.Sprintf("invalid ciphertext size %d: trailing chunk of %d bytes, expected more than %d",
		e.Size, e.Remainder, e.Overhead)
}

func (e *InvalidFileSizeError) Is(target error) bool {
	return target == ErrInvalidFileSize
}
