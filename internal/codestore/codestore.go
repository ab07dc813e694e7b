// Package codestore holds deployed function packages, addressed by the
// SHA-256 of their content. Deploy writes a zip once; the image builder
// fetches it by digest for as long as any function version references it.
package codestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no package exists for a digest.
var ErrNotFound = errors.New("code package not found")

// Store is a content-addressed blob store for function packages.
type Store interface {
	// Put writes the package and returns its digest. Storing the same
	// bytes twice is a no-op returning the same digest.
	Put(ctx context.Context, data []byte) (string, error)

	// Get returns the package bytes for a digest, or ErrNotFound.
	Get(ctx context.Context, digest string) ([]byte, error)

	// Exists reports whether a package is stored for the digest.
	Exists(ctx context.Context, digest string) (bool, error)
}

// Digest returns the store key for a package: SHA-256, lower-case hex.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// validateDigest rejects keys that could escape the store layout.
func validateDigest(digest string) error {
	if len(digest) != 64 {
		return fmt.Errorf("invalid digest %q: want 64 hex chars", digest)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return fmt.Errorf("invalid digest %q: %w", digest, err)
	}
	return nil
}
