package secrets

import (
	"context"
	"encoding/base64"
	"fmt"
)

// Backend persists encrypted secret values. The Postgres metadata store
// implements it.
type Backend interface {
	SaveSecret(ctx context.Context, name, encryptedValue string) error
	GetSecret(ctx context.Context, name string) (string, error)
	DeleteSecret(ctx context.Context, name string) error
	ListSecrets(ctx context.Context) (map[string]string, error)
}

// Store encrypts values on the way into the backend and decrypts them on
// the way out. Rows at rest are base64 of the sealed blob.
type Store struct {
	backend Backend
	cipher  *Cipher
}

func NewStore(backend Backend, cipher *Cipher) *Store {
	return &Store{backend: backend, cipher: cipher}
}

// Set encrypts and stores a secret under name, replacing any prior value.
func (s *Store) Set(ctx context.Context, name string, value []byte) error {
	sealed, err := s.cipher.Encrypt(value)
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}
	return s.backend.SaveSecret(ctx, name, base64.StdEncoding.EncodeToString(sealed))
}

// Get fetches and decrypts a secret.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	encoded, err := s.backend.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	value, err := s.cipher.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret: %w", err)
	}
	return value, nil
}

// Delete removes a secret.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.backend.DeleteSecret(ctx, name)
}

// List returns secret names mapped to their creation timestamps. Values
// never leave the backend through this path.
func (s *Store) List(ctx context.Context) (map[string]string, error) {
	return s.backend.ListSecrets(ctx)
}
