package codestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Local stores packages on the filesystem under
// <dir>/<digest[:2]>/<digest>.zip.
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create code store dir: %w", err)
	}
	return &Local{dir: dir}, nil
}

func (l *Local) path(digest string) string {
	return filepath.Join(l.dir, digest[:2], digest+".zip")
}

func (l *Local) Put(ctx context.Context, data []byte) (string, error) {
	digest := Digest(data)
	path := l.path(digest)
	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create shard dir: %w", err)
	}
	// Write-then-rename so a crashed Put never leaves a readable partial
	// package under the final name.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", fmt.Errorf("stage package: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("stage package: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("stage package: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("commit package: %w", err)
	}
	return digest, nil
}

func (l *Local) Get(ctx context.Context, digest string) ([]byte, error) {
	if err := validateDigest(digest); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.path(digest))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	if err != nil {
		return nil, fmt.Errorf("read package: %w", err)
	}
	return data, nil
}

func (l *Local) Exists(ctx context.Context, digest string) (bool, error) {
	if err := validateDigest(digest); err != nil {
		return false, err
	}
	_, err := os.Stat(l.path(digest))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}
