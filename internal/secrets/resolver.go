package secrets

import (
	"context"
	"fmt"
	"strings"
)

const refPrefix = "$SECRET:"

// Resolver expands $SECRET:name references into their stored values.
type Resolver struct {
	store *Store
}

func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// ResolveEnv returns a copy of env with every secret reference expanded.
// The result is what gets hashed into the lane key and injected into
// containers; the raw references stay in the metadata store. A nil
// resolver passes the environment through untouched.
func (r *Resolver) ResolveEnv(ctx context.Context, env map[string]string) (map[string]string, error) {
	if r == nil || len(env) == 0 {
		return env, nil
	}
	resolved := make(map[string]string, len(env))
	for k, v := range env {
		value, err := r.ResolveValue(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", k, err)
		}
		resolved[k] = value
	}
	return resolved, nil
}

// ResolveValue expands one value if it is a secret reference.
func (r *Resolver) ResolveValue(ctx context.Context, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}
	name := strings.TrimPrefix(value, refPrefix)
	if name == "" {
		return "", fmt.Errorf("empty secret name in reference")
	}
	secret, err := r.store.Get(ctx, name)
	if err != nil {
		return "", fmt.Errorf("get secret %q: %w", name, err)
	}
	return string(secret), nil
}

// IsRef reports whether a value is a secret reference.
func IsRef(value string) bool {
	return strings.HasPrefix(value, refPrefix)
}

// RefNames returns the secret names referenced in an environment.
func RefNames(env map[string]string) []string {
	var names []string
	for _, v := range env {
		if IsRef(v) {
			if name := strings.TrimPrefix(v, refPrefix); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}
