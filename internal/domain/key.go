package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// FunctionKey identifies one queue lane and its warm containers. Two
// invocations share a lane iff their keys are byte-equal. Changing the
// resolved environment or invoking a different version yields a new key.
type FunctionKey struct {
	Name    string
	Runtime Runtime
	Version string
	EnvHash string
}

// KeyFor builds the lane key for a function at a version label, hashing the
// resolved environment.
func KeyFor(fn *Function, version string, resolvedEnv map[string]string) FunctionKey {
	if version == "" {
		version = LatestVersion
	}
	return FunctionKey{
		Name:    fn.Name,
		Runtime: fn.Runtime,
		Version: version,
		EnvHash: EnvHash(resolvedEnv),
	}
}

func (k FunctionKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Name, k.Runtime, k.Version, k.EnvHash)
}

// EnvHash digests a resolved environment: the mapping is serialized as a
// JSON object with keys sorted lexicographically, UTF-8 encoded, then
// SHA-256, lower-case hex. An empty or missing environment hashes the
// canonical serialization of null.
func EnvHash(env map[string]string) string {
	var canonical []byte
	if len(env) == 0 {
		canonical = []byte("null")
	} else {
		// json.Marshal sorts map keys lexicographically.
		canonical, _ = json.Marshal(env)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
