package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

type Runtime string

var functionNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const (
	RuntimePython   Runtime = "python"
	RuntimeNode     Runtime = "node"
	RuntimeGo       Runtime = "go"
	RuntimeRuby     Runtime = "ruby"
	RuntimeJava     Runtime = "java"
	RuntimeDotnet   Runtime = "dotnet"
	RuntimeProvided Runtime = "provided"
)

// Resource bounds enforced at create/update time.
const (
	MinMemoryMB     = 128
	MaxMemoryMB     = 10240
	DefaultMemoryMB = 128
	MinTimeoutS     = 1
	MaxTimeoutS     = 900
	DefaultTimeoutS = 3
)

// LatestVersion is the lane version label for unqualified invocations.
const LatestVersion = "LATEST"

// ValidateFunctionName enforces the accepted function name format.
func ValidateFunctionName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > 64 {
		return fmt.Errorf("invalid name: at most 64 characters")
	}
	if !functionNamePattern.MatchString(name) {
		return fmt.Errorf("invalid name: must match %s", functionNamePattern.String())
	}
	return nil
}

func (r Runtime) IsValid() bool {
	validRuntimes := map[Runtime]bool{
		RuntimePython: true, RuntimeNode: true, RuntimeGo: true,
		RuntimeRuby: true, RuntimeJava: true, RuntimeDotnet: true,
		RuntimeProvided: true,
	}
	if validRuntimes[r] {
		return true
	}
	// Versioned runtime IDs (e.g. python3.12, node20, go1.x, provided.al2)
	versionedPrefixes := []string{
		"python3.", "node", "go1.", "ruby3.", "java", "dotnet", "provided.",
	}
	for _, prefix := range versionedPrefixes {
		if len(r) > len(prefix) && string(r)[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// Function is the metadata snapshot the dispatcher works from. The store owns
// the durable row; the dispatcher treats the snapshot as immutable for the
// duration of one invocation.
type Function struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Runtime  Runtime `json:"runtime"`
	Handler  string  `json:"handler"`
	MemoryMB int     `json:"memory_mb"`
	TimeoutS int     `json:"timeout_s"`

	// Env holds the raw environment. Values may be $SECRET:name references
	// resolved just before hashing and container creation.
	Env map[string]string `json:"env,omitempty"`

	// ReservedConcurrency caps in-flight invocations; nil means the
	// configured default applies.
	ReservedConcurrency *int `json:"reserved_concurrency,omitempty"`

	CodeHash  string    `json:"code_hash,omitempty"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VersionLabel returns the version as the string carried in
// X-Amz-Executed-Version (and in qualified lane keys).
func (f *Function) VersionLabel() string {
	if f.Version <= 0 {
		return "1"
	}
	return strconv.Itoa(f.Version)
}

// Validate checks the fields a create/update must satisfy.
func (f *Function) Validate() error {
	if err := ValidateFunctionName(f.Name); err != nil {
		return err
	}
	if !f.Runtime.IsValid() {
		return fmt.Errorf("unsupported runtime %q", f.Runtime)
	}
	if f.Handler == "" {
		return fmt.Errorf("handler is required")
	}
	if f.MemoryMB < MinMemoryMB || f.MemoryMB > MaxMemoryMB {
		return fmt.Errorf("memory_mb must be between %d and %d", MinMemoryMB, MaxMemoryMB)
	}
	if f.TimeoutS < MinTimeoutS || f.TimeoutS > MaxTimeoutS {
		return fmt.Errorf("timeout_s must be between %d and %d", MinTimeoutS, MaxTimeoutS)
	}
	return nil
}

// ApplyDefaults fills zero resource fields with the service defaults.
func (f *Function) ApplyDefaults() {
	if f.MemoryMB == 0 {
		f.MemoryMB = DefaultMemoryMB
	}
	if f.TimeoutS == 0 {
		f.TimeoutS = DefaultTimeoutS
	}
	if f.Version == 0 {
		f.Version = 1
	}
}

func (f *Function) MarshalBinary() ([]byte, error) {
	return json.Marshal(f)
}

func (f *Function) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, f)
}
