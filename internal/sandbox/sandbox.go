// Package sandbox defines the interface for container execution drivers.
// The default implementation drives the local Docker daemon; the contract
// is narrow enough that containerd or a remote engine can slot in later.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrSandbox wraps driver-level failures so callers can classify them
// without inspecting engine-specific error strings.
var ErrSandbox = errors.New("sandbox error")

// Driver manages the lifecycle of containers that host function instances.
// Containers created through a Driver never execute work pushed from the
// host: the runtime inside polls the host's invocation API instead, so the
// contract is pure lifecycle plus an event feed for reconciliation.
type Driver interface {
	// Create materializes a container for spec but does not start it.
	// Returns the engine's container ID.
	Create(ctx context.Context, spec CreateSpec) (string, error)

	// Start launches a previously created or stopped container.
	Start(ctx context.Context, containerID string) error

	// Stop halts a container, waiting up to graceSeconds before the
	// engine escalates to SIGKILL. The container is kept on disk and can
	// be started again.
	Stop(ctx context.Context, containerID string, graceSeconds int) error

	// Remove deletes a container. With force set it removes a running
	// container as well.
	Remove(ctx context.Context, containerID string, force bool) error

	// InspectRunning reports whether the container exists and is running.
	InspectRunning(ctx context.Context, containerID string) (bool, error)

	// Events streams lifecycle events for containers carrying the
	// driver's managed label until ctx is cancelled. The channel is
	// closed when the stream ends.
	Events(ctx context.Context) (<-chan Event, error)

	// Logs returns up to tailLines of recent combined output from the
	// container.
	Logs(ctx context.Context, containerID string, tailLines int) (string, error)

	// Prune removes every container carrying the driver's managed label,
	// running or not. Used on daemon startup to clear leftovers from a
	// previous process.
	Prune(ctx context.Context) (int, error)
}

// CreateSpec describes a container to create. The driver applies its own
// hardening flags on top (dropped capabilities, no-new-privileges,
// read-only root with writable /tmp).
type CreateSpec struct {
	// Name is the engine-visible container name. Optional.
	Name string

	// Image is the image reference to run.
	Image string

	// Env is the full environment for PID 1, already resolved: secrets
	// expanded and the runtime interface variables injected by the caller.
	Env map[string]string

	// MemoryMB caps container memory.
	MemoryMB int

	// CPUs caps container CPU; zero means engine default.
	CPUs float64

	// TmpfsSizeMB sizes the writable /tmp mount. Zero uses the driver
	// default of 512 MB.
	TmpfsSizeMB int

	// Labels are attached verbatim; the driver adds its managed label.
	Labels map[string]string
}

// EventAction is the subset of engine actions the pool reconciles on.
type EventAction string

const (
	EventCreate  EventAction = "create"
	EventStart   EventAction = "start"
	EventStop    EventAction = "stop"
	EventKill    EventAction = "kill"
	EventDie     EventAction = "die"
	EventOOM     EventAction = "oom"
	EventRemove  EventAction = "remove"
	EventDestroy EventAction = "destroy"
)

// Event is a container lifecycle notification from the engine. Events are
// the ground truth for instance state: whatever the host believes an
// instance was doing, an engine event wins.
type Event struct {
	ContainerID string
	Action      EventAction
	// ExitCode is set on die events when the engine reports one;
	// -1 when unknown.
	ExitCode int
	At       time.Time
}
