// Package docker implements the sandbox driver on the local Docker daemon,
// driving it through the docker CLI.
package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/sandbox"
)

const (
	// ManagedLabel marks every container this driver owns; events and
	// prune filter on it.
	ManagedLabel = "quasar.managed"

	defaultTmpfsMB  = 512
	defaultOpWindow = 30 * time.Second
)

// Config holds Docker driver configuration.
type Config struct {
	Binary      string        // docker binary (default "docker")
	Network     string        // docker network name (optional)
	CPULimit    float64       // CPU cap per container when the spec has none (default 1.0)
	TmpfsSizeMB int           // /tmp size when the spec has none (default 512)
	OpTimeout   time.Duration // per CLI call timeout (default 30s)
}

// DefaultConfig returns sensible defaults for the Docker driver.
func DefaultConfig() *Config {
	binary := os.Getenv("QUASAR_DOCKER_BINARY")
	if binary == "" {
		binary = "docker"
	}
	return &Config{
		Binary:      binary,
		Network:     os.Getenv("QUASAR_DOCKER_NETWORK"),
		CPULimit:    1.0,
		TmpfsSizeMB: defaultTmpfsMB,
		OpTimeout:   defaultOpWindow,
	}
}

// Driver drives the local Docker daemon. It holds no container state of its
// own: the warm pool is the bookkeeper and the engine is the ground truth.
type Driver struct {
	config *Config
}

// NewDriver verifies the docker CLI is usable and returns the driver.
func NewDriver(cfg *Config) (*Driver, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpWindow
	}
	if err := exec.Command(cfg.Binary, "version").Run(); err != nil {
		return nil, fmt.Errorf("docker not available: %w", err)
	}
	return &Driver{config: cfg}, nil
}

// Create materializes a container for the spec without starting it. The
// container gets the driver's hardening flags: all capabilities dropped,
// no-new-privileges, read-only rootfs with a tmpfs /tmp.
func (d *Driver) Create(ctx context.Context, spec sandbox.CreateSpec) (string, error) {
	tmpfs := spec.TmpfsSizeMB
	if tmpfs <= 0 {
		tmpfs = d.config.TmpfsSizeMB
	}
	cpus := spec.CPUs
	if cpus <= 0 {
		cpus = d.config.CPULimit
	}

	args := []string{"create",
		"--label", ManagedLabel + "=true",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--read-only",
		"--tmpfs", fmt.Sprintf("/tmp:rw,noexec,nosuid,size=%dm", tmpfs),
		"--memory", fmt.Sprintf("%dm", spec.MemoryMB),
		"--cpus", fmt.Sprintf("%.2f", cpus),
	}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	if d.config.Network != "" {
		args = append(args, "--network", d.config.Network)
	}
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, spec.Labels[k]))
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}
	args = append(args, spec.Image)

	logging.Op().Debug("creating container", "image", spec.Image, "name", spec.Name)

	output, err := d.run(ctx, args...)
	metrics.RecordContainerOp("create", err)
	if err != nil {
		return "", cliError("create", err, output)
	}
	return strings.TrimSpace(string(output)), nil
}

// Start launches a created or stopped container.
func (d *Driver) Start(ctx context.Context, containerID string) error {
	output, err := d.run(ctx, "start", containerID)
	metrics.RecordContainerOp("start", err)
	if err != nil {
		return cliError("start", err, output)
	}
	return nil
}

// Stop halts the container, giving it graceSeconds before SIGKILL. The
// container stays on disk for a later restart.
func (d *Driver) Stop(ctx context.Context, containerID string, graceSeconds int) error {
	if graceSeconds < 0 {
		graceSeconds = 0
	}
	output, err := d.run(ctx, "stop", "-t", strconv.Itoa(graceSeconds), containerID)
	metrics.RecordContainerOp("stop", err)
	if err != nil {
		return cliError("stop", err, output)
	}
	return nil
}

// Remove deletes the container; force removes a running one.
func (d *Driver) Remove(ctx context.Context, containerID string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, containerID)
	output, err := d.run(ctx, args...)
	metrics.RecordContainerOp("remove", err)
	if err != nil {
		if isNoSuchContainer(output) {
			return nil
		}
		return cliError("remove", err, output)
	}
	return nil
}

// InspectRunning reports whether the container exists and is running. A
// missing container is (false, nil), not an error.
func (d *Driver) InspectRunning(ctx context.Context, containerID string) (bool, error) {
	output, err := d.run(ctx, "inspect", "-f", "{{.State.Running}}", containerID)
	if err != nil {
		if isNoSuchContainer(output) {
			return false, nil
		}
		return false, cliError("inspect", err, output)
	}
	return strings.TrimSpace(string(output)) == "true", nil
}

// Logs returns the last tailLines of combined output.
func (d *Driver) Logs(ctx context.Context, containerID string, tailLines int) (string, error) {
	if tailLines <= 0 {
		tailLines = 100
	}
	output, err := d.run(ctx, "logs", "--tail", strconv.Itoa(tailLines), containerID)
	if err != nil {
		return "", cliError("logs", err, output)
	}
	return string(output), nil
}

// Prune force-removes every managed container, running or not.
func (d *Driver) Prune(ctx context.Context) (int, error) {
	output, err := d.run(ctx, "ps", "-aq", "--filter", "label="+ManagedLabel+"=true")
	if err != nil {
		return 0, cliError("prune list", err, output)
	}
	ids := strings.Fields(string(output))
	if len(ids) == 0 {
		return 0, nil
	}
	args := append([]string{"rm", "-f"}, ids...)
	if out, err := d.run(ctx, args...); err != nil {
		return 0, cliError("prune remove", err, out)
	}
	logging.Op().Info("pruned leftover containers", "count", len(ids))
	return len(ids), nil
}

// run executes one docker CLI call bounded by the configured op timeout.
func (d *Driver) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.OpTimeout)
	defer cancel()
	return exec.CommandContext(ctx, d.config.Binary, args...).CombinedOutput()
}

func cliError(op string, err error, output []byte) error {
	msg := strings.TrimSpace(string(output))
	if msg == "" {
		msg = err.Error()
	}
	return fmt.Errorf("%w: docker %s: %s", sandbox.ErrSandbox, op, msg)
}

func isNoSuchContainer(output []byte) bool {
	msg := strings.ToLower(string(output))
	return strings.Contains(msg, "no such container") || strings.Contains(msg, "no such object")
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// event is the docker events --format '{{json .}}' line shape.
type event struct {
	Action string `json:"Action"`
	Actor  struct {
		ID         string            `json:"ID"`
		Attributes map[string]string `json:"Attributes"`
	} `json:"Actor"`
	TimeNano int64 `json:"timeNano"`
}

// Events follows the engine's container event stream for managed
// containers. The returned channel closes when ctx is cancelled or the
// stream breaks.
func (d *Driver) Events(ctx context.Context) (<-chan sandbox.Event, error) {
	cmd := exec.CommandContext(ctx, d.config.Binary, "events",
		"--filter", "type=container",
		"--filter", "label="+ManagedLabel+"=true",
		"--format", "{{json .}}")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: docker events: %v", sandbox.ErrSandbox, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: docker events: %v", sandbox.ErrSandbox, err)
	}

	ch := make(chan sandbox.Event, 64)
	go func() {
		defer close(ch)
		defer cmd.Wait()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			ev, ok := parseEvent(scanner.Bytes())
			if !ok {
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			logging.Op().Warn("docker event stream broke", "error", err)
		}
	}()
	return ch, nil
}

func parseEvent(line []byte) (sandbox.Event, bool) {
	var raw event
	if err := json.Unmarshal(line, &raw); err != nil {
		return sandbox.Event{}, false
	}
	var action sandbox.EventAction
	switch raw.Action {
	case "create":
		action = sandbox.EventCreate
	case "start":
		action = sandbox.EventStart
	case "stop":
		action = sandbox.EventStop
	case "kill":
		action = sandbox.EventKill
	case "die":
		action = sandbox.EventDie
	case "oom":
		action = sandbox.EventOOM
	case "destroy":
		action = sandbox.EventDestroy
	case "remove":
		action = sandbox.EventRemove
	default:
		return sandbox.Event{}, false
	}
	exitCode := -1
	if s, ok := raw.Actor.Attributes["exitCode"]; ok {
		if n, err := strconv.Atoi(s); err == nil {
			exitCode = n
		}
	}
	return sandbox.Event{
		ContainerID: raw.Actor.ID,
		Action:      action,
		ExitCode:    exitCode,
		At:          time.Unix(0, raw.TimeNano),
	}, true
}
