// Package provisioner creates, restarts and registers warm containers. The
// dispatcher and the autoscaler both grow capacity through it, so the
// container caps and the provisioning sequence live in one place.
package provisioner

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/pool"
	"github.com/oriys/quasar/internal/sandbox"
)

// ImageEnsurer yields a runnable image reference for a function, building it
// when the tag is not present locally.
type ImageEnsurer interface {
	Ensure(ctx context.Context, fn *domain.Function) (string, error)
}

type Config struct {
	// GlobalMaxContainers caps the pool across all functions; zero means
	// unbounded.
	GlobalMaxContainers int
	// PerFunctionMaxContainers caps instances per function name; zero
	// means unbounded.
	PerFunctionMaxContainers int
	// RuntimeAPIAddr is the runtime API endpoint as reachable from inside
	// containers, injected as AWS_LAMBDA_RUNTIME_API.
	RuntimeAPIAddr string
}

type Provisioner struct {
	cfg     Config
	pool    *pool.Pool
	driver  sandbox.Driver
	builder ImageEnsurer
}

func New(cfg Config, p *pool.Pool, driver sandbox.Driver, builder ImageEnsurer) *Provisioner {
	return &Provisioner{cfg: cfg, pool: p, driver: driver, builder: builder}
}

// CanCreate reports whether the caps admit one more container for the
// function. The check races concurrent creations by design: two cold-start
// invokes may both pass and both create, which is the intended behavior, and
// the caps bound the overshoot.
func (pv *Provisioner) CanCreate(name string) bool {
	if pv.cfg.GlobalMaxContainers > 0 && pv.pool.Total() >= pv.cfg.GlobalMaxContainers {
		return false
	}
	if pv.cfg.PerFunctionMaxContainers > 0 && pv.pool.CountByName(name) >= pv.cfg.PerFunctionMaxContainers {
		return false
	}
	return true
}

// EnsureCapacity is the accept-path capacity step: check counts, never
// consume availability. A cold lane gets one container synchronously and its
// failure is returned so the caller can fail the invocation fast; on a lane
// that already has instances, restart and scale-up failures are non-fatal
// because existing instances may still serve the item.
func (pv *Provisioner) EnsureCapacity(ctx context.Context, item *domain.WorkItem) error {
	key := item.Key
	if pv.pool.Count(key) == 0 {
		if !pv.CanCreate(key.Name) {
			// Caps are spent elsewhere; the item waits in the lane for
			// the watchdog to reclaim capacity.
			return nil
		}
		_, err := pv.CreateOne(ctx, item.Function, key, item.ResolvedEnv)
		return err
	}

	if pv.pool.HasAvailable(key) {
		return nil
	}

	if containerID, ok := pv.pool.GetOneStopped(key); ok {
		if err := pv.Restart(ctx, containerID); err == nil {
			return nil
		}
		// Restart failed; the entry is gone, fall through to create.
	}

	if pv.CanCreate(key.Name) {
		if _, err := pv.CreateOne(ctx, item.Function, key, item.ResolvedEnv); err != nil {
			logging.Op().Warn("scale-up create failed",
				"function", key.Name, "error", err)
		}
	}
	return nil
}

// CreateOne builds the image if needed, creates and starts one container on
// the lane, and registers it WarmIdle. The entry is visible in the pool from
// the moment the engine has materialized the container, so caps count
// in-flight provisions.
func (pv *Provisioner) CreateOne(ctx context.Context, fn *domain.Function, key domain.FunctionKey, resolvedEnv map[string]string) (string, error) {
	start := time.Now()

	ctx, span := observability.StartSpan(ctx, "quasar.provision",
		observability.AttrFunctionName.String(fn.Name),
		observability.AttrRuntime.String(string(fn.Runtime)),
		observability.AttrVersion.String(key.Version),
	)
	defer span.End()

	imageRef, err := pv.builder.Ensure(ctx, fn)
	if err != nil {
		observability.SetSpanError(span, err)
		return "", fmt.Errorf("ensure image: %w", err)
	}

	wc := pool.NewWarmContainer(fn.ID, key, imageRef)
	span.SetAttributes(observability.AttrInstanceID.String(wc.InstanceID))
	spec := sandbox.CreateSpec{
		Name:     containerName(fn.Name, wc.InstanceID),
		Image:    imageRef,
		Env:      pv.containerEnv(fn, resolvedEnv, wc.InstanceID),
		MemoryMB: fn.MemoryMB,
		Labels: map[string]string{
			"quasar.function": fn.Name,
			"quasar.instance": wc.InstanceID,
		},
	}

	containerID, err := pv.driver.Create(ctx, spec)
	if err != nil {
		observability.SetSpanError(span, err)
		return "", fmt.Errorf("create container: %w", err)
	}
	wc.ContainerID = containerID
	span.SetAttributes(observability.AttrContainerID.String(containerID))

	if !pv.pool.Add(key, wc) {
		_ = pv.driver.Remove(ctx, containerID, true)
		err := fmt.Errorf("pool rejected container %s", containerID)
		observability.SetSpanError(span, err)
		return "", err
	}

	if err := pv.driver.Start(ctx, containerID); err != nil {
		pv.reclaim(containerID)
		observability.SetSpanError(span, err)
		return "", fmt.Errorf("start container: %w", err)
	}
	pv.pool.SetStateByContainerID(containerID, pool.StateInitializing)
	pv.pool.SetStateByContainerID(containerID, pool.StateWarmIdle)

	observability.SetSpanOK(span)
	metrics.RecordContainerStart(fn.Name, "create", time.Since(start).Milliseconds())
	logging.Op().Info("provisioned container",
		"function", fn.Name,
		"container_id", containerID,
		"instance_id", wc.InstanceID,
		"image", imageRef)
	return containerID, nil
}

// Restart brings a Stopped container back to WarmIdle through the engine.
// On failure the entry is reclaimed and the error returned so the caller can
// fall back to creating.
func (pv *Provisioner) Restart(ctx context.Context, containerID string) error {
	wc, ok := pv.pool.Lookup(containerID)
	if !ok {
		return fmt.Errorf("unknown container %s", containerID)
	}

	start := time.Now()
	if err := pv.driver.Start(ctx, containerID); err != nil {
		pv.reclaim(containerID)
		return fmt.Errorf("restart container: %w", err)
	}
	pv.pool.MarkRestarted(containerID)

	metrics.RecordContainerStart(wc.Key.Name, "restart", time.Since(start).Milliseconds())
	logging.Op().Info("restarted container",
		"function", wc.Key.Name, "container_id", containerID)
	return nil
}

// reclaim marks a half-provisioned entry Failed and removes the container.
// Removal uses a background context: the invocation that triggered the
// provision may already be gone.
func (pv *Provisioner) reclaim(containerID string) {
	pv.pool.SetStateByContainerID(containerID, pool.StateFailed)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pv.driver.Remove(ctx, containerID, true); err != nil {
		logging.Op().Warn("reclaim of failed container",
			"container_id", containerID, "error", err)
	}
	pv.pool.RemoveByContainerID(containerID)
}

// containerEnv composes the container environment: the resolved function
// environment first, then the injected names, so user variables can never
// shadow the runtime contract.
func (pv *Provisioner) containerEnv(fn *domain.Function, resolvedEnv map[string]string, instanceID string) map[string]string {
	env := make(map[string]string, len(resolvedEnv)+11)
	for k, v := range resolvedEnv {
		env[k] = v
	}
	env["AWS_LAMBDA_RUNTIME_API"] = pv.cfg.RuntimeAPIAddr
	env["AWS_LAMBDA_FUNCTION_NAME"] = fn.Name
	env["AWS_LAMBDA_FUNCTION_VERSION"] = fn.VersionLabel()
	env["AWS_LAMBDA_FUNCTION_MEMORY_SIZE"] = strconv.Itoa(fn.MemoryMB)
	env["AWS_LAMBDA_LOG_GROUP_NAME"] = domain.LogGroup(fn.Name)
	env["AWS_LAMBDA_LOG_STREAM_NAME"] = domain.LogStream(fn.VersionLabel(), instanceID)
	env["LAMBDA_TASK_ROOT"] = "/var/task"
	env["LAMBDA_RUNTIME_DIR"] = "/var/runtime"
	env["TZ"] = "UTC"
	env["_HANDLER"] = fn.Handler
	env["INSTANCE_ID"] = instanceID
	return env
}

func containerName(fnName, instanceID string) string {
	short := instanceID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("quasar-%s-%s", strings.ToLower(fnName), short)
}
