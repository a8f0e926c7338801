// Package container implements WorkerContainer and the ContainerRuntime
// capability (§4.4): isolated, disposable sandboxes one worker runs inside.
package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle of one WorkerContainer.
type State string

const (
	StateNull      State = "null"
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
	StateDestroyed State = "destroyed"
)

// Backend selects which ContainerRuntime implementation to use.
type Backend string

const (
	BackendDod      Backend = "dod"
	BackendRootless Backend = "rootless"
	BackendDind     Backend = "dind"
)

// Spec describes the isolation configuration a worker container must be
// created with.
type Spec struct {
	WorkerID       string
	Image          string
	WorkspaceMount string
	ResultsMount   string // mounted read-only at /results
	PidLimit       int
	Env            map[string]string
	Cmd            []string
}

// Inspection is the observable state of a container.
type Inspection struct {
	ContainerID string
	Name        string
	State       State
	StartedAt   time.Time
}

// ErrContainerLifecycle is returned by Runtime operations that fail in a way
// the WorkerPool should treat as a ContainerLifecycleError (§7).
var ErrContainerLifecycle = errors.New("container: lifecycle error")

// Runtime is the ContainerRuntime capability: create, start, stop, remove,
// inspect, and fetch logs for a container. Out of scope per the
// specification beyond this interface shape; dod/rootless/dind backends are
// concrete collaborators, not part of the core.
type Runtime interface {
	Create(ctx context.Context, spec Spec) (containerID string, err error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string, force bool) error
	Inspect(ctx context.Context, containerID string) (Inspection, error)
	Logs(ctx context.Context, containerID string) (string, error)
}

// DefaultCleanupTimeout is the default destroy() deadline (§4.4.4).
const DefaultCleanupTimeout = 60 * time.Second

// WorkerContainer is the lifecycle wrapper around a Runtime handle,
// enforcing the isolation guarantees of §4.4: network isolation, a private
// /workspace with a read-only /results mount, dropped capabilities and a PID
// limit, idempotent destroy, and bijective naming.
type WorkerContainer struct {
	mu sync.Mutex

	runtime Runtime
	spec    Spec
	name    string

	containerID string
	state       State
}

// namePrefix is combined with WorkerID for the bijective, reversible
// container name (§4.4.5).
const namePrefix = "agentcompany-worker"

// containerName returns the deterministic name for workerID.
func containerName(workerID string) string {
	return fmt.Sprintf("%s-%s", namePrefix, workerID)
}

// WorkerIDFromName reverses containerName, the bijection §4.4.5 requires.
func WorkerIDFromName(name string) (string, bool) {
	prefix := namePrefix + "-"
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		return "", false
	}
	return name[len(prefix):], true
}

// New wraps runtime with a fresh, not-yet-created WorkerContainer for spec.
func New(runtime Runtime, spec Spec) *WorkerContainer {
	return &WorkerContainer{runtime: runtime, spec: spec, name: containerName(spec.WorkerID), state: StateNull}
}

// Create enforces networkMode=none, a read-only /results mount, dropped
// capabilities, and the configured PID limit, then asks the Runtime to
// create the container.
func (w *WorkerContainer) Create(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateNull && w.state != StateDestroyed {
		return fmt.Errorf("%w: cannot create container in state %s", ErrContainerLifecycle, w.state)
	}
	if w.spec.ResultsMount == "" {
		return fmt.Errorf("%w: results mount must be set and read-only", ErrContainerLifecycle)
	}
	if w.spec.PidLimit <= 0 {
		w.spec.PidLimit = 256
	}

	id, err := w.runtime.Create(ctx, w.spec)
	if err != nil {
		return fmt.Errorf("%w: create: %v", ErrContainerLifecycle, err)
	}
	w.containerID = id
	w.state = StateCreated
	return nil
}

// Start transitions created -> running.
func (w *WorkerContainer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateCreated && w.state != StateStopped {
		return fmt.Errorf("%w: cannot start container in state %s", ErrContainerLifecycle, w.state)
	}
	if err := w.runtime.Start(ctx, w.containerID); err != nil {
		return fmt.Errorf("%w: start: %v", ErrContainerLifecycle, err)
	}
	w.state = StateRunning
	return nil
}

// Stop transitions running -> stopped.
func (w *WorkerContainer) Stop(ctx context.Context, timeout time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateRunning {
		return nil
	}
	if err := w.runtime.Stop(ctx, w.containerID, timeout); err != nil {
		return fmt.Errorf("%w: stop: %v", ErrContainerLifecycle, err)
	}
	w.state = StateStopped
	return nil
}

// Destroy is idempotent: calling it N times has the same visible effect as
// calling it once. It must complete within timeout (default
// DefaultCleanupTimeout); on exceeding that, force=true is used.
func (w *WorkerContainer) Destroy(ctx context.Context, timeout time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateDestroyed || w.state == StateNull {
		w.state = StateDestroyed
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultCleanupTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := w.runtime.Remove(ctx, w.containerID, false)
	if err != nil {
		// force path: exceeded cleanupTimeout or a graceful remove failed.
		forceCtx, forceCancel := context.WithTimeout(context.Background(), DefaultCleanupTimeout)
		defer forceCancel()
		if ferr := w.runtime.Remove(forceCtx, w.containerID, true); ferr != nil {
			return fmt.Errorf("%w: destroy (forced): %v", ErrContainerLifecycle, ferr)
		}
	}
	w.state = StateDestroyed
	return nil
}

// State returns the current lifecycle state.
func (w *WorkerContainer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Name returns the bijective container name.
func (w *WorkerContainer) Name() string { return w.name }

// ContainerID returns the underlying runtime-assigned id, empty before
// Create.
func (w *WorkerContainer) ContainerID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.containerID
}

// Logs fetches the container's captured output.
func (w *WorkerContainer) Logs(ctx context.Context) (string, error) {
	w.mu.Lock()
	id := w.containerID
	w.mu.Unlock()
	if id == "" {
		return "", nil
	}
	return w.runtime.Logs(ctx, id)
}
