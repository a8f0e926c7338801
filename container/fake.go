package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/agentcompany/ids"
)

// FakeRuntime is an in-memory Runtime used by engine and container tests so
// they don't require a Docker daemon.
type FakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer

	// StopErr, when set, is returned by Stop for every call, so tests can
	// exercise WorkerContainer.Destroy after a failed Stop.
	StopErr error
}

type fakeContainer struct {
	name    string
	state   State
	network string
	roMount string
}

// NewFakeRuntime returns an empty FakeRuntime.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{containers: make(map[string]*fakeContainer)}
}

// Create implements Runtime.
func (f *FakeRuntime) Create(_ context.Context, spec Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := ids.NewWorkerID()
	f.containers[id] = &fakeContainer{
		name:    containerName(spec.WorkerID),
		state:   StateCreated,
		network: "none",
		roMount: spec.ResultsMount,
	}
	return id, nil
}

// Start implements Runtime.
func (f *FakeRuntime) Start(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("fake container %q not found", containerID)
	}
	c.state = StateRunning
	return nil
}

// Stop implements Runtime.
func (f *FakeRuntime) Stop(_ context.Context, containerID string, _ time.Duration) error {
	if f.StopErr != nil {
		return f.StopErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.state = StateStopped
	}
	return nil
}

// Remove implements Runtime.
func (f *FakeRuntime) Remove(_ context.Context, containerID string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	return nil
}

// Inspect implements Runtime.
func (f *FakeRuntime) Inspect(_ context.Context, containerID string) (Inspection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return Inspection{}, fmt.Errorf("fake container %q not found", containerID)
	}
	return Inspection{ContainerID: containerID, Name: c.name, State: c.state}, nil
}

// Logs implements Runtime.
func (f *FakeRuntime) Logs(_ context.Context, containerID string) (string, error) {
	return "", nil
}
