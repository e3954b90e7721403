package harness

import (
	"context"
	"sync"
	"time"

	"sysforge/internal/blueprint"
)

// State is the lifecycle position of a hosted component.
type State string

const (
	StateCreated State = "created"
	StateReady   State = "ready"
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateErrored State = "errored"
)

// Terminal reports whether the state is a final one.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateErrored
}

// Runtime tracks one component instance through its lifecycle. The harness
// owns all transitions; components only run.
type Runtime struct {
	mu        sync.RWMutex
	name      string
	kind      blueprint.ComponentType
	component Component
	ports     *Ports
	state     State
	fault     string
	startedAt time.Time
	stoppedAt time.Time
	cancel    context.CancelFunc
}

func newRuntime(spec blueprint.ComponentSpec, c Component) *Runtime {
	return &Runtime{
		name:      spec.Name,
		kind:      spec.Type,
		component: c,
		state:     StateCreated,
	}
}

func (r *Runtime) Name() string {
	return r.name
}

func (r *Runtime) Kind() blueprint.ComponentType {
	return r.kind
}

func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Fault returns the recorded failure reason, empty unless errored.
func (r *Runtime) Fault() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fault
}

func (r *Runtime) setReady() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateReady
}

func (r *Runtime) markRunning(cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateRunning
	r.cancel = cancel
	r.startedAt = time.Now()
}

func (r *Runtime) markStopped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return
	}
	r.state = StateStopped
	r.stoppedAt = time.Now()
}

// markErrored records the first fault; an already-errored runtime keeps its
// original reason.
func (r *Runtime) markErrored(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateErrored {
		return
	}
	r.state = StateErrored
	r.fault = reason
	if r.stoppedAt.IsZero() {
		r.stoppedAt = time.Now()
	}
}

// markForced stamps a component that had to be forced out during shutdown.
// It overrides a clean stop that only happened because of the force, but
// never masks a real fault recorded earlier.
func (r *Runtime) markForced() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateErrored {
		return
	}
	r.state = StateErrored
	r.fault = "forced shutdown"
	if r.stoppedAt.IsZero() {
		r.stoppedAt = time.Now()
	}
}

func (r *Runtime) cancelRun() {
	r.mu.RLock()
	cancel := r.cancel
	r.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// ComponentStatus is the observable per-component record in a snapshot.
type ComponentStatus struct {
	Name      string
	Type      blueprint.ComponentType
	State     State
	Fault     string
	StartedAt time.Time
	StoppedAt time.Time
}

func (r *Runtime) status() ComponentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ComponentStatus{
		Name:      r.name,
		Type:      r.kind,
		State:     r.state,
		Fault:     r.fault,
		StartedAt: r.startedAt,
		StoppedAt: r.stoppedAt,
	}
}
