package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sysforge/internal/blueprint"
	"sysforge/internal/stream"
)

// ShutdownTimeoutError reports components that had to be forced out because
// the drain phase did not finish inside the stop timeout.
type ShutdownTimeoutError struct {
	Forced []string
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("shutdown timed out; %d component(s) forced: %s",
		len(e.Forced), strings.Join(e.Forced, ", "))
}

// Config holds the harness timing knobs.
type Config struct {
	StopTimeout    time.Duration // drain budget before shutdown turns forceful
	ForceGrace     time.Duration // wait after forcing before giving up
	HealthInterval time.Duration // stream health sampling period
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		StopTimeout:    10 * time.Second,
		ForceGrace:     2 * time.Second,
		HealthInterval: time.Second,
	}
}

// Harness hosts the components of one blueprint through one run. Build
// instantiates, Wire connects streams, Start launches in dependency order,
// Wait blocks for completion, Stop drives the staged shutdown. A harness is
// single-use; the orchestrator creates a fresh one per run.
type Harness struct {
	logger   *zap.Logger
	registry *Registry
	codec    *stream.Codec
	config   Config
	streams  *stream.Manager

	mu       sync.Mutex
	bp       *blueprint.SystemBlueprint
	runtimes map[string]*Runtime
	built    bool
	wired    bool
	started  bool
	health   *healthMonitor

	runCancel context.CancelFunc
	wg        sync.WaitGroup

	stopOnce sync.Once
	stopErr  error
}

// New creates a harness. Nil registry, codec, or logger fall back to
// defaults, as do non-positive config durations.
func New(registry *Registry, codec *stream.Codec, cfg Config, logger *zap.Logger) *Harness {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if codec == nil {
		codec = stream.NewCodec(stream.DefaultCodecConfig())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaults.StopTimeout
	}
	if cfg.ForceGrace <= 0 {
		cfg.ForceGrace = defaults.ForceGrace
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaults.HealthInterval
	}
	return &Harness{
		logger:   logger,
		registry: registry,
		codec:    codec,
		config:   cfg,
		streams:  stream.NewManager(logger),
		runtimes: make(map[string]*Runtime),
	}
}

// Build instantiates every component through the registry. One factory
// failure fails the whole build; no partial system is kept.
func (h *Harness) Build(bp *blueprint.SystemBlueprint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.built {
		return errors.New("harness is already built")
	}

	for _, name := range bp.ComponentNames() {
		spec := bp.Components[name]
		component, err := h.registry.New(spec, h.logger)
		if err != nil {
			h.runtimes = make(map[string]*Runtime)
			return fmt.Errorf("building component %s: %w", name, err)
		}
		rt := newRuntime(spec, component)
		rt.setReady()
		h.runtimes[name] = rt
	}

	h.bp = bp
	h.built = true
	h.logger.Info("system built",
		zap.String("system", bp.Name),
		zap.Int("components", len(h.runtimes)))
	return nil
}

// Wire connects every binding through the stream manager and attaches the
// streams to both endpoints' ports. All wiring happens before any component
// starts, so no send can ever target an unconnected input.
func (h *Harness) Wire() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.built {
		return errors.New("harness is not built")
	}
	if h.wired {
		return errors.New("harness is already wired")
	}

	ports := make(map[string]*Ports, len(h.runtimes))
	for name := range h.runtimes {
		ports[name] = newPorts(name, h.codec)
	}

	for _, b := range h.bp.Bindings {
		s, err := h.streams.Connect(b)
		if err != nil {
			return fmt.Errorf("wiring %s: %w", b, err)
		}
		ports[b.Source.Component].attachOutput(b.Source.Port, s)
		ports[b.Target.Component].attachInput(b.Target.Port, s)
	}

	for name, rt := range h.runtimes {
		rt.ports = ports[name]
	}
	h.wired = true
	h.logger.Info("system wired", zap.Int("streams", h.streams.Count()))
	return nil
}

// Start launches every component, one goroutine each, in topological layers
// over the declared startup dependencies: a component launches only after
// every dependency has launched. A dependency cycle aborts with CycleError
// before anything starts. A dependency that already reached a terminal state
// does not hold its dependents back; they start and stall at their receive
// points. Component contexts descend from ctx, so cancelling it winds the
// whole system down.
func (h *Harness) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.wired {
		return errors.New("harness is not wired")
	}
	if h.started {
		return errors.New("harness is already started")
	}

	layers, err := startLayers(h.bp)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.runCancel = cancel
	h.started = true

	h.logger.Info("starting system",
		zap.String("system", h.bp.Name),
		zap.Int("layers", len(layers)))

	for i, layer := range layers {
		h.logger.Debug("starting layer", zap.Int("layer", i), zap.Strings("components", layer))
		for _, name := range layer {
			h.launch(runCtx, h.runtimes[name])
		}
	}

	h.health = newHealthMonitor(h.config.HealthInterval, h.streams, h.componentStatuses, h.logger)
	h.health.start()
	return nil
}

func (h *Harness) launch(parent context.Context, rt *Runtime) {
	ctx, cancel := context.WithCancel(parent)
	rt.markRunning(cancel)
	h.logger.Debug("component started",
		zap.String("component", rt.Name()),
		zap.String("type", string(rt.Kind())))

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				rt.markErrored(fmt.Sprintf("panicked: %v", r))
				h.logger.Error("component panicked",
					zap.String("component", rt.Name()),
					zap.Any("panic", r))
			}
		}()

		err := rt.component.Run(ctx, rt.ports)
		switch {
		case err == nil:
			rt.markStopped()
			h.streams.CloseOutputs(rt.Name())
			h.logger.Debug("component finished", zap.String("component", rt.Name()))
		case (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && ctx.Err() != nil:
			rt.markStopped()
			h.streams.CloseOutputs(rt.Name())
			h.logger.Debug("component cancelled", zap.String("component", rt.Name()))
		case errors.Is(err, stream.ErrForced):
			rt.markErrored("forced shutdown")
			h.logger.Warn("component forced out",
				zap.String("component", rt.Name()),
				zap.Error(err))
		default:
			// Fault isolation: the component is errored but its output
			// streams stay open, so downstream components stall at their
			// receive points instead of seeing a fake end-of-stream.
			rt.markErrored(err.Error())
			h.logger.Error("component failed",
				zap.String("component", rt.Name()),
				zap.Error(err))
		}
	}()
}

// Wait blocks until every component reached a terminal state or ctx ends.
func (h *Harness) Wait(ctx context.Context) error {
	h.mu.Lock()
	started := h.started
	h.mu.Unlock()
	if !started {
		return errors.New("harness is not started")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drives the staged shutdown: signal origin producers and let the
// system drain, bounded by StopTimeout; if components remain, cancel
// everything, force-release the streams, and mark the stragglers errored
// with reason "forced shutdown". A forced shutdown returns
// ShutdownTimeoutError naming them; it is never reported as clean. Stop is
// idempotent and later calls return the first result.
func (h *Harness) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.stopErr = h.stop(ctx)
	})
	return h.stopErr
}

func (h *Harness) stop(ctx context.Context) error {
	h.mu.Lock()
	started := h.started
	health := h.health
	runCancel := h.runCancel
	h.mu.Unlock()

	if health != nil {
		health.stop()
	}
	if !started {
		return nil
	}
	defer runCancel()

	h.logger.Info("stopping system", zap.String("system", h.bp.Name))

	// Signal: origin producers stop taking new work and finish; outputs of
	// components that already failed are closed on their behalf so
	// downstream consumers can drain to end-of-stream.
	for _, rt := range h.sortedRuntimes() {
		if rt.Kind() == blueprint.TypeSource {
			rt.cancelRun()
		}
		if rt.State() == StateErrored {
			h.streams.CloseOutputs(rt.Name())
		}
	}

	if h.awaitQuiescence(ctx, h.config.StopTimeout) {
		h.closeAllOutputs()
		h.logger.Info("system stopped", zap.String("system", h.bp.Name))
		return nil
	}

	// Force: unblock everything still parked in a send or receive, then
	// give the stragglers a short grace period to unwind.
	forced := h.nonTerminalNames()
	h.logger.Warn("drain timed out, forcing shutdown",
		zap.Duration("stop_timeout", h.config.StopTimeout),
		zap.Strings("stragglers", forced))

	runCancel()
	h.streams.ForceReleaseAll()
	quiesced := h.awaitQuiescence(ctx, h.config.ForceGrace)

	for _, name := range forced {
		h.runtimes[name].markForced()
	}
	if quiesced {
		h.closeAllOutputs()
	}

	err := &ShutdownTimeoutError{Forced: forced}
	h.logger.Error("forced shutdown", zap.Strings("components", forced))
	return err
}

// Snapshot reports the current per-component states, per-stream statistics,
// and accumulated health warnings.
func (h *Harness) Snapshot() Snapshot {
	h.mu.Lock()
	bp := h.bp
	health := h.health
	h.mu.Unlock()

	snap := Snapshot{
		TakenAt:    time.Now(),
		Components: h.componentStatuses(),
		Streams:    h.streams.Snapshot(),
	}
	if bp != nil {
		snap.System = bp.Name
	}
	if health != nil {
		snap.Warnings = health.warningList()
	}
	return snap
}

// Snapshot is the observability surface of a run: what state every
// component is in, what every stream looks like, and any health warnings.
type Snapshot struct {
	System     string
	TakenAt    time.Time
	Components []ComponentStatus
	Streams    []stream.Stats
	Warnings   []string
}

func (h *Harness) componentStatuses() []ComponentStatus {
	out := make([]ComponentStatus, 0, len(h.runtimes))
	for _, rt := range h.sortedRuntimes() {
		out = append(out, rt.status())
	}
	return out
}

// sortedRuntimes may be called without the lock: the runtimes map is frozen
// once Build returns.
func (h *Harness) sortedRuntimes() []*Runtime {
	names := make([]string, 0, len(h.runtimes))
	for name := range h.runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Runtime, 0, len(names))
	for _, name := range names {
		out = append(out, h.runtimes[name])
	}
	return out
}

func (h *Harness) nonTerminalNames() []string {
	var out []string
	for _, rt := range h.sortedRuntimes() {
		if !rt.State().Terminal() {
			out = append(out, rt.Name())
		}
	}
	return out
}

func (h *Harness) closeAllOutputs() {
	for _, rt := range h.sortedRuntimes() {
		h.streams.CloseOutputs(rt.Name())
	}
}

func (h *Harness) awaitQuiescence(ctx context.Context, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
