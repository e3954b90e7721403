package stream

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"sysforge/internal/blueprint"
)

// Manager owns every stream of a running system. It enforces at runtime the
// wiring rule the integration tier checks statically: each input endpoint is
// fed by at most one stream. Output endpoints may fan out to several streams.
type Manager struct {
	mu       sync.RWMutex
	streams  map[string]*Stream // keyed by binding string
	byTarget map[string]*Stream // keyed by target endpoint string
	logger   *zap.Logger
}

// NewManager creates an empty stream manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		streams:  make(map[string]*Stream),
		byTarget: make(map[string]*Stream),
		logger:   logger,
	}
}

// Connect materializes a binding as a live stream. It rejects a second
// binding onto an input endpoint that is already fed.
func (m *Manager) Connect(b blueprint.Binding) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := b.Target.String()
	if existing, ok := m.byTarget[target]; ok {
		return nil, fmt.Errorf("input endpoint %s is already fed by %s", target, existing.Source())
	}

	s := New(b)
	m.streams[s.Name()] = s
	m.byTarget[target] = s

	m.logger.Debug("stream connected",
		zap.String("stream", s.Name()),
		zap.Int("capacity", s.Capacity()),
		zap.String("kind", b.Kind))
	return s, nil
}

// ByTarget returns the stream feeding the given input endpoint.
func (m *Manager) ByTarget(e blueprint.Endpoint) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byTarget[e.String()]
	return s, ok
}

// StreamsInto returns every stream feeding one of the component's input
// ports, sorted by name.
func (m *Manager) StreamsInto(component string) []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Stream
	for _, s := range m.streams {
		if s.Target().Component == component {
			out = append(out, s)
		}
	}
	sortStreams(out)
	return out
}

// StreamsFrom returns every stream fed by one of the component's output
// ports, sorted by name.
func (m *Manager) StreamsFrom(component string) []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Stream
	for _, s := range m.streams {
		if s.Source().Component == component {
			out = append(out, s)
		}
	}
	sortStreams(out)
	return out
}

// CloseOutputs closes the send side of every stream the component feeds,
// letting downstream consumers drain and observe end-of-stream.
func (m *Manager) CloseOutputs(component string) {
	for _, s := range m.StreamsFrom(component) {
		s.CloseSend()
	}
}

// ForceReleaseAll forcibly releases every stream, unblocking any component
// still parked on a send or receive.
func (m *Manager) ForceReleaseAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.streams {
		s.ForceRelease()
	}
	m.logger.Warn("all streams forcibly released", zap.Int("streams", len(m.streams)))
}

// Count returns the number of connected streams.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// Snapshot reports per-stream statistics, sorted by stream name.
func (m *Manager) Snapshot() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.streams))
	for _, s := range m.streams {
		out = append(out, s.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortStreams(streams []*Stream) {
	sort.Slice(streams, func(i, j int) bool { return streams[i].Name() < streams[j].Name() })
}
