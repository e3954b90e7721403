package harness

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sysforge/internal/blueprint"
	"sysforge/internal/stream"
)

// healthMonitor samples stream statistics on a fixed interval and records a
// warning when a stream sits at full capacity with no receive progress
// across consecutive samples, which means its consumer has stalled. It
// observes and reports only; it never restarts anything.
type healthMonitor struct {
	interval time.Duration
	streams  *stream.Manager
	statuses func() []ComponentStatus
	logger   *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu       sync.Mutex
	track    map[string]*streamHealth
	warnings []string
}

type streamHealth struct {
	fullSamples  int
	lastReceived int64
}

func newHealthMonitor(interval time.Duration, streams *stream.Manager, statuses func() []ComponentStatus, logger *zap.Logger) *healthMonitor {
	return &healthMonitor{
		interval: interval,
		streams:  streams,
		statuses: statuses,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		track:    make(map[string]*streamHealth),
	}
}

func (m *healthMonitor) start() {
	go m.loop()
}

func (m *healthMonitor) loop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *healthMonitor) sample() {
	states := make(map[string]State)
	for _, st := range m.statuses() {
		states[st.Name] = st.State
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stat := range m.streams.Snapshot() {
		if stat.Depth < stat.Capacity || stat.Closed || stat.Forced {
			delete(m.track, stat.Name)
			continue
		}
		hs, ok := m.track[stat.Name]
		if !ok {
			m.track[stat.Name] = &streamHealth{fullSamples: 1, lastReceived: stat.Received}
			continue
		}
		if stat.Received > hs.lastReceived {
			// Full but still draining; restart the streak.
			hs.lastReceived = stat.Received
			hs.fullSamples = 1
			continue
		}
		hs.fullSamples++
		if hs.fullSamples != 2 {
			// Warn once per saturation episode, not once per tick.
			continue
		}

		consumer := stat.Target
		if e, err := blueprint.ParseEndpoint(stat.Target); err == nil {
			consumer = e.Component
		}
		state := states[consumer]
		if state == "" {
			state = "unknown"
		}
		warning := fmt.Sprintf("stream %s saturated at capacity %d with no receive progress; consumer %s is %s",
			stat.Name, stat.Capacity, consumer, state)
		m.warnings = append(m.warnings, warning)
		m.logger.Warn("stream saturated",
			zap.String("stream", stat.Name),
			zap.Int("capacity", stat.Capacity),
			zap.String("consumer", consumer),
			zap.String("consumer_state", string(state)))
	}
}

func (m *healthMonitor) warningList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.warnings...)
}

func (m *healthMonitor) stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.doneCh
}
