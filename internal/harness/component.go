// Package harness hosts the components of a validated blueprint: it
// instantiates them through a factory registry, wires their ports to bounded
// streams, starts them in dependency order, isolates runtime faults, and
// drives the staged shutdown protocol.
package harness

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"sysforge/internal/blueprint"
	"sysforge/internal/stream"
)

// Component is a runnable unit hosted by the harness. Run consumes and
// produces envelopes through ports until its work is done (return nil), the
// context ends, or it fails. The harness closes the component's output
// streams after a clean return; a failing component's outputs stay open so
// downstream stalls are observable rather than silent.
type Component interface {
	Name() string
	Run(ctx context.Context, ports *Ports) error
}

// Factory builds a component instance from its blueprint spec. Factories
// reject specs they cannot honor; the harness fails the whole build on the
// first factory error.
type Factory func(spec blueprint.ComponentSpec, logger *zap.Logger) (Component, error)

// Ports gives a running component access to its wired streams. Input ports
// carry at most one stream each; output ports may fan out to several.
type Ports struct {
	component string
	codec     *stream.Codec
	inputs    map[string]*stream.Stream
	outputs   map[string][]*stream.Stream
}

func newPorts(component string, codec *stream.Codec) *Ports {
	return &Ports{
		component: component,
		codec:     codec,
		inputs:    make(map[string]*stream.Stream),
		outputs:   make(map[string][]*stream.Stream),
	}
}

// Codec returns the envelope codec shared by the whole system.
func (p *Ports) Codec() *stream.Codec {
	return p.codec
}

// Input returns the stream feeding the named input port, if it is bound.
func (p *Ports) Input(name string) (*stream.Stream, bool) {
	s, ok := p.inputs[name]
	return s, ok
}

// InputNames returns the bound input port names in sorted order.
func (p *Ports) InputNames() []string {
	names := make([]string, 0, len(p.inputs))
	for name := range p.inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OutputNames returns the bound output port names in sorted order.
func (p *Ports) OutputNames() []string {
	names := make([]string, 0, len(p.outputs))
	for name := range p.outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Send forwards env to every stream bound to the named output port,
// blocking per stream while its buffer is full.
func (p *Ports) Send(ctx context.Context, port string, env stream.Envelope) error {
	streams, ok := p.outputs[port]
	if !ok {
		return fmt.Errorf("component %s has no bound output port %q", p.component, port)
	}
	for _, s := range streams {
		if err := s.Send(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// Broadcast forwards env to every bound output port.
func (p *Ports) Broadcast(ctx context.Context, env stream.Envelope) error {
	for _, port := range p.OutputNames() {
		if err := p.Send(ctx, port, env); err != nil {
			return err
		}
	}
	return nil
}

func (p *Ports) attachInput(port string, s *stream.Stream) {
	p.inputs[port] = s
}

func (p *Ports) attachOutput(port string, s *stream.Stream) {
	p.outputs[port] = append(p.outputs[port], s)
}
