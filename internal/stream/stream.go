// Package stream provides the bounded FIFO connections that carry envelopes
// between running components. Each stream joins exactly one producing
// endpoint to one consuming endpoint. Send blocks while the buffer is full so
// slow consumers exert backpressure on their producers, and Receive reports
// end-of-stream once the send side is closed and every buffered envelope has
// been drained.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"sysforge/internal/blueprint"
)

var (
	// ErrStreamClosed is returned by Send after CloseSend.
	ErrStreamClosed = errors.New("stream is closed for sending")

	// ErrEndOfStream is returned by Receive once the send side is closed
	// and all buffered envelopes have been consumed.
	ErrEndOfStream = errors.New("end of stream")

	// ErrForced is returned by Send and Receive after the stream has been
	// forcibly released during shutdown.
	ErrForced = errors.New("stream forcibly released")
)

// KindMismatchError reports an envelope whose type tag does not match the
// kind the binding declared for its stream.
type KindMismatchError struct {
	Stream string
	Want   string
	Got    string
}

func (e *KindMismatchError) Error() string {
	return fmt.Sprintf("stream %s carries %q envelopes, got %q", e.Stream, e.Want, e.Got)
}

// Stream is a bounded FIFO connection from one component's output port to
// another component's input port.
type Stream struct {
	name     string
	source   blueprint.Endpoint
	target   blueprint.Endpoint
	kind     string
	capacity int

	ch    chan Envelope
	force chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	forceOnce sync.Once

	sent     atomic.Int64
	received atomic.Int64
}

// New creates the stream for a binding. A non-positive buffer size falls
// back to the blueprint default.
func New(b blueprint.Binding) *Stream {
	capacity := b.BufferSize
	if capacity <= 0 {
		capacity = blueprint.DefaultBufferSize
	}
	return &Stream{
		name:     b.String(),
		source:   b.Source,
		target:   b.Target,
		kind:     b.Kind,
		capacity: capacity,
		ch:       make(chan Envelope, capacity),
		force:    make(chan struct{}),
	}
}

func (s *Stream) Name() string {
	return s.name
}

func (s *Stream) Source() blueprint.Endpoint {
	return s.source
}

func (s *Stream) Target() blueprint.Endpoint {
	return s.target
}

func (s *Stream) Kind() string {
	return s.kind
}

func (s *Stream) Capacity() int {
	return s.capacity
}

// Depth reports how many envelopes are currently buffered.
func (s *Stream) Depth() int {
	return len(s.ch)
}

// Send enqueues env, blocking while the buffer is full. A typed stream
// rejects envelopes whose tag differs without enqueueing them. Send returns
// ErrStreamClosed after CloseSend, ErrForced after a forced release, and the
// context error if ctx ends before a buffer slot frees up.
//
// Send must not race CloseSend: the producing component owns the send side
// and closes it only after its final Send has returned.
func (s *Stream) Send(ctx context.Context, env Envelope) error {
	if s.kind != "" && env.Type != s.kind {
		return &KindMismatchError{Stream: s.name, Want: s.kind, Got: env.Type}
	}
	if s.closed.Load() {
		return ErrStreamClosed
	}

	select {
	case s.ch <- env:
		s.sent.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.force:
		return ErrForced
	}
}

// Receive dequeues the next envelope, blocking while the buffer is empty.
// Buffered envelopes are always delivered before a forced release is
// reported; once the stream is closed and drained it returns ErrEndOfStream.
func (s *Stream) Receive(ctx context.Context) (Envelope, error) {
	select {
	case env, ok := <-s.ch:
		if !ok {
			return Envelope{}, ErrEndOfStream
		}
		s.received.Add(1)
		return env, nil
	default:
	}

	select {
	case env, ok := <-s.ch:
		if !ok {
			return Envelope{}, ErrEndOfStream
		}
		s.received.Add(1)
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case <-s.force:
		return Envelope{}, ErrForced
	}
}

// CloseSend marks the stream complete. Consumers drain whatever is buffered
// and then observe ErrEndOfStream. Safe to call more than once.
func (s *Stream) CloseSend() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.ch)
	})
}

// Closed reports whether CloseSend has been called.
func (s *Stream) Closed() bool {
	return s.closed.Load()
}

// ForceRelease unblocks every sender and receiver parked on the stream.
// Buffered envelopes may go undelivered; this is the shutdown path of last
// resort. Safe to call more than once.
func (s *Stream) ForceRelease() {
	s.forceOnce.Do(func() {
		close(s.force)
	})
}

// Forced reports whether the stream has been forcibly released.
func (s *Stream) Forced() bool {
	select {
	case <-s.force:
		return true
	default:
		return false
	}
}

// Stats is a point-in-time snapshot of one stream's counters and state.
type Stats struct {
	Name     string
	Source   string
	Target   string
	Kind     string
	Capacity int
	Depth    int
	Sent     int64
	Received int64
	Closed   bool
	Forced   bool
}

func (s *Stream) Stats() Stats {
	return Stats{
		Name:     s.name,
		Source:   s.source.String(),
		Target:   s.target.String(),
		Kind:     s.kind,
		Capacity: s.capacity,
		Depth:    len(s.ch),
		Sent:     s.sent.Load(),
		Received: s.received.Load(),
		Closed:   s.closed.Load(),
		Forced:   s.Forced(),
	}
}
