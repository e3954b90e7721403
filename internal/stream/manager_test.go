package stream

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestConnectAndLookup(t *testing.T) {
	m := NewManager(nil)

	first, err := m.Connect(testBinding(t, "reader.out", "upper.in", 4, ""))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := m.Connect(testBinding(t, "upper.out", "writer.in", 4, "")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.Count() != 2 {
		t.Fatalf("Count = %d, want 2", m.Count())
	}

	got, ok := m.ByTarget(first.Target())
	if !ok || got != first {
		t.Error("ByTarget did not return the connected stream")
	}
	if _, ok := m.ByTarget(testBinding(t, "x.out", "nobody.in", 1, "").Target); ok {
		t.Error("ByTarget reported a stream for an unbound endpoint")
	}
}

func TestConnectRejectsSecondBindingOntoInput(t *testing.T) {
	m := NewManager(nil)

	if _, err := m.Connect(testBinding(t, "reader.out", "writer.in", 4, "")); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := m.Connect(testBinding(t, "other.out", "writer.in", 4, ""))
	if err == nil {
		t.Fatal("Connect accepted a second binding onto writer.in")
	}
	if !strings.Contains(err.Error(), "already fed") {
		t.Errorf("error = %v, want mention of the existing feed", err)
	}
	if m.Count() != 1 {
		t.Errorf("Count = %d after rejected connect, want 1", m.Count())
	}
}

func TestStreamsIntoAndFrom(t *testing.T) {
	m := NewManager(nil)

	for _, b := range []struct{ src, dst string }{
		{"hub.out", "sink.in"},
		{"hub.aux", "archive.in"},
		{"feeder.out", "hub.in"},
	} {
		if _, err := m.Connect(testBinding(t, b.src, b.dst, 4, "")); err != nil {
			t.Fatalf("Connect %s -> %s: %v", b.src, b.dst, err)
		}
	}

	from := m.StreamsFrom("hub")
	if len(from) != 2 {
		t.Fatalf("StreamsFrom(hub) = %d streams, want 2", len(from))
	}
	if from[0].Name() > from[1].Name() {
		t.Error("StreamsFrom is not sorted by name")
	}

	into := m.StreamsInto("hub")
	if len(into) != 1 || into[0].Source().Component != "feeder" {
		t.Errorf("StreamsInto(hub) = %v", into)
	}
	if len(m.StreamsInto("feeder")) != 0 {
		t.Error("StreamsInto(feeder) should be empty")
	}
}

func TestCloseOutputsClosesOnlyThatComponent(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	hubOut, err := m.Connect(testBinding(t, "hub.out", "sink.in", 4, ""))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	feederOut, err := m.Connect(testBinding(t, "feeder.out", "hub.in", 4, ""))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	m.CloseOutputs("hub")

	if _, err := hubOut.Receive(ctx); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("hub output Receive = %v, want ErrEndOfStream", err)
	}
	if feederOut.Closed() {
		t.Error("CloseOutputs(hub) closed feeder's stream")
	}
}

func TestForceReleaseAllUnblocksParkedComponents(t *testing.T) {
	m := NewManager(nil)

	s, err := m.Connect(testBinding(t, "reader.out", "writer.in", 4, ""))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Receive(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	m.ForceReleaseAll()

	select {
	case err := <-done:
		if !errors.Is(err, ErrForced) {
			t.Fatalf("Receive = %v, want ErrForced", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ForceReleaseAll did not unblock the receiver")
	}
}

func TestSnapshotSortedByName(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	s, err := m.Connect(testBinding(t, "zeta.out", "writer.in", 4, ""))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := m.Connect(testBinding(t, "alpha.out", "collector.in", 4, "")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Send(ctx, Envelope{Type: "text"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	snap := m.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot = %d entries, want 2", len(snap))
	}
	if snap[0].Name != "alpha.out -> collector.in" {
		t.Errorf("Snapshot[0] = %q, not sorted", snap[0].Name)
	}
	if snap[1].Sent != 1 || snap[1].Depth != 1 {
		t.Errorf("Snapshot[1] = sent %d depth %d, want 1/1", snap[1].Sent, snap[1].Depth)
	}
}
