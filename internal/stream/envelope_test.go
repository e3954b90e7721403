package stream

import (
	"bytes"
	"strings"
	"testing"
)

func TestPackSmallPayloadStaysRaw(t *testing.T) {
	codec := NewCodec(DefaultCodecConfig())

	env, err := codec.Pack("text", []byte("hello"))
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if env.Compressed {
		t.Error("small payload was compressed")
	}
	if string(env.Payload) != "hello" {
		t.Errorf("Payload = %q", env.Payload)
	}

	raw, err := codec.Unpack(env)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if string(raw) != "hello" {
		t.Errorf("Unpack = %q", raw)
	}
}

func TestPackLargePayloadRoundTrip(t *testing.T) {
	codec := NewCodec(DefaultCodecConfig())
	payload := []byte(strings.Repeat("sensor reading 42\n", 1024))

	env, err := codec.Pack("text", payload)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if !env.Compressed {
		t.Fatal("large payload was not compressed")
	}
	if len(env.Payload) >= len(payload) {
		t.Errorf("compressed size %d did not shrink from %d", len(env.Payload), len(payload))
	}

	raw, err := codec.Unpack(env)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if !bytes.Equal(raw, payload) {
		t.Error("round trip did not restore the payload")
	}
}

func TestPackStampsMetadata(t *testing.T) {
	codec := NewCodec(DefaultCodecConfig())

	first, err := codec.Pack("text", []byte("a"))
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	second, err := codec.Pack("text", []byte("b"))
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	if first.ID == "" || second.ID == "" {
		t.Fatal("Pack left envelope ID empty")
	}
	if first.ID == second.ID {
		t.Errorf("envelope IDs collided: %s", first.ID)
	}
	if first.Type != "text" {
		t.Errorf("Type = %q", first.Type)
	}
	if first.SentAt.IsZero() {
		t.Error("SentAt was not stamped")
	}
}

func TestCompressionThresholdBoundary(t *testing.T) {
	codec := NewCodec(CodecConfig{CompressAbove: 8})

	below, err := codec.Pack("text", []byte("1234567"))
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if below.Compressed {
		t.Error("payload below threshold was compressed")
	}

	at, err := codec.Pack("text", []byte("12345678"))
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if !at.Compressed {
		t.Error("payload at threshold was not compressed")
	}
}

func TestUnpackRejectsCorruptPayload(t *testing.T) {
	codec := NewCodec(DefaultCodecConfig())
	env := Envelope{Type: "text", Payload: []byte("not gzip data"), Compressed: true}

	if _, err := codec.Unpack(env); err == nil {
		t.Fatal("Unpack accepted corrupt compressed payload")
	}
}
