package stream

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Envelope is the unit every stream carries: an opaque payload plus the
// metadata consumers need to interpret it. Type tags the payload so a typed
// stream can reject traffic it was not wired for; Compressed records whether
// Payload holds gzip bytes instead of the raw payload.
type Envelope struct {
	ID         string
	Type       string
	Payload    []byte
	Compressed bool
	SentAt     time.Time
}

// CodecConfig controls how payloads are packed into envelopes.
type CodecConfig struct {
	CompressAbove int // payloads of at least this many bytes are gzip-compressed
	Level         int // gzip compression level
}

// DefaultCodecConfig returns sensible defaults.
func DefaultCodecConfig() CodecConfig {
	return CodecConfig{
		CompressAbove: 4 * 1024,
		Level:         gzip.BestSpeed,
	}
}

// Codec packs raw payloads into envelopes and unpacks them again,
// transparently compressing payloads that cross the size threshold.
type Codec struct {
	config CodecConfig
}

// NewCodec creates a codec, applying defaults for zero config values.
func NewCodec(cfg CodecConfig) *Codec {
	if cfg.CompressAbove <= 0 {
		cfg.CompressAbove = 4 * 1024
	}
	if cfg.Level <= 0 {
		cfg.Level = gzip.BestSpeed
	}
	return &Codec{config: cfg}
}

// Pack wraps payload in a fresh envelope tagged with kind. Payloads at or
// above the configured threshold are stored gzip-compressed.
func (c *Codec) Pack(kind string, payload []byte) (Envelope, error) {
	env := Envelope{
		ID:      uuid.NewString(),
		Type:    kind,
		Payload: payload,
		SentAt:  time.Now(),
	}
	if len(payload) < c.config.CompressAbove {
		return env, nil
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, c.config.Level)
	if err != nil {
		return Envelope{}, fmt.Errorf("compressing payload: %w", err)
	}
	if _, err := zw.Write(payload); err != nil {
		return Envelope{}, fmt.Errorf("compressing payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return Envelope{}, fmt.Errorf("compressing payload: %w", err)
	}
	env.Payload = buf.Bytes()
	env.Compressed = true
	return env, nil
}

// Unpack returns the raw payload, decompressing it when the envelope was
// packed above the threshold.
func (c *Codec) Unpack(env Envelope) ([]byte, error) {
	if !env.Compressed {
		return env.Payload, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(env.Payload))
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	return raw, nil
}
