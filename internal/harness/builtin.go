package harness

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"sysforge/internal/blueprint"
	"sysforge/internal/logic"
	"sysforge/internal/stream"
)

// sourceComponent emits a fixed message set and returns. Messages come from
// config.messages, or count copies derived from config.payload.
type sourceComponent struct {
	name     string
	messages []string
	emitType string
	interval time.Duration
	logger   *zap.Logger
}

func newSource(spec blueprint.ComponentSpec, logger *zap.Logger) (Component, error) {
	messages, err := sourceMessages(spec)
	if err != nil {
		return nil, err
	}

	emitType, _ := spec.ConfigString("emit_type")
	if emitType == "" {
		emitType = "text"
	}

	var interval time.Duration
	if raw, ok := spec.ConfigString("interval"); ok {
		interval, err = time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("component %s: bad interval %q: %w", spec.Name, raw, err)
		}
	}

	return &sourceComponent{
		name:     spec.Name,
		messages: messages,
		emitType: emitType,
		interval: interval,
		logger:   logger,
	}, nil
}

func sourceMessages(spec blueprint.ComponentSpec) ([]string, error) {
	if raw, ok := spec.Config["messages"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("component %s: messages must be a list of strings", spec.Name)
		}
		out := make([]string, 0, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("component %s: messages[%d] is not a string", spec.Name, i)
			}
			out = append(out, s)
		}
		return out, nil
	}

	count, ok := spec.ConfigInt("count")
	if !ok {
		return nil, nil
	}
	if count < 0 {
		return nil, fmt.Errorf("component %s: count must not be negative", spec.Name)
	}
	payload, _ := spec.ConfigString("payload")
	out := make([]string, count)
	for i := range out {
		if payload != "" {
			out[i] = payload
		} else {
			out[i] = "message-" + strconv.Itoa(i)
		}
	}
	return out, nil
}

func (c *sourceComponent) Name() string {
	return c.name
}

func (c *sourceComponent) Run(ctx context.Context, ports *Ports) error {
	for i, msg := range c.messages {
		if c.interval > 0 && i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.interval):
			}
		}
		env, err := ports.Codec().Pack(c.emitType, []byte(msg))
		if err != nil {
			return fmt.Errorf("packing message %d: %w", i, err)
		}
		if err := ports.Broadcast(ctx, env); err != nil {
			return fmt.Errorf("emitting message %d: %w", i, err)
		}
	}
	c.logger.Debug("source finished emitting", zap.String("component", c.name),
		zap.Int("messages", len(c.messages)))
	return nil
}

// transformComponent applies a compiled logic body to every envelope and
// forwards the result to all output ports. Without a logic body it forwards
// envelopes unchanged.
type transformComponent struct {
	name      string
	processor logic.Processor
	logger    *zap.Logger
}

func newTransform(spec blueprint.ComponentSpec, logger *zap.Logger) (Component, error) {
	var processor logic.Processor
	if src, ok := spec.LogicSource(); ok {
		var err error
		processor, err = logic.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("component %s: %w", spec.Name, err)
		}
	}
	return &transformComponent{
		name:      spec.Name,
		processor: processor,
		logger:    logger,
	}, nil
}

func (c *transformComponent) Name() string {
	return c.name
}

func (c *transformComponent) Run(ctx context.Context, ports *Ports) error {
	g, gctx := errgroup.WithContext(ctx)

	// A Processor is bound to a single interpreter, so invocations from
	// concurrent input drains must not overlap.
	var mu sync.Mutex

	for _, name := range ports.InputNames() {
		in, _ := ports.Input(name)
		g.Go(func() error {
			for {
				env, err := in.Receive(gctx)
				if errors.Is(err, stream.ErrEndOfStream) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("receiving on %s: %w", in.Name(), err)
				}

				raw, err := ports.Codec().Unpack(env)
				if err != nil {
					return fmt.Errorf("unpacking envelope %s: %w", env.ID, err)
				}

				out := string(raw)
				if c.processor != nil {
					mu.Lock()
					out, err = logic.Run(gctx, c.processor, out)
					mu.Unlock()
					if err != nil {
						return fmt.Errorf("processing envelope %s: %w", env.ID, err)
					}
				}

				packed, err := ports.Codec().Pack(env.Type, []byte(out))
				if err != nil {
					return fmt.Errorf("packing result for %s: %w", env.ID, err)
				}
				if err := ports.Broadcast(gctx, packed); err != nil {
					return fmt.Errorf("forwarding envelope %s: %w", env.ID, err)
				}
			}
		})
	}
	return g.Wait()
}

// sinkComponent drains every input until end-of-stream, counting what it
// consumed.
type sinkComponent struct {
	name   string
	logger *zap.Logger
}

func newSink(spec blueprint.ComponentSpec, logger *zap.Logger) (Component, error) {
	return &sinkComponent{name: spec.Name, logger: logger}, nil
}

func (c *sinkComponent) Name() string {
	return c.name
}

func (c *sinkComponent) Run(ctx context.Context, ports *Ports) error {
	var received int64
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range ports.InputNames() {
		in, _ := ports.Input(name)
		g.Go(func() error {
			for {
				env, err := in.Receive(gctx)
				if errors.Is(err, stream.ErrEndOfStream) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("receiving on %s: %w", in.Name(), err)
				}
				if _, err := ports.Codec().Unpack(env); err != nil {
					return fmt.Errorf("unpacking envelope %s: %w", env.ID, err)
				}
				mu.Lock()
				received++
				mu.Unlock()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.logger.Debug("sink drained", zap.String("component", c.name), zap.Int64("received", received))
	return nil
}

// storeComponent drains every input into a sqlite records table, one row per
// envelope. The DSN comes from config.dsn; without one, an in-memory
// database is used.
type storeComponent struct {
	name   string
	dsn    string
	logger *zap.Logger
}

func newStore(spec blueprint.ComponentSpec, logger *zap.Logger) (Component, error) {
	dsn, _ := spec.ConfigString("dsn")
	if dsn == "" {
		if path, ok := spec.ConfigString("path"); ok {
			dsn = path
		} else {
			dsn = ":memory:"
		}
	}
	return &storeComponent{name: spec.Name, dsn: dsn, logger: logger}, nil
}

func (c *storeComponent) Name() string {
	return c.name
}

func (c *storeComponent) Run(ctx context.Context, ports *Ports) error {
	db, err := sql.Open("sqlite", c.dsn)
	if err != nil {
		return fmt.Errorf("opening store database: %w", err)
	}
	defer db.Close()

	// One connection keeps an in-memory database alive across statements.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload BLOB,
		received_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating records table: %w", err)
	}

	var mu sync.Mutex
	var stored int64

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range ports.InputNames() {
		in, _ := ports.Input(name)
		g.Go(func() error {
			for {
				env, err := in.Receive(gctx)
				if errors.Is(err, stream.ErrEndOfStream) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("receiving on %s: %w", in.Name(), err)
				}
				raw, err := ports.Codec().Unpack(env)
				if err != nil {
					return fmt.Errorf("unpacking envelope %s: %w", env.ID, err)
				}
				mu.Lock()
				_, err = db.ExecContext(gctx,
					"INSERT INTO records (id, kind, payload) VALUES (?, ?, ?)",
					env.ID, env.Type, raw)
				if err == nil {
					stored++
				}
				mu.Unlock()
				if err != nil {
					return fmt.Errorf("storing envelope %s: %w", env.ID, err)
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.logger.Debug("store drained", zap.String("component", c.name), zap.Int64("stored", stored))
	return nil
}
