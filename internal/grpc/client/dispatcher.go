package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/liblocker/liblocker/internal/protocol"
)

const inboundBuffer = 100

// HandlerFunc processes one inbound envelope.
type HandlerFunc func(ctx context.Context, env *protocol.Envelope) error

// Dispatcher routes inbound envelopes to handlers by kind. Messages are
// handled one at a time, in arrival order, by the goroutine running Run.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[protocol.Kind]HandlerFunc
	inbound  chan *protocol.Envelope
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[protocol.Kind]HandlerFunc),
		inbound:  make(chan *protocol.Envelope, inboundBuffer),
	}
}

// Handle registers fn for kind, replacing any previous handler.
func (d *Dispatcher) Handle(kind protocol.Kind, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = fn
}

// Enqueue hands env to the dispatch goroutine.
func (d *Dispatcher) Enqueue(ctx context.Context, env *protocol.Envelope) error {
	select {
	case d.inbound <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dispatches queued envelopes until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-d.inbound:
			d.Dispatch(ctx, env)
		}
	}
}

// Dispatch runs the handler for env. Handler errors and panics are logged;
// unknown kinds are ignored with a warning.
func (d *Dispatcher) Dispatch(ctx context.Context, env *protocol.Envelope) {
	if err := env.Validate(); err != nil {
		slog.Warn("Dropping malformed message", "error", err)
		return
	}

	d.mu.RLock()
	fn, ok := d.handlers[env.Kind]
	d.mu.RUnlock()

	if !ok {
		if env.Kind.Known() {
			slog.Debug("No handler for message kind", "kind", env.Kind)
		} else {
			slog.Warn("Unknown message kind", "kind", env.Kind)
		}
		return
	}

	if err := d.safeCall(ctx, fn, env); err != nil {
		slog.Error("Failed to handle message", "kind", env.Kind, "error", err)
	}
}

func (d *Dispatcher) safeCall(ctx context.Context, fn HandlerFunc, env *protocol.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, env)
}
