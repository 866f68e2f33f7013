// Package mux demultiplexes one inbound event stream into many locally
// registered listeners.
//
// A remote collaborator (a page runtime, for instance) owns the actual
// observation and allocates a numeric id for every registration. The
// Multiplexer keeps the id → callback table on this side and forwards each
// inbound payload to the callback registered for its id. Events for ids that
// are no longer registered are dropped: unsubscribe races with in-flight
// delivery are expected.
//
// Callbacks run on the dispatching goroutine, so events for one id are
// delivered in the order they are dispatched. No order is kept across ids.
package mux

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/entrhq/pilot/pkg/logging"
)

var debugLog *logging.Logger

func init() {
	var err error
	debugLog, err = logging.NewLogger("mux")
	if err != nil {
		debugLog.Warnf("Failed to initialize mux logger, using stderr fallback: %v", err)
	}
}

// Registrar is the remote side of a subscription kind. Attach starts an
// observation described by spec and returns the id its events will carry.
// Detach tears the observation down.
type Registrar[S any] interface {
	Attach(ctx context.Context, spec S) (int64, error)
	Detach(ctx context.Context, id int64) error
}

// Callback receives the payload of one event.
type Callback[P any] func(payload P)

// Option configures a Multiplexer.
type Option func(*options)

type options struct {
	name   string
	logger *logging.Logger
}

// WithName labels the multiplexer in log lines.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogger sets the multiplexer logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Multiplexer maps remotely allocated ids to local callbacks for one
// subscription kind.
type Multiplexer[S, P any] struct {
	registrar Registrar[S]
	name      string
	logger    *logging.Logger

	mu        sync.RWMutex
	listeners map[int64]Callback[P]
}

// New creates a multiplexer that registers through r.
func New[S, P any](r Registrar[S], opts ...Option) *Multiplexer[S, P] {
	o := options{name: "mux", logger: debugLog}
	for _, opt := range opts {
		opt(&o)
	}
	return &Multiplexer[S, P]{
		registrar: r,
		name:      o.name,
		logger:    o.logger,
		listeners: make(map[int64]Callback[P]),
	}
}

// Subscribe asks the registrar to start observing spec and routes the
// resulting events to cb.
func (m *Multiplexer[S, P]) Subscribe(ctx context.Context, spec S, cb Callback[P]) (int64, error) {
	if cb == nil {
		return 0, errors.New("mux: callback is required")
	}

	id, err := m.registrar.Attach(ctx, spec)
	if err != nil {
		return 0, fmt.Errorf("mux: %s attach: %w", m.name, err)
	}

	m.mu.Lock()
	if _, exists := m.listeners[id]; exists {
		m.logger.Warnf("%s: id %d reissued, replacing previous listener", m.name, id)
	}
	m.listeners[id] = cb
	m.mu.Unlock()

	m.logger.Debugf("%s: subscribed id %d", m.name, id)
	return id, nil
}

// Unsubscribe removes the listener for id and asks the registrar to stop
// observing. Events for id dispatched afterwards are dropped. Unsubscribing
// an unknown id is a no-op.
//
// A Dispatch that looked up the listener before the removal still runs
// its callback, so one last invocation may happen after Unsubscribe
// returns. Callbacks must tolerate that.
func (m *Multiplexer[S, P]) Unsubscribe(ctx context.Context, id int64) error {
	m.mu.Lock()
	_, ok := m.listeners[id]
	delete(m.listeners, id)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	if err := m.registrar.Detach(ctx, id); err != nil {
		return fmt.Errorf("mux: %s detach %d: %w", m.name, id, err)
	}
	m.logger.Debugf("%s: unsubscribed id %d", m.name, id)
	return nil
}

// Dispatch forwards payload to the listener for id. It reports whether a
// listener was found.
func (m *Multiplexer[S, P]) Dispatch(id int64, payload P) bool {
	m.mu.RLock()
	cb, ok := m.listeners[id]
	m.mu.RUnlock()

	if !ok {
		m.logger.Debugf("%s: dropping event for unknown id %d", m.name, id)
		return false
	}
	cb(payload)
	return true
}

// Listening reports whether a listener is registered for id.
func (m *Multiplexer[S, P]) Listening(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.listeners[id]
	return ok
}

// Len returns the number of registered listeners.
func (m *Multiplexer[S, P]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

// Close unsubscribes every listener. It returns the first detach error.
func (m *Multiplexer[S, P]) Close(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var first error
	for _, id := range ids {
		if err := m.Unsubscribe(ctx, id); err != nil && first == nil {
			first = err
		}
	}
	return first
}
