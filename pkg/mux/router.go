package mux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/entrhq/pilot/pkg/logging"
)

// ErrUnknownKind is returned for envelopes whose kind has no route.
var ErrUnknownKind = errors.New("mux: unknown event kind")

// Kind tags the subscription kind an envelope belongs to.
type Kind string

const (
	KindMutation    Kind = "mutation"
	KindInteraction Kind = "interaction"
)

// Envelope is one event on the shared inbound stream.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	ID      int64           `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

type handler func(id int64, payload json.RawMessage) error

// Router sends each envelope of a shared stream to the multiplexer
// registered for its kind.
type Router struct {
	logger *logging.Logger

	mu     sync.RWMutex
	routes map[Kind]handler
}

// NewRouter creates an empty router.
func NewRouter(logger *logging.Logger) *Router {
	if logger == nil {
		logger = debugLog
	}
	return &Router{
		logger: logger,
		routes: make(map[Kind]handler),
	}
}

// Route registers m for envelopes of kind. Payloads are decoded from JSON
// into P before dispatch.
func Route[S, P any](r *Router, kind Kind, m *Multiplexer[S, P]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routes[kind]; exists {
		return fmt.Errorf("mux: route for kind %q already registered", kind)
	}
	r.routes[kind] = func(id int64, raw json.RawMessage) error {
		// Events for stale ids are dropped before their payload is looked at.
		if !m.Listening(id) {
			m.logger.Debugf("%s: dropping event for unknown id %d", m.name, id)
			return nil
		}
		var p P
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("mux: decode %s payload for id %d: %w", kind, id, err)
		}
		m.Dispatch(id, p)
		return nil
	}
	return nil
}

// Deliver routes a single envelope.
func (r *Router) Deliver(env Envelope) error {
	r.mu.RLock()
	h, ok := r.routes[env.Kind]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	return h(env.ID, env.Payload)
}

// Run delivers envelopes from events until the channel is closed or ctx is
// done. Envelopes that cannot be delivered are logged and skipped.
func (r *Router) Run(ctx context.Context, events <-chan Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-events:
			if !ok {
				return nil
			}
			if err := r.Deliver(env); err != nil {
				r.logger.Warnf("Skipping event: %v", err)
			}
		}
	}
}
