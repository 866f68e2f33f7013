package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/pilot/pkg/logging"
	"github.com/entrhq/pilot/pkg/mux"
)

const (
	bindingName = "__pilotEmit"

	attachExpression = `([kind, spec]) => window.__pilot.attach(kind, spec)`
	detachExpression = `(id) => !!(window.__pilot && window.__pilot.detach(id))`

	// DefaultEventBuffer is the capacity of a bridge's event channel.
	DefaultEventBuffer = 256
)

//go:embed runtime.js
var runtimeScript string

// scriptHost is the part of playwright.Page the bridge drives.
type scriptHost interface {
	AddInitScript(script playwright.Script) error
	ExposeFunction(name string, binding playwright.ExposedFunction) error
	Evaluate(expression string, arg ...interface{}) (interface{}, error)
}

// Bridge connects a page to the Go side. It installs a small runtime in the
// page that allocates observation ids and reports DOM mutations and native
// element events through one exposed function. Events come out of Events()
// as tagged envelopes in per-observation order.
type Bridge struct {
	host   scriptHost
	logger *logging.Logger

	// sendMu is held from sequencing until delivery so concurrent binding
	// calls cannot reorder released events. seqMu guards seq alone.
	sendMu sync.Mutex
	seqMu  sync.Mutex
	seq    *sequencer
	events chan mux.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// BridgeOption configures a Bridge.
type BridgeOption func(*bridgeOptions)

type bridgeOptions struct {
	logger *logging.Logger
	buffer int
}

// WithBridgeLogger sets the bridge logger.
func WithBridgeLogger(logger *logging.Logger) BridgeOption {
	return func(o *bridgeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEventBuffer sets the event channel capacity.
func WithEventBuffer(n int) BridgeOption {
	return func(o *bridgeOptions) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// NewBridge installs the page runtime into host, for the current document
// and every document loaded afterwards.
func NewBridge(host scriptHost, opts ...BridgeOption) (*Bridge, error) {
	o := bridgeOptions{logger: debugLog, buffer: DefaultEventBuffer}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bridge{
		host:   host,
		logger: o.logger,
		seq:    newSequencer(),
		events: make(chan mux.Envelope, o.buffer),
		done:   make(chan struct{}),
	}

	if err := host.ExposeFunction(bindingName, b.receive); err != nil {
		return nil, fmt.Errorf("browser: expose %s: %w", bindingName, err)
	}
	if err := host.AddInitScript(playwright.Script{Content: playwright.String(runtimeScript)}); err != nil {
		return nil, fmt.Errorf("browser: add init script: %w", err)
	}
	if _, err := host.Evaluate(runtimeScript); err != nil {
		return nil, fmt.Errorf("browser: install runtime: %w", err)
	}
	return b, nil
}

// Events returns the stream of envelopes. It is closed by Close.
func (b *Bridge) Events() <-chan mux.Envelope {
	return b.events
}

// Mutations returns the registrar for DOM mutation observations.
func (b *Bridge) Mutations() mux.Registrar[MutationSpec] {
	return kindRegistrar[MutationSpec]{bridge: b, kind: mux.KindMutation}
}

// Interactions returns the registrar for native element event observations.
func (b *Bridge) Interactions() mux.Registrar[InteractionSpec] {
	return kindRegistrar[InteractionSpec]{bridge: b, kind: mux.KindInteraction}
}

// Close stops delivery and closes the event channel. Observations inside
// the page stay installed until the page goes away.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.sendMu.Lock()
		close(b.events)
		b.sendMu.Unlock()
	})
}

func (b *Bridge) attach(ctx context.Context, kind mux.Kind, spec any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return 0, fmt.Errorf("browser: encode %s spec: %w", kind, err)
	}

	res, err := b.host.Evaluate(attachExpression, []interface{}{string(kind), string(specJSON)})
	if err != nil {
		return 0, fmt.Errorf("browser: attach %s: %w", kind, err)
	}
	id, ok := toInt64(res)
	if !ok {
		return 0, fmt.Errorf("browser: attach %s returned %T, want number", kind, res)
	}
	b.logger.Debugf("Attached %s observation %d", kind, id)
	return id, nil
}

func (b *Bridge) detach(ctx context.Context, kind mux.Kind, id int64) error {
	b.seqMu.Lock()
	b.seq.forget(kind, id)
	b.seqMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	// Ids stay well inside float64's exact integer range.
	if _, err := b.host.Evaluate(detachExpression, float64(id)); err != nil {
		return fmt.Errorf("browser: detach %s %d: %w", kind, id, err)
	}
	b.logger.Debugf("Detached %s observation %d", kind, id)
	return nil
}

// receive is the exposed binding: (kind, id, seq, payloadJSON).
func (b *Bridge) receive(args ...interface{}) interface{} {
	env, seq, err := decodeEmit(args)
	if err != nil {
		b.logger.Warnf("Dropping malformed page event: %v", err)
		return nil
	}

	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	select {
	case <-b.done:
		return nil
	default:
	}

	b.seqMu.Lock()
	ready, skipped := b.seq.push(env, seq)
	b.seqMu.Unlock()
	if skipped {
		b.logger.Warnf("Gave up waiting for missing events of %s observation %d", env.Kind, env.ID)
	}
	for _, e := range ready {
		select {
		case b.events <- e:
		case <-b.done:
			return nil
		}
	}
	return nil
}

func decodeEmit(args []interface{}) (mux.Envelope, int64, error) {
	if len(args) != 4 {
		return mux.Envelope{}, 0, fmt.Errorf("want 4 arguments, got %d", len(args))
	}
	kind, ok := args[0].(string)
	if !ok {
		return mux.Envelope{}, 0, fmt.Errorf("kind is %T", args[0])
	}
	id, ok := toInt64(args[1])
	if !ok {
		return mux.Envelope{}, 0, fmt.Errorf("id is %T", args[1])
	}
	seq, ok := toInt64(args[2])
	if !ok {
		return mux.Envelope{}, 0, fmt.Errorf("seq is %T", args[2])
	}
	payload, ok := args[3].(string)
	if !ok {
		return mux.Envelope{}, 0, fmt.Errorf("payload is %T", args[3])
	}
	if !json.Valid([]byte(payload)) {
		return mux.Envelope{}, 0, fmt.Errorf("payload is not JSON")
	}

	return mux.Envelope{
		Kind:    mux.Kind(kind),
		ID:      id,
		Payload: json.RawMessage(payload),
	}, seq, nil
}

// toInt64 accepts the numeric shapes playwright decodes JS numbers into.
func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

// kindRegistrar adapts the bridge to mux.Registrar for one kind.
type kindRegistrar[S any] struct {
	bridge *Bridge
	kind   mux.Kind
}

func (r kindRegistrar[S]) Attach(ctx context.Context, spec S) (int64, error) {
	return r.bridge.attach(ctx, r.kind, spec)
}

func (r kindRegistrar[S]) Detach(ctx context.Context, id int64) error {
	return r.bridge.detach(ctx, r.kind, id)
}
