package runtime

import (
	"context"
	"errors"
	"sync"

	"github.com/entrhq/pilot/pkg/browser"
	"github.com/entrhq/pilot/pkg/mux"
)

// EventSource is a page's observation channel. *browser.Bridge implements
// it.
type EventSource interface {
	Events() <-chan mux.Envelope
	Mutations() mux.Registrar[browser.MutationSpec]
	Interactions() mux.Registrar[browser.InteractionSpec]
}

var _ EventSource = (*browser.Bridge)(nil)

// Watch is the set of typed subscription multiplexers for one page.
type Watch struct {
	Mutations    *mux.Multiplexer[browser.MutationSpec, browser.MutationPayload]
	Interactions *mux.Multiplexer[browser.InteractionSpec, browser.InteractionPayload]

	cancel context.CancelFunc
	done   chan struct{}
	err    error

	closeOnce sync.Once
	closeErr  error
}

// Watch starts routing src's events to two fresh multiplexers. Routing
// stops when ctx is done, the source's channel closes, or Close is called.
func (rt *Runtime) Watch(ctx context.Context, src EventSource) (*Watch, error) {
	logger := rt.logger.With("mux")

	w := &Watch{
		Mutations: mux.New[browser.MutationSpec, browser.MutationPayload](
			src.Mutations(), mux.WithName("mutations"), mux.WithLogger(logger)),
		Interactions: mux.New[browser.InteractionSpec, browser.InteractionPayload](
			src.Interactions(), mux.WithName("interactions"), mux.WithLogger(logger)),
		done: make(chan struct{}),
	}

	router := mux.NewRouter(logger)
	if err := mux.Route(router, mux.KindMutation, w.Mutations); err != nil {
		return nil, err
	}
	if err := mux.Route(router, mux.KindInteraction, w.Interactions); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go func() {
		defer close(w.done)
		w.err = router.Run(runCtx, src.Events())
	}()
	return w, nil
}

// SessionEvents installs the session's bridge if needed and returns it.
func (rt *Runtime) SessionEvents(s *browser.Session) (EventSource, error) {
	bridge, err := s.Bridge(rt.logger.With("bridge"))
	if err != nil {
		return nil, err
	}
	return bridge, nil
}

// WatchSession installs the session's bridge if needed and watches it.
func (rt *Runtime) WatchSession(ctx context.Context, s *browser.Session) (*Watch, error) {
	src, err := rt.SessionEvents(s)
	if err != nil {
		return nil, err
	}
	return rt.Watch(ctx, src)
}

// Done is closed when routing has stopped.
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

// Close unsubscribes every listener of both multiplexers and stops routing.
func (w *Watch) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.closeErr = errors.Join(
			w.Mutations.Close(ctx),
			w.Interactions.Close(ctx),
		)
		w.cancel()
		<-w.done
		if w.err != nil && !errors.Is(w.err, context.Canceled) && !errors.Is(w.err, context.DeadlineExceeded) {
			w.closeErr = errors.Join(w.closeErr, w.err)
		}
	})
	return w.closeErr
}
