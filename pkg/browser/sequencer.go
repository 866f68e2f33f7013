package browser

import (
	"math"
	"sort"

	"github.com/entrhq/pilot/pkg/mux"
)

// maxPending bounds how many out-of-order events are held for one
// observation before the gap is given up on.
const maxPending = 256

// maxTombstones bounds how many detached observations are remembered so
// their late events can be discarded. The oldest are forgotten first.
const maxTombstones = 1024

type observationKey struct {
	kind mux.Kind
	id   int64
}

// sequencer restores the page's emission order per observation. Binding
// callbacks may arrive concurrently, so each event carries a sequence
// number starting at 1 and events are released only in that order.
type sequencer struct {
	next       map[observationKey]int64
	pending    map[observationKey]map[int64]mux.Envelope
	tombstones []observationKey
}

func newSequencer() *sequencer {
	return &sequencer{
		next:    make(map[observationKey]int64),
		pending: make(map[observationKey]map[int64]mux.Envelope),
	}
}

// push records env with its sequence number and returns the envelopes that
// are now deliverable, in order. The second result reports whether a gap
// was skipped.
func (s *sequencer) push(env mux.Envelope, seq int64) ([]mux.Envelope, bool) {
	key := observationKey{kind: env.Kind, id: env.ID}
	next, ok := s.next[key]
	if !ok {
		next = 1
	}
	if seq < next {
		// Duplicate or already released.
		return nil, false
	}

	held := s.pending[key]
	if held == nil {
		held = make(map[int64]mux.Envelope)
		s.pending[key] = held
	}
	held[seq] = env

	var ready []mux.Envelope
	skipped := false
	if _, ok := held[next]; !ok && len(held) > maxPending {
		next = lowestSeq(held)
		skipped = true
	}
	for {
		e, ok := held[next]
		if !ok {
			break
		}
		ready = append(ready, e)
		delete(held, next)
		next++
	}

	s.next[key] = next
	if len(held) == 0 {
		delete(s.pending, key)
	}
	return ready, skipped
}

// forget drops held events for an observation. Events for it that arrive
// later are discarded.
func (s *sequencer) forget(kind mux.Kind, id int64) {
	key := observationKey{kind: kind, id: id}
	delete(s.pending, key)
	if s.next[key] == math.MaxInt64 {
		return
	}
	s.next[key] = math.MaxInt64
	s.tombstones = append(s.tombstones, key)

	if len(s.tombstones) > maxTombstones {
		oldest := s.tombstones[0]
		s.tombstones[0] = observationKey{}
		s.tombstones = s.tombstones[1:]
		delete(s.next, oldest)
	}
}

func lowestSeq(held map[int64]mux.Envelope) int64 {
	seqs := make([]int64, 0, len(held))
	for seq := range held {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs[0]
}
