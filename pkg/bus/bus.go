// Package bus dispatches decoded radio events to correlated waiters and
// stream subscribers. A single dispatch pass runs at a time, so waiters
// never race on the same event.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/LitBomb/meshcore-ha/pkg/protocol"
)

var (
	// ErrTimeout reports that a bounded wait elapsed with no match.
	ErrTimeout = errors.New("wait timed out")
	// ErrCancelled reports that the wait was torn down before a match,
	// by the caller or by a disconnect. Distinct from ErrTimeout so
	// callers can tell a deliberate teardown from a slow peer.
	ErrCancelled = errors.New("wait cancelled")
	// ErrClosed reports a registration against a closed bus.
	ErrClosed = errors.New("event bus closed")
)

// Predicate decides whether an event fulfills a waiter. Predicates run
// inside the dispatch pass and must be fast and side-effect free.
type Predicate func(*protocol.Event) bool

// KindIs returns a predicate matching events of one kind.
func KindIs(kind byte) Predicate {
	return func(ev *protocol.Event) bool {
		return ev.Kind == kind
	}
}

// AnyKind returns a predicate matching events of any of the kinds.
func AnyKind(kinds ...byte) Predicate {
	return func(ev *protocol.Event) bool {
		for _, k := range kinds {
			if ev.Kind == k {
				return true
			}
		}
		return false
	}
}

type outcome struct {
	ev  *protocol.Event
	err error
}

// Waiter is a pending correlated request. It resolves exactly once,
// with a matching event, a timeout, or a cancellation.
type Waiter struct {
	pred  Predicate
	ch    chan outcome
	timer *time.Timer
	bus   *Bus
}

// Wait blocks until the waiter resolves. Context cancellation counts as
// cancellation, not timeout.
func (w *Waiter) Wait(ctx context.Context) (*protocol.Event, error) {
	select {
	case out := <-w.ch:
		return out.ev, out.err
	case <-ctx.Done():
		w.bus.Cancel(w)
		// A racing fulfillment may have resolved the waiter between the
		// context firing and the cancel. Prefer the real outcome.
		select {
		case out := <-w.ch:
			return out.ev, out.err
		default:
			return nil, ErrCancelled
		}
	}
}

// Bus is the single dispatch point between the transport read loop and
// everything waiting on events.
type Bus struct {
	mu      sync.Mutex
	waiters []*Waiter
	subs    map[chan *protocol.Event]struct{}
	closed  bool

	// Dropped counts events lost to slow subscribers.
	dropped uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[chan *protocol.Event]struct{}),
	}
}

// Register adds a waiter for the first event matching pred, bounded by
// a wall-clock timeout. The waiter is live as soon as Register returns,
// so callers register before sending the command the response belongs
// to.
func (b *Bus) Register(pred Predicate, timeout time.Duration) (*Waiter, error) {
	if pred == nil {
		return nil, errors.New("nil predicate")
	}

	w := &Waiter{
		pred: pred,
		ch:   make(chan outcome, 1),
		bus:  b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	// The timer resolves through the same path as dispatch, so a match
	// racing the deadline still wins at most one outcome. Assigned
	// before the waiter is published: anything that finds w in the
	// pending set may stop the timer without checking. An early firing
	// blocks in resolve until this lock is released.
	w.timer = time.AfterFunc(timeout, func() {
		b.resolve(w, nil, ErrTimeout)
	})
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	return w, nil
}

// RegisterKind adds a waiter for the first event of the given kind.
func (b *Bus) RegisterKind(kind byte, timeout time.Duration) (*Waiter, error) {
	return b.Register(KindIs(kind), timeout)
}

// Cancel resolves a pending waiter with ErrCancelled. Cancelling an
// already-resolved waiter is a no-op.
func (b *Bus) Cancel(w *Waiter) {
	b.resolve(w, nil, ErrCancelled)
}

// CancelAll resolves every pending waiter with ErrCancelled. Called on
// disconnect so no caller mistakes teardown for a slow peer.
func (b *Bus) CancelAll() {
	b.mu.Lock()
	pending := b.waiters
	b.waiters = nil
	b.mu.Unlock()

	for _, w := range pending {
		w.timer.Stop()
		w.ch <- outcome{err: ErrCancelled}
	}
}

// Close cancels all waiters and closes all subscriber channels. The bus
// accepts no further registrations.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := b.waiters
	b.waiters = nil
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, w := range pending {
		w.timer.Stop()
		w.ch <- outcome{err: ErrCancelled}
	}
	for ch := range subs {
		close(ch)
	}
}

// resolve removes w from the pending set and delivers the outcome. Only
// the caller that actually removed the waiter delivers, which keeps
// fulfillment at most once across dispatch, timeout, and cancel.
func (b *Bus) resolve(w *Waiter, ev *protocol.Event, err error) {
	b.mu.Lock()
	removed := false
	for i, cand := range b.waiters {
		if cand == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			removed = true
			break
		}
	}
	b.mu.Unlock()

	if !removed {
		return
	}
	w.timer.Stop()
	w.ch <- outcome{ev: ev, err: err}
}

// Dispatch delivers one decoded event: every waiter whose predicate
// matches resolves with it (broadcast), and every subscriber receives
// it on its channel. Dispatch never blocks on a slow consumer.
func (b *Bus) Dispatch(ev *protocol.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	var matched []*Waiter
	remaining := b.waiters[:0]
	for _, w := range b.waiters {
		if w.pred(ev) {
			matched = append(matched, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	b.waiters = remaining

	var full int
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			full++
		}
	}
	b.dropped += uint64(full)
	b.mu.Unlock()

	for _, w := range matched {
		w.timer.Stop()
		w.ch <- outcome{ev: ev}
	}
}

// Subscribe returns a buffered channel receiving every dispatched event
// and a function that removes the subscription. Subscribers that fall
// behind lose events rather than stalling dispatch.
func (b *Bus) Subscribe(buffer int) (<-chan *protocol.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan *protocol.Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			if b.subs != nil {
				delete(b.subs, ch)
			}
			closed := b.closed
			b.mu.Unlock()
			if !closed {
				close(ch)
			}
		})
	}
	return ch, unsub
}

// Pending reports the number of registered waiters.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

// Dropped reports how many events were lost to slow subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
