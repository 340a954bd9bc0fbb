// Package session owns the connection lifecycle to one companion radio
// and the correlated request/response primitive every higher protocol
// is built from. A session is single use: once it leaves the ready
// state it stays down, and a retried connection constructs a new one.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/LitBomb/meshcore-ha/pkg/bus"
	"github.com/LitBomb/meshcore-ha/pkg/observability"
	"github.com/LitBomb/meshcore-ha/pkg/protocol"
	"github.com/LitBomb/meshcore-ha/pkg/transport"
)

var (
	// ErrTransport wraps connect and send failures of the underlying
	// channel. Recoverable by reconnecting with a fresh session.
	ErrTransport = errors.New("transport failure")
	// ErrProtocol reports an error-kind reply from the radio.
	ErrProtocol = errors.New("protocol error")
	// ErrContactNotFound reports that no cached contact matches the
	// requested key prefix.
	ErrContactNotFound = errors.New("contact not found")
	// ErrNotReady reports a command issued outside the ready state.
	ErrNotReady = errors.New("session not ready")
	// ErrSessionUsed reports a second Connect on the same session.
	ErrSessionUsed = errors.New("session already used")
)

// State tracks the session lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Default timeouts, matching the companion radio's expected response
// latency over a LoRa hop.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultCommandTimeout = 5 * time.Second
	DefaultContactTTL     = 5 * time.Minute
)

// Options configures a session.
type Options struct {
	// AppName is announced to the radio during the handshake.
	AppName string
	// ConnectTimeout bounds the transport connect and the handshake,
	// each separately.
	ConnectTimeout time.Duration
	// CommandTimeout bounds ordinary command exchanges.
	CommandTimeout time.Duration
	// ContactTTL bounds how long cached contact records stay valid.
	ContactTTL time.Duration
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

func (o *Options) applyDefaults() {
	if o.AppName == "" {
		o.AppName = "meshcore-ha"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.ContactTTL <= 0 {
		o.ContactTTL = DefaultContactTTL
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Session drives one transport through connect, handshake, and ready,
// and funnels every command exchange through the shared event bus.
type Session struct {
	transport transport.Transport
	bus       *bus.Bus
	opts      Options
	log       *slog.Logger

	state atomic.Int32
	used  atomic.Bool
	seq   atomic.Uint32

	contacts *ttlcache.Cache[string, *protocol.ContactInfo]

	mu   sync.Mutex
	self *protocol.SelfInfo

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a session over the given transport. The session takes
// ownership of the transport and releases it on Disconnect.
func New(t transport.Transport, opts Options) *Session {
	opts.applyDefaults()

	s := &Session{
		transport: t,
		bus:       bus.New(),
		opts:      opts,
		log:       opts.Logger.With("component", "session"),
		done:      make(chan struct{}),
		contacts: ttlcache.New(
			ttlcache.WithTTL[string, *protocol.ContactInfo](opts.ContactTTL),
		),
	}
	go s.contacts.Start()
	return s
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// SelfInfo returns the connected node's identity, or nil before the
// handshake completes.
func (s *Session) SelfInfo() *protocol.SelfInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Done returns a channel closed when the session leaves the ready
// state for good, whether by Disconnect or a dropped link.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// NextSeq returns the next value of the session's request counter.
func (s *Session) NextSeq() uint32 {
	return s.seq.Add(1)
}

// Subscribe attaches an observer to the event stream. See bus.Subscribe.
func (s *Session) Subscribe(buffer int) (<-chan *protocol.Event, func()) {
	return s.bus.Subscribe(buffer)
}

// Connect opens the transport, runs the AppStart handshake, and moves
// the session to ready. Any failure tears the session down; it cannot
// be retried on the same object.
func (s *Session) Connect(ctx context.Context) error {
	if !s.used.CompareAndSwap(false, true) {
		return ErrSessionUsed
	}
	s.state.Store(int32(StateConnecting))
	s.observeState(StateConnecting)

	connectCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	err := s.transport.Connect(connectCtx)
	cancel()
	if err != nil {
		s.teardown()
		return fmt.Errorf("%w: connect %s: %v", ErrTransport, s.transport.State(), err)
	}

	go s.readLoop()

	self, err := s.handshake(ctx)
	if err != nil {
		s.teardown()
		return err
	}

	s.mu.Lock()
	s.self = self
	s.mu.Unlock()

	s.state.Store(int32(StateConnected))
	s.observeState(StateConnected)
	s.state.Store(int32(StateReady))
	s.observeState(StateReady)

	s.log.Info("session ready",
		"node", self.Name,
		"pubkey_prefix", self.PubkeyPrefix())
	return nil
}

// handshake announces the app to the radio and waits for its identity.
func (s *Session) handshake(ctx context.Context) (*protocol.SelfInfo, error) {
	pred := bus.AnyKind(protocol.RespCodeSelfInfo, protocol.RespCodeErr)
	ev, err := s.SendAndAwait(ctx, protocol.AppStart(s.opts.AppName), pred, s.opts.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if ev.Kind == protocol.RespCodeErr {
		return nil, fmt.Errorf("%w: handshake rejected", ErrProtocol)
	}
	self, ok := ev.Payload.(*protocol.SelfInfo)
	if !ok {
		return nil, fmt.Errorf("%w: malformed self info", ErrProtocol)
	}
	return self, nil
}

// Disconnect tears the session down from any state: the transport
// handle is released, cached contacts are flushed, and every pending
// waiter resolves with a cancellation rather than a timeout.
// Idempotent.
func (s *Session) Disconnect() error {
	prev := State(s.state.Swap(int32(StateDisconnected)))
	if prev == StateDisconnected {
		return nil
	}
	s.log.Info("disconnecting", "from_state", prev.String())
	s.teardown()
	return nil
}

// teardown releases everything exactly once. Safe to call from
// Disconnect, a failed Connect, and the read loop concurrently.
func (s *Session) teardown() {
	s.doneOnce.Do(func() {
		s.state.Store(int32(StateDisconnected))
		s.observeState(StateDisconnected)

		if err := s.transport.Disconnect(); err != nil {
			s.log.Warn("transport disconnect", "error", err)
		}
		s.bus.Close()
		s.contacts.DeleteAll()
		s.contacts.Stop()
		close(s.done)
	})
}

// readLoop decodes inbound frames and dispatches them. It exits when
// the transport's frame channel closes, which also covers a dropped
// link; the session is torn down either way.
func (s *Session) readLoop() {
	for frame := range s.transport.Frames() {
		s.opts.Metrics.ObserveFrame("in")
		ev, err := protocol.Decode(frame, time.Now())
		if err != nil {
			s.log.Warn("frame decode", "error", err)
			if ev == nil {
				continue
			}
		}
		s.opts.Metrics.ObserveEvent(ev.KindName())
		s.bus.Dispatch(ev)
		s.opts.Metrics.SetPendingWaiters(s.bus.Pending())
	}

	if s.State() != StateDisconnected {
		s.log.Warn("link dropped")
	}
	s.teardown()
}

// SendAndAwait sends one command frame and waits for the first event
// matching pred within the wall-clock timeout. The waiter is registered
// before the frame leaves, so a response cannot slip through between
// send and registration.
func (s *Session) SendAndAwait(ctx context.Context, frame []byte, pred bus.Predicate, timeout time.Duration) (*protocol.Event, error) {
	if len(frame) == 0 {
		return nil, errors.New("empty command frame")
	}
	if timeout <= 0 {
		timeout = s.opts.CommandTimeout
	}
	command := protocol.CommandName(frame[0])

	w, err := s.bus.Register(pred, timeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", command, bus.ErrCancelled)
	}
	s.opts.Metrics.SetPendingWaiters(s.bus.Pending())

	start := time.Now()
	if err := s.transport.Send(frame); err != nil {
		s.bus.Cancel(w)
		s.opts.Metrics.ObserveCommand(command, observability.OutcomeError, time.Since(start))
		return nil, fmt.Errorf("%w: send %s: %v", ErrTransport, command, err)
	}
	s.opts.Metrics.ObserveFrame("out")

	ev, err := w.Wait(ctx)
	s.opts.Metrics.ObserveCommand(command, outcomeLabel(err), time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", command, err)
	}
	return ev, nil
}

// Send writes one command frame without waiting for a response.
func (s *Session) Send(frame []byte) error {
	if err := s.transport.Send(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	s.opts.Metrics.ObserveFrame("out")
	return nil
}

func (s *Session) requireReady() error {
	if s.State() != StateReady {
		return ErrNotReady
	}
	return nil
}

func (s *Session) observeState(state State) {
	s.opts.Metrics.SetConnectionState(int(state))
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeOK
	case errors.Is(err, bus.ErrTimeout):
		return observability.OutcomeTimeout
	case errors.Is(err, bus.ErrCancelled):
		return observability.OutcomeCancelled
	default:
		return observability.OutcomeError
	}
}
