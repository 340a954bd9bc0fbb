package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/LitBomb/meshcore-ha/pkg/protocol"
)

// streamTransport drives a byte-stream channel (serial port or TCP
// socket) with the shared frame codec. Concrete transports supply the
// dial function.
type streamTransport struct {
	endpoint string
	dial     func(ctx context.Context) (io.ReadWriteCloser, error)

	state  atomic.Int32
	frames chan []byte
	done   chan struct{}

	mu   sync.Mutex
	conn io.ReadWriteCloser
	used bool

	doneOnce   sync.Once
	framesOnce sync.Once
}

func newStreamTransport(endpoint string, dial func(ctx context.Context) (io.ReadWriteCloser, error)) *streamTransport {
	return &streamTransport{
		endpoint: endpoint,
		dial:     dial,
		frames:   make(chan []byte, 32),
		done:     make(chan struct{}),
	}
}

func (t *streamTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.used {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.used = true
	t.mu.Unlock()

	t.state.Store(int32(StateConnecting))

	type dialResult struct {
		conn io.ReadWriteCloser
		err  error
	}
	res := make(chan dialResult, 1)
	go func() {
		conn, err := t.dial(ctx)
		res <- dialResult{conn, err}
	}()

	select {
	case <-ctx.Done():
		t.state.Store(int32(StateDisconnected))
		// Release the handle if the dial lands after the deadline.
		go func() {
			if r := <-res; r.conn != nil {
				r.conn.Close()
			}
		}()
		return fmt.Errorf("connect %s: %w", t.endpoint, ctx.Err())
	case r := <-res:
		if r.err != nil {
			t.state.Store(int32(StateDisconnected))
			return fmt.Errorf("connect %s: %w", t.endpoint, r.err)
		}
		t.mu.Lock()
		t.conn = r.conn
		t.mu.Unlock()
		t.state.Store(int32(StateConnected))
		go t.readLoop(r.conn)
		return nil
	}
}

// readLoop reassembles inbound frames until the link drops, then closes
// the frame channel so consumers observe the drop.
func (t *streamTransport) readLoop(conn io.Reader) {
	defer func() {
		t.state.Store(int32(StateDisconnected))
		t.framesOnce.Do(func() { close(t.frames) })
	}()

	fr := protocol.NewFrameReader(conn)
	for {
		payload, err := fr.Next()
		if err != nil {
			return
		}
		select {
		case t.frames <- payload:
		case <-t.done:
			return
		}
	}
}

func (t *streamTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.State() != StateConnected {
		return ErrNotConnected
	}
	if err := protocol.WriteFrame(t.conn, frame); err != nil {
		return fmt.Errorf("send %s: %w", t.endpoint, err)
	}
	return nil
}

func (t *streamTransport) Disconnect() error {
	t.state.Store(int32(StateDisconnected))
	t.doneOnce.Do(func() { close(t.done) })

	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	connected := conn != nil
	t.used = true
	t.mu.Unlock()

	if connected {
		// The read loop closes the frame channel once the handle drops.
		return conn.Close()
	}
	t.framesOnce.Do(func() { close(t.frames) })
	return nil
}

func (t *streamTransport) Frames() <-chan []byte {
	return t.frames
}

func (t *streamTransport) State() ConnectionState {
	return ConnectionState(t.state.Load())
}
