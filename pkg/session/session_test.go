package session

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LitBomb/meshcore-ha/pkg/bus"
	"github.com/LitBomb/meshcore-ha/pkg/protocol"
	"github.com/LitBomb/meshcore-ha/pkg/transport"
)

// fakeTransport is an in-memory radio. Tests register per-command
// responders; unmatched commands go unanswered.
type fakeTransport struct {
	mu         sync.Mutex
	responders map[byte]func(frame []byte) [][]byte
	frames     chan []byte
	closed     bool
	connectErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		responders: make(map[byte]func([]byte) [][]byte),
		frames:     make(chan []byte, 64),
	}
}

func (t *fakeTransport) respond(cmd byte, fn func(frame []byte) [][]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responders[cmd] = fn
}

func (t *fakeTransport) push(frame []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.frames <- frame
	}
}

func (t *fakeTransport) Connect(ctx context.Context) error { return t.connectErr }

func (t *fakeTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.frames)
	}
	return nil
}

func (t *fakeTransport) Send(frame []byte) error {
	t.mu.Lock()
	fn := t.responders[frame[0]]
	t.mu.Unlock()
	if fn == nil {
		return nil
	}
	for _, reply := range fn(frame) {
		t.push(reply)
	}
	return nil
}

func (t *fakeTransport) Frames() <-chan []byte { return t.frames }

func (t *fakeTransport) State() transport.ConnectionState { return transport.StateConnected }

// selfInfoFrame builds a self info reply with the given name and key.
func selfInfoFrame(name string, key []byte) []byte {
	body := make([]byte, 57, 57+len(name))
	body[0] = 1  // adv type
	body[1] = 20 // tx power
	body[2] = 30 // max tx power
	copy(body[3:35], key)
	body = append(body, name...)
	return append([]byte{protocol.RespCodeSelfInfo}, body...)
}

// contactFrame builds a contact record reply.
func contactFrame(name string, nodeType byte, key []byte) []byte {
	body := make([]byte, 147)
	copy(body[0:32], key)
	body[32] = nodeType
	copy(body[99:131], name)
	return append([]byte{protocol.RespCodeContact}, body...)
}

func testKey(first ...byte) []byte {
	key := make([]byte, 32)
	copy(key, first)
	for i := len(first); i < 32; i++ {
		key[i] = byte(i)
	}
	return key
}

func withHandshake(t *fakeTransport, name string, key []byte) {
	t.respond(protocol.CmdAppStart, func([]byte) [][]byte {
		return [][]byte{selfInfoFrame(name, key)}
	})
}

func newTestSession(t *testing.T, ft *fakeTransport) *Session {
	t.Helper()
	s := New(ft, Options{
		ConnectTimeout: time.Second,
		CommandTimeout: 500 * time.Millisecond,
	})
	t.Cleanup(func() { s.Disconnect() })
	return s
}

func TestConnectHandshake(t *testing.T) {
	ft := newFakeTransport()
	withHandshake(ft, "BaseCamp", testKey(0xAA))
	s := newTestSession(t, ft)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if s.State() != StateReady {
		t.Errorf("State = %v, want ready", s.State())
	}

	self := s.SelfInfo()
	if self == nil || self.Name != "BaseCamp" {
		t.Fatalf("SelfInfo = %+v, want BaseCamp", self)
	}
}

func TestConnectHandshakeTimeout(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, Options{ConnectTimeout: 100 * time.Millisecond})
	defer s.Disconnect()

	err := s.Connect(context.Background())
	if !errors.Is(err, bus.ErrTimeout) {
		t.Fatalf("Connect() error = %v, want ErrTimeout", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("State = %v, want disconnected", s.State())
	}
}

func TestConnectSingleUse(t *testing.T) {
	ft := newFakeTransport()
	withHandshake(ft, "BaseCamp", testKey(0xAA))
	s := newTestSession(t, ft)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrSessionUsed) {
		t.Fatalf("second Connect() error = %v, want ErrSessionUsed", err)
	}
}

func TestCommandsRequireReady(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft)

	if _, err := s.BatteryVoltage(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("BatteryVoltage() error = %v, want ErrNotReady", err)
	}
}

func TestBatteryVoltage(t *testing.T) {
	ft := newFakeTransport()
	withHandshake(ft, "BaseCamp", testKey(0xAA))
	ft.respond(protocol.CmdGetBatteryVoltage, func([]byte) [][]byte {
		reply := []byte{protocol.RespCodeBatteryVoltage, 0, 0}
		binary.LittleEndian.PutUint16(reply[1:], 4100)
		return [][]byte{reply}
	})
	s := newTestSession(t, ft)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	bv, err := s.BatteryVoltage(context.Background())
	if err != nil {
		t.Fatalf("BatteryVoltage() error = %v", err)
	}
	if bv.Millivolts != 4100 {
		t.Errorf("Millivolts = %d, want 4100", bv.Millivolts)
	}
}

func TestContactsAndLookup(t *testing.T) {
	ft := newFakeTransport()
	withHandshake(ft, "BaseCamp", testKey(0xAA))

	hilltopKey := testKey(0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC)
	ft.respond(protocol.CmdGetContacts, func([]byte) [][]byte {
		start := []byte{protocol.RespCodeContactsStart, 2, 0, 0, 0}
		return [][]byte{
			start,
			contactFrame("Hilltop", protocol.NodeTypeRepeater, hilltopKey),
			contactFrame("Alice", protocol.NodeTypeChat, testKey(0xEE)),
			{protocol.RespCodeEndOfContacts},
		}
	})
	s := newTestSession(t, ft)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	contacts, err := s.Contacts(context.Background())
	if err != nil {
		t.Fatalf("Contacts() error = %v", err)
	}
	if len(contacts) != 2 {
		t.Fatalf("len(contacts) = %d, want 2", len(contacts))
	}

	c, err := s.ContactByPrefix(context.Background(), "123456789abc")
	if err != nil {
		t.Fatalf("ContactByPrefix() error = %v", err)
	}
	if c.Name != "Hilltop" {
		t.Errorf("Name = %q, want Hilltop", c.Name)
	}

	// Cached lookup works without hitting the radio again.
	ft.respond(protocol.CmdGetContacts, func([]byte) [][]byte { return nil })
	if _, err := s.ContactByPrefix(context.Background(), "123456789abc"); err != nil {
		t.Errorf("cached ContactByPrefix() error = %v", err)
	}
}

func TestDisconnectCancelsWaiters(t *testing.T) {
	ft := newFakeTransport()
	withHandshake(ft, "BaseCamp", testKey(0xAA))
	s := newTestSession(t, ft)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	const waiters = 4
	results := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			_, err := s.SendAndAwait(context.Background(),
				protocol.GetDeviceTime(), bus.KindIs(protocol.RespCodeCurrTime), 5*time.Second)
			results <- err
		}()
	}

	// Let the waiters register before tearing down.
	time.Sleep(50 * time.Millisecond)
	s.Disconnect()

	for i := 0; i < waiters; i++ {
		select {
		case err := <-results:
			if !errors.Is(err, bus.ErrCancelled) {
				t.Errorf("waiter error = %v, want ErrCancelled", err)
			}
		case <-time.After(time.Second):
			t.Fatal("waiter did not resolve after disconnect")
		}
	}
}

func TestLinkDropTearsDown(t *testing.T) {
	ft := newFakeTransport()
	withHandshake(ft, "BaseCamp", testKey(0xAA))
	s := newTestSession(t, ft)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// Simulate the link dropping out from under the session.
	ft.Disconnect()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not notice the dropped link")
	}
}

func TestSyncAllMessages(t *testing.T) {
	ft := newFakeTransport()
	withHandshake(ft, "BaseCamp", testKey(0xAA))

	queued := 2
	ft.respond(protocol.CmdSyncNextMessage, func([]byte) [][]byte {
		if queued == 0 {
			return [][]byte{{protocol.RespCodeNoMoreMessages}}
		}
		queued--
		body := make([]byte, 12)
		copy(body[0:6], []byte{0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC})
		msg := append([]byte{protocol.RespCodeContactMsgRecv}, body...)
		return [][]byte{append(msg, "hello"...)}
	})
	s := newTestSession(t, ft)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	msgs, err := s.SyncAllMessages(context.Background())
	if err != nil {
		t.Fatalf("SyncAllMessages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("len(msgs) = %d, want 2", len(msgs))
	}
}

func TestContactsLargeAddressBook(t *testing.T) {
	ft := newFakeTransport()
	withHandshake(ft, "BaseCamp", testKey(0xAA))

	const count = 300
	ft.respond(protocol.CmdGetContacts, func([]byte) [][]byte {
		frames := make([][]byte, 0, count+2)
		start := make([]byte, 5)
		start[0] = protocol.RespCodeContactsStart
		binary.LittleEndian.PutUint32(start[1:], count)
		frames = append(frames, start)
		for i := 0; i < count; i++ {
			key := testKey(byte(i>>8), byte(i), 0xCC)
			frames = append(frames, contactFrame("Node", protocol.NodeTypeChat, key))
		}
		return append(frames, []byte{protocol.RespCodeEndOfContacts})
	})
	s := newTestSession(t, ft)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	contacts, err := s.Contacts(context.Background())
	if err != nil {
		t.Fatalf("Contacts() error = %v", err)
	}
	if len(contacts) != count {
		t.Fatalf("len(contacts) = %d, want %d: records dropped mid-stream", len(contacts), count)
	}
}
