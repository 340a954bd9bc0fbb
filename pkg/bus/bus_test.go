package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LitBomb/meshcore-ha/pkg/protocol"
)

func event(kind byte) *protocol.Event {
	return &protocol.Event{Kind: kind, ReceivedAt: time.Now()}
}

func TestWaiterMatch(t *testing.T) {
	b := New()
	defer b.Close()

	w, err := b.RegisterKind(protocol.RespCodeSelfInfo, time.Second)
	if err != nil {
		t.Fatalf("RegisterKind() error = %v", err)
	}

	go b.Dispatch(event(protocol.RespCodeSelfInfo))

	ev, err := w.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if ev.Kind != protocol.RespCodeSelfInfo {
		t.Errorf("Kind = %#x, want self info", ev.Kind)
	}
}

func TestWaiterIgnoresOtherKinds(t *testing.T) {
	b := New()
	defer b.Close()

	w, _ := b.RegisterKind(protocol.PushCodeLoginSuccess, 200*time.Millisecond)

	b.Dispatch(event(protocol.RespCodeOK))
	b.Dispatch(event(protocol.PushCodeMsgWaiting))

	if _, err := w.Wait(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Wait() error = %v, want ErrTimeout", err)
	}
}

func TestWaiterTimeoutBounds(t *testing.T) {
	b := New()
	defer b.Close()

	const timeout = 100 * time.Millisecond
	w, _ := b.RegisterKind(protocol.RespCodeOK, timeout)

	start := time.Now()
	_, err := w.Wait(context.Background())
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Wait() error = %v, want ErrTimeout", err)
	}
	if elapsed < timeout {
		t.Errorf("timed out after %v, before the %v deadline", elapsed, timeout)
	}
}

func TestWaiterSingleFulfillment(t *testing.T) {
	b := New()
	defer b.Close()

	w, _ := b.RegisterKind(protocol.RespCodeContact, time.Second)

	// Several matching events; the waiter must resolve exactly once,
	// with the first.
	first := event(protocol.RespCodeContact)
	b.Dispatch(first)
	b.Dispatch(event(protocol.RespCodeContact))
	b.Dispatch(event(protocol.RespCodeContact))

	ev, err := w.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if ev != first {
		t.Error("resolved with a later event, want the first match")
	}

	select {
	case out := <-w.ch:
		t.Fatalf("waiter fulfilled twice: %+v", out)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastToMultipleWaiters(t *testing.T) {
	b := New()
	defer b.Close()

	w1, _ := b.RegisterKind(protocol.PushCodeLoginSuccess, time.Second)
	w2, _ := b.Register(func(ev *protocol.Event) bool {
		return ev.IsPush()
	}, time.Second)

	b.Dispatch(event(protocol.PushCodeLoginSuccess))

	if _, err := w1.Wait(context.Background()); err != nil {
		t.Errorf("waiter 1 error = %v", err)
	}
	if _, err := w2.Wait(context.Background()); err != nil {
		t.Errorf("waiter 2 error = %v", err)
	}
}

func TestCancelAllDistinctFromTimeout(t *testing.T) {
	b := New()

	const waiters = 5
	var wg sync.WaitGroup
	errs := make([]error, waiters)

	for i := 0; i < waiters; i++ {
		w, err := b.RegisterKind(protocol.RespCodeOK, time.Minute)
		if err != nil {
			t.Fatalf("RegisterKind() error = %v", err)
		}
		wg.Add(1)
		go func(i int, w *Waiter) {
			defer wg.Done()
			_, errs[i] = w.Wait(context.Background())
		}(i, w)
	}

	b.CancelAll()
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("waiter %d error = %v, want ErrCancelled", i, err)
		}
		if errors.Is(err, ErrTimeout) {
			t.Errorf("waiter %d reported timeout on teardown", i)
		}
	}
	if b.Pending() != 0 {
		t.Errorf("Pending() = %d after CancelAll, want 0", b.Pending())
	}
}

func TestCancelRemovesRegistration(t *testing.T) {
	b := New()
	defer b.Close()

	w, _ := b.RegisterKind(protocol.RespCodeOK, time.Minute)
	b.Cancel(w)

	if _, err := w.Wait(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Wait() error = %v, want ErrCancelled", err)
	}

	// A late matching event must not reach the cancelled waiter.
	b.Dispatch(event(protocol.RespCodeOK))
	select {
	case out := <-w.ch:
		t.Fatalf("cancelled waiter received %+v", out)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWaitContextCancellation(t *testing.T) {
	b := New()
	defer b.Close()

	w, _ := b.RegisterKind(protocol.RespCodeOK, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := w.Wait(ctx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Wait() error = %v, want ErrCancelled", err)
	}
	if b.Pending() != 0 {
		t.Errorf("Pending() = %d after context cancel, want 0", b.Pending())
	}
}

func TestRegisterAfterClose(t *testing.T) {
	b := New()
	b.Close()

	if _, err := b.RegisterKind(protocol.RespCodeOK, time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("RegisterKind() error = %v, want ErrClosed", err)
	}
}

func TestSubscribeReceivesAll(t *testing.T) {
	b := New()
	defer b.Close()

	ch, unsub := b.Subscribe(8)
	defer unsub()

	kinds := []byte{protocol.RespCodeOK, protocol.PushCodeAdvert, protocol.RespCodeContact}
	for _, k := range kinds {
		b.Dispatch(event(k))
	}

	for i, want := range kinds {
		select {
		case ev := <-ch:
			if ev.Kind != want {
				t.Errorf("event %d kind = %#x, want %#x", i, ev.Kind, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := New()
	defer b.Close()

	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		// Nobody reads the subscription; dispatch must not stall.
		for i := 0; i < 10; i++ {
			b.Dispatch(event(protocol.RespCodeOK))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on a slow subscriber")
	}
	if b.Dropped() == 0 {
		t.Error("Dropped() = 0, want drops recorded for the full buffer")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	ch, unsub := b.Subscribe(4)
	unsub()

	b.Dispatch(event(protocol.RespCodeOK))

	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}
}

func TestDispatchOrderPreserved(t *testing.T) {
	b := New()
	defer b.Close()

	ch, unsub := b.Subscribe(64)
	defer unsub()

	var want []byte
	for i := 0; i < 32; i++ {
		k := byte(i % 8)
		want = append(want, k)
		b.Dispatch(event(k))
	}

	for i, k := range want {
		ev := <-ch
		if ev.Kind != k {
			t.Fatalf("event %d kind = %#x, want %#x", i, ev.Kind, k)
		}
	}
}

func TestCloseRacingRegister(t *testing.T) {
	for i := 0; i < 100; i++ {
		b := New()

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					w, err := b.Register(KindIs(protocol.RespCodeOK), time.Minute)
					if err != nil {
						if !errors.Is(err, ErrClosed) {
							t.Errorf("Register() error = %v, want ErrClosed", err)
						}
						return
					}
					if _, err := w.Wait(context.Background()); !errors.Is(err, ErrCancelled) {
						t.Errorf("Wait() error = %v, want ErrCancelled", err)
						return
					}
				}
			}()
		}

		b.Close()
		wg.Wait()
	}
}
