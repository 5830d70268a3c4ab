package broadcast

import (
	"testing"
	"time"
)

func TestBroadcasterFanOut(t *testing.T) {
	b := New[string]()
	_, a := b.Subscribe(4)
	_, c := b.Subscribe(4)

	b.Send("idle")

	for i, ch := range []<-chan string{a, c} {
		select {
		case v := <-ch:
			if v != "idle" {
				t.Fatalf("listener %d got %q", i, v)
			}
		case <-time.After(time.Second):
			t.Fatalf("listener %d: no value", i)
		}
	}
}

func TestBroadcasterDropsSlowConsumer(t *testing.T) {
	b := New[int]()
	_, ch := b.Subscribe(1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Send(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full listener")
	}
	if v := <-ch; v != 0 {
		t.Fatalf("first value = %d, want 0", v)
	}
}

func TestBroadcasterUnsubscribeAndClose(t *testing.T) {
	b := New[int]()
	id, ch := b.Subscribe(1)
	b.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
	b.Unsubscribe(id) // second call is a no-op

	_, ch2 := b.Subscribe(1)
	b.Close()
	b.Close()
	if _, ok := <-ch2; ok {
		t.Fatal("channel should be closed after Close")
	}
	b.Send(1)

	_, ch3 := b.Subscribe(1)
	if _, ok := <-ch3; ok {
		t.Fatal("subscribing after Close should yield a closed channel")
	}
	if b.Len() != 0 {
		t.Fatalf("Len = %d, want 0", b.Len())
	}
}

func TestWatcher(t *testing.T) {
	w := NewWatcher("starting")
	changed := w.Changed()

	if w.Set("starting") {
		t.Fatal("Set of same value should report false")
	}
	select {
	case <-changed:
		t.Fatal("Changed fired without a change")
	default:
	}

	if !w.Set("idle") {
		t.Fatal("Set should report true")
	}
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("Changed did not fire")
	}
	if got := w.Get(); got != "idle" {
		t.Fatalf("Get = %q", got)
	}

	v, next := w.Snapshot()
	if v != "idle" {
		t.Fatalf("Snapshot = %q", v)
	}
	w.Set("busy")
	<-next
}
