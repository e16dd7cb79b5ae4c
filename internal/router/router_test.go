package router

import (
	"context"
	"testing"
	"time"

	"github.com/kstaniek/cot-relay/internal/cot"
)

func testEvent(uid string) *cot.Event {
	ev := cot.New(uid, "a-f-G-U-C", time.Now().UTC(), time.Minute, cot.Point{})
	return &ev
}

func TestRouteSkipsOriginator(t *testing.T) {
	r := New()
	a := r.Register()
	b := r.Register()

	r.Route(context.Background(), a.ID, testEvent("from-a"))

	select {
	case ev := <-b.Out:
		if ev.UID != "from-a" {
			t.Fatalf("unexpected event at b: %+v", ev)
		}
	default:
		t.Fatal("expected b to receive the routed event")
	}

	select {
	case ev := <-a.Out:
		t.Fatalf("originator should not receive its own event, got %+v", ev)
	default:
	}
}

func TestRouteFanoutToAllOthers(t *testing.T) {
	r := New()
	a := r.Register()
	b := r.Register()
	c := r.Register()

	r.Route(context.Background(), a.ID, testEvent("broadcast"))

	for _, client := range []*Client{b, c} {
		select {
		case <-client.Out:
		default:
			t.Fatalf("client %d did not receive broadcast", client.ID)
		}
	}
}

func TestUnregisterStopsFutureRouting(t *testing.T) {
	r := New()
	a := r.Register()
	b := r.Register()
	r.Unregister(b.ID)

	r.Route(context.Background(), a.ID, testEvent("after-unregister"))

	select {
	case ev := <-b.Out:
		t.Fatalf("unregistered client should not receive events, got %+v", ev)
	default:
	}
	if r.Count() != 1 {
		t.Fatalf("expected 1 registered client, got %d", r.Count())
	}
}

func TestPolicyDropDiscardsWhenQueueFull(t *testing.T) {
	r := New(WithCapacity(1), WithPolicy(PolicyDrop))
	a := r.Register()
	b := r.Register()

	r.Route(context.Background(), a.ID, testEvent("first"))  // fills b's queue
	r.Route(context.Background(), a.ID, testEvent("second")) // should be dropped, not block

	if len(b.Out) != 1 {
		t.Fatalf("expected queue to retain only the first event, got depth %d", len(b.Out))
	}
	got := <-b.Out
	if got.UID != "first" {
		t.Fatalf("expected first event to survive, got %q", got.UID)
	}
}

func TestPolicyBlockWaitsForRoom(t *testing.T) {
	r := New(WithCapacity(1))
	a := r.Register()
	b := r.Register()

	r.Route(context.Background(), a.ID, testEvent("first")) // fills b's queue

	done := make(chan struct{})
	go func() {
		r.Route(context.Background(), a.ID, testEvent("second"))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected Route to block while b's queue is full")
	case <-time.After(20 * time.Millisecond):
	}

	<-b.Out // drain the first event, making room
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Route to complete once room became available")
	}
}

func TestPolicyBlockAbortsOnContextCancel(t *testing.T) {
	r := New(WithCapacity(1))
	a := r.Register()
	_ = r.Register() // b, left full for the duration of the test

	r.Route(context.Background(), a.ID, testEvent("first"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Route(ctx, a.ID, testEvent("second"))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Route to abort promptly after context cancellation")
	}
}

func TestCloseDuringRouteUnregistersClient(t *testing.T) {
	r := New()
	a := r.Register()
	b := r.Register()
	b.Close()

	r.Route(context.Background(), a.ID, testEvent("after-close"))

	if r.Count() != 1 {
		t.Fatalf("expected closed client to be unregistered, count=%d", r.Count())
	}
}
