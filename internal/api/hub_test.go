package api

import (
	"testing"
	"time"

	"github.com/mhdrizwan95-netizen/l2-dash/pkg/types"
)

func TestHubDropsSlowClient(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	go h.Run()
	t.Cleanup(h.Stop)

	// An unbuffered send channel with no reader stands in for a client
	// that has stopped draining its stream.
	c := &client{send: make(chan []byte)}
	h.register <- c

	h.BroadcastTick(types.Tick{Symbol: "AAPL", Mid: 100})
	time.Sleep(100 * time.Millisecond)

	select {
	case _, ok := <-c.send:
		if ok {
			t.Fatal("received a frame, expected the client to be dropped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send channel never closed")
	}
}

func TestHubStopDisconnectsClients(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	go h.Run()

	c := &client{send: make(chan []byte, 1)}
	h.register <- c

	h.Stop()

	select {
	case _, ok := <-c.send:
		if ok {
			t.Fatal("expected closed channel after Stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send channel never closed")
	}
}

func TestBroadcastDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	// No Run loop draining the broadcast channel: filling it past its
	// buffer must not block the publisher.
	h := NewHub(testLogger())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < broadcastBuffer+10; i++ {
			h.BroadcastTick(types.Tick{Symbol: "AAPL", Mid: float64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("BroadcastTick blocked on a full queue")
	}
}
