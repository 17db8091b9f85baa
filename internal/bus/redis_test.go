package bus

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisBus_DispatchDoesNotSerializeHandlers(t *testing.T) {
	b := NewRedisBus(nil, nil)

	ch := make(chan *redis.Message, 2)
	ch <- &redis.Message{Payload: "room-a"}
	ch <- &redis.Message{Payload: "room-b"}
	close(ch)

	release := make(chan struct{})
	started := make(chan string, 2)
	go b.dispatch(ch, func(_ context.Context, payload []byte) {
		started <- string(payload)
		if string(payload) == "room-a" {
			// A long in-handler wait, like the worker sleeping out a rate
			// hint. The other room's job must still start.
			<-release
		}
	})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case p := <-started:
			seen[p] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("second handler never started while first was blocked; started %v", seen)
		}
	}
	if !seen["room-a"] || !seen["room-b"] {
		t.Fatalf("expected both rooms dispatched, got %v", seen)
	}

	close(release)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
