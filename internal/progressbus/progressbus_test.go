package progressbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundforge/internal/model"
)

func TestPublishDeliversToMatchingSubscriberOnly(t *testing.T) {
	bus := New(8)
	defer bus.Close()

	subA := bus.Subscribe("a")
	defer subA.Close()
	subAll := bus.Subscribe("")
	defer subAll.Close()

	bus.Publish(model.ProgressEvent{FileID: "a", Progress: 10})
	bus.Publish(model.ProgressEvent{FileID: "b", Progress: 10})

	select {
	case ev := <-subA.Events:
		assert.Equal(t, "a", ev.FileID)
	case <-time.After(time.Second):
		t.Fatal("expected event for subscriber filtered to file a")
	}
	select {
	case ev := <-subA.Events:
		t.Fatalf("filtered subscriber should not see file b event: %+v", ev)
	default:
	}

	seen := 0
	for i := 0; i < 2; i++ {
		select {
		case <-subAll.Events:
			seen++
		case <-time.After(time.Second):
		}
	}
	assert.Equal(t, 2, seen)
}

func TestTerminalEventNeverDropped(t *testing.T) {
	bus := New(2)
	defer bus.Close()

	sub := bus.Subscribe("f1")
	defer sub.Close()

	// Overflow the queue well past its bound before the subscriber reads
	// anything; intermediate events may be dropped but the terminal event
	// must still arrive.
	for p := 1; p <= 20; p++ {
		bus.Publish(model.ProgressEvent{FileID: "f1", Progress: p})
	}
	bus.Publish(model.ProgressEvent{FileID: "f1", Progress: 100})

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub.Events:
			if ev.Progress == 100 {
				return
			}
		case <-deadline:
			t.Fatal("terminal event was not delivered")
		}
	}
}

func TestOverflowDropsOldestNonTerminalFirst(t *testing.T) {
	bus := New(2)
	defer bus.Close()

	sub := bus.Subscribe("f1")
	defer sub.Close()

	// Terminal event enqueued first, then enough non-terminal events to
	// overflow: the terminal event must survive the eviction.
	bus.Publish(model.ProgressEvent{FileID: "f1", Stage: model.StageSeparation, Progress: 100})
	for p := 1; p <= 10; p++ {
		bus.Publish(model.ProgressEvent{FileID: "f1", Stage: model.StageTranscription, Progress: p})
	}

	sawTerminal := false
	deadline := time.After(time.Second)
	for !sawTerminal {
		select {
		case ev := <-sub.Events:
			if ev.Terminal() {
				assert.Equal(t, model.StageSeparation, ev.Stage)
				sawTerminal = true
			}
		case <-deadline:
			t.Fatal("terminal event was evicted by non-terminal overflow")
		}
	}
}

func TestCloseTerminatesSubscriptions(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe("")

	bus.Close()

	_, ok := <-sub.Events
	assert.False(t, ok, "channel should be closed")

	assert.NotPanics(t, func() { sub.Close() })
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(4)
	defer bus.Close()

	sub := bus.Subscribe("f1")
	sub.Close()

	require.NotPanics(t, func() {
		bus.Publish(model.ProgressEvent{FileID: "f1", Progress: 50})
	})
}
