package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saltbo/anima/internal/ids"
)

func TestSubscribeReceivesOnlyMatchingProject(t *testing.T) {
	bus := New(nil)
	projectA := ids.ProjectID("a")
	projectB := ids.ProjectID("b")

	ch, unsubscribe := bus.Subscribe(projectA)
	defer unsubscribe()

	bus.Publish(Event{ProjectID: projectB, Kind: KindStatusChange})
	bus.Publish(Event{ProjectID: projectA, Kind: KindStatusChange, Payload: "woke"})

	select {
	case ev := <-ch:
		require.Equal(t, projectA, ev.ProjectID)
		require.Equal(t, "woke", ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected event, got none")
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}
}

func TestSubscribeAllReceivesEveryProject(t *testing.T) {
	bus := New(nil)
	ch, unsubscribe := bus.SubscribeAll()
	defer unsubscribe()

	bus.Publish(Event{ProjectID: "a", Kind: KindStatusChange})
	bus.Publish(Event{ProjectID: "b", Kind: KindStatusChange})

	for i := 0; i < 2; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("expected event")
		}
	}
}

func TestLossyKindDroppedWhenBufferFull(t *testing.T) {
	bus := New(nil)
	ch, unsubscribe := bus.Subscribe("p")
	defer unsubscribe()

	for i := 0; i < subscriberBufferSize+10; i++ {
		bus.Publish(Event{ProjectID: "p", Kind: KindAgentStreamChunk})
	}

	// The channel should be full but Publish must not have blocked.
	require.Len(t, ch, subscriberBufferSize)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(nil)
	ch, unsubscribe := bus.Subscribe("p")
	unsubscribe()

	_, ok := <-ch
	require.False(t, ok)
}

func TestPublishAfterUnsubscribeDoesNotPanic(t *testing.T) {
	bus := New(nil)
	_, unsubscribe := bus.Subscribe("p")
	unsubscribe()

	require.NotPanics(t, func() {
		bus.Publish(Event{ProjectID: "p", Kind: KindStatusChange})
	})
}

type recordingSink struct {
	events []Event
}

func (r *recordingSink) Append(ev Event) error {
	r.events = append(r.events, ev)
	return nil
}

func TestSinkReceivesEveryPublishedEvent(t *testing.T) {
	sink := &recordingSink{}
	bus := New(sink)

	bus.Publish(Event{ProjectID: "p", Kind: KindRecovered})
	require.Len(t, sink.events, 1)
	require.Equal(t, KindRecovered, sink.events[0].Kind)
	require.NotEmpty(t, sink.events[0].ID)
	require.False(t, sink.events[0].Timestamp.IsZero())
}
