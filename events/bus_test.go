package events

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/bsv-infra/p2pcore/errs"
)

// drainControl reads every currently-queued event off ch without blocking.
func drainControl(ch <-chan ControlEvent) []ControlEvent {
	var out []ControlEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestControlBusDeliversToAllSubscribers(t *testing.T) {
	b := NewControlBus()
	chA, _ := b.Subscribe()
	chB, _ := b.Subscribe()

	id := uuid.New()
	b.Publish(ControlEvent{Kind: HandshakeComplete, PeerID: id})

	require.Equal(t, HandshakeComplete, (<-chA).Kind)
	require.Equal(t, HandshakeComplete, (<-chB).Kind)
}

func TestControlBusLateSubscriberMissesHistory(t *testing.T) {
	b := NewControlBus()
	b.Publish(ControlEvent{Kind: ConnectionEstablished})

	ch, _ := b.Subscribe()
	select {
	case ev := <-ch:
		t.Fatalf("late subscriber unexpectedly received replayed event: %+v", ev)
	default:
	}
}

func TestControlBusDropOldestUnderOverflow(t *testing.T) {
	b := NewControlBus()
	ch, _ := b.Subscribe()

	for i := 0; i < Capacity+10; i++ {
		b.Publish(ControlEvent{Kind: ConnectionLost})
	}

	require.Len(t, ch, Capacity)
	// The channel must never block a publisher regardless of overflow.
	b.Publish(ControlEvent{Kind: PeerBanned})
	require.Len(t, ch, Capacity)
}

func TestControlBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewControlBus()
	ch, unsub := b.Subscribe()
	unsub()

	b.Publish(ControlEvent{Kind: ConnectionEstablished})
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unsubscribed channel received event: %+v", ev)
		}
	default:
	}
}

func TestMessageBusDeliversToAllSubscribers(t *testing.T) {
	b := NewMessageBus()
	chA, _ := b.Subscribe()
	chB, _ := b.Subscribe()

	id := uuid.New()
	b.Publish(BitcoinMessageEvent{PeerID: id})

	require.Equal(t, id, (<-chA).PeerID)
	require.Equal(t, id, (<-chB).PeerID)
}

func TestControlBusInformsSubscriberOfDroppedEvents(t *testing.T) {
	b := NewControlBus()
	ch, _ := b.Subscribe()

	for i := 0; i < Capacity+1; i++ {
		b.Publish(ControlEvent{Kind: ConnectionLost})
	}
	// The channel is now full and one event has already been silently
	// evicted to make room for the last Publish above; the subscriber
	// hasn't been told yet — the sentinel rides the next delivery.
	b.Publish(ControlEvent{Kind: PeerBanned})

	got := drainControl(ch)
	require.NotEmpty(t, got)

	var sawSentinel, sawBan bool
	for _, ev := range got {
		switch ev.Kind {
		case EventsDropped:
			sawSentinel = true
			require.Greater(t, ev.DroppedCount, 0)
			require.ErrorIs(t, ev.Reason, errs.ErrEventsDropped)
		case PeerBanned:
			sawBan = true
		}
	}
	require.True(t, sawSentinel, "subscriber must be informed of dropped events")
	require.True(t, sawBan, "normal delivery must resume after the sentinel")
}

func TestControlBusNoSentinelWithoutOverflow(t *testing.T) {
	b := NewControlBus()
	ch, _ := b.Subscribe()

	b.Publish(ControlEvent{Kind: ConnectionEstablished})
	b.Publish(ControlEvent{Kind: HandshakeComplete})

	got := drainControl(ch)
	require.Len(t, got, 2)
	for _, ev := range got {
		require.NotEqual(t, EventsDropped, ev.Kind)
	}
}

func TestMessageBusInformsSubscriberOfDroppedEvents(t *testing.T) {
	b := NewMessageBus()
	ch, _ := b.Subscribe()
	id := uuid.New()

	for i := 0; i < Capacity+1; i++ {
		b.Publish(BitcoinMessageEvent{PeerID: id})
	}
	b.Publish(BitcoinMessageEvent{PeerID: id})

	var sawSentinel bool
	for {
		select {
		case ev := <-ch:
			if ev.DroppedCount > 0 {
				sawSentinel = true
				require.Nil(t, ev.Message, "the sentinel carries no decoded message")
			}
		default:
			require.True(t, sawSentinel, "subscriber must be informed of dropped events")
			return
		}
	}
}
