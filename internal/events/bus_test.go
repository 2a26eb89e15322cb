package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeAndPublishDelivers(t *testing.T) {
	b := New()
	sub := b.Subscribe(nil)
	defer sub.Unsubscribe()

	b.Publish(Event{ProjectID: "p1", Kind: KindStatusChange})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, KindStatusChange, ev.Kind)
		assert.Equal(t, "p1", ev.ProjectID)
		assert.False(t, ev.Timestamp.IsZero(), "Publish should stamp a zero timestamp")
	case <-time.After(time.Second):
		t.Fatal("event was never delivered")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe(nil)
	sub.Unsubscribe()

	b.Publish(Event{Kind: KindStatusChange})

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok, "channel should be closed, not deliver a stale event")
	case <-time.After(time.Second):
		t.Fatal("expected the channel to be closed after Unsubscribe")
	}
}

func TestCancelChannelUnsubscribes(t *testing.T) {
	b := New()
	cancel := make(chan struct{})
	sub := b.Subscribe(cancel)
	close(cancel)

	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return len(b.subs) == 0
	}, time.Second, 5*time.Millisecond)

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected the channel to be closed after the cancel signal")
	}
}

// drainAvailable reads every event currently queued for sub, returning
// once no further event arrives within the grace window. Used instead
// of asserting an exact channel length, since delivery now runs through
// a background pump goroutine rather than a single buffered channel.
func drainAvailable(sub *Subscription, grace time.Duration) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(grace):
			return out
		}
	}
}

func TestLossyChunkEventDroppedWhenSubscriberFull(t *testing.T) {
	b := New()
	sub := b.Subscribe(nil)
	defer sub.Unsubscribe()

	const published = bufferedChunks + 50
	for i := 0; i < published; i++ {
		b.Publish(Event{Kind: KindAgentStreamChunk, Payload: i})
	}

	received := drainAvailable(sub, 200*time.Millisecond)
	assert.Less(t, len(received), published, "a slow subscriber must drop some lossy events rather than block the publisher")
	assert.LessOrEqual(t, len(received), bufferedChunks+1, "at most the buffered backlog plus one in-flight event should have survived")
}

func TestTerminalEventsAreNeverDropped(t *testing.T) {
	b := New()
	sub := b.Subscribe(nil)
	defer sub.Unsubscribe()

	// Flood the lossy side well past its buffer without draining, then
	// publish a terminal event behind that backlog.
	for i := 0; i < bufferedChunks*3; i++ {
		b.Publish(Event{Kind: KindAgentStreamChunk})
	}
	b.Publish(Event{Kind: KindVerdict})

	received := drainAvailable(sub, 500*time.Millisecond)
	var sawVerdict bool
	for _, ev := range received {
		if ev.Kind == KindVerdict {
			sawVerdict = true
		}
	}
	assert.True(t, sawVerdict, "a terminal event must survive a full backlog of lossy events rather than being silently dropped")
}

func TestMultipleSubscribersEachGetTheirOwnCopy(t *testing.T) {
	b := New()
	sub1 := b.Subscribe(nil)
	sub2 := b.Subscribe(nil)
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	b.Publish(Event{Kind: KindRoundStarted})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, KindRoundStarted, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("every subscriber should receive the event")
		}
	}
}
