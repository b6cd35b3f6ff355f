// ABOUTME: Tests for the fleet event broadcaster, bus and NATS publisher
// ABOUTME: Covers filtering, slow subscribers, cancellation and sink fan-out

package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "channel closed")
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context())
	ch2, _ := b.Subscribe(t.Context())

	evt := New(KindAgentConnected)
	evt.AgentID = "a1"
	b.Publish(evt)

	assert.Equal(t, "a1", receive(t, ch1).AgentID)
	assert.Equal(t, "a1", receive(t, ch2).AgentID)
}

func TestBroadcaster_KindFilter(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), KindPushFailed)

	b.Publish(New(KindAgentConnected))
	b.Publish(New(KindPushFailed))

	assert.Equal(t, KindPushFailed, receive(t, ch).Kind)
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %s", evt.Kind)
	default:
	}
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	_, _ = b.Subscribe(t.Context())

	done := make(chan struct{})
	go func() {
		for range subscriberBufferSize * 3 {
			b.Publish(New(KindAgentSynced))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := b.Subscribe(ctx)
	require.Equal(t, 1, b.Count())

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Eventually(t, func() bool { return b.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestBroadcaster_CloseClosesChannels(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, _ := b.Subscribe(t.Context())
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	// publishing and subscribing after close are harmless
	b.Publish(New(KindAgentConnected))
	late, _ := b.Subscribe(t.Context())
	_, ok = <-late
	assert.False(t, ok)
}

func TestBroadcaster_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, id := b.Subscribe(t.Context())
			for range 20 {
				b.Publish(New(KindAgentSynced))
			}
			b.Unsubscribe(id)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.Count())
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Publish(evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return s.err
}

func TestBus_EmitReachesSubscribersAndSinks(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ok := &recordingSink{}
	failing := &recordingSink{err: errors.New("down")}
	bus.AddSink(failing)
	bus.AddSink(ok)

	ch, _ := bus.Subscribe(t.Context())
	bus.Emit(Event{Kind: KindConfigActivated, ConfigID: "c1"})

	got := receive(t, ch)
	assert.Equal(t, "c1", got.ConfigID)
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Time.IsZero())

	require.Len(t, ok.events, 1)
	require.Len(t, failing.events, 1)
	assert.Equal(t, got.ID, ok.events[0].ID)
}

func TestBus_NilIsNoop(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Emit(New(KindAgentConnected)) })
}

func TestNATSPublisher_Subject(t *testing.T) {
	p := NewNATSPublisher(nil, "", nil)
	assert.Equal(t, "opamp.fleet.push.failed", p.Subject(KindPushFailed))

	custom := NewNATSPublisher(nil, "acme.fleet", nil)
	assert.Equal(t, "acme.fleet.agent.synced", custom.Subject(KindAgentSynced))
}

func TestNATSPublisher_WithoutConnection(t *testing.T) {
	p := NewNATSPublisher(nil, "", nil)
	err := p.Publish(New(KindAgentConnected))
	assert.ErrorIs(t, err, errNATSUnavailable)
	assert.NotPanics(t, p.Close)
}

func TestDialNATS_Unreachable(t *testing.T) {
	_, err := DialNATS("nats://127.0.0.1:1", "", nil)
	assert.Error(t, err)
}
