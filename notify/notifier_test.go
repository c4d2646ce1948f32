package notify

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cupid/configs"
)

func TestPublishToInterestedSubscribers(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	feedA, cancelA := b.Subscribe([]uint64{1})
	defer cancelA()
	feedB, cancelB := b.Subscribe([]uint64{2})
	defer cancelB()
	firehose, cancelC := b.Subscribe(nil)
	defer cancelC()

	b.Publish(Event{Type: EventMatchCreated, PID: 1, Partner: 3})

	select {
	case ev := <-feedA:
		assert.Equal(t, EventMatchCreated, ev.Type)
		assert.False(t, ev.At.IsZero())
	default:
		t.Fatal("subscriber for pid 1 missed the event")
	}
	select {
	case <-feedB:
		t.Fatal("subscriber for pid 2 got an unrelated event")
	default:
	}
	select {
	case <-firehose:
	default:
		t.Fatal("firehose subscriber missed the event")
	}
}

func TestPartnerFilterMatches(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	feed, cancel := b.Subscribe([]uint64{3})
	defer cancel()

	// Events mentioning the pid as partner are delivered too.
	b.Publish(Event{Type: EventMatchCreated, PID: 1, Partner: 3})
	select {
	case <-feed:
	default:
		t.Fatal("partner-side event not delivered")
	}
}

func TestFullBufferDropsOldest(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	feed, cancel := b.Subscribe([]uint64{1})
	defer cancel()

	total := configs.NotifyBufferSize + 10
	for i := 0; i < total; i++ {
		b.Publish(Event{Type: EventStateChanged, PID: 1, Stage: i})
	}

	received := 0
	var first Event
	for {
		select {
		case ev := <-feed:
			if received == 0 {
				first = ev
			}
			received++
			continue
		default:
		}
		break
	}
	assert.Equal(t, configs.NotifyBufferSize, received)
	assert.Greater(t, first.Stage, 0, "the oldest events were dropped, not the newest")
}

func TestUnsubscribeClosesFeed(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	feed, cancel := b.Subscribe(nil)
	cancel()
	_, open := <-feed
	assert.False(t, open)
	// Publishing after unsubscribe must not panic on the closed channel.
	b.Publish(Event{Type: EventStateChanged, PID: 1})
}

func TestDispatchBatches(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	feed, cancel := b.Subscribe([]uint64{1})
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventStateChanged, PID: 1})
	}

	ctx, stop := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer stop()
	got := 0
	err := Dispatch(ctx, feed, func(batch []Event) error {
		got += len(batch)
		if got >= 5 {
			stop()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 5, got)
}
