// Package notify publishes typed state-change events to subscribers (UI
// push). Delivery is best effort: the core never blocks on a slow consumer
// and stays correct when events are lost, because clients reconcile by
// polling status.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-longpoll"
	"github.com/rs/zerolog"

	"cupid/configs"
)

type EventType string

const (
	EventStateChanged     EventType = "participant_state_changed"
	EventMatchCreated     EventType = "match_created"
	EventVoteRecorded     EventType = "vote_recorded"
	EventOutcomeResolved  EventType = "outcome_resolved"
	EventQueueExpanded    EventType = "queue_expanded"
	EventOfflineDetected  EventType = "offline_detected"
	EventOfflineFinalized EventType = "offline_finalized"
	EventGuardianRepair   EventType = "guardian_repair"
)

// Event is the wire shape pushed to subscribers.
type Event struct {
	Type    EventType `json:"type"`
	PID     uint64    `json:"pid,omitempty"`
	Partner uint64    `json:"partner,omitempty"`
	MatchID uint64    `json:"match_id,omitempty"`
	State   string    `json:"state,omitempty"`
	Outcome string    `json:"outcome,omitempty"`
	Stage   int       `json:"stage,omitempty"`
	At      time.Time `json:"at"`
}

type subscriber struct {
	ch   chan Event
	pids map[uint64]bool // empty = all participants
}

// Broker fans events out to subscribers over bounded buffers. A full
// buffer drops the oldest event and counts the drop.
type Broker struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextSub uint64
	dropped uint64
	logger  zerolog.Logger
}

func NewBroker(logger zerolog.Logger) *Broker {
	return &Broker{
		subs:   make(map[uint64]*subscriber),
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

// Publish delivers ev to every interested subscriber without blocking.
func (b *Broker) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.pids) > 0 && !sub.pids[ev.PID] && !sub.pids[ev.Partner] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Drop the oldest buffered event to make room; the consumer
			// reconciles through status polling.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				atomic.AddUint64(&b.dropped, 1)
				b.logger.Debug().Str("type", string(ev.Type)).Uint64("pid", ev.PID).
					Msg("event dropped on full subscriber buffer")
			}
		}
	}
}

// Subscribe registers a feed for the given pids (nil = firehose). Cancel by
// calling the returned unsubscribe func; the channel closes afterwards.
func (b *Broker) Subscribe(pids []uint64) (<-chan Event, func()) {
	sub := &subscriber{
		ch:   make(chan Event, configs.NotifyBufferSize),
		pids: make(map[uint64]bool, len(pids)),
	}
	for _, pid := range pids {
		sub.pids[pid] = true
	}
	b.mu.Lock()
	b.nextSub++
	id := b.nextSub
	b.subs[id] = sub
	b.mu.Unlock()
	return sub.ch, func() {
		b.mu.Lock()
		if cur, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(cur.ch)
		}
		b.mu.Unlock()
	}
}

// Dropped reports how many events were discarded on full buffers.
func (b *Broker) Dropped() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

// Dispatch drains a subscription in batches: events are collected via
// longpoll (up to 16 per batch, 50 ms partial timeout) and handed to deliver
// as one slice per wakeup. Returns when ctx ends or the feed closes.
func Dispatch(ctx context.Context, feed <-chan Event, deliver func([]Event) error) error {
	cfg := &longpoll.ChannelConfig{MaxSize: 16, MinSize: -1, PartialTimeout: 50 * time.Millisecond}
	for {
		batch := make([]Event, 0, 16)
		err := longpoll.Channel(ctx, cfg, feed, func(ev Event) error {
			batch = append(batch, ev)
			return nil
		})
		if len(batch) > 0 {
			if derr := deliver(batch); derr != nil {
				return derr
			}
		}
		if err != nil {
			return err
		}
	}
}
