// Package redisbus provides a Redis Pub/Sub-backed variant of bus.Bus for
// deployments running more than one runtime process. Each run gets its own
// channel, named by run id, so a subscriber on any process instance observes
// events published by the agent loop on any other instance.
package redisbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/fluxgate-ai/agentrun/bus"
	"github.com/fluxgate-ai/agentrun/event"
	"github.com/fluxgate-ai/agentrun/scope"
)

const channelPrefix = "agentrun:run:"

func channelFor(runID string) string {
	return channelPrefix + runID
}

// Bus fans events out across processes via Redis Pub/Sub, applying the same
// bounded-inbox, drop-newest policy as bus.Bus on the receiving side.
type Bus struct {
	client *redis.Client
}

// New wraps an existing Redis client.
func New(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// Publish serializes e and publishes it to e.RunID's channel. Delivery to
// remote subscribers is best-effort; a Redis outage drops live updates but
// the event log remains the source of truth.
func (b *Bus) Publish(ctx context.Context, e event.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channelFor(e.RunID), raw).Err()
}

// publishingStore wraps an event.Store so every successfully appended event
// is also published across the Redis channel for its run. Publish failures
// are logged nowhere and swallowed: a Redis outage must never fail a run's
// event append, only its live cross-process fan-out.
type publishingStore struct {
	event.Store
	bus *Bus
}

// Decorate wraps store so AppendOne/AppendMany also publish each appended
// event to b over Redis. ReadPage and every other Store method delegate to
// store unchanged.
func Decorate(store event.Store, b *Bus) event.Store {
	return &publishingStore{Store: store, bus: b}
}

func (p *publishingStore) AppendOne(ctx context.Context, sc scope.Scope, e event.Event) (int64, error) {
	id, err := p.Store.AppendOne(ctx, sc, e)
	if err != nil {
		return id, err
	}
	e.ID = id
	_ = p.bus.Publish(ctx, e)
	return id, nil
}

func (p *publishingStore) AppendMany(ctx context.Context, sc scope.Scope, events []event.Event) ([]int64, error) {
	ids, err := p.Store.AppendMany(ctx, sc, events)
	if err != nil {
		return ids, err
	}
	for i, id := range ids {
		e := events[i]
		e.ID = id
		_ = p.bus.Publish(ctx, e)
	}
	return ids, nil
}

// Subscription mirrors bus.Subscription's shape over a Redis PubSub
// connection: a bounded local inbox fed by a background goroutine that
// drops events when the consumer falls behind.
type Subscription struct {
	pubsub  *redis.PubSub
	events  chan event.Event
	dropped chan struct{}
	cancel  context.CancelFunc
	once    sync.Once
}

// Events returns the channel of delivered events.
func (s *Subscription) Events() <-chan event.Event {
	return s.events
}

// Dropped signals when one or more events were dropped due to a full local
// inbox; drops that occur before the signal is read share one signal.
func (s *Subscription) Dropped() <-chan struct{} {
	return s.dropped
}

// Close stops the background relay and closes the underlying Redis
// subscription. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		_ = s.pubsub.Close()
		close(s.events)
	})
}

// Subscribe opens a Redis PubSub subscription for runID and relays messages
// into a bounded local channel with the same capacity as bus.Bus.
func (b *Bus) Subscribe(ctx context.Context, runID string) *Subscription {
	return b.SubscribeWithCapacity(ctx, runID, bus.DefaultInboxCapacity)
}

// SubscribeWithCapacity is Subscribe with an explicit inbox capacity.
func (b *Bus) SubscribeWithCapacity(ctx context.Context, runID string, capacity int) *Subscription {
	pubsub := b.client.Subscribe(ctx, channelFor(runID))
	relayCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		pubsub:  pubsub,
		events:  make(chan event.Event, capacity),
		dropped: make(chan struct{}, 1),
		cancel:  cancel,
	}

	go sub.relay(relayCtx, pubsub.Channel())
	return sub
}

func (s *Subscription) relay(ctx context.Context, msgs <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var e event.Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				continue
			}
			select {
			case s.events <- e:
			default:
				select {
				case s.dropped <- struct{}{}:
				default:
				}
			}
		}
	}
}
