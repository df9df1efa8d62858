// Package bus provides per-run publish/subscribe fan-out for live event
// streaming. The bus is a convenience layer over the event log: subscribers
// that need completeness must first catch up via cursor-paged reads and only
// then subscribe, de-duplicating by span_id.
package bus

import (
	"context"
	"sync"

	"github.com/fluxgate-ai/agentrun/event"
	"github.com/fluxgate-ai/agentrun/scope"
)

// DefaultInboxCapacity bounds each subscriber's inbox. When full, further
// events for that subscriber are dropped (drop-newest); the subscriber is
// expected to recover via cursor-paged reads.
const DefaultInboxCapacity = 256

// Subscription is a bounded-capacity inbox of events for one run. Callers
// range over Events() until Close is called or the channel closes.
type Subscription struct {
	events  chan event.Event
	dropped chan struct{}
	bus     *Bus
	runID   string
	once    sync.Once
}

// Events returns the channel of delivered events. It closes when the
// subscription is closed.
func (s *Subscription) Events() <-chan event.Event {
	return s.events
}

// Dropped returns a channel that receives a signal when one or more events
// were dropped for this subscriber due to a full inbox; drops that occur
// before the signal is read share one signal. Callers that observe a drop
// should fall back to cursor-paged catch-up.
func (s *Subscription) Dropped() <-chan struct{} {
	return s.dropped
}

// Close unregisters the subscription. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.runID, s)
		close(s.events)
	})
}

// Bus is an in-process, per-run publish/subscribe fan-out.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe opens a bounded inbox for runID. The returned Subscription must
// be closed by the caller when done (e.g. on client disconnect).
func (b *Bus) Subscribe(runID string) *Subscription {
	return b.SubscribeWithCapacity(runID, DefaultInboxCapacity)
}

// SubscribeWithCapacity is Subscribe with an explicit inbox capacity.
func (b *Bus) SubscribeWithCapacity(runID string, capacity int) *Subscription {
	sub := &Subscription{
		events:  make(chan event.Event, capacity),
		dropped: make(chan struct{}, 1),
		bus:     b,
		runID:   runID,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[*Subscription]struct{})
	}
	b.subs[runID][sub] = struct{}{}
	return sub
}

// Publish delivers e to every current subscriber of e.RunID. Non-blocking:
// a subscriber whose inbox is full has the event dropped for it, and a
// non-blocking drop signal is sent on its Dropped channel. Publish makes no
// ordering guarantee across concurrent publishers, but events from a single
// publisher are delivered to a given subscriber in call order because the
// fan-out loop below does not reorder.
func (b *Bus) Publish(e event.Event) {
	b.mu.RLock()
	subs := b.subs[e.RunID]
	targets := make([]*Subscription, 0, len(subs))
	for sub := range subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.events <- e:
		default:
			select {
			case sub.dropped <- struct{}{}:
			default:
			}
		}
	}
}

// publishingStore wraps an event.Store so that every successfully appended
// event is also published to a Bus, fulfilling the "each step appends events
// through the Event Log, which also pushes to the Event Bus" contract.
// ReadPage is promoted untouched via the embedded Store.
type publishingStore struct {
	event.Store
	bus *Bus
}

// Decorate wraps store so AppendOne/AppendMany also publish each appended
// event to b. Scope binding, cursor semantics, and every other Store method
// are delegated to store unchanged.
func Decorate(store event.Store, b *Bus) event.Store {
	return &publishingStore{Store: store, bus: b}
}

func (p *publishingStore) AppendOne(ctx context.Context, sc scope.Scope, e event.Event) (int64, error) {
	id, err := p.Store.AppendOne(ctx, sc, e)
	if err != nil {
		return id, err
	}
	e.ID = id
	p.bus.Publish(e)
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
		p.bus.Publish(e)
	}
	return ids, nil
}

func (b *Bus) unsubscribe(runID string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[runID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, runID)
		}
	}
}
