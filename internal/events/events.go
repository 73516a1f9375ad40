// Package events implements the PRFC incident bus (C11, spec §4.12): a
// bounded, non-blocking fan-out bus carrying tagged model.Incident records
// to subscribers (outside tests, no package in this module subscribes).
// Grounded on
// the teacher's event bus (single-writer subscriber map, drop-on-full,
// published/dropped counters), generalised from a loose Event envelope to
// the tagged Incident variant.
package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/relaygrid/prfc/internal/model"
	"github.com/relaygrid/prfc/internal/tracing"
)

const defaultBuffer = 64

// Subscription is a handle representing one consumer of incidents.
type Subscription interface {
	C() <-chan model.Incident
	Close()
	ID() int64
}

// Stats reports bus-wide and per-subscriber counters (spec P10).
type Stats struct {
	Subscribers        int
	Published          uint64
	Dropped             uint64
	PerSubscriberDrops map[int64]uint64
}

// Bus is the incident fan-out contract.
type Bus interface {
	Publish(i model.Incident)
	PublishCtx(ctx context.Context, i model.Incident)
	Subscribe(buffer int) Subscription
	Unsubscribe(sub Subscription)
	Stats() Stats
}

type subscriber struct {
	id      int64
	ch      chan model.Incident
	dropped atomic.Uint64
	bus     *bus
}

func (s *subscriber) C() <-chan model.Incident { return s.ch }
func (s *subscriber) ID() int64                { return s.id }
func (s *subscriber) Close()                   { s.bus.Unsubscribe(s) }

type bus struct {
	mu        sync.RWMutex
	subs      map[int64]*subscriber
	nextID    int64
	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus constructs an empty incident bus.
func NewBus() Bus {
	return &bus{subs: make(map[int64]*subscriber)}
}

// Publish fans i out to every subscriber without blocking: a subscriber
// whose buffer is full has the incident dropped and counted, never stalling
// the publisher (spec §4.12, P10).
func (b *bus) Publish(i model.Incident) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	b.published.Add(1)
	for _, s := range subs {
		select {
		case s.ch <- i:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// PublishCtx enriches i with the active trace/span ids before publishing.
func (b *bus) PublishCtx(ctx context.Context, i model.Incident) {
	if i.TraceID == "" && i.SpanID == "" {
		traceID, spanID := tracing.ExtractIDs(ctx)
		i.TraceID, i.SpanID = traceID, spanID
	}
	b.Publish(i)
}

// Subscribe registers a new consumer with the given channel buffer size
// (defaultBuffer if <= 0).
func (b *bus) Subscribe(buffer int) Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &subscriber{id: b.nextID, ch: make(chan model.Incident, buffer), bus: b}
	b.subs[s.id] = s
	return s
}

// Unsubscribe removes sub from the fan-out set and closes its channel.
func (b *bus) Unsubscribe(sub Subscription) {
	s, ok := sub.(*subscriber)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subs[s.id]; !exists {
		return
	}
	delete(b.subs, s.id)
	close(s.ch)
}

// Stats returns bus-wide and per-subscriber published/dropped counters.
func (b *bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	perSub := make(map[int64]uint64, len(b.subs))
	for id, s := range b.subs {
		perSub[id] = s.dropped.Load()
	}
	return Stats{
		Subscribers:        len(b.subs),
		Published:          b.published.Load(),
		Dropped:            b.dropped.Load(),
		PerSubscriberDrops: perSub,
	}
}
