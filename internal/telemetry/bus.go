// Package telemetry implements the Health/Telemetry Bus (spec §4.10):
// an in-process broadcast of typed ingestion events consumed by the
// Control Plane's streaming endpoint, plus the Prometheus metrics
// registry the control plane exposes on /metrics. The subscriber
// lifecycle (bounded queue, disconnect slow consumers, count drops) is
// new to this domain; the percentile latency tracking in latency.go is
// adapted from the teacher's internal/telemetry/latency.Histogram.
package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// EventKind discriminates the payload carried by an Event, matching the
// categories enumerated in spec §4.10.
type EventKind string

const (
	EventConnectionState EventKind = "connection_state"
	EventIngestRate      EventKind = "ingest_rate"
	EventBatchFlush      EventKind = "batch_flush"
	EventValidatorResult EventKind = "validator_result"
	EventRetention       EventKind = "retention"
	EventDepthResync     EventKind = "depth_resync"
)

// Event is one broadcast message on the bus.
type Event struct {
	Kind    EventKind
	At      time.Time
	Payload interface{}
}

// subscriberQueueSize bounds how many unread events a subscriber can
// accumulate before being treated as slow.
const subscriberQueueSize = 256

// maxConsecutiveDrops is how many back-to-back full-queue drops a
// subscriber tolerates before the bus disconnects it (spec §4.10:
// "slow consumers are disconnected and counted").
const maxConsecutiveDrops = 20

type subscriber struct {
	id      uuid.UUID
	ch      chan Event
	drops   int
}

// Bus is the process-wide pub/sub broadcaster. The zero value is not
// usable; construct with New.
type Bus struct {
	mu            sync.RWMutex
	subscribers   map[uuid.UUID]*subscriber
	disconnects   int64
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[uuid.UUID]*subscriber)}
}

// Subscribe registers a new consumer with a bounded queue and returns
// its channel and an unsubscribe function. The channel is closed when
// the caller unsubscribes or the bus disconnects it for being slow.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{id: uuid.New(), ch: make(chan Event, subscriberQueueSize)}

	b.mu.Lock()
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	unsubscribe := func() { b.remove(sub.id) }
	return sub.ch, unsubscribe
}

func (b *Bus) remove(id uuid.UUID) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish broadcasts ev to every current subscriber without blocking:
// a subscriber whose queue is full has the event dropped and its drop
// counter incremented; after maxConsecutiveDrops it is disconnected.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
			s.drops = 0
		default:
			s.drops++
			if s.drops >= maxConsecutiveDrops {
				log.Warn().Str("subscriber", s.id.String()).Msg("telemetry: disconnecting slow consumer")
				b.remove(s.id)
				b.mu.Lock()
				b.disconnects++
				b.mu.Unlock()
			}
		}
	}
}

// SubscriberCount returns the number of currently connected consumers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Disconnects returns the lifetime count of consumers disconnected for
// being slow, for the control plane's diagnostic surface.
func (b *Bus) Disconnects() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.disconnects
}
