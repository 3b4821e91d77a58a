package streams

import (
	"context"
	"log"
	"sync"

	core "github.com/mohammad-safakhou/quizzer/internal/agent/core"
)

const (
	// EventsStream is the Redis stream mirroring session lifecycle events.
	EventsStream = "quizzer:events"
	// EventPayloadVersion tags the envelope payload schema.
	EventPayloadVersion = "v1"

	subscriberBuffer = 64
)

// Bus fans session events out to in-process subscribers (websocket
// streams). When a publisher is attached the events are also mirrored onto
// a Redis stream for external consumers.
type Bus struct {
	mu        sync.RWMutex
	subs      map[int]chan core.Event
	nextID    int
	publisher *Publisher
	logger    *log.Logger
}

// NewBus builds the event bus. publisher may be nil, which keeps events
// in-process only.
func NewBus(publisher *Publisher, logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(log.Writer(), "[EVENTS] ", log.LstdFlags)
	}
	return &Bus{subs: make(map[int]chan core.Event), publisher: publisher, logger: logger}
}

// Publish implements core.EventSink. Slow subscribers lose events rather
// than stalling the session loop.
func (b *Bus) Publish(ctx context.Context, evt core.Event) error {
	b.mu.RLock()
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.logger.Printf("subscriber %d lagging, dropped %s for session %s", id, evt.Type, evt.SessionID)
			recordEventDropped(ctx, string(evt.Type))
		}
	}
	b.mu.RUnlock()

	recordEventPublished(ctx, string(evt.Type))

	if b.publisher != nil {
		if _, err := b.publisher.PublishRaw(ctx, EventsStream, string(evt.Type), evt.SessionID, EventPayloadVersion, evt, WithMaxLenApprox(10000)); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a new subscriber. Call the returned cancel func to
// release the channel; the channel is closed on cancel.
func (b *Bus) Subscribe() (<-chan core.Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan core.Event, subscriberBuffer)
	b.subs[id] = ch
	b.mu.Unlock()

	recordSubscriberDelta(context.Background(), 1)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
			recordSubscriberDelta(context.Background(), -1)
		})
	}
	return ch, cancel
}

// Subscribers reports the number of attached subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
