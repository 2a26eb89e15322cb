// Package events is the event bus (spec §4.9): every observable state
// change is published as an Event, and subscribers read it as a
// single-producer-single-consumer lazy sequence.
//
// Grounded on the teacher's internal/web/sse.go, which keeps a per-client
// channel registry and fans out board updates; here every subscriber
// receives every project's events and the payload is the typed Event below instead of SSE
// bytes, with the lossy/guaranteed split spec §4.9 requires.
package events

import (
	"sync"
	"time"
)

// Kind tags the category of an event.
type Kind string

const (
	KindStatusChange          Kind = "status-change"
	KindMilestoneStatusChange Kind = "milestone-status-change"
	KindRoundStarted          Kind = "round-started"
	KindRoundFinished         Kind = "round-finished"
	KindVerdict               Kind = "verdict"
	KindAgentStreamChunk      Kind = "agent-stream-chunk"
	KindQuotaEvent            Kind = "quota-event"
	KindRecovered             Kind = "recovered"
	KindConfigChanged         Kind = "config-changed"
)

// terminalKinds never get dropped by a slow subscriber, per §4.9.
var terminalKinds = map[Kind]bool{
	KindStatusChange:          true,
	KindMilestoneStatusChange: true,
	KindRoundStarted:          true,
	KindRoundFinished:         true,
	KindVerdict:               true,
	KindQuotaEvent:            true,
	KindRecovered:             true,
	KindConfigChanged:         true,
}

// Event is the envelope published for every observable state change.
type Event struct {
	ProjectID string
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// bufferedChunks is how many pending agent-stream-chunk events a
// subscriber may lag by before Publish starts dropping newly published
// chunks for it.
const bufferedChunks = 64

// bufferedTerms is the slack given to the guaranteed-delivery side
// before Publish starts blocking on a slow subscriber; terminal events
// are still never dropped once the buffer is full, Publish just waits.
const bufferedTerms = 256

// Bus fans out events to subscribers, one channel per subscriber carrying
// the events of every project.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

// subscriber keeps lossy and guaranteed-delivery events on independent
// channels so a backlog on one side can never cause the other to drop
// an event it must not drop. A pump goroutine merges both into the
// single channel Subscription.Events() exposes. Each side keeps its own
// publish order, but the pump prefers guaranteed-delivery events, so one
// can be delivered ahead of chunk events published before it.
type subscriber struct {
	chunks chan Event
	terms  chan Event
	out    chan Event
	stop   chan struct{}
	once   sync.Once
}

func newSubscriber() *subscriber {
	return &subscriber{
		chunks: make(chan Event, bufferedChunks),
		terms:  make(chan Event, bufferedTerms),
		out:    make(chan Event),
		stop:   make(chan struct{}),
	}
}

// pump merges chunks and terms into out, preferring terms when both are
// ready so a guaranteed event is never stuck behind a backlog of chunks
// the reader hasn't drained yet. It exits (closing out) once stop is
// closed, so a subscriber's Events() channel reliably closes on
// Unsubscribe instead of just going silent.
func (s *subscriber) pump() {
	defer close(s.out)
	for {
		select {
		case ev := <-s.terms:
			if !s.forward(ev) {
				return
			}
			continue
		default:
		}

		select {
		case <-s.stop:
			return
		case ev := <-s.terms:
			if !s.forward(ev) {
				return
			}
		case ev := <-s.chunks:
			if !s.forward(ev) {
				return
			}
		}
	}
}

func (s *subscriber) forward(ev Event) bool {
	select {
	case s.out <- ev:
		return true
	case <-s.stop:
		return false
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.stop) })
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	bus *Bus
	id  int
	sub *subscriber
}

// Events returns the channel to read from. It closes when Unsubscribe is
// called.
func (s *Subscription) Events() <-chan Event { return s.sub.out }

// Unsubscribe stops delivery and releases the subscriber's channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.sub.close()
}

// Subscribe registers a new subscriber. cancel, if non-nil, also removes
// the subscription when closed.
func (b *Bus) Subscribe(cancel <-chan struct{}) *Subscription {
	b.mu.Lock()
	id := b.next
	b.next++
	sub := newSubscriber()
	b.subs[id] = sub
	b.mu.Unlock()
	go sub.pump()

	s := &Subscription{bus: b, id: id, sub: sub}
	if cancel != nil {
		go func() {
			<-cancel
			s.Unsubscribe()
		}()
	}
	return s
}

// Publish delivers ev to every current subscriber. A lossy
// agent-stream-chunk event is dropped for a subscriber whose chunks
// buffer is full rather than blocking the publisher; every other kind
// is terminal and is never dropped -- Publish blocks on that
// subscriber's terms channel (bounded by bufferedTerms of slack) until
// it's delivered or the subscriber unsubscribes.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if terminalKinds[ev.Kind] {
			select {
			case sub.terms <- ev:
			case <-sub.stop:
			}
		} else {
			select {
			case sub.chunks <- ev:
			default:
				// Slow subscriber: drop this intermediate chunk.
			}
		}
	}
}
