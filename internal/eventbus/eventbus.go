// Package eventbus implements the event bus (spec.md §4.9): every
// observable state change in the core is published here, and external
// collaborators subscribe to a lazy per-project or global sequence of
// events.
//
// Grounded on steveyegge/gastown's internal/eventbus.Bus: the
// subscribe-returns-channel-plus-unsubscribe shape, and the non-blocking
// publish that drops an event for any subscriber whose buffer is full
// rather than block the publisher. Anima's bus additionally distinguishes
// terminal event kinds (which must never be dropped, per spec.md §4.9)
// from lossy ones (agent-stream-chunk), and scopes subscriptions by
// project ID.
package eventbus

import (
	"sync"
	"time"

	"github.com/saltbo/anima/internal/ids"
)

// Kind identifies the kind of observable change an Event carries
// (spec.md §4.9).
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
	KindError                 Kind = "error"
)

// lossyKinds never block the publisher and may be dropped under
// back-pressure; every other kind is terminal and is buffered until a
// slow subscriber consumes it, per spec.md §4.9.
var lossyKinds = map[Kind]bool{
	KindAgentStreamChunk: true,
}

// Event is one observable change, fanned out to every subscriber of its
// project (and every "all projects" subscriber).
type Event struct {
	ID        ids.EventID
	ProjectID ids.ProjectID
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// subscriberBufferSize is generous enough that a UI consumer doing normal
// work never observes a dropped terminal event; only a truly stalled
// subscriber drops lossy stream chunks.
const subscriberBufferSize = 256

// Bus is an in-process, thread-safe pub/sub event bus scoped per project
// plus a global "all projects" feed. Safe for concurrent Publish and
// Subscribe from any number of goroutines.
type Bus struct {
	mu          sync.RWMutex
	nextID      int
	subscribers map[int]*subscription
	sink        Sink
}

// Sink optionally persists every published event, e.g. to
// .anima/logs/events.jsonl, so a restarted UI can replay history.
type Sink interface {
	Append(Event) error
}

type subscription struct {
	projectID ids.ProjectID // zero value means "subscribe to all projects"
	all       bool
	ch        chan Event

	// closeMu guards closed/ch together so Publish's send and
	// unsubscribe's close can never race into a send-on-closed-channel
	// panic, even though Publish releases the bus-wide lock before
	// delivering (see Publish).
	closeMu sync.Mutex
	closed  bool
}

// send delivers ev to the subscriber unless it has already unsubscribed.
// lossy selects non-blocking delivery; otherwise it blocks until the
// subscriber's buffer has room.
func (s *subscription) send(ev Event, lossy bool) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	if lossy {
		select {
		case s.ch <- ev:
		default:
		}
		return
	}
	s.ch <- ev
}

func (s *subscription) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// New returns an empty Bus. sink may be nil to skip persistence.
func New(sink Sink) *Bus {
	return &Bus{
		subscribers: make(map[int]*subscription),
		sink:        sink,
	}
}

// Subscribe returns a channel of events for one project, plus an
// unsubscribe function the caller must call when done. The channel is
// closed by Close or by the returned unsubscribe.
func (b *Bus) Subscribe(projectID ids.ProjectID) (<-chan Event, func()) {
	return b.subscribe(projectID, false)
}

// SubscribeAll returns a channel of events across every project.
func (b *Bus) SubscribeAll() (<-chan Event, func()) {
	return b.subscribe("", true)
}

func (b *Bus) subscribe(projectID ids.ProjectID, all bool) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscription{projectID: projectID, all: all, ch: make(chan Event, subscriberBufferSize)}
	b.subscribers[id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		s, ok := b.subscribers[id]
		delete(b.subscribers, id)
		b.mu.Unlock()
		if ok {
			s.close()
		}
	}
	return sub.ch, unsubscribe
}

// Publish fans ev out to every matching subscriber, in the order Publish
// is called, per spec.md §5's "events for the same project are observed
// in the order they were emitted." Terminal event kinds block briefly on
// a full subscriber buffer (bounded by subscriberBufferSize, which a
// well-behaved consumer never fills); lossy kinds are dropped instead of
// blocking.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = ids.NewEventID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if b.sink != nil {
		_ = b.sink.Append(ev)
	}

	// Snapshot matching subscribers under the lock, then deliver outside
	// it: a terminal-event send that blocks on a full buffer must never
	// hold the lock, or it would stall every other publisher and every
	// Subscribe/unsubscribe call in the process.
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.all || sub.projectID == ev.ProjectID {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	lossy := lossyKinds[ev.Kind]
	for _, sub := range targets {
		sub.send(ev, lossy)
	}
}

// Close shuts the bus down, closing every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subscribers))
	for id, sub := range b.subscribers {
		subs = append(subs, sub)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
