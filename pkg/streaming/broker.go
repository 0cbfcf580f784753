package streaming

import (
	"sync"

	"github.com/google/uuid"
)

// subscriberBuffer bounds how far a join-stream (secondary) subscriber may
// lag before new frames are dropped for it. Dropping only applies to
// subscribers registered with Subscribe(false): a join-stream GET that
// isn't actually driving the run must never be able to stall it. The
// live subscriber that IS driving the run (Subscribe(true), from
// streamRun) gets a channel of the same capacity, but once it is full
// Publish blocks instead of dropping — see Broker.Publish.
const subscriberBuffer = 64

// subscriber is one registered consumer of a Broker's frames. blocking
// marks the live stream consumer: Publish must block sending to it (so the
// graph itself applies backpressure, per spec §4.7 — "no frames are ever
// dropped") rather than drop frames the way it may for secondary
// (join-stream) subscribers. done is closed on Unsubscribe so a Publish
// blocked mid-send on a disconnected primary subscriber's channel is
// released instead of blocking forever.
type subscriber struct {
	ch       chan Frame
	blocking bool
	done     chan struct{}
}

// Broker is a per-run, in-process SSE fan-out object: one per in-flight
// run, holding the last "values" frame (for late joiners) plus a set of
// subscriber channels. Grounded on the teacher's ConnectionManager
// (pkg/events/manager.go) channel-based fan-out, narrowed from "every
// WebSocket client on this pod" to "every subscriber of one run" and from
// push-driven broadcast to a producer/consumer-over-bounded-channel shape.
type Broker struct {
	mu        sync.Mutex
	subs      map[string]*subscriber
	lastValue Frame
	haveValue bool
	closed    bool
}

// NewBroker creates an empty broker for one run.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]*subscriber)}
}

// Publish fans a frame out to every current subscriber and remembers the
// last "values" frame for late joiners. The blocking subscriber (the live
// stream's own HTTP handler, registered via Subscribe(true)) is sent to
// with a blocking channel send: if that consumer is slow, this call blocks,
// and since the producing goroutine is the same one driving the graph
// (pkg/scheduler.Execute -> pkg/streaming.Engine.Run), the graph naturally
// applies backpressure — no frame is ever dropped for it. A blocked send
// only unblocks early if that subscriber disconnects (Unsubscribe closes
// its done channel). Secondary (join-stream) subscribers use a non-blocking
// send and may miss a frame if their buffer is full, since they are not the
// consumer the run's own progress depends on.
func (b *Broker) Publish(f Frame) {
	b.mu.Lock()
	if f.Type == FrameValues {
		b.lastValue = f
		b.haveValue = true
	}
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if s.blocking {
			select {
			case s.ch <- f:
			case <-s.done:
			}
			continue
		}
		select {
		case s.ch <- f:
		default:
		}
	}
}

// Subscribe registers a new subscriber and returns its id and receive
// channel. blocking=true marks the live stream consumer (see Publish);
// blocking=false marks a join-stream (catch-up only) consumer. Callers
// must call Unsubscribe when done.
func (b *Broker) Subscribe(blocking bool) (string, <-chan Frame) {
	id := uuid.NewString()
	s := &subscriber{ch: make(chan Frame, subscriberBuffer), blocking: blocking, done: make(chan struct{})}
	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()
	return id, s.ch
}

// Unsubscribe removes a subscriber, releases any Publish blocked sending to
// it, and closes its channel.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		close(s.done)
		close(s.ch)
	}
}

// LastValues returns the most recent "values" frame, for join-stream's
// catchup semantics: a late joiner gets one values frame with the current
// snapshot, never a replay of the token stream that produced it.
func (b *Broker) LastValues() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastValue, b.haveValue
}

// Close marks the broker terminal and closes every remaining subscriber
// channel. Safe to call once the run producing this broker has finished —
// by then Publish is no longer being called, so there is no blocked sender
// to release first.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.done)
		close(s.ch)
		delete(b.subs, id)
	}
}

// Registry maps run ids to their in-flight Broker. One Registry per pod.
type Registry struct {
	mu      sync.Mutex
	brokers map[string]*Broker
}

// NewRegistry returns an empty broker registry.
func NewRegistry() *Registry {
	return &Registry{brokers: make(map[string]*Broker)}
}

// Create installs and returns a new broker for runID, replacing any
// previous (necessarily terminal) broker for the same id.
func (r *Registry) Create(runID string) *Broker {
	b := NewBroker()
	r.mu.Lock()
	r.brokers[runID] = b
	r.mu.Unlock()
	return b
}

// Get returns the broker for runID, or nil if the run is not in-flight on
// this pod.
func (r *Registry) Get(runID string) *Broker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.brokers[runID]
}

// Remove drops the broker for runID. The scheduler calls it a fixed grace
// period after closing the broker; it does not wait for subscribers.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.brokers, runID)
}
