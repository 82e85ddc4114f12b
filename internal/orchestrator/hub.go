package orchestrator

import (
	"sync"
	"sync/atomic"
)

// DefaultSubscriptionBuffer is the default per-subscription bounded buffer
// depth (§4.6). Configurable via Config.HubBufferSize.
const DefaultSubscriptionBuffer = 64

// CloseReason is the terminal reason a Hub was closed with (§4.6).
type CloseReason string

const (
	CloseDone      CloseReason = "done"
	CloseCancelled CloseReason = "cancelled"
	CloseFailed    CloseReason = "failed"
)

// Subscription is a transient per-consumer handle on a reply's Hub (§3). Events
// arrive on Events(); Dropped() closes if the subscription was detached for
// backpressure; the consumer should treat both channel closes as end-of-stream
// but may distinguish the reason via Dropped().
type Subscription struct {
	id      uint64
	events  chan DownstreamEvent
	dropped chan struct{}
	hub     *Hub
	once    sync.Once
}

// Events returns the channel of downstream events for this subscription. It
// is closed when the hub closes, the subscription is dropped for
// backpressure, or Unsubscribe is called.
func (s *Subscription) Events() <-chan DownstreamEvent { return s.events }

// Dropped returns a channel that is closed iff this subscription was detached
// due to buffer overflow (§7 BackpressureDrop) rather than a normal hub close.
func (s *Subscription) Dropped() <-chan struct{} { return s.dropped }

// Unsubscribe removes the subscription from its hub. Safe to call multiple
// times and safe to call after the hub has already closed the subscription.
func (s *Subscription) Unsubscribe() {
	s.hub.remove(s.id)
}

// Hub is the per-reply multi-subscriber fan-out channel (§4.6). It never
// blocks a producer on a slow subscriber: a full buffer causes that
// subscription alone to be dropped.
type Hub struct {
	bufferSize int

	mu        sync.Mutex
	subs      map[uint64]*Subscription
	nextID    uint64
	closed    bool
	closeOnce sync.Once

	onDrop func(subID uint64)
}

// NewHub constructs a Hub with the given per-subscription buffer depth. A
// bufferSize <= 0 uses DefaultSubscriptionBuffer.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriptionBuffer
	}
	return &Hub{bufferSize: bufferSize, subs: make(map[uint64]*Subscription)}
}

// Subscribe returns a new subscription. If the hub is already closed, the
// returned subscription's Events channel is closed immediately (end-of-stream,
// no replay) per §4.6: "subsequent subscribe returns an already-closed
// subscription that yields... end-of-stream."
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := atomic.AddUint64(&h.nextID, 1)
	ch := make(chan DownstreamEvent, h.bufferSize)
	sub := &Subscription{id: id, events: ch, dropped: make(chan struct{}), hub: h}
	if h.closed {
		close(ch)
		return sub
	}
	h.subs[id] = sub
	return sub
}

// Publish enqueues event on every active subscription's buffer. A full buffer
// detaches that subscription (§7 BackpressureDrop) without blocking or
// affecting any other subscriber. Publishing after the hub has closed is a
// no-op.
func (h *Hub) Publish(event DownstreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for id, sub := range h.subs {
		select {
		case sub.events <- event:
		default:
			delete(h.subs, id)
			close(sub.events)
			close(sub.dropped)
			if h.onDrop != nil {
				h.onDrop(id)
			}
		}
	}
}

// Close publishes the given terminal events, in order (for example
// `cancelled` then `done`, or a synthetic `error` then `done`), then marks the
// hub closed and closes every remaining subscription's channel. Idempotent:
// subsequent calls are no-ops.
func (h *Hub) Close(terminal ...DownstreamEvent) {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed {
			return
		}
		for id, sub := range h.subs {
			for _, ev := range terminal {
				select {
				case sub.events <- ev:
				default:
				}
			}
			close(sub.events)
			delete(h.subs, id)
		}
		h.closed = true
	})
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.events)
	}
}
