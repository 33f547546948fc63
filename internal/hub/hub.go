// ABOUTME: In-memory room registry fanning live frames out to connected sessions
// ABOUTME: Each room serializes its own subscribe, unsubscribe and publish operations

package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/17anirudh/quirks/internal/protocol"
)

// DefaultBufferSize is the channel buffer for each subscriber.
const DefaultBufferSize = 64

// Option configures a Hub.
type Option func(*Hub)

// WithBufferSize sets the per-subscriber channel buffer. Values below 1 are ignored.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// room holds the subscribers of one conversation. mu is held for the whole
// fan-out of a publish so every subscriber observes publishes in one order.
type room struct {
	mu   sync.Mutex
	subs map[string]*subscription
}

// subscription is one registered channel. done closes when it is removed,
// which releases the goroutine watching its context.
type subscription struct {
	ch   chan *protocol.ServerFrame
	done chan struct{}
}

func (s *subscription) remove() {
	close(s.ch)
	close(s.done)
}

// Hub maps room ids to their live subscribers.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[string]*room
	closed     bool
	bufferSize int
	logger     *slog.Logger
}

// New creates an empty hub. Pass nil logger for default.
func New(logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		rooms:      make(map[string]*room),
		bufferSize: DefaultBufferSize,
		logger:     logger.With("component", "hub"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers subID in roomID and returns its frame channel.
// Subscribing an already registered subID returns the existing channel.
// The subscription is removed when ctx is done. After Close the returned
// channel is already closed.
func (h *Hub) Subscribe(ctx context.Context, roomID, subID string) <-chan *protocol.ServerFrame {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ch := make(chan *protocol.ServerFrame)
		close(ch)
		return ch
	}
	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{subs: make(map[string]*subscription)}
		h.rooms[roomID] = r
	}
	r.mu.Lock()
	if existing, ok := r.subs[subID]; ok {
		r.mu.Unlock()
		h.mu.Unlock()
		return existing.ch
	}
	sub := &subscription{
		ch:   make(chan *protocol.ServerFrame, h.bufferSize),
		done: make(chan struct{}),
	}
	r.subs[subID] = sub
	r.mu.Unlock()
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "room_id", roomID, "sub_id", subID)

	go func() {
		select {
		case <-ctx.Done():
			h.remove(roomID, subID, sub)
		case <-sub.done:
		}
	}()

	return sub.ch
}

// Unsubscribe removes subID from roomID and closes its channel. Removing
// the last subscriber removes the room. Unknown ids are a no-op.
func (h *Hub) Unsubscribe(roomID, subID string) {
	h.remove(roomID, subID, nil)
}

// remove deletes subID from roomID. A non-nil want only matches that exact
// subscription, so a stale context cannot remove a later re-subscription.
func (h *Hub) remove(roomID, subID string, want *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomID]
	if !ok {
		return
	}

	r.mu.Lock()
	sub, exists := r.subs[subID]
	if exists && want != nil && sub != want {
		exists = false
	}
	if exists {
		delete(r.subs, subID)
		sub.remove()
	}
	empty := len(r.subs) == 0
	r.mu.Unlock()

	if empty {
		delete(h.rooms, roomID)
	}
	if exists {
		h.logger.Debug("subscriber removed", "room_id", roomID, "sub_id", subID)
	}
}

// Publish delivers frame to every subscriber of roomID except originSubID
// and returns how many subscribers received it. Delivery never blocks: a
// subscriber whose buffer is full misses the frame.
func (h *Hub) Publish(roomID string, frame *protocol.ServerFrame, originSubID string) int {
	h.mu.RLock()
	r, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for id, sub := range r.subs {
		if originSubID != "" && id == originSubID {
			continue
		}
		select {
		case sub.ch <- frame:
			delivered++
		default:
			h.logger.Debug("dropped frame for slow subscriber",
				"room_id", roomID,
				"sub_id", id,
				"sender", frame.SenderHandle)
		}
	}
	return delivered
}

// Rooms returns the number of rooms with at least one subscriber.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Subscribers returns the number of subscribers in roomID.
func (h *Hub) Subscribers(roomID string) int {
	h.mu.RLock()
	r, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Connections returns the number of subscriptions across all rooms.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, r := range h.rooms {
		r.mu.Lock()
		n += len(r.subs)
		r.mu.Unlock()
	}
	return n
}

// Close closes every subscriber channel and rejects later subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for roomID, r := range h.rooms {
		r.mu.Lock()
		for subID, sub := range r.subs {
			sub.remove()
			delete(r.subs, subID)
		}
		r.mu.Unlock()
		delete(h.rooms, roomID)
	}
	h.closed = true

	h.logger.Debug("hub closed")
}
