package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/dmitrijs2005/opsportal/internal/logging"
	"github.com/google/uuid"
)

// ErrHubClosed is returned when publishing to a stopped hub.
var ErrHubClosed = errors.New("notification hub closed")

const defaultSubscriberBuffer = 16

// Subscriber is one connected listener.
type Subscriber struct {
	ID     string
	UserID string
	Admin  bool
	send   chan []byte
}

// NewSubscriber creates a subscriber with a bounded outgoing queue.
func NewSubscriber(userID string, admin bool, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Subscriber{
		ID:     uuid.NewString(),
		UserID: userID,
		Admin:  admin,
		send:   make(chan []byte, buffer),
	}
}

// Messages yields encoded events. It is closed when the subscriber is
// unregistered, dropped for falling behind, or the hub stops.
func (s *Subscriber) Messages() <-chan []byte {
	return s.send
}

// Hub owns the subscriber set. All mutations happen on the Run goroutine.
type Hub struct {
	subscribers map[string]*Subscriber
	register    chan *Subscriber
	unregister  chan *Subscriber
	broadcast   chan Event
	done        chan struct{}
	mu          sync.RWMutex
	logger      logging.Logger
}

func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		broadcast:   make(chan Event, 256),
		done:        make(chan struct{}),
		logger:      logger.With("module", "notify"),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			close(h.done)
			return
		case s := <-h.register:
			h.mu.Lock()
			h.subscribers[s.ID] = s
			h.mu.Unlock()
			h.logger.Debug(ctx, "subscriber registered", "subscriber", s.ID, "user_id", s.UserID)
		case s := <-h.unregister:
			h.remove(s)
		case e := <-h.broadcast:
			h.deliver(ctx, e)
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subscribers {
		close(s.send)
		delete(h.subscribers, id)
	}
}

func (h *Hub) remove(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[s.ID]; ok {
		delete(h.subscribers, s.ID)
		close(s.send)
	}
}

func (h *Hub) deliver(ctx context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error(ctx, "failed to encode event", "error", err)
		return
	}

	var slow []*Subscriber
	h.mu.RLock()
	for _, s := range h.subscribers {
		if !e.VisibleTo(s.UserID, s.Admin) {
			continue
		}
		select {
		case s.send <- data:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.logger.Warn(ctx, "dropping slow subscriber", "subscriber", s.ID, "user_id", s.UserID)
		h.remove(s)
	}
}

// Register adds s to the hub. It is a no-op once the hub has stopped.
func (h *Hub) Register(s *Subscriber) {
	select {
	case h.register <- s:
	case <-h.done:
	}
}

// Unregister removes s and closes its queue.
func (h *Hub) Unregister(s *Subscriber) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// Publish queues e for delivery to local subscribers.
func (h *Hub) Publish(ctx context.Context, e Event) error {
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.broadcast <- e:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Count returns the number of registered subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
