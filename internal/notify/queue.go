// Package notify carries user-facing notifications from the generation core
// to whatever presentation layer is listening. Producers publish typed events
// into a Queue; subscribers (the SSE endpoint, the terminal client) render
// them. Producers never hold a reference to a presentation component.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is the severity of a notification.
type Kind string

const (
	KindError   Kind = "error"
	KindSuccess Kind = "success"
)

// Event is a single notification.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Publisher accepts notification events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// ErrClosed is returned when publishing to a closed queue.
var ErrClosed = errors.New("notify: queue closed")

// Queue fans events out to subscribers. Each subscriber gets its own buffered
// channel; a subscriber that falls behind loses events rather than stalling
// the producer.
type Queue struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	buffer int
	closed bool
	logger *slog.Logger
}

// NewQueue creates a queue whose subscriber channels hold buffer events.
func NewQueue(buffer int, logger *slog.Logger) *Queue {
	if buffer <= 0 {
		buffer = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		subs:   make(map[uint64]chan Event),
		buffer: buffer,
		logger: logger,
	}
}

var _ Publisher = (*Queue)(nil)

// Publish delivers ev to every current subscriber without blocking.
func (q *Queue) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = "ntf_" + uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	for id, ch := range q.subs {
		select {
		case ch <- ev:
		default:
			q.logger.WarnContext(ctx, "dropping notification for slow subscriber",
				slog.Uint64("subscriber", id),
				slog.String("kind", string(ev.Kind)),
			)
		}
	}
	return nil
}

// Subscribe registers a new subscriber. The returned cancel func removes the
// subscription and closes the channel; it is also invoked when ctx is done.
func (q *Queue) Subscribe(ctx context.Context) (<-chan Event, func()) {
	q.mu.Lock()
	ch := make(chan Event, q.buffer)
	if q.closed {
		close(ch)
		q.mu.Unlock()
		return ch, func() {}
	}
	id := q.nextID
	q.nextID++
	q.subs[id] = ch
	q.mu.Unlock()

	var once sync.Once
	stop := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(stop)
			q.mu.Lock()
			defer q.mu.Unlock()
			if sub, ok := q.subs[id]; ok {
				delete(q.subs, id)
				close(sub)
			}
		})
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-stop:
			}
		}()
	}

	return ch, cancel
}

// Subscribers returns the number of active subscriptions.
func (q *Queue) Subscribers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}

// Close closes every subscriber channel and rejects further publishes.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for id, ch := range q.subs {
		delete(q.subs, id)
		close(ch)
	}
	return nil
}

// Error builds an error event.
func Error(source, message string) Event {
	return Event{Kind: KindError, Source: source, Message: message}
}

// Success builds a success event.
func Success(source, message string) Event {
	return Event{Kind: KindSuccess, Source: source, Message: message}
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }
