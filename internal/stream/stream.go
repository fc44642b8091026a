package stream

import (
	"context"
	"sync"
	"time"

	"zamok.org/internal/auth"
)

// Event is the wire form of one security event pushed to live subscribers.
type Event struct {
	ID         string    `json:"id,omitempty"`
	Type       string    `json:"type"`
	UserID     string    `json:"user_id,omitempty"`
	Email      string    `json:"email,omitempty"`
	IP         string    `json:"ip,omitempty"`
	Success    bool      `json:"success"`
	Details    string    `json:"details,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// FromSecurityEvent converts a recorded security event into its stream form.
func FromSecurityEvent(e auth.SecurityEvent) Event {
	out := Event{
		ID:         e.ID,
		Type:       e.Type,
		Email:      e.Email,
		IP:         e.IP,
		Success:    e.Success,
		Details:    e.Details,
		OccurredAt: e.OccurredAt,
	}
	if e.UserID != nil {
		out.UserID = *e.UserID
	}
	return out
}

// Stream fan-outs security events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers reports how many channels are currently attached.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// StartHeartbeat emits a heartbeat event at the provided interval until the
// returned stop function is called, so idle SSE connections stay warm.
func (s *Stream) StartHeartbeat(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Publish(Event{Type: "heartbeat", Success: true, OccurredAt: time.Now().UTC()})
			}
		}
	}()
	return cancel
}
