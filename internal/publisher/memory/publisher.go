// Package memory keeps recent firing events in process when no broker is
// configured.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Publisher stores the most recent payloads for inspection. A limit of zero
// keeps everything.
type Publisher struct {
	mu       sync.RWMutex
	limit    int
	seq      int
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	Payload     any       `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
}

// New returns a memory Publisher retaining at most limit messages.
func New(limit int) *Publisher {
	if limit < 0 {
		limit = 0
	}
	return &Publisher{limit: limit}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, PublishedMessage{
		ID:          id,
		Topic:       topic,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	})
	if p.limit > 0 && len(p.messages) > p.limit {
		// drop oldest; copy so the backing array does not grow forever
		p.messages = append([]PublishedMessage(nil), p.messages[len(p.messages)-p.limit:]...)
	}
	return id, nil
}

// Messages returns the retained publishes, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
