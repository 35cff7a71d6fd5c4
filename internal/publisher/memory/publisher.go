// Package memory keeps the most recent commit notifications in process. It is
// the publisher used when no Pub/Sub topic is configured.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// DefaultCapacity bounds how many notifications are retained.
const DefaultCapacity = 256

// Publisher retains the last Capacity payloads, dropping the oldest.
type Publisher struct {
	mu       sync.RWMutex
	capacity int
	messages []any
	total    int
}

// New returns a Publisher retaining DefaultCapacity payloads.
func New() *Publisher {
	return NewWithCapacity(DefaultCapacity)
}

// NewWithCapacity returns a Publisher retaining up to capacity payloads.
func NewWithCapacity(capacity int) *Publisher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Publisher{capacity: capacity}
}

// Publish records the payload and returns its sequence ID.
func (p *Publisher) Publish(ctx context.Context, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.messages) == p.capacity {
		copy(p.messages, p.messages[1:])
		p.messages = p.messages[:len(p.messages)-1]
	}
	p.messages = append(p.messages, payload)
	p.total++
	return fmt.Sprintf("memory-%d", p.total), nil
}

// Messages returns the retained payloads, oldest first.
func (p *Publisher) Messages() []any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]any, len(p.messages))
	copy(out, p.messages)
	return out
}

// Total reports how many payloads were ever published.
func (p *Publisher) Total() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.total
}
