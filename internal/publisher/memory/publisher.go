// Package memory keeps published notifications in process. It backs local
// development runs without Pub/Sub and the pipeline tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/sitesearch/internal/indexer"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

var _ indexer.Publisher = (*Publisher)(nil)

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Notifications returns the job notifications published for siteID, oldest
// first.
func (p *Publisher) Notifications(siteID int64) []indexer.JobNotification {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []indexer.JobNotification
	for _, msg := range p.messages {
		if n, ok := msg.Payload.(indexer.JobNotification); ok && n.SiteID == siteID {
			out = append(out, n)
		}
	}
	return out
}
