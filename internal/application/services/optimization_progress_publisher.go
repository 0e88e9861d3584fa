package services

import (
	"sync"

	"github.com/longregen/promptlab/internal/domain/models"
	"github.com/longregen/promptlab/internal/ports"
)

// OptimizationProgressPublisher fans optimization events out to subscribers
// of a request. It holds no optimization logic.
type OptimizationProgressPublisher struct {
	channels map[string][]chan models.OptimizationEvent
	mu       sync.RWMutex
}

var _ ports.OptimizationEventPublisher = (*OptimizationProgressPublisher)(nil)

func NewOptimizationProgressPublisher() *OptimizationProgressPublisher {
	return &OptimizationProgressPublisher{
		channels: make(map[string][]chan models.OptimizationEvent),
	}
}

// Subscribe creates a buffered channel receiving events for a request
func (p *OptimizationProgressPublisher) Subscribe(requestID string) <-chan models.OptimizationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan models.OptimizationEvent, 100)
	p.channels[requestID] = append(p.channels[requestID], ch)
	return ch
}

// Unsubscribe removes and closes a channel. Channels already closed by
// Close are ignored.
func (p *OptimizationProgressPublisher) Unsubscribe(requestID string, ch <-chan models.OptimizationEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	channels := p.channels[requestID]
	for i, subscriberCh := range channels {
		if subscriberCh == ch {
			p.channels[requestID] = append(channels[:i], channels[i+1:]...)
			close(subscriberCh)
			break
		}
	}

	if len(p.channels[requestID]) == 0 {
		delete(p.channels, requestID)
	}
}

// Publish sends an event to every subscriber of its request. A subscriber
// whose buffer is full misses the event.
func (p *OptimizationProgressPublisher) Publish(event models.OptimizationEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, ch := range p.channels[event.RequestID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes every channel of a request once it reached a terminal state
func (p *OptimizationProgressPublisher) Close(requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ch := range p.channels[requestID] {
		close(ch)
	}
	delete(p.channels, requestID)
}

// SubscriberCount returns the number of active subscribers for a request
func (p *OptimizationProgressPublisher) SubscriberCount(requestID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.channels[requestID])
}
