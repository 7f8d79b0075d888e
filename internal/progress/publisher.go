package progress

import (
	"sync"

	"deployd/internal/domain"
)

// Publisher receives progress events. Implementations must not block and
// must not panic.
type Publisher interface {
	Publish(domain.ProgressEvent)
}

// Nop drops events.
type Nop struct{}

func (Nop) Publish(domain.ProgressEvent) {}

// MemoryPublisher stores events in-memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e domain.ProgressEvent) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []domain.ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.ProgressEvent, len(p.events))
	copy(out, p.events)
	return out
}

// For returns the events published for one deployment, in order.
func (p *MemoryPublisher) For(id string) []domain.ProgressEvent {
	var out []domain.ProgressEvent
	for _, e := range p.Events() {
		if e.DeploymentID == id {
			out = append(out, e)
		}
	}
	return out
}

// Multi fans one event out to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(e domain.ProgressEvent) {
	for _, p := range m {
		p.Publish(e)
	}
}
