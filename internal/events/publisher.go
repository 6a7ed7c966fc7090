package events

import "sync"

// GlobalProject is the special project ID for subscribing to all events.
const GlobalProject = "*"

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 100

// Publisher fans events out to subscribers.
type Publisher interface {
	// Publish sends an event to subscribers of its project and to
	// global subscribers. Never blocks.
	Publish(event Event)
	// Subscribe returns a channel receiving events for the given
	// project. Use GlobalProject ("*") for all events.
	Subscribe(project string) <-chan Event
	// Unsubscribe removes and closes a subscription channel.
	Unsubscribe(project string, ch <-chan Event)
	// Close shuts down the publisher and all subscriptions.
	Close()
}

// MemoryPublisher is the in-process Publisher used by the runner.
type MemoryPublisher struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
	bufferSize  int
	closed      bool
}

// NewMemoryPublisher creates a publisher whose subscriber channels hold
// up to bufferSize pending events. Slow subscribers lose events rather
// than stalling the scheduler.
func NewMemoryPublisher(bufferSize int) *MemoryPublisher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &MemoryPublisher{
		subscribers: make(map[string][]chan Event),
		bufferSize:  bufferSize,
	}
}

func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	for _, ch := range p.subscribers[event.Project] {
		select {
		case ch <- event:
		default:
		}
	}
	if event.Project != GlobalProject {
		for _, ch := range p.subscribers[GlobalProject] {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

func (p *MemoryPublisher) Subscribe(project string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, p.bufferSize)
	p.subscribers[project] = append(p.subscribers[project], ch)
	return ch
}

func (p *MemoryPublisher) Unsubscribe(project string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[project]
	for i, sub := range subs {
		if sub == ch {
			p.subscribers[project] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(p.subscribers[project]) == 0 {
		delete(p.subscribers, project)
	}
}

func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for project, subs := range p.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(p.subscribers, project)
	}
}
