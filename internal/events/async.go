package events

import (
	"context"
	"log/slog"
	"sync"
)

// AsyncPublisher hands events to a fixed set of goroutines through a
// buffered channel. Publish never blocks.
type AsyncPublisher struct {
	handler Handler
	ch      chan Event
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewAsyncPublisher(h Handler, workers, buffer int, logger *slog.Logger) *AsyncPublisher {
	if workers <= 0 {
		workers = 2
	}
	if buffer <= 0 {
		buffer = 1024
	}
	p := &AsyncPublisher{handler: h, ch: make(chan Event, buffer), logger: logger}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	return p
}

func (p *AsyncPublisher) Publish(_ context.Context, e Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.ch <- e:
		return nil
	default:
		return ErrBufferFull
	}
}

func (p *AsyncPublisher) loop() {
	defer p.wg.Done()
	for e := range p.ch {
		if err := p.handler(context.Background(), e); err != nil {
			p.logger.Error("event handler failed", "event", e.ID, "reference", e.Reference, "error", err)
		}
	}
}

// Close stops accepting events and waits for queued ones to be handled.
func (p *AsyncPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()
	p.wg.Wait()
}
