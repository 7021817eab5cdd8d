package dispatch

import (
	"log/slog"
	"sync"
)

// Pool serializes events per chat while keeping distinct chats parallel: one
// goroutine with a buffered job queue per chat id, plus a global semaphore
// bounding in-flight work across all chats.
type Pool struct {
	mu      sync.Mutex
	workers map[int64]chan Event
	wg      sync.WaitGroup
	sem     chan struct{}

	queueSize int
	handler   func(Event)
	logger    *slog.Logger
	closed    bool
}

func NewPool(maxConcurrency, queueSize int, handler func(Event), logger *slog.Logger) *Pool {
	if maxConcurrency <= 0 {
		maxConcurrency = 3
	}
	if queueSize <= 0 {
		queueSize = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		workers:   make(map[int64]chan Event),
		sem:       make(chan struct{}, maxConcurrency),
		queueSize: queueSize,
		handler:   handler,
		logger:    logger,
	}
}

// Submit queues the event on its chat's worker, starting one if needed.
// A full queue drops the event rather than blocking the poll loop; the drop
// is reported via the returned bool and a log record.
func (p *Pool) Submit(ev Event) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	jobs, ok := p.workers[ev.ChatID]
	if !ok {
		jobs = make(chan Event, p.queueSize)
		p.workers[ev.ChatID] = jobs
		p.wg.Add(1)
		go p.run(jobs)
	}
	p.mu.Unlock()

	select {
	case jobs <- ev:
		return true
	default:
		p.logger.Warn("event_dropped", "chat_id", ev.ChatID, "event_id", ev.EventID, "reason", "queue_full")
		return false
	}
}

func (p *Pool) run(jobs chan Event) {
	defer p.wg.Done()
	for ev := range jobs {
		p.sem <- struct{}{}
		p.handler(ev)
		<-p.sem
	}
}

// Close stops all workers after their queued events finish. Submit after
// Close is a no-op.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, jobs := range p.workers {
		close(jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
