package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rattlehq/reliability-copilot/internal/models"
)

// Reveal is an ordered queue of bot entries drained by a single goroutine, one entry per interval.
// Entries enqueued in one burst are staggered: the i-th entry is handed to the callback roughly
// (i+1) intervals after the burst was enqueued. Stopping the Reveal discards whatever is still queued.
type Reveal struct {
	interval time.Duration
	onReveal func(entry models.Entry, remaining int)

	mu        sync.Mutex
	pending   []models.Entry
	remaining int

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReveal starts the goroutine that drains the queue. onReveal is called from that goroutine for
// every entry, in queue order, together with the number of entries still waiting.
func NewReveal(interval time.Duration, onReveal func(entry models.Entry, remaining int)) *Reveal {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reveal{
		interval: interval,
		onReveal: onReveal,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Enqueue appends entries to the queue and returns the number of entries waiting to be revealed.
func (r *Reveal) Enqueue(entries ...models.Entry) int {
	r.mu.Lock()
	r.pending = append(r.pending, entries...)
	r.remaining += len(entries)
	remaining := r.remaining
	r.mu.Unlock()

	if len(entries) > 0 {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
	return remaining
}

// Remaining returns the number of entries not yet revealed.
func (r *Reveal) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining
}

// Stop cancels the queue and waits for the draining goroutine to exit. No callback runs after Stop
// returns. Stop must not be called from within the callback.
func (r *Reveal) Stop() {
	r.cancel()
	<-r.done

	r.mu.Lock()
	r.pending = nil
	r.remaining = 0
	r.mu.Unlock()
}

func (r *Reveal) run() {
	defer close(r.done)

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.wake:
		}

		if !r.drain() {
			return
		}
	}
}

// drain reveals queued entries until the queue is empty. It returns false if the Reveal was stopped.
func (r *Reveal) drain() bool {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return false
		case <-ticker.C:
		}

		entry, remaining, ok := r.pop()
		if !ok {
			return true
		}
		r.onReveal(entry, remaining)
		if remaining == 0 {
			return true
		}
	}
}

func (r *Reveal) pop() (models.Entry, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) == 0 {
		return models.Entry{}, 0, false
	}
	entry := r.pending[0]
	r.pending = r.pending[1:]
	r.remaining--
	return entry, r.remaining, true
}
