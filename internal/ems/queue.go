package ems

import (
	"context"
	"sync"
	"time"

	"execflow/internal/model"
)

type requestKind int

const (
	requestSubmit requestKind = iota
	requestCancel
)

type request struct {
	kind     requestKind
	order    model.Order
	cancel   CancelRef
	enqueued time.Time
}

// queue is a bounded FIFO of requests for one account. Producers never
// block. mu orders pushes against close, so no push lands on a closed channel.
type queue struct {
	mu     sync.RWMutex
	ch     chan request
	closed bool
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &queue{ch: make(chan request, capacity)}
}

func (q *queue) tryPush(r request) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrStopped
	}
	select {
	case q.ch <- r:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

func (q *queue) depth() int { return len(q.ch) }

// run hands requests to handle one at a time until ctx ends or the queue closes.
func (q *queue) run(ctx context.Context, handle func(context.Context, request)) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-q.ch:
			if !ok {
				return
			}
			handle(ctx, r)
		}
	}
}
