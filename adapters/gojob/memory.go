package gojob

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

// MemoryQueue is an in-process go-job queue for a single paymentsd
// instance. Messages with the drop dedup policy are dropped while a message
// with the same idempotency key is queued, delayed or in flight.
type MemoryQueue struct {
	mu      sync.Mutex
	ready   []*job.ExecutionMessage
	keys    map[string]struct{}
	dead    []*job.ExecutionMessage
	notify  chan struct{}
	pending int
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		keys:   map[string]struct{}{},
		notify: make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	if msg == nil {
		return fmt.Errorf("gojob: execution message is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	key := strings.TrimSpace(msg.IdempotencyKey)
	if key != "" && string(msg.DedupPolicy) == DedupDrop {
		if _, queued := q.keys[key]; queued {
			return nil
		}
	}
	if key != "" {
		q.keys[key] = struct{}{}
	}
	q.push(msg)
	return nil
}

// Dequeue blocks until a message is ready or ctx is done.
func (q *MemoryQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready = q.ready[1:]
			if len(q.ready) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return &memoryDelivery{queue: q, msg: msg}, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len counts ready and delayed messages.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + q.pending
}

func (q *MemoryQueue) DeadLetters() []*job.ExecutionMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*job.ExecutionMessage(nil), q.dead...)
}

func (q *MemoryQueue) push(msg *job.ExecutionMessage) {
	q.ready = append(q.ready, msg)
	q.signal()
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) release(msg *job.ExecutionMessage) {
	if key := strings.TrimSpace(msg.IdempotencyKey); key != "" {
		delete(q.keys, key)
	}
}

type memoryDelivery struct {
	queue *MemoryQueue
	msg   *job.ExecutionMessage
	once  sync.Once
}

func (d *memoryDelivery) Message() *job.ExecutionMessage {
	return d.msg
}

func (d *memoryDelivery) Ack(context.Context) error {
	d.settle(func(q *MemoryQueue) { q.release(d.msg) })
	return nil
}

func (d *memoryDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	d.settle(func(q *MemoryQueue) {
		switch {
		case opts.DeadLetter || !opts.Requeue:
			q.release(d.msg)
			q.dead = append(q.dead, d.msg)
		case opts.Delay > 0:
			q.pending++
			time.AfterFunc(opts.Delay, func() {
				q.mu.Lock()
				defer q.mu.Unlock()
				q.pending--
				q.push(d.msg)
			})
		default:
			q.push(d.msg)
		}
	})
	return nil
}

func (d *memoryDelivery) settle(fn func(q *MemoryQueue)) {
	d.once.Do(func() {
		d.queue.mu.Lock()
		defer d.queue.mu.Unlock()
		fn(d.queue)
	})
}

var (
	_ queue.Enqueuer = (*MemoryQueue)(nil)
	_ queue.Dequeuer = (*MemoryQueue)(nil)
	_ queue.Delivery = (*memoryDelivery)(nil)
)
