// Package memqueue is an in-process MessageQueue for the memory backend.
// Messages are redelivered when not deleted before the visibility timeout.
package memqueue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/zlnvch/docsync/mq"
)

type inflight struct {
	msg      *mq.Message
	deadline time.Time
}

type MemoryQueue struct {
	mu       sync.Mutex
	nextId   int
	ready    []*mq.Message
	inflight map[string]inflight
	notify   chan struct{}
	// PollWait bounds how long an empty Receive blocks.
	PollWait time.Duration
}

func New() *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[string]inflight),
		notify:   make(chan struct{}, 1),
		PollWait: time.Second,
	}
}

func (q *MemoryQueue) Send(ctx context.Context, body string) error {
	q.mu.Lock()
	q.nextId++
	q.ready = append(q.ready, &mq.Message{Id: strconv.Itoa(q.nextId), Body: body})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) take(maxMessages int32, visibilityTimeout int32) []*mq.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for id, f := range q.inflight {
		if now.After(f.deadline) {
			delete(q.inflight, id)
			q.ready = append(q.ready, f.msg)
		}
	}

	n := min(int(max(maxMessages, 1)), len(q.ready))
	out := q.ready[:n:n]
	q.ready = q.ready[n:]
	for _, msg := range out {
		q.inflight[msg.Id] = inflight{msg: msg, deadline: now.Add(time.Duration(visibilityTimeout) * time.Second)}
	}
	return out
}

func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int32, visibilityTimeout int32) ([]*mq.Message, error) {
	if msgs := q.take(maxMessages, visibilityTimeout); len(msgs) > 0 {
		return msgs, nil
	}

	timer := time.NewTimer(q.PollWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	case <-q.notify:
	}
	return q.take(maxMessages, visibilityTimeout), nil
}

func (q *MemoryQueue) Delete(ctx context.Context, msg *mq.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, msg.Id)
	return nil
}

// Len reports messages waiting or in flight.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.inflight)
}
