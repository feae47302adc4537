package queue

import (
	"context"
	"sync"
)

// Memory is a buffered in-process queue. It serves single-process deployments and tests.
type Memory struct {
	ch      chan []byte
	closing chan struct{}
	once    sync.Once
}

func NewMemory(capacity int) *Memory {
	return &Memory{ch: make(chan []byte, capacity), closing: make(chan struct{})}
}

// Publish blocks while the buffer is full, until ctx ends or the queue is closed.
func (q *Memory) Publish(ctx context.Context, body []byte) error {
	select {
	case <-q.closing:
		return ErrClosed
	default:
	}
	msg := append([]byte(nil), body...)
	select {
	case q.ch <- msg:
		return nil
	case <-q.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next hands out buffered messages even after Close; ErrClosed comes once the buffer is empty.
func (q *Memory) Next(ctx context.Context) (Delivery, error) {
	select {
	case body := <-q.ch:
		return &memoryDelivery{q: q, body: body}, nil
	default:
	}
	select {
	case body := <-q.ch:
		return &memoryDelivery{q: q, body: body}, nil
	case <-q.closing:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports how many messages are waiting.
func (q *Memory) Len() int {
	return len(q.ch)
}

func (q *Memory) Close() error {
	q.once.Do(func() { close(q.closing) })
	return nil
}

type memoryDelivery struct {
	q    *Memory
	body []byte
}

func (d *memoryDelivery) Body() []byte { return d.body }

func (d *memoryDelivery) Ack(context.Context) error { return nil }

func (d *memoryDelivery) Requeue(ctx context.Context) error {
	return d.q.Publish(ctx, d.body)
}
