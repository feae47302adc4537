// Package queue hands "original stored" jobs from the ingestion path to thumbnail producers.
// The message body is the original's id as UTF-8 text with no envelope.
package queue

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("queue closed")

type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Consumer yields deliveries one at a time. Each delivery must be acked or requeued;
// one that is neither may be delivered again.
type Consumer interface {
	Next(ctx context.Context) (Delivery, error)
	Close() error
}

type Delivery interface {
	Body() []byte
	Ack(ctx context.Context) error
	Requeue(ctx context.Context) error
}
