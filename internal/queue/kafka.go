package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes every message of one process under the same key, so one
// producer's jobs land on one partition and keep their order.
type KafkaPublisher struct {
	w   *kafka.Writer
	key []byte
}

func NewKafkaPublisher(broker, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(broker),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		key: []byte(uuid.NewString()),
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, body []byte) error {
	const op = "queue.KafkaPublisher.Publish"

	if err := p.w.WriteMessages(ctx, kafka.Message{Key: p.key, Value: body}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads through a consumer group and may be shared by several workers.
//
// Kafka keeps a single committed offset per partition, so settling a message must not commit
// past an earlier one that is still being processed. Each partition keeps its fetched offsets
// in order and the consumer commits only the longest settled prefix. Whatever is in flight when
// the process dies is delivered again.
type KafkaConsumer struct {
	r       messageReader
	requeue Publisher

	mu      sync.Mutex // also held across CommitMessages so commits never go backwards
	windows map[int]*offsetWindow
}

type offsetWindow struct {
	gen     int
	fetched []kafka.Message // fetch order, ascending offsets
	settled map[int64]bool
}

func NewKafkaConsumer(broker, topic, group string, requeue Publisher) *KafkaConsumer {
	return newKafkaConsumer(kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{broker},
		Topic:   topic,
		GroupID: group,
	}), requeue)
}

func newKafkaConsumer(r messageReader, requeue Publisher) *KafkaConsumer {
	return &KafkaConsumer{r: r, requeue: requeue, windows: make(map[int]*offsetWindow)}
}

func (c *KafkaConsumer) Next(ctx context.Context) (Delivery, error) {
	const op = "queue.KafkaConsumer.Next"

	msg, err := c.r.FetchMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	c.mu.Lock()
	w, ok := c.windows[msg.Partition]
	if !ok {
		w = &offsetWindow{settled: make(map[int64]bool)}
		c.windows[msg.Partition] = w
	}
	// a rebalance rewinds the partition to its committed offset; start a new window
	if n := len(w.fetched); n > 0 && msg.Offset <= w.fetched[n-1].Offset {
		w.gen++
		w.fetched = nil
		w.settled = make(map[int64]bool)
	}
	w.fetched = append(w.fetched, msg)
	gen := w.gen
	c.mu.Unlock()

	return &kafkaDelivery{c: c, msg: msg, gen: gen}, nil
}

func (c *KafkaConsumer) Close() error {
	return c.r.Close()
}

// settle marks msg as finished and commits the settled prefix of its partition, if it grew.
// Messages from a window that was since rewound are redelivered, so settling them is a no-op.
func (c *KafkaConsumer) settle(ctx context.Context, msg kafka.Message, gen int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[msg.Partition]
	if !ok || w.gen != gen {
		return nil
	}
	w.settled[msg.Offset] = true

	var (
		upTo  kafka.Message
		moved bool
	)
	for len(w.fetched) > 0 && w.settled[w.fetched[0].Offset] {
		upTo = w.fetched[0]
		delete(w.settled, upTo.Offset)
		w.fetched = w.fetched[1:]
		moved = true
	}
	if !moved {
		return nil
	}
	return c.r.CommitMessages(ctx, upTo)
}

type kafkaDelivery struct {
	c   *KafkaConsumer
	msg kafka.Message
	gen int
}

func (d *kafkaDelivery) Body() []byte { return d.msg.Value }

func (d *kafkaDelivery) Ack(ctx context.Context) error {
	if err := d.c.settle(ctx, d.msg, d.gen); err != nil {
		return fmt.Errorf("queue.kafkaDelivery.Ack: %w", err)
	}
	return nil
}

// Requeue appends the body to the end of the topic and then settles the original offset.
// Kafka has no per-message negative ack. If the publish fails the offset stays unsettled and
// nothing after it is committed.
func (d *kafkaDelivery) Requeue(ctx context.Context) error {
	const op = "queue.kafkaDelivery.Requeue"

	if err := d.c.requeue.Publish(ctx, d.msg.Value); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := d.c.settle(ctx, d.msg, d.gen); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
