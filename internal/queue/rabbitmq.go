package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker is the subset of the RabbitMQ client used by RabbitQueue.
type Broker interface {
	Get(queue string) (amqp.Delivery, bool, error)
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
	IsConnected() bool
}

// ErrLeaseLost reports that the channel holding unacknowledged deliveries is
// gone, so the broker has already returned them to their queue.
var ErrLeaseLost = errors.New("channel closed, deliveries returned to queue")

// RabbitQueue is a Queue over a RabbitMQ queue. Unacknowledged deliveries
// stay leased to the channel until ack or nack, so leases never expire while
// the channel is open.
type RabbitQueue struct {
	broker Broker
	desc   Descriptor
}

// NewRabbit returns a queue reading desc.Address through broker.
func NewRabbit(broker Broker, desc Descriptor) *RabbitQueue {
	if desc.MaxBatch <= 0 {
		desc.MaxBatch = SQSMaxBatch
	}
	return &RabbitQueue{broker: broker, desc: desc}
}

func (q *RabbitQueue) Descriptor() Descriptor {
	return q.desc
}

func (q *RabbitQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	max = min(max, q.desc.MaxBatch)

	var msgs []Message
	for len(msgs) < max {
		if err := ctx.Err(); err != nil {
			return msgs, err
		}

		d, ok, err := q.broker.Get(q.desc.Address)
		if err != nil {
			return msgs, fmt.Errorf("failed to receive from %s: %w", q.desc.Name, err)
		}
		if !ok {
			break
		}

		msgs = append(msgs, Message{
			Handle:   strconv.FormatUint(d.DeliveryTag, 10),
			Body:     d.Body,
			Priority: q.desc.Priority,
		})
	}
	return msgs, nil
}

func (q *RabbitQueue) Delete(_ context.Context, handle string) error {
	tag, err := parseTag(handle)
	if err != nil {
		return err
	}
	return q.broker.Ack(tag)
}

func (q *RabbitQueue) Requeue(_ context.Context, handle string) error {
	tag, err := parseTag(handle)
	if err != nil {
		return err
	}
	return q.broker.Nack(tag, true)
}

func (q *RabbitQueue) ExtendVisibility(_ context.Context, handles []string, _ time.Duration) error {
	if len(handles) > 0 && !q.broker.IsConnected() {
		return fmt.Errorf("failed to extend %d leases on %s: %w", len(handles), q.desc.Name, ErrLeaseLost)
	}
	return nil
}

func parseTag(handle string) (uint64, error) {
	tag, err := strconv.ParseUint(handle, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid delivery handle %q: %w", handle, err)
	}
	return tag, nil
}
