package messaging

import (
	"time"

	"github.com/pkg/errors"

	"github.com/scaleproject/scale/internal/common/scalecontext"
)

// Delivery is a message handed out by a Broker. It must be acknowledged, negatively acknowledged or dead-lettered.
type Delivery struct {
	Message *Message
	// Broker-specific handle used to settle the delivery.
	handle interface{}
}

// Broker is a durable at-least-once message queue.
type Broker interface {
	Send(ctx *scalecontext.Context, msgs ...*Message) error
	// Receive returns up to max deliveries, waiting at most wait for the first one to arrive.
	Receive(ctx *scalecontext.Context, max int, wait time.Duration) ([]*Delivery, error)
	Ack(ctx *scalecontext.Context, deliveries ...*Delivery) error
	// Nack returns deliveries to the queue for redelivery after a backoff.
	Nack(ctx *scalecontext.Context, deliveries ...*Delivery) error
	// DeadLetter removes a delivery from the queue and parks it for operator inspection.
	DeadLetter(ctx *scalecontext.Context, delivery *Delivery) error
	Close() error
}

// Sender sends messages without reporting failure. Implementations retry in the background.
type Sender interface {
	Send(msgs ...*Message)
}

// Producer sends messages to a broker, dropping any message identical to one still waiting to be handled.
type Producer struct {
	broker Broker
	dedup  Deduplicator
}

func NewProducer(broker Broker, dedup Deduplicator) *Producer {
	return &Producer{
		broker: broker,
		dedup:  dedup,
	}
}

func (p *Producer) Send(ctx *scalecontext.Context, msgs ...*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	toSend := make([]*Message, 0, len(msgs))
	claimed := make([]string, 0, len(msgs))
	seen := make(map[string]bool, len(msgs))
	for _, msg := range msgs {
		key := msg.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		ok, err := p.dedup.Claim(ctx, key)
		if err != nil {
			p.release(ctx, claimed)
			return err
		}
		if !ok {
			ctx.Log.Debugf("Dropping %s message identical to one already pending", msg.Type)
			continue
		}
		claimed = append(claimed, key)
		toSend = append(toSend, msg)
	}
	if len(toSend) == 0 {
		return nil
	}
	if err := p.broker.Send(ctx, toSend...); err != nil {
		p.release(ctx, claimed)
		return errors.WithMessagef(err, "error sending %d messages", len(toSend))
	}
	return nil
}

func (p *Producer) release(ctx *scalecontext.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := p.dedup.Release(ctx, keys...); err != nil {
		ctx.Log.WithError(err).Warn("Failed to release message keys")
	}
}
