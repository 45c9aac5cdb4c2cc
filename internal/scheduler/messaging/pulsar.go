package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/scaleproject/scale/internal/common/scalecontext"
)

// PulsarBrokerConfig names the topics and subscription used by PulsarBroker.
type PulsarBrokerConfig struct {
	Topic            string
	DeadLetterTopic  string
	SubscriptionName string
	// How long a negatively acknowledged message waits before redelivery.
	NackRedeliveryDelay time.Duration
	SendTimeout         time.Duration
	CompressionType     pulsar.CompressionType
	CompressionLevel    pulsar.CompressionLevel
	// Time to wait for further messages once the first message of a batch has arrived.
	BatchLinger time.Duration
}

// PulsarBroker stores messages on a Pulsar topic consumed through a shared subscription, so that several schedulers
// may consume concurrently while only the leader actually does.
type PulsarBroker struct {
	producer    pulsar.Producer
	dlqProducer pulsar.Producer
	consumer    pulsar.Consumer
	batchLinger time.Duration
}

func NewPulsarBroker(client pulsar.Client, config PulsarBrokerConfig) (*PulsarBroker, error) {
	producer, err := client.CreateProducer(pulsar.ProducerOptions{
		Topic:            config.Topic,
		CompressionType:  config.CompressionType,
		CompressionLevel: config.CompressionLevel,
		SendTimeout:      config.SendTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "error creating producer for topic %s", config.Topic)
	}
	dlqProducer, err := client.CreateProducer(pulsar.ProducerOptions{
		Topic:       config.DeadLetterTopic,
		SendTimeout: config.SendTimeout,
	})
	if err != nil {
		producer.Close()
		return nil, errors.Wrapf(err, "error creating producer for topic %s", config.DeadLetterTopic)
	}
	consumer, err := client.Subscribe(pulsar.ConsumerOptions{
		Topic:               config.Topic,
		SubscriptionName:    config.SubscriptionName,
		Type:                pulsar.Shared,
		NackRedeliveryDelay: config.NackRedeliveryDelay,
	})
	if err != nil {
		producer.Close()
		dlqProducer.Close()
		return nil, errors.Wrapf(err, "error subscribing to topic %s", config.Topic)
	}
	batchLinger := config.BatchLinger
	if batchLinger <= 0 {
		batchLinger = 10 * time.Millisecond
	}
	return &PulsarBroker{
		producer:    producer,
		dlqProducer: dlqProducer,
		consumer:    consumer,
		batchLinger: batchLinger,
	}, nil
}

func (b *PulsarBroker) Send(ctx *scalecontext.Context, msgs ...*Message) error {
	var result *multierror.Error
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, msg := range msgs {
		payload, err := msg.Marshal()
		if err != nil {
			return err
		}
		wg.Add(1)
		b.producer.SendAsync(ctx, &pulsar.ProducerMessage{
			Payload:    payload,
			Properties: map[string]string{"type": string(msg.Type)},
		}, func(_ pulsar.MessageID, _ *pulsar.ProducerMessage, err error) {
			defer wg.Done()
			if err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		})
	}
	if err := b.producer.Flush(); err != nil {
		result = multierror.Append(result, err)
	}
	wg.Wait()
	return errors.WithStack(result.ErrorOrNil())
}

func (b *PulsarBroker) Receive(ctx *scalecontext.Context, max int, wait time.Duration) ([]*Delivery, error) {
	deliveries := make([]*Delivery, 0, max)
	timeout := wait
	for len(deliveries) < max {
		receiveCtx, cancel := scalecontext.WithTimeout(ctx, timeout)
		pulsarMsg, err := b.consumer.Receive(receiveCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || len(deliveries) > 0 {
				break
			}
			return nil, errors.WithStack(err)
		}
		msg, err := Unmarshal(pulsarMsg.Payload())
		if err != nil {
			// Undecodable messages can never be handled.
			ctx.Log.WithError(err).Errorf("Dead-lettering undecodable message %s", pulsarMsg.ID())
			b.deadLetterRaw(ctx, pulsarMsg)
			continue
		}
		msg.Attempts = int(pulsarMsg.RedeliveryCount())
		deliveries = append(deliveries, &Delivery{Message: msg, handle: pulsarMsg})
		timeout = b.batchLinger
	}
	return deliveries, nil
}

func (b *PulsarBroker) Ack(_ *scalecontext.Context, deliveries ...*Delivery) error {
	for _, d := range deliveries {
		b.consumer.Ack(d.handle.(pulsar.Message))
	}
	return nil
}

func (b *PulsarBroker) Nack(_ *scalecontext.Context, deliveries ...*Delivery) error {
	for _, d := range deliveries {
		b.consumer.Nack(d.handle.(pulsar.Message))
	}
	return nil
}

func (b *PulsarBroker) DeadLetter(ctx *scalecontext.Context, delivery *Delivery) error {
	pulsarMsg := delivery.handle.(pulsar.Message)
	if _, err := b.dlqProducer.Send(ctx, &pulsar.ProducerMessage{
		Payload:    pulsarMsg.Payload(),
		Properties: map[string]string{"type": string(delivery.Message.Type)},
	}); err != nil {
		return errors.WithStack(err)
	}
	b.consumer.Ack(pulsarMsg)
	return nil
}

func (b *PulsarBroker) deadLetterRaw(ctx *scalecontext.Context, pulsarMsg pulsar.Message) {
	if _, err := b.dlqProducer.Send(ctx, &pulsar.ProducerMessage{Payload: pulsarMsg.Payload()}); err != nil {
		ctx.Log.WithError(err).Error("Failed to dead-letter message; it will be redelivered")
		b.consumer.Nack(pulsarMsg)
		return
	}
	b.consumer.Ack(pulsarMsg)
}

func (b *PulsarBroker) Close() error {
	b.consumer.Close()
	b.producer.Close()
	b.dlqProducer.Close()
	return nil
}
