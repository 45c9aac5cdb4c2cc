package messaging

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/scaleproject/scale/internal/common/logging"
	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/scheduler/metrics"
	"github.com/scaleproject/scale/internal/scheduler/models"
)

// Handler processes a single message. Follow-on messages are added to outbox rather than sent directly. Handlers must
// be idempotent since a message is redelivered if any message in its batch fails.
type Handler func(ctx *scalecontext.Context, msg *Message, outbox *Outbox) error

// JobFailer fails jobs whose messages could not be processed.
type JobFailer interface {
	FailJobs(ctx *scalecontext.Context, jobIDs []string, jobErr *models.JobError) error
}

type ConsumerConfig struct {
	BatchSize   int
	ReceiveWait time.Duration
	// A message delivered this many times without success is dead-lettered.
	MaxAttempts int
	// Wait after a failed batch before receiving again.
	FailureBackoff time.Duration
}

// Consumer receives batches of messages from a broker and dispatches them to handlers by type.
type Consumer struct {
	broker   Broker
	dedup    Deduplicator
	producer *Producer
	failer   JobFailer
	handlers map[Type]Handler
	config   ConsumerConfig
	clock    clock.Clock
}

func NewConsumer(broker Broker, dedup Deduplicator, producer *Producer, failer JobFailer, config ConsumerConfig, clock clock.Clock) *Consumer {
	return &Consumer{
		broker:   broker,
		dedup:    dedup,
		producer: producer,
		failer:   failer,
		handlers: make(map[Type]Handler),
		config:   config,
		clock:    clock,
	}
}

func (c *Consumer) Register(t Type, handler Handler) {
	c.handlers[t] = handler
}

// Run handles batches until ctx is cancelled.
func (c *Consumer) Run(ctx *scalecontext.Context) error {
	for ctx.Err() == nil {
		if _, err := c.ProcessBatch(ctx); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warn("Failed to process message batch")
			select {
			case <-ctx.Done():
			case <-c.clock.After(c.config.FailureBackoff):
			}
		}
	}
	return nil
}

// ProcessBatch receives and handles one batch, returning the number of messages successfully handled. Follow-on
// messages are sent and the batch acknowledged only if every message was handled.
func (c *Consumer) ProcessBatch(ctx *scalecontext.Context) (int, error) {
	deliveries, err := c.broker.Receive(ctx, c.config.BatchSize, c.config.ReceiveWait)
	if err != nil {
		return 0, err
	}
	if len(deliveries) == 0 {
		return 0, nil
	}
	start := c.clock.Now()
	defer func() { metrics.MessageBatchDuration.Observe(c.clock.Since(start).Seconds()) }()

	live := make([]*Delivery, 0, len(deliveries))
	for _, d := range deliveries {
		if d.Message.Attempts >= c.config.MaxAttempts || c.handlers[d.Message.Type] == nil {
			if err := c.deadLetter(ctx, d); err != nil {
				logging.WithStacktrace(ctx.Log, err).Errorf("Failed to dead-letter %s message", d.Message.Type)
				_ = c.broker.Nack(ctx, d)
			}
			continue
		}
		live = append(live, d)
	}
	if len(live) == 0 {
		return 0, nil
	}

	// From here on an identical message is no longer redundant since this batch may already have read the state it
	// would act on.
	keys := make([]string, len(live))
	for i, d := range live {
		keys[i] = d.Message.Key()
	}
	if err := c.dedup.Release(ctx, keys...); err != nil {
		ctx.Log.WithError(err).Warn("Failed to release message keys")
	}

	outbox := NewOutbox()
	for _, d := range live {
		msg := d.Message
		msgCtx := scalecontext.WithLogFields(ctx, logrus.Fields{"messageType": msg.Type, "attempt": msg.Attempts})
		if err := c.handlers[msg.Type](msgCtx, msg, outbox); err != nil {
			metrics.MessagesHandled.WithLabelValues(string(msg.Type), metrics.Failed).Inc()
			c.nack(ctx, live)
			return 0, errors.WithMessagef(err, "error handling %s message", msg.Type)
		}
		metrics.MessagesHandled.WithLabelValues(string(msg.Type), metrics.Succeeded).Inc()
	}
	if err := c.producer.Send(ctx, outbox.Messages()...); err != nil {
		c.nack(ctx, live)
		return 0, err
	}
	if err := c.broker.Ack(ctx, live...); err != nil {
		// Unacknowledged messages are redelivered and handled again, which handlers tolerate.
		logging.WithStacktrace(ctx.Log, err).Warn("Failed to acknowledge messages")
	}
	return len(live), nil
}

func (c *Consumer) nack(ctx *scalecontext.Context, deliveries []*Delivery) {
	if err := c.broker.Nack(ctx, deliveries...); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("Failed to nack messages")
	}
}

// deadLetter parks a message that cannot be handled and fails the jobs it refers to so they do not wait forever.
func (c *Consumer) deadLetter(ctx *scalecontext.Context, d *Delivery) error {
	msg := d.Message
	ctx.Log.Errorf("Dead-lettering %s message after %d attempts: %s", msg.Type, msg.Attempts, string(msg.Payload))
	if jobIDs := AffectedJobs(msg); len(jobIDs) > 0 && c.failer != nil {
		jobErr := models.SystemError(models.ErrorNameDeadLettered, "A message concerning this job could not be processed")
		if err := c.failer.FailJobs(ctx, jobIDs, jobErr); err != nil {
			return err
		}
	}
	if err := c.broker.DeadLetter(ctx, d); err != nil {
		return err
	}
	metrics.MessagesHandled.WithLabelValues(string(msg.Type), metrics.DeadLettered).Inc()
	return c.dedup.Release(ctx, msg.Key())
}
