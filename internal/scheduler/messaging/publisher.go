package messaging

import (
	"time"

	"github.com/avast/retry-go"

	"github.com/scaleproject/scale/internal/common/logging"
	"github.com/scaleproject/scale/internal/common/scalecontext"
	"github.com/scaleproject/scale/internal/common/util"
	"github.com/scaleproject/scale/internal/scheduler/metrics"
)

const publishAttempts = 5

// AsyncPublisher decouples components that produce messages from the broker. Send never blocks on the network;
// messages are published in order by Run, which retries failures until the context is cancelled.
type AsyncPublisher struct {
	producer *Producer
	queue    chan []*Message
	backoff  time.Duration
}

func NewAsyncPublisher(producer *Producer, bufferSize int, backoff time.Duration) *AsyncPublisher {
	return &AsyncPublisher{
		producer: producer,
		queue:    make(chan []*Message, bufferSize),
		backoff:  backoff,
	}
}

func (p *AsyncPublisher) Send(msgs ...*Message) {
	if len(msgs) == 0 {
		return
	}
	p.queue <- msgs
}

func (p *AsyncPublisher) Run(ctx *scalecontext.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msgs := <-p.queue:
			p.publish(ctx, msgs)
		}
	}
}

func (p *AsyncPublisher) publish(ctx *scalecontext.Context, msgs []*Message) {
	util.RetryUntilSuccess(
		ctx,
		p.backoff,
		func() error {
			return retry.Do(
				func() error { return p.producer.Send(ctx, msgs...) },
				retry.Context(ctx),
				retry.Attempts(publishAttempts),
				retry.Delay(p.backoff),
				retry.DelayType(retry.BackOffDelay),
				retry.LastErrorOnly(true),
				retry.OnRetry(func(n uint, err error) {
					metrics.MessagePublishFailures.Inc()
				}),
			)
		},
		func(err error) {
			logging.WithStacktrace(ctx.Log, err).Warnf("Publishing %d messages failed", len(msgs))
		},
	)
}

// Flush publishes every buffered message group. Used on shutdown, after the components sending messages have stopped.
func (p *AsyncPublisher) Flush(ctx *scalecontext.Context) {
	for {
		select {
		case msgs := <-p.queue:
			p.publish(ctx, msgs)
		default:
			return
		}
	}
}

// Pending returns the number of message groups waiting to be published.
func (p *AsyncPublisher) Pending() int {
	return len(p.queue)
}
