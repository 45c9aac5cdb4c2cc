package util

import (
	"time"

	"github.com/scaleproject/scale/internal/common/scalecontext"
)

// RetryUntilSuccess calls performAction until it succeeds or ctx is done, calling onError after every failure and
// waiting backoff between attempts.
func RetryUntilSuccess(ctx *scalecontext.Context, backoff time.Duration, performAction func() error, onError func(error)) {
	for {
		err := performAction()
		if err == nil {
			return
		}
		onError(err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}
