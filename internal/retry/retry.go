package retry

import (
	"context"
	"time"

	retrygo "github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"
)

// Policy is a bounded retry budget: at most Attempts calls, sleeping with
// exponential backoff starting at Delay and capped at MaxDelay.
type Policy struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// Always retries on every error.
func Always(error) bool { return true }

func (p Policy) options(ctx context.Context, logger *log.Entry, retryIf func(error) bool) []retrygo.Option {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}

	if retryIf == nil {
		retryIf = Always
	}

	return []retrygo.Option{
		retrygo.Context(ctx),
		retrygo.Attempts(attempts),
		retrygo.Delay(p.Delay),
		retrygo.MaxDelay(p.MaxDelay),
		retrygo.DelayType(retrygo.BackOffDelay),
		retrygo.LastErrorOnly(true),
		retrygo.RetryIf(retryIf),
		retrygo.OnRetry(func(n uint, err error) {
			if logger != nil {
				logger.WithError(err).WithField("attempt", n+1).Warn("retrying")
			}
		}),
	}
}

// Do runs fn until it succeeds, retryIf rejects its error, the budget is
// spent or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, logger *log.Entry, fn func(ctx context.Context) error, retryIf func(error) bool) error {
	return retrygo.Do(func() error {
		return fn(ctx)
	}, p.options(ctx, logger, retryIf)...)
}

func Value[T any](ctx context.Context, p Policy, logger *log.Entry, fn func(ctx context.Context) (T, error), retryIf func(error) bool) (T, error) {
	return retrygo.DoWithData(func() (T, error) {
		return fn(ctx)
	}, p.options(ctx, logger, retryIf)...)
}
