package copier

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/apparentlymart/ocicopy/internal/logging"
	"github.com/apparentlymart/ocicopy/internal/ocidist"
)

// retry calls op until it succeeds, fails with an error that isn't
// transient, or has failed transiently more times than opts allows.
//
// The delay between attempts grows exponentially, and waiting stops early
// if ctx is cancelled.
func retry(ctx context.Context, opts Options, what string, op func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = opts.InitialBackoff
	exp.MaxInterval = opts.MaxBackoff
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(opts.MaxRetries)), ctx)

	logger := logging.ContextLogger(ctx)
	return backoff.RetryNotify(
		func() error {
			err := op()
			if err != nil && !ocidist.IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		policy,
		func(err error, wait time.Duration) {
			logger.WithError(err).Warnf("%s failed; retrying in %s", what, wait.Round(time.Millisecond))
		},
	)
}
