package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/buddhike/shardherd/store"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

func newBackOff(ctx context.Context, initial, max time.Duration, maxRetries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)
}

// retryTransient runs op until it succeeds, fails with an error that retrying
// cannot fix, or the store retry budget is spent. Conflicts and missing
// records are returned immediately so callers can treat them as lost races.
func retryTransient[T any](ctx context.Context, cfg *ConsumerConfig, logger *zap.Logger, what string, op func() (T, error)) (T, error) {
	var result T
	err := backoff.RetryNotify(func() error {
		r, err := op()
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	}, newBackOff(ctx, cfg.StoreBackoffInitial, cfg.StoreBackoffMax, cfg.StoreMaxRetries), func(err error, wait time.Duration) {
		logger.Warn("operation failed, retrying", zap.String("operation", what), zap.Duration("wait", wait), zap.Error(err))
	})
	return result, err
}

func isPermanent(err error) bool {
	return errors.Is(err, store.ErrConflict) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, ErrSequenceRegression) ||
		errors.Is(err, ErrShardFinalized) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
