// Package retry wraps provider calls in exponential backoff with
// jitter, built on github.com/cenkalti/backoff/v4.
package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/weftmem/weft/internal/config"
	"github.com/weftmem/weft/internal/model"
)

// OnRetry is invoked before each retry sleep with the attempt number
// (1-based) and the error that triggered it.
type OnRetry func(attempt int, err error)

// Do runs fn, retrying on errors classified as retryable by
// isRetryable up to cfg.MaxAttempts times with exponential backoff and
// jitter, matching calculate_delay's
// base_delay * exponential_base^(attempt-1), capped at max_delay, with
// +/-25% jitter. A non-retryable error aborts immediately. Exhausting all
// attempts returns the last error wrapped as model.ProviderError with
// Retryable left as whatever the last attempt reported.
func Do(ctx context.Context, cfg config.Retry, isRetryable func(error) bool, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Duration(cfg.BaseDelaySecs * float64(time.Second))
	eb.MaxInterval = time.Duration(cfg.MaxDelaySecs * float64(time.Second))
	eb.Multiplier = cfg.ExponentialBase
	if cfg.Jitter {
		eb.RandomizationFactor = 0.25
	} else {
		eb.RandomizationFactor = 0
	}
	eb.MaxElapsedTime = 0 // bounded by attempt count instead, not wall clock

	attempts := 0
	var lastErr error
	bo := backoff.WithMaxRetries(eb, uint64(cfg.MaxAttempts-1))
	bo = backoff.WithContext(bo, ctx)

	op := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, _ time.Duration) {
		lastErr = err
	}

	err := backoff.RetryNotify(op, bo, notify)
	if err == nil {
		return nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	if attempts >= cfg.MaxAttempts {
		return model.ProviderError("", true, lastErr)
	}
	return lastErr
}

// DefaultRetryable classifies connection and timeout errors as
// retryable. Anything already tagged with model.KindProvider uses its
// own Retryable flag.
func DefaultRetryable(err error) bool {
	var perr *model.Error
	if errors.As(err, &perr) && perr.Kind == model.KindProvider {
		return perr.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
