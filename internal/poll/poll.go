// Package poll repeats a status read until it reports a terminal state.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrTimeout is returned when the hard timeout passes before the state is terminal.
var ErrTimeout = errors.New("poll: timed out waiting for terminal state")

var errNotDone = errors.New("not done")

// Options controls the polling cadence. With Exponential the interval grows
// from Interval up to MaxInterval; otherwise it stays at Interval.
type Options struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Exponential bool
	Timeout     time.Duration
}

// DefaultOptions polls every two seconds for up to ten minutes.
func DefaultOptions() Options {
	return Options{Interval: 2 * time.Second, MaxInterval: 30 * time.Second, Timeout: 10 * time.Minute}
}

func (o Options) backOff() backoff.BackOff {
	interval := o.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if !o.Exponential {
		return backoff.NewConstantBackOff(interval)
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = interval
	if o.MaxInterval > 0 {
		eb.MaxInterval = o.MaxInterval
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// Until calls fetch until done reports true for its result, fetch fails, ctx
// ends or the timeout passes. The last fetched value is always returned so
// callers can report progress on timeout.
func Until[T any](ctx context.Context, opts Options, fetch func(context.Context) (T, error), done func(T) bool) (T, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var last T
	op := func() error {
		v, err := fetch(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		last = v
		if done(v) {
			return nil
		}
		return errNotDone
	}

	err := backoff.Retry(op, backoff.WithContext(opts.backOff(), ctx))
	switch {
	case err == nil:
		return last, nil
	case errors.Is(err, context.DeadlineExceeded) && opts.Timeout > 0:
		return last, fmt.Errorf("%w after %s", ErrTimeout, opts.Timeout)
	default:
		return last, err
	}
}
