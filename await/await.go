// Package await provides a bounded, fixed-delay wait for a condition that is
// expected to become true shortly, such as a late-mounted page element.
package await

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// ErrExhausted is returned when every attempt ran and the probe never succeeded.
var ErrExhausted = errors.New("await: condition not met")

var errNotReady = errors.New("not ready")

// Options bound the wait. Retries is the number of additional attempts after
// the first, each spaced by Delay.
type Options struct {
	OnRetry func(attempt, retries uint)
	Retries uint
	Delay   time.Duration
}

// Until calls probe immediately and then up to opts.Retries more times at a
// fixed opts.Delay, returning the first value probe reports as ready.
func Until[T any](ctx context.Context, probe func() (T, bool), opts Options) (T, error) {
	var result T

	err := retry.Do(
		func() error {
			v, ok := probe()
			if !ok {
				return errNotReady
			}
			result = v
			return nil
		},
		retry.Attempts(opts.Retries+1),
		retry.Delay(opts.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, _ error) {
			// n counts failed attempts from zero; the last failure is not followed by a retry.
			if n < opts.Retries && opts.OnRetry != nil {
				opts.OnRetry(n+1, opts.Retries)
			}
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("await cancelled: %w", ctxErr)
		}
		return result, fmt.Errorf("%w after %d attempts", ErrExhausted, opts.Retries+1)
	}
	return result, nil
}
