// Package refill paces bounded compare-and-swap retry loops so an
// optimistic-concurrency backend (no native server-side script/transaction
// support) isn't hammered by a caller spinning on contention.
//
// Adapted from pkg/adaptive/limiter.go, which wraps
// golang.org/x/time/rate to reshape outbound request rate by a dynamically
// computed factor. Here the same primitive paces retries within a single
// capability call instead of outbound traffic across calls.
package refill

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/omd02/ratelimit/storage"
)

// Retrier bounds a CAS retry loop to MaxAttempts, waiting between attempts
// according to an internal token-bucket pacer so a hot key doesn't turn into
// a tight spin loop against the backend.
type Retrier struct {
	limiter     *rate.Limiter
	maxAttempts int
}

// New constructs a Retrier whose Do runs its first attempt immediately and
// takes each retry from a token bucket holding up to burst tokens, refilled
// at attemptsPerSecond and shared by every Do call on the Retrier, giving up
// after maxAttempts total tries.
func New(attemptsPerSecond float64, burst, maxAttempts int) *Retrier {
	return &Retrier{
		limiter:     rate.NewLimiter(rate.Limit(attemptsPerSecond), burst),
		maxAttempts: maxAttempts,
	}
}

// Do runs fn up to r.maxAttempts times, retrying only when fn reports a CAS
// conflict (ok=false, err=nil). It returns storage.ErrConcurrencyExhausted,
// wrapped in storage.ErrStorageUnavailable, if the retry budget runs out.
func (r *Retrier) Do(ctx context.Context, fn func() (ok bool, err error)) error {
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := r.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
			}
		}
		ok, err := fn()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %w", storage.ErrStorageUnavailable, storage.ErrConcurrencyExhausted)
}
