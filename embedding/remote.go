package embedding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/philippgille/chromem-go"

	"github.com/dhcgn/mailvec/model"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// remote wraps a network embedding function with retries. The dimension is
// learned from the first vector.
type remote struct {
	name    string
	fn      chromem.EmbeddingFunc
	retries int
	policy  func() backoff.BackOff
	dim     atomic.Int64
}

func newRemote(name string, fn chromem.EmbeddingFunc, retries int) *remote {
	if retries < 0 {
		retries = 0
	}
	return &remote{name: name, fn: fn, retries: retries, policy: exponential(initialBackoff)}
}

func exponential(initial time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		return backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(initial),
			backoff.WithMaxInterval(maxBackoff),
			backoff.WithMaxElapsedTime(0),
		)
	}
}

func (r *remote) Name() string {
	return r.name
}

func (r *remote) Dimension() int {
	return int(r.dim.Load())
}

// Embed retries failed calls. A service that stays unreachable yields
// model.ErrEmbeddingUnavailable, any other persistent failure
// model.ErrEmbedding.
func (r *remote) Embed(ctx context.Context, text string) ([]float32, error) {
	attempts := 0
	op := func() ([]float32, error) {
		attempts++
		vec, err := r.fn(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}

		if err := validate(vec); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%s: %w", r.name, err))
		}
		if !r.dim.CompareAndSwap(0, int64(len(vec))) && r.Dimension() != len(vec) {
			return nil, backoff.Permanent(fmt.Errorf("%w: %s returned %d dimensions, expected %d", model.ErrEmbedding, r.name, len(vec), r.Dimension()))
		}
		return vec, nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(r.policy(), uint64(r.retries)), ctx)
	vec, err := backoff.RetryWithData(op, policy)
	switch {
	case err == nil:
		return vec, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, model.ErrEmbedding):
		return nil, err
	case Unreachable(err):
		return nil, fmt.Errorf("%w: %s after %d attempts: %v", model.ErrEmbeddingUnavailable, r.name, attempts, err)
	default:
		return nil, fmt.Errorf("%w: %s after %d attempts: %v", model.ErrEmbedding, r.name, attempts, err)
	}
}

// Unreachable reports whether err comes from the transport rather than from
// the service rejecting one input: refused or reset connections, DNS
// failures and network timeouts.
func Unreachable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// *url.Error implements net.Error, so failed HTTP round trips land here.
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsRecoverable reports whether err only affects the record being embedded.
func IsRecoverable(err error) bool {
	return errors.Is(err, model.ErrEmbedding)
}
