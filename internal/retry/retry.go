// Package retry runs backend operations under a bounded exponential
// backoff. Only failures classified as transient are retried.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/vault-transfer/internal/storage"
)

// Policy bounds the retries of one operation.
type Policy struct {
	MaxAttempts     uint          `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
	}
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	return b
}

// Retrier executes operations under a Policy.
type Retrier struct {
	policy  Policy
	logger  *logrus.Logger
	onRetry func(op string)
}

// New returns a Retrier. onRetry, if set, is called before every retry.
func New(policy Policy, logger *logrus.Logger, onRetry func(op string)) *Retrier {
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 1
	}
	return &Retrier{policy: policy, logger: logger, onRetry: onRetry}
}

// Do runs fn until it succeeds, fails permanently, the attempts are
// exhausted or ctx is done. The last error is returned unwrapped.
func (r *Retrier) Do(ctx context.Context, op string, fn func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err != nil && !storage.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(r.policy.backOff()),
		backoff.WithMaxTries(r.policy.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			if r.logger != nil {
				r.logger.WithFields(logrus.Fields{
					"operation": op,
					"retry_in":  next.String(),
				}).WithError(err).Warn("Transient failure, retrying")
			}
			if r.onRetry != nil {
				r.onRetry(op)
			}
		}),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	return err
}
