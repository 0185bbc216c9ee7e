package services

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/meterline/backend/internal/config"
)

// RetryPolicy bounds the exponential backoff applied to transient errors.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxElapsed      time.Duration
	MaxTries        uint
}

func RetryPolicyFrom(engine *config.EngineConfig) RetryPolicy {
	return RetryPolicy{
		InitialInterval: engine.RetryInitialInterval,
		MaxElapsed:      engine.RetryMaxElapsed,
		MaxTries:        engine.RetryMaxTries,
	}
}

// retryTransient runs op until it succeeds, fails with a non-transient error,
// or the policy is exhausted. The last error is returned.
func retryTransient[T any](ctx context.Context, policy RetryPolicy, name string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("[RETRY] %s failed, retrying in %s: %v", name, next, err)
		}),
	}
	if policy.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(policy.MaxTries))
	}
	if policy.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(policy.MaxElapsed))
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}
