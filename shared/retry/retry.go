// Package retry provides bounded retries with jittered exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	// MaxDelay caps every individual wait, jitter included.
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// Multiplier grows the delay between consecutive retries.
	Multiplier float64 `yaml:"multiplier"`
	// Jitter is the randomization factor in (0, 1]. Zero takes the default;
	// a negative value disables jitter.
	Jitter float64 `yaml:"jitter"`
}

// DefaultPolicy returns 5 attempts, 1s base delay, 10s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
		Jitter:      0.5,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	switch {
	case p.Jitter < 0:
		p.Jitter = 0
	case p.Jitter == 0 || p.Jitter > 1:
		p.Jitter = d.Jitter
	}
	return p
}

// Classifier reports whether an error is worth another attempt.
type Classifier func(err error) bool

// NotifyFunc is called before each wait with the failed attempt number (1-based).
type NotifyFunc func(err error, attempt int, wait time.Duration)

// Result describes how a retried operation ended.
type Result struct {
	Attempts int
}

// Do runs op until it succeeds, returns an error the classifier rejects,
// the attempts are exhausted or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, retryable Classifier, op func(ctx context.Context) error, notify NotifyFunc) (Result, error) {
	p = p.withDefaults()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0

	var b backoff.BackOff = &capped{BackOff: exp, max: p.MaxDelay}
	b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	b = backoff.WithContext(b, ctx)

	var res Result
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		res.Attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, wait time.Duration) {
			notify(err, res.Attempts, wait)
		}
	}

	err := backoff.RetryNotify(operation, b, onRetry)
	return res, err
}

// capped clamps jittered delays to max.
type capped struct {
	backoff.BackOff
	max time.Duration
}

func (c *capped) NextBackOff() time.Duration {
	d := c.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if d > c.max {
		return c.max
	}
	return d
}
