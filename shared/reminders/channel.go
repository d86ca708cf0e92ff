package reminders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kinect/shared/retry"
)

// ChannelConfig holds configuration for a delivery channel.
type ChannelConfig struct {
	Retry retry.Policy
	// PoolSize is the number of idle transports kept for reuse within a run.
	PoolSize int
}

// Channel delivers digests through pooled transports. A Channel belongs to
// one run: it is opened at the start and closed on every exit path.
type Channel struct {
	factory TransportFactory
	policy  retry.Policy
	limiter *RateLimiter
	metrics *Metrics
	logger  zerolog.Logger

	mu     sync.Mutex
	idle   []Transport
	size   int
	closed bool
}

// OpenChannel creates a channel. No connection is made until the first delivery.
func OpenChannel(factory TransportFactory, cfg ChannelConfig, limiter *RateLimiter, metrics *Metrics, logger zerolog.Logger) *Channel {
	size := cfg.PoolSize
	if size <= 0 {
		size = 1
	}
	return &Channel{
		factory: factory,
		policy:  cfg.Retry,
		limiter: limiter,
		metrics: metrics,
		logger:  logger,
		size:    size,
	}
}

// Verify makes sure a verified transport is available.
func (c *Channel) Verify(ctx context.Context) error {
	t, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	c.release(t)
	return nil
}

// Deliver sends msg, verifying a transport first when none is idle.
// Transient failures are retried; permanent ones are returned immediately.
func (c *Channel) Deliver(ctx context.Context, msg *Message) (SendResult, error) {
	if msg.To == "" {
		return SendResult{Rejected: []string{msg.To}}, &DeliveryError{Op: "send", Err: ErrInvalidRecipient}
	}

	start := time.Now()
	defer func() { c.metrics.ObserveDeliveryDuration(time.Since(start).Seconds()) }()

	t, err := c.acquire(ctx)
	if err != nil {
		return SendResult{}, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		c.release(t)
		return SendResult{}, fmt.Errorf("rate limiter: %w", err)
	}

	var res SendResult
	_, err = retry.Do(ctx, c.policy, IsTransient,
		func(ctx context.Context) error {
			if t == nil {
				fresh, err := c.dial(ctx)
				if err != nil {
					return err
				}
				t = fresh
			}
			r, err := t.Send(ctx, msg)
			res = r
			if err != nil {
				if IsTransient(err) {
					c.discard(t)
					t = nil
				}
				return err
			}
			return nil
		},
		func(err error, attempt int, wait time.Duration) {
			c.metrics.IncRetries("send")
			c.logger.Warn().Err(err).
				Str("recipient", msg.To).
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("retrying digest send")
		},
	)

	if err != nil {
		// A rejected recipient leaves the connection usable.
		switch {
		case t == nil:
		case errors.Is(err, ErrPermanentDelivery):
			c.release(t)
		default:
			c.discard(t)
		}
		return res, asDeliveryError("send", msg.To, err)
	}

	c.release(t)
	return res, nil
}

// Close closes every idle transport. Further deliveries fail.
func (c *Channel) Close() error {
	c.mu.Lock()
	idle := c.idle
	c.idle = nil
	c.closed = true
	c.mu.Unlock()

	var errs []error
	for _, t := range idle {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// acquire returns an idle transport or creates and verifies a new one.
func (c *Channel) acquire(ctx context.Context) (Transport, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &DeliveryError{Op: "verify", Err: errors.New("channel closed")}
	}
	if n := len(c.idle); n > 0 {
		t := c.idle[n-1]
		c.idle = c.idle[:n-1]
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	t, err := c.factory.NewTransport()
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	res, err := retry.Do(ctx, c.policy, IsTransient,
		func(ctx context.Context) error { return t.Verify(ctx) },
		func(err error, attempt int, wait time.Duration) {
			c.metrics.IncRetries("verify")
			c.logger.Warn().Err(err).
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("retrying transport verification")
		},
	)
	if err != nil {
		_ = t.Close()
		c.logger.Error().Err(err).Int("attempts", res.Attempts).Msg("transport verification failed")
		return nil, asDeliveryError("verify", "", err)
	}
	return t, nil
}

// dial makes one verification attempt on a new transport.
func (c *Channel) dial(ctx context.Context) (Transport, error) {
	t, err := c.factory.NewTransport()
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	if err := t.Verify(ctx); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func (c *Channel) release(t Transport) {
	c.mu.Lock()
	if c.closed || len(c.idle) >= c.size {
		c.mu.Unlock()
		_ = t.Close()
		return
	}
	c.idle = append(c.idle, t)
	c.mu.Unlock()
}

func (c *Channel) discard(t Transport) {
	if err := t.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("close failed transport")
	}
}

func asDeliveryError(op, recipient string, err error) error {
	if dErr, ok := AsDeliveryError(err); ok {
		if dErr.Recipient == "" && recipient != "" {
			cp := *dErr
			cp.Recipient = recipient
			return &cp
		}
		return dErr
	}
	return &DeliveryError{Op: op, Recipient: recipient, Temporary: IsTransient(err), Err: err}
}
