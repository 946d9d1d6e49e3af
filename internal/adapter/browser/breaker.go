package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"tabrelay/internal/domain"
	"tabrelay/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerSandbox wraps a Sandbox with circuit breaker protection. When the
// browser fails repeatedly (crashed Chrome, dead CDP socket), the circuit
// opens and extraction calls fail fast instead of piling up on a broken
// backend. Target listing is not routed through the breaker: it is cheap
// and its failures are already terminal for the request.
type BreakerSandbox struct {
	inner   domain.Sandbox
	breaker *gobreaker.CircuitBreaker[json.RawMessage]
	logger  *slog.Logger
}

// WithBreaker wraps inner with a circuit breaker when cfg.Enabled is set;
// otherwise it returns inner unchanged.
func WithBreaker(inner domain.Sandbox, cfg config.BreakerConfig, logger *slog.Logger) domain.Sandbox {
	if !cfg.Enabled {
		return inner
	}

	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "sandbox",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &BreakerSandbox{inner: inner, breaker: cb, logger: logger}
}

func (b *BreakerSandbox) Targets(ctx context.Context) ([]domain.TargetInfo, error) {
	return b.inner.Targets(ctx)
}

func (b *BreakerSandbox) Run(ctx context.Context, targetID string, payload json.RawMessage) (json.RawMessage, error) {
	data, err := b.breaker.Execute(func() (json.RawMessage, error) {
		return b.inner.Run(ctx, targetID, payload)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("sandbox circuit open: %w", err)
		}
		return nil, err
	}
	return data, nil
}

func (b *BreakerSandbox) Close() error { return b.inner.Close() }

// State returns the current circuit breaker state for monitoring.
func (b *BreakerSandbox) State() gobreaker.State { return b.breaker.State() }

var _ domain.Sandbox = (*BreakerSandbox)(nil)
