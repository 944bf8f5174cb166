// Package resilience wraps calls to a remote dependency in a circuit breaker
// and a bounded retry policy.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/punchamoorthee/walletsettle/internal/logger"
)

var (
	// ErrCircuitOpen is returned without calling the dependency while the breaker
	// is open or its half-open probe budget is spent.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrRetriesExhausted wraps the last error once every attempt has failed.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "settlement_circuit_breaker_state",
		Help: "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open)",
	}, []string{"name"})

	retryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_retry_attempts_total",
		Help: "Retries scheduled after a transient failure",
	}, []string{"name"})
)

// BreakerSettings controls when the breaker opens.
type BreakerSettings struct {
	// ConsecutiveFailures opens the breaker after this many failures in a row.
	ConsecutiveFailures uint32
	// FailureRate opens the breaker once failures/requests reaches it within
	// Window, provided at least MinRequests were made.
	FailureRate float64
	MinRequests uint32
	Window      time.Duration
	// OpenTimeout is how long the breaker stays open before allowing probes.
	OpenTimeout time.Duration
	// HalfOpenProbes is the number of trial calls admitted while half-open.
	HalfOpenProbes uint32
}

// RetryPolicy is an exponential backoff with jitter.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
}

type Config struct {
	Name    string
	Breaker BreakerSettings
	Retry   RetryPolicy
	// IsPermanent classifies errors that must not be retried and must not count
	// against the breaker. Errors wrapped with Permanent always qualify.
	IsPermanent func(error) bool
}

// DefaultBreaker and DefaultRetry are used for zero fields of Config.
var (
	DefaultBreaker = BreakerSettings{
		ConsecutiveFailures: 5,
		FailureRate:         0.5,
		MinRequests:         20,
		Window:              30 * time.Second,
		OpenTimeout:         15 * time.Second,
		HalfOpenProbes:      1,
	}
	DefaultRetry = RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
		Jitter:          0.5,
	}
)

// Gate guards a single dependency.
type Gate struct {
	name        string
	cb          *gobreaker.CircuitBreaker
	retry       RetryPolicy
	isPermanent func(error) bool
}

func New(cfg Config) *Gate {
	bs := withBreakerDefaults(cfg.Breaker)
	g := &Gate{
		name:        cfg.Name,
		retry:       withRetryDefaults(cfg.Retry),
		isPermanent: cfg.IsPermanent,
	}

	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: bs.HalfOpenProbes,
		Interval:    bs.Window,
		Timeout:     bs.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.ConsecutiveFailures >= bs.ConsecutiveFailures {
				return true
			}
			if c.Requests < bs.MinRequests || bs.FailureRate <= 0 {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= bs.FailureRate
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerState.WithLabelValues(name).Set(stateValue(to))
			logger.Warn("circuit breaker state changed", logger.Fields{
				"name": name,
				"from": from.String(),
				"to":   to.String(),
			})
		},
		IsSuccessful: func(err error) bool {
			return err == nil || g.permanent(err) || errors.Is(err, context.Canceled)
		},
	})
	breakerState.WithLabelValues(cfg.Name).Set(0)

	return g
}

// Do runs op through the breaker, retrying transient failures with backoff.
// op must be safe to repeat.
func (g *Gate) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := g.call(ctx, op)
		if err == nil {
			return nil
		}
		if g.permanent(err) || errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(g.retry.backOff(), ctx), func(err error, next time.Duration) {
		retryAttempts.WithLabelValues(g.name).Inc()
		logger.Warn("retrying after transient failure", logger.Fields{
			"name":    g.name,
			"attempt": attempts,
			"backoff": next.String(),
			"error":   err.Error(),
		})
	})
	if err == nil {
		return nil
	}

	if g.permanent(err) || errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%s: %w after %d attempts: %w", g.name, ErrRetriesExhausted, attempts, err)
}

// Once runs op through the breaker without retrying.
func (g *Gate) Once(ctx context.Context, op func(context.Context) error) error {
	return g.call(ctx, op)
}

// State returns the breaker state name: closed, half-open or open.
func (g *Gate) State() string {
	return g.cb.State().String()
}

func (g *Gate) call(ctx context.Context, op func(context.Context) error) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, op(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", g.name, ErrCircuitOpen)
	}
	return err
}

func (g *Gate) permanent(err error) bool {
	if IsPermanent(err) {
		return true
	}
	return g.isPermanent != nil && g.isPermanent(err)
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}

func withBreakerDefaults(s BreakerSettings) BreakerSettings {
	d := DefaultBreaker
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = d.ConsecutiveFailures
	}
	if s.FailureRate == 0 {
		s.FailureRate = d.FailureRate
	}
	if s.MinRequests == 0 {
		s.MinRequests = d.MinRequests
	}
	if s.Window == 0 {
		s.Window = d.Window
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = d.OpenTimeout
	}
	if s.HalfOpenProbes == 0 {
		s.HalfOpenProbes = d.HalfOpenProbes
	}
	return s
}

func withRetryDefaults(p RetryPolicy) RetryPolicy {
	d := DefaultRetry
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval == 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval == 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.Multiplier == 0 {
		p.Multiplier = d.Multiplier
	}
	return p
}
