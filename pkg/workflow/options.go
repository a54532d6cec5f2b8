package workflow

import (
	"log/slog"
	"os"
	"time"
)

// CircuitBreakerConfig enables a per-task circuit breaker: after
// FailureThreshold consecutive failures the task is rejected until Cooldown
// elapses, then probed with up to HalfOpenMax trial runs.
type CircuitBreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	HalfOpenMax      int
}

type options struct {
	logger         *slog.Logger
	gracePeriod    time.Duration
	circuitBreaker *CircuitBreakerConfig
}

func defaultOptions() options {
	return options{
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
}

// Option customizes an Engine.
type Option func(*options)

// WithLogger replaces the default stderr text logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithGracePeriod sets how long a cancelled execution waits for running
// handlers before force-marking them Cancelled. Default is 5s.
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.gracePeriod = d
		}
	}
}

// WithCircuitBreaker enables the per-task circuit breaker. Zero fields fall
// back to defaults (5 failures, 30s cooldown, 1 half-open probe).
func WithCircuitBreaker(cfg CircuitBreakerConfig) Option {
	return func(o *options) {
		if cfg.FailureThreshold <= 0 {
			cfg.FailureThreshold = 5
		}
		if cfg.Cooldown <= 0 {
			cfg.Cooldown = 30 * time.Second
		}
		if cfg.HalfOpenMax <= 0 {
			cfg.HalfOpenMax = 1
		}
		o.circuitBreaker = &cfg
	}
}
