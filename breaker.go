package rpcpool

import (
	"context"
	"errors"
	"log/slog"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// Breaker wraps a contract's Invoker with a circuit breaker. It sits outside the pipeline and
// only sees failures that survived failover.
// Application faults and caller cancellations never count as failures.
type Breaker struct {
	next   Invoker
	cb     *gobreaker.CircuitBreaker[any]
	logger *slog.Logger
}

// NewBreaker wraps next in a circuit breaker named after the contract.
//
// Example:
//
//	breaker := rpcpool.NewBreaker("orders", pipeline, rpcpool.DefaultCircuitBreakerConfig(), logger)
func NewBreaker(name string, next Invoker, config *CircuitBreakerConfig, logger *slog.Logger) *Breaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if config.ReadyToTrip == nil {
				return counts.ConsecutiveFailures > 5
			}
			return config.ReadyToTrip(convertCounts(counts))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"contract", name,
				"from", from.String(),
				"to", to.String())

			if config.OnStateChange != nil {
				config.OnStateChange(name, convertGobreakerState(from), convertGobreakerState(to))
			}
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) {
				return true
			}
			return KindOf(err) == KindApplicationFault
		},
	}

	return &Breaker{
		next:   next,
		cb:     gobreaker.NewCircuitBreaker[any](settings),
		logger: logger,
	}
}

// Execute runs the call through the circuit breaker.
// Rejections are returned as jp-go-errors circuit breaker errors.
func (b *Breaker) Execute(ctx context.Context, call *Call) (any, error) {
	resp, err := b.cb.Execute(func() (any, error) {
		return b.next.Execute(ctx, call)
	})
	if err == nil {
		return resp, nil
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		counts := b.cb.Counts()
		b.logger.Warn("circuit breaker is open, call rejected",
			"contract", b.cb.Name(),
			"method", call.Method)
		return nil, jperrors.NewCircuitBreakerError(
			"call rejected",
			call.Method,
			"open",
			jperrors.WithCause(err),
			jperrors.WithCounts(toCircuitCounts(counts)),
		)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		counts := b.cb.Counts()
		b.logger.Debug("circuit breaker half-open, too many calls",
			"contract", b.cb.Name(),
			"method", call.Method)
		return nil, jperrors.NewCircuitBreakerError(
			"too many calls in half-open state",
			call.Method,
			"half-open",
			jperrors.WithCause(err),
			jperrors.WithCounts(toCircuitCounts(counts)),
		)
	}
	return nil, err
}

// State returns the current state of the circuit breaker.
func (b *Breaker) State() CircuitBreakerState {
	return convertGobreakerState(b.cb.State())
}

// Counts returns the current counts of the circuit breaker.
func (b *Breaker) Counts() CircuitBreakerCounts {
	return convertCounts(b.cb.Counts())
}

func convertCounts(counts gobreaker.Counts) CircuitBreakerCounts {
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

func toCircuitCounts(counts gobreaker.Counts) jperrors.CircuitCounts {
	return jperrors.CircuitCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}
