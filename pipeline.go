package rpcpool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

// Pipeline runs every call of one contract: it selects an endpoint, acquires a pooled
// connection, opens it lazily, invokes, and on failure retries the same endpoint or fails over
// to another one within two independent budgets.
//
// The endpoint set is held behind an atomic pointer. Reconfigure swaps it without blocking
// in-flight calls, which keep using the endpoints they already selected.
type Pipeline struct {
	contract string
	factory  ConnectionFactory
	config   *Config
	logger   *slog.Logger
	limiter  *rate.Limiter
	set      atomic.Pointer[EndpointSet]
	stats    *callStats
	mu       sync.Mutex // serializes Reconfigure
}

// callStats tracks pipeline statistics.
type callStats struct {
	mu                  sync.RWMutex
	totalCalls          int64
	totalAttempts       int64
	sameEndpointRetries int64
	endpointSwitches    int64
	totalSuccesses      int64
	totalFailures       int64
	lastAttemptTime     time.Time
	lastError           error
}

// NewPipeline creates a pipeline for contract over the given endpoints.
//
// Example:
//
//	p := rpcpool.NewPipeline("orders", factory, endpoints,
//	    rpcpool.WithRetryBudgets(2, 1),
//	    rpcpool.WithLogger(logger),
//	)
func NewPipeline(contract string, factory ConnectionFactory, endpoints []EndpointDescriptor, opts ...Option) *Pipeline {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	config.normalize()

	p := &Pipeline{
		contract: contract,
		factory:  factory,
		config:   config,
		logger:   config.Logger.With("contract", contract),
		stats:    &callStats{},
	}
	if config.LogInterval > 0 {
		p.limiter = rate.NewLimiter(rate.Every(config.LogInterval), 5)
	}
	p.set.Store(NewEndpointSet(endpoints, config))
	return p
}

// Contract returns the contract name.
func (p *Pipeline) Contract() string {
	return p.contract
}

// EndpointSet returns the endpoint set currently in use.
func (p *Pipeline) EndpointSet() *EndpointSet {
	return p.set.Load()
}

// Reconfigure swaps in a new endpoint set. A positive retryInterval replaces the configured
// error window for the new endpoints.
// The previous endpoints are retired after the swap: their idle connections are closed and
// connections still in use by in-flight calls are closed when those calls finish.
func (p *Pipeline) Reconfigure(endpoints []EndpointDescriptor, retryInterval time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg := *p.config
	if retryInterval > 0 {
		cfg.ErrorWindow = retryInterval
	}

	old := p.set.Swap(NewEndpointSet(endpoints, &cfg))

	p.logger.Info("endpoints reconfigured",
		"endpoints", len(endpoints),
		"error_window", cfg.ErrorWindow)

	if old == nil {
		return nil
	}
	return old.retire()
}

// Close retires the current endpoint set.
func (p *Pipeline) Close() error {
	set := p.set.Swap(&EndpointSet{})
	if set == nil {
		return nil
	}
	return set.retire()
}

// Execute performs the call. Application faults are returned unchanged; other failures are
// returned as *CallError after the retry budgets are spent.
func (p *Pipeline) Execute(ctx context.Context, req *Call) (any, error) {
	call := *req
	call.Contract = p.contract

	p.stats.mu.Lock()
	p.stats.totalCalls++
	p.stats.mu.Unlock()

	clock := p.config.Clock
	record := newCallRecord(&call, p.config.Redact[call.Method], clock.Now())

	select {
	case <-ctx.Done():
		p.logger.Warn("context already done before call (expected condition)",
			"method", call.Method,
			"error", ctx.Err())
		return nil, ctx.Err()
	default:
	}

	endpoint := p.set.Load().Select(nil)
	if endpoint == nil {
		err := newCallError(&call, "", KindNoEndpoint, 0, ErrNoEndpointAvailable, 0)
		return nil, p.fail(record, err)
	}
	record.step(clock.Now(), StepSelect, endpoint.Address(), "")

	backoff := retry.WithJitterPercent(10, retry.NewConstant(p.failoverDelay()))

	var sameEndpointRetries, switches int
	for {
		record.Attempts++
		p.stats.mu.Lock()
		p.stats.totalAttempts++
		p.stats.lastAttemptTime = clock.Now()
		p.stats.mu.Unlock()

		result, kind, retrySame, err := p.attempt(ctx, endpoint, &call, record)
		if err == nil {
			record.finish(clock.Now(), "success")
			if record.Attempts > 1 {
				p.logger.Info("call succeeded after retry", "call", record)
			}
			p.stats.mu.Lock()
			p.stats.totalSuccesses++
			p.stats.mu.Unlock()
			p.config.Metrics.observeCall(&call, "success", record.Elapsed)
			return result, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			record.finish(clock.Now(), "canceled")
			p.logger.Warn("context done during call (expected condition)",
				"call", record,
				"error", err)
			p.recordFailure(ctxErr)
			p.config.Metrics.observeCall(&call, "canceled", record.Elapsed)
			return nil, ctxErr
		}

		if kind == KindApplicationFault {
			record.finish(clock.Now(), kind.String())
			p.logger.Debug("application fault, not retrying",
				"call", record,
				"error", err)
			p.recordFailure(err)
			p.config.Metrics.observeCall(&call, kind.String(), record.Elapsed)
			return nil, err
		}

		p.config.Metrics.observeFailedAttempt(p.contract, endpoint.Address(), kind)
		p.warnAttempt(record, endpoint, kind, err)

		if retrySame && sameEndpointRetries < p.config.SameEndpointRetries {
			sameEndpointRetries++
			p.stats.mu.Lock()
			p.stats.sameEndpointRetries++
			p.stats.mu.Unlock()
			record.step(clock.Now(), StepRetry, endpoint.Address(), kind.String())
			continue
		}

		if switches < p.config.EndpointSwitches {
			next := p.set.Load().Select(endpoint)
			if next != nil && next != endpoint {
				switches++
				p.stats.mu.Lock()
				p.stats.endpointSwitches++
				p.stats.mu.Unlock()
				p.config.Metrics.observeSwitch(p.contract)
				record.step(clock.Now(), StepSwitch, next.Address(), kind.String())

				if err := p.pause(ctx, backoff); err != nil {
					record.finish(clock.Now(), "canceled")
					p.recordFailure(err)
					return nil, err
				}
				endpoint = next
				continue
			}
		}

		callErr := newCallError(&call, endpoint.Address(), kind, record.Attempts, err, endpoint.EffectiveTimeout())
		return nil, p.fail(record, callErr)
	}
}

// attempt runs one AcquireWrapper → LazyOpen → Invoke cycle against endpoint.
func (p *Pipeline) attempt(ctx context.Context, endpoint *Endpoint, call *Call, record *CallRecord) (any, ErrorKind, bool, error) {
	clock := p.config.Clock

	w := endpoint.GetWrapper()
	wasOpen := w.IsOpen()
	record.step(clock.Now(), StepAcquire, endpoint.Address(), "")

	attemptCtx, cancel := context.WithTimeout(ctx, endpoint.EffectiveTimeout())
	defer cancel()

	if !wasOpen {
		record.step(clock.Now(), StepOpen, endpoint.Address(), "")
		if err := w.Open(attemptCtx, p.factory); err != nil {
			return p.attemptFailed(ctx, endpoint, w, false, err, record)
		}
	}

	record.step(clock.Now(), StepInvoke, endpoint.Address(), "")
	result, err := p.factory.Invoke(attemptCtx, w.Connection(), call)
	if err != nil {
		return p.attemptFailed(ctx, endpoint, w, wasOpen, err, record)
	}

	endpoint.HandleSuccess(w)
	record.step(clock.Now(), StepSuccess, endpoint.Address(), "")
	return result, KindNone, false, nil
}

func (p *Pipeline) attemptFailed(ctx context.Context, endpoint *Endpoint, w *Wrapper, wasOpen bool, err error, record *CallRecord) (any, ErrorKind, bool, error) {
	// A canceled caller says nothing about the endpoint's health.
	if ctx.Err() != nil {
		endpoint.abandon(w)
		record.step(p.config.Clock.Now(), StepFail, endpoint.Address(), "canceled")
		return nil, KindNone, false, err
	}

	kind, retrySame := endpoint.HandleError(err, w, wasOpen)
	record.step(p.config.Clock.Now(), StepFail, endpoint.Address(), kind.String())
	return nil, kind, retrySame, err
}

func (p *Pipeline) failoverDelay() time.Duration {
	if p.config.FailoverDelay <= 0 {
		return time.Nanosecond
	}
	return p.config.FailoverDelay
}

// pause waits for the next backoff delay before an endpoint switch.
func (p *Pipeline) pause(ctx context.Context, backoff retry.Backoff) error {
	if p.config.FailoverDelay <= 0 {
		return nil
	}
	delay, stop := backoff.Next()
	if stop || delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Pipeline) warnAttempt(record *CallRecord, endpoint *Endpoint, kind ErrorKind, err error) {
	if p.limiter != nil && !p.limiter.Allow() {
		return
	}
	p.logger.Warn("call attempt failed",
		"method", record.Method,
		"endpoint", endpoint.Address(),
		"attempt", record.Attempts,
		"kind", kind.String(),
		"error", err)
}

func (p *Pipeline) fail(record *CallRecord, err *CallError) error {
	record.finish(p.config.Clock.Now(), err.Kind.String())
	p.logger.Error("call failed",
		"call", record,
		"error", err.Err)
	p.recordFailure(err)
	p.config.Metrics.observeCall(&Call{Contract: record.Contract, Method: record.Method}, err.Kind.String(), record.Elapsed)
	return err
}

func (p *Pipeline) recordFailure(err error) {
	p.stats.mu.Lock()
	p.stats.totalFailures++
	p.stats.lastError = err
	p.stats.mu.Unlock()
}

// CallStats holds statistics about pipeline calls.
type CallStats struct {
	// TotalCalls is the number of calls started.
	TotalCalls int64

	// TotalAttempts counts every attempt, including retries and failovers.
	TotalAttempts int64

	// SameEndpointRetries counts immediate retries after a reset on an open connection.
	SameEndpointRetries int64

	// EndpointSwitches counts failovers to another endpoint.
	EndpointSwitches int64

	// TotalSuccesses is the number of successful calls.
	TotalSuccesses int64

	// TotalFailures is the number of calls that returned an error.
	TotalFailures int64

	// LastAttemptTime is the time of the last attempt.
	LastAttemptTime time.Time

	// LastError is the last error returned to a caller.
	LastError error
}

// GetStats returns a snapshot of the pipeline statistics.
func (p *Pipeline) GetStats() CallStats {
	p.stats.mu.RLock()
	defer p.stats.mu.RUnlock()

	return CallStats{
		TotalCalls:          p.stats.totalCalls,
		TotalAttempts:       p.stats.totalAttempts,
		SameEndpointRetries: p.stats.sameEndpointRetries,
		EndpointSwitches:    p.stats.endpointSwitches,
		TotalSuccesses:      p.stats.totalSuccesses,
		TotalFailures:       p.stats.totalFailures,
		LastAttemptTime:     p.stats.lastAttemptTime,
		LastError:           p.stats.lastError,
	}
}
