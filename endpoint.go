package rpcpool

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
)

// EndpointDescriptor identifies one remote service instance.
type EndpointDescriptor struct {
	// Address is the network address of the endpoint.
	Address string `json:"address" yaml:"address"`

	// MaxConnections bounds the number of idle pooled connections.
	// Default: DefaultMaxConnections
	MaxConnections int `json:"max_connections" yaml:"maxConnections"`

	// ReceiveTimeout bounds a single invocation and the lifetime of a pooled connection.
	// Default: DefaultReceiveTimeout
	ReceiveTimeout time.Duration `json:"receive_timeout" yaml:"-"`
}

func (d EndpointDescriptor) withDefaults() EndpointDescriptor {
	if d.MaxConnections <= 0 {
		d.MaxConnections = DefaultMaxConnections
	}
	if d.ReceiveTimeout <= 0 {
		d.ReceiveTimeout = DefaultReceiveTimeout
	}
	return d
}

// healthPolicy is the slice of Config an endpoint needs to judge its own health.
type healthPolicy struct {
	clock              clockwork.Clock
	logger             *slog.Logger
	classifier         ErrorClassifier
	errorWindow        time.Duration
	disableWindow      time.Duration
	adjustedTimeout    time.Duration
	timeoutRevertAfter time.Duration
	disableThreshold   int32
}

func newHealthPolicy(cfg *Config) healthPolicy {
	return healthPolicy{
		clock:              cfg.Clock,
		logger:             cfg.Logger,
		classifier:         cfg.ErrorClassifier,
		errorWindow:        cfg.ErrorWindow,
		disableWindow:      cfg.DisableWindow,
		adjustedTimeout:    cfg.AdjustedTimeout,
		timeoutRevertAfter: cfg.TimeoutRevertAfter,
		disableThreshold:   int32(cfg.DisableThreshold), // #nosec G115 - small config value
	}
}

// Endpoint tracks the health of one remote endpoint and owns its connection pool.
// Counters and flags are atomics; only the pool takes a lock, and never across network I/O.
type Endpoint struct {
	desc   EndpointDescriptor
	policy healthPolicy
	pool   *Pool

	busy        atomic.Int32
	accumulated atomic.Int32

	hasError        atomic.Bool
	lastErrorTime   atomic.Time
	disabled        atomic.Bool
	lastDisableTime atomic.Time
	lastSuccessTime atomic.Time

	timeout    atomic.Duration
	adjustedAt atomic.Time
	adjusted   atomic.Bool

	retired atomic.Bool
}

func newEndpoint(desc EndpointDescriptor, policy healthPolicy) *Endpoint {
	desc = desc.withDefaults()
	e := &Endpoint{
		desc:   desc,
		policy: policy,
		pool:   NewPool(desc.MaxConnections),
	}
	e.timeout.Store(desc.ReceiveTimeout)
	return e
}

// Descriptor returns the endpoint's configuration.
func (e *Endpoint) Descriptor() EndpointDescriptor {
	return e.desc
}

// Address returns the endpoint's network address.
func (e *Endpoint) Address() string {
	return e.desc.Address
}

// GetWrapper hands out a wrapper for exclusive use by one call.
// Expired pooled wrappers are closed and skipped; a new unopened wrapper is created on a miss.
func (e *Endpoint) GetWrapper() *Wrapper {
	e.busy.Inc()

	timeout := e.EffectiveTimeout()
	for {
		w, ok := e.pool.Pop()
		if !ok {
			break
		}
		if !w.IsExpired(timeout, e.policy.clock.Now()) {
			return w
		}
		w.Close()
	}
	return newWrapper(e.desc, e.policy.clock.Now())
}

// HandleSuccess returns w after a successful call and clears the endpoint's error state.
func (e *Endpoint) HandleSuccess(w *Wrapper) {
	e.releaseBusy()

	e.hasError.Store(false)
	e.disabled.Store(false)
	e.accumulated.Store(0)
	e.lastSuccessTime.Store(e.policy.clock.Now())

	if e.retired.Load() || !w.IsOpen() || !e.pool.Push(w) {
		w.Close()
	}
}

// HandleError discards w after a failed call, updates health state and reports the error kind
// and whether the same endpoint should be retried immediately.
func (e *Endpoint) HandleError(err error, w *Wrapper, wasAlreadyOpen bool) (ErrorKind, bool) {
	e.releaseBusy()
	if w != nil {
		w.Close()
	}

	kind := e.policy.classifier.Classify(err)
	switch kind {
	case KindApplicationFault:
		return kind, false
	case KindConnectionReset:
		if wasAlreadyOpen {
			e.raiseTimeout()
			return kind, true
		}
		e.markError()
		return KindTransient, false
	case KindNone, KindNoEndpoint:
		kind = KindTransient
	}

	e.markError()
	return kind, false
}

// abandon returns w without judging the endpoint, for calls canceled by their caller.
func (e *Endpoint) abandon(w *Wrapper) {
	e.releaseBusy()
	w.Close()
}

func (e *Endpoint) releaseBusy() {
	for {
		cur := e.busy.Load()
		if cur <= 0 {
			return
		}
		if e.busy.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func (e *Endpoint) markError() {
	now := e.policy.clock.Now()
	e.lastErrorTime.Store(now)
	e.hasError.Store(true)

	if e.accumulated.Inc() >= e.policy.disableThreshold {
		e.lastDisableTime.Store(now)
		if !e.disabled.Swap(true) {
			e.policy.logger.Warn("endpoint disabled",
				"endpoint", e.desc.Address,
				"errors", e.accumulated.Load(),
				"disable_window", e.policy.disableWindow)
		}
	}
}

// raiseTimeout assumes the remote side runs with a shorter idle timeout than configured.
func (e *Endpoint) raiseTimeout() {
	raised := e.policy.adjustedTimeout
	if floor := 2 * e.desc.ReceiveTimeout; raised < floor {
		raised = floor
	}
	e.adjustedAt.Store(e.policy.clock.Now())
	e.timeout.Store(raised)
	if !e.adjusted.Swap(true) {
		e.policy.logger.Warn("connection reset on open connection, raising receive timeout",
			"endpoint", e.desc.Address,
			"configured", e.desc.ReceiveTimeout,
			"effective", raised)
	}
}

// EffectiveTimeout returns the receive timeout currently in force. A raised timeout reverts to
// the configured value once TimeoutRevertAfter passes without another reset.
func (e *Endpoint) EffectiveTimeout() time.Duration {
	if e.adjusted.Load() &&
		e.policy.clock.Now().After(e.adjustedAt.Load().Add(e.policy.timeoutRevertAfter)) &&
		e.adjusted.CompareAndSwap(true, false) {
		e.timeout.Store(e.desc.ReceiveTimeout)
	}
	return e.timeout.Load()
}

// Busy returns the number of calls currently using the endpoint.
func (e *Endpoint) Busy() int {
	return int(e.busy.Load())
}

// Idle returns the number of pooled connections.
func (e *Endpoint) Idle() int {
	return e.pool.Len()
}

// HasError reports whether the endpoint failed within the error window.
func (e *Endpoint) HasError() bool {
	if !e.hasError.Load() {
		return false
	}
	if e.policy.clock.Now().After(e.lastErrorTime.Load().Add(e.policy.errorWindow)) {
		e.hasError.CompareAndSwap(true, false)
		return false
	}
	return true
}

// IsDisabled reports whether the endpoint crossed the disable threshold within the disable window.
func (e *Endpoint) IsDisabled() bool {
	if !e.disabled.Load() {
		return false
	}
	if e.policy.clock.Now().After(e.lastDisableTime.Load().Add(e.policy.disableWindow)) {
		e.disabled.CompareAndSwap(true, false)
		return false
	}
	return true
}

// AccumulatedErrors returns the number of errors since the last success.
func (e *Endpoint) AccumulatedErrors() int {
	return int(e.accumulated.Load())
}

// LastErrorTime returns the time of the most recent transient error.
func (e *Endpoint) LastErrorTime() time.Time {
	return e.lastErrorTime.Load()
}

// LastDisableTime returns the time the endpoint was last disabled.
func (e *Endpoint) LastDisableTime() time.Time {
	return e.lastDisableTime.Load()
}

// LastSuccessTime returns the time of the most recent successful call.
func (e *Endpoint) LastSuccessTime() time.Time {
	return e.lastSuccessTime.Load()
}

// Retired reports whether the endpoint was replaced by a reconfiguration.
func (e *Endpoint) Retired() bool {
	return e.retired.Load()
}

// retire stops pooling and closes idle connections. In-flight calls finish normally and
// their wrappers are closed on return.
func (e *Endpoint) retire() error {
	e.retired.Store(true)
	return e.pool.Dispose()
}
