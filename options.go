package rpcpool

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultMaxConnections bounds the idle pool of an endpoint when its descriptor does not.
	DefaultMaxConnections = 10

	// DefaultReceiveTimeout applies when an endpoint descriptor has no receive timeout.
	DefaultReceiveTimeout = 60 * time.Second

	// DefaultAdjustedTimeout is the conservative receive timeout an endpoint is raised to after
	// a connection reset on an already-open connection.
	DefaultAdjustedTimeout = 10 * time.Minute
)

// Config holds the per-contract runtime configuration.
type Config struct {
	// Clock is the time source for health windows and connection expiry.
	// Default: real clock
	Clock clockwork.Clock

	// Logger for call failures and endpoint state changes.
	// Default: slog.Default()
	Logger *slog.Logger

	// ErrorClassifier maps failed attempts onto error kinds.
	// Default: DefaultErrorClassifier()
	ErrorClassifier ErrorClassifier

	// Metrics records call outcomes. Nil disables metrics.
	Metrics *Metrics

	// CircuitBreaker wraps the contract's pipeline in a circuit breaker when set.
	// Default: nil (no breaker)
	CircuitBreaker *CircuitBreakerConfig

	// Redact lists argument positions per method that are replaced with "***" in logs.
	Redact map[string][]int

	// ErrorWindow is how long an endpoint stays flagged after a transient error. The retry
	// interval from an EndpointSource or Reconfigure call replaces it.
	// Default: 30 seconds
	ErrorWindow time.Duration

	// DisableWindow is how long an endpoint stays disabled once it crosses DisableThreshold.
	// Default: 5 minutes
	DisableWindow time.Duration

	// AdjustedTimeout is the conservative receive timeout used after a reset on an open connection.
	// Default: DefaultAdjustedTimeout
	AdjustedTimeout time.Duration

	// TimeoutRevertAfter is how long a raised receive timeout stays in effect.
	// Default: 5 minutes
	TimeoutRevertAfter time.Duration

	// FailoverDelay is the base delay before switching to another endpoint.
	// Zero switches immediately.
	// Default: 50 milliseconds
	FailoverDelay time.Duration

	// LogInterval limits per-attempt warnings to one per interval (with a small burst).
	// Zero disables the limit.
	// Default: 1 second
	LogInterval time.Duration

	// DisableThreshold is the number of accumulated errors that disables an endpoint.
	// Default: 5
	DisableThreshold int

	// SameEndpointRetries is the budget of immediate retries on the same endpoint after a reset.
	// Default: 2
	SameEndpointRetries int

	// EndpointSwitches is the budget of failovers to a different endpoint per call.
	// Default: 1
	EndpointSwitches int

	// LoadBalancing spreads calls across healthy endpoints. When false the first usable
	// endpoint in configuration order is preferred.
	// Default: true
	LoadBalancing bool
}

// Option is a functional option for configuring a contract.
type Option func(*Config)

// DefaultConfig returns contract configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Clock:               clockwork.NewRealClock(),
		Logger:              slog.Default(),
		ErrorClassifier:     DefaultErrorClassifier(),
		ErrorWindow:         30 * time.Second,
		DisableWindow:       5 * time.Minute,
		AdjustedTimeout:     DefaultAdjustedTimeout,
		TimeoutRevertAfter:  5 * time.Minute,
		FailoverDelay:       50 * time.Millisecond,
		LogInterval:         time.Second,
		DisableThreshold:    5,
		SameEndpointRetries: 2,
		EndpointSwitches:    1,
		LoadBalancing:       true,
	}
}

func (c *Config) normalize() {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ErrorClassifier == nil {
		c.ErrorClassifier = DefaultErrorClassifier()
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = 30 * time.Second
	}
	if c.DisableWindow <= 0 {
		c.DisableWindow = 5 * time.Minute
	}
	if c.TimeoutRevertAfter <= 0 {
		c.TimeoutRevertAfter = 5 * time.Minute
	}
	if c.DisableThreshold <= 0 {
		c.DisableThreshold = 5
	}
	if c.SameEndpointRetries < 0 {
		c.SameEndpointRetries = 0
	}
	if c.EndpointSwitches < 0 {
		c.EndpointSwitches = 0
	}
}

// WithClock sets the time source.
//
// Example:
//
//	clock := clockwork.NewFakeClock()
//	rpcpool.WithClock(clock)
func WithClock(clock clockwork.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithLogger sets the logger.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	rpcpool.WithLogger(logger)
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithErrorClassifier sets a custom error classifier.
func WithErrorClassifier(classifier ErrorClassifier) Option {
	return func(c *Config) {
		c.ErrorClassifier = classifier
	}
}

// WithMetrics records call outcomes on the given metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithLoadBalancing enables or disables spreading calls across endpoints.
func WithLoadBalancing(enabled bool) Option {
	return func(c *Config) {
		c.LoadBalancing = enabled
	}
}

// WithHealthWindows sets how long error and disabled flags stay raised.
//
// Example:
//
//	rpcpool.WithHealthWindows(30*time.Second, 5*time.Minute)
func WithHealthWindows(errorWindow, disableWindow time.Duration) Option {
	return func(c *Config) {
		c.ErrorWindow = errorWindow
		c.DisableWindow = disableWindow
	}
}

// WithRetryInterval sets how long a failed endpoint is deprioritized before it is tried again.
// It is the error window of WithHealthWindows under the name endpoint configuration uses.
func WithRetryInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.ErrorWindow = interval
	}
}

// WithDisableThreshold sets the number of accumulated errors that disables an endpoint.
func WithDisableThreshold(threshold int) Option {
	return func(c *Config) {
		c.DisableThreshold = threshold
	}
}

// WithRetryBudgets sets the same-endpoint retry and endpoint switch budgets of a call.
//
// Example:
//
//	rpcpool.WithRetryBudgets(2, 1) // up to 2 retries on a reset endpoint, 1 failover
func WithRetryBudgets(sameEndpoint, switches int) Option {
	return func(c *Config) {
		c.SameEndpointRetries = sameEndpoint
		c.EndpointSwitches = switches
	}
}

// WithFailoverDelay sets the base delay before failing over to another endpoint.
func WithFailoverDelay(delay time.Duration) Option {
	return func(c *Config) {
		c.FailoverDelay = delay
	}
}

// WithAdjustedTimeout sets the raised receive timeout and how long it stays in effect.
func WithAdjustedTimeout(timeout, revertAfter time.Duration) Option {
	return func(c *Config) {
		c.AdjustedTimeout = timeout
		c.TimeoutRevertAfter = revertAfter
	}
}

// WithLogInterval limits per-attempt warnings.
func WithLogInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.LogInterval = interval
	}
}

// WithRedactedArgs hides argument positions of a method in log records.
//
// Example:
//
//	rpcpool.WithRedactedArgs("Login", 1) // Login(user, password)
func WithRedactedArgs(method string, positions ...int) Option {
	return func(c *Config) {
		if c.Redact == nil {
			c.Redact = make(map[string][]int)
		}
		c.Redact[method] = append(c.Redact[method], positions...)
	}
}

// WithCircuitBreaker wraps the contract in a circuit breaker.
//
// Example:
//
//	rpcpool.WithCircuitBreaker(rpcpool.WithTimeout(30*time.Second))
func WithCircuitBreaker(opts ...CircuitBreakerOption) Option {
	return func(c *Config) {
		cb := DefaultCircuitBreakerConfig()
		for _, opt := range opts {
			opt(cb)
		}
		c.CircuitBreaker = cb
	}
}

// CircuitBreakerConfig holds circuit breaker configuration options.
type CircuitBreakerConfig struct {
	// ReadyToTrip is called with a copy of counts whenever a call fails in the closed state.
	// Default: trips after 5 calls with a 60% failure rate
	ReadyToTrip func(counts CircuitBreakerCounts) bool

	// OnStateChange is called whenever the circuit breaker changes state.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// Interval is the cyclic period of the closed state after which counts are cleared.
	// Default: 10 seconds
	Interval time.Duration

	// Timeout is the period of the open state, after which the state becomes half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// MaxRequests is the number of calls allowed through in the half-open state.
	// Default: 1
	MaxRequests uint32
}

// CircuitBreakerOption is a functional option for configuring the circuit breaker.
type CircuitBreakerOption func(*CircuitBreakerConfig)

// CircuitBreakerCounts holds the internal counts of the circuit breaker.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means calls flow normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means the breaker is probing whether the contract recovered.
	StateHalfOpen

	// StateOpen means calls are rejected immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// WithMaxRequests sets the maximum number of calls in half-open state.
func WithMaxRequests(maxRequests uint32) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.MaxRequests = maxRequests
	}
}

// WithInterval sets the interval for clearing counts in closed state.
func WithInterval(interval time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Interval = interval
	}
}

// WithTimeout sets how long the breaker stays open.
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Timeout = timeout
	}
}

// WithReadyToTrip sets a custom function to determine when to trip the circuit.
//
// Example:
//
//	rpcpool.WithReadyToTrip(func(counts rpcpool.CircuitBreakerCounts) bool {
//	    return counts.ConsecutiveFailures >= 3
//	})
func WithReadyToTrip(fn func(counts CircuitBreakerCounts) bool) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ReadyToTrip = fn
	}
}

// WithStateChangeHandler sets a callback for circuit breaker state changes.
func WithStateChangeHandler(fn func(name string, from, to CircuitBreakerState)) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.OnStateChange = fn
	}
}

// DefaultCircuitBreakerConfig returns circuit breaker configuration with sensible defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts CircuitBreakerCounts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
	}
}
