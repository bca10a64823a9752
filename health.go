package rpcpool

import "time"

// EndpointStatus is a point-in-time snapshot of an endpoint's health.
type EndpointStatus struct {
	// Address of the endpoint.
	Address string `json:"address"`

	// Healthy is true when the endpoint is neither erroring nor disabled.
	Healthy bool `json:"healthy"`

	// HasError is true within the error window after a transient failure.
	HasError bool `json:"has_error"`

	// Disabled is true within the disable window after the disable threshold was reached.
	Disabled bool `json:"disabled"`

	// Busy is the number of calls currently in flight.
	Busy int `json:"busy"`

	// Idle is the number of pooled connections.
	Idle int `json:"idle"`

	// MaxConnections is the pool bound.
	MaxConnections int `json:"max_connections"`

	// AccumulatedErrors counts errors since the last success.
	AccumulatedErrors int `json:"accumulated_errors"`

	// EffectiveTimeout is the receive timeout currently in force.
	EffectiveTimeout time.Duration `json:"effective_timeout"`

	LastErrorTime   time.Time `json:"last_error_time"`
	LastDisableTime time.Time `json:"last_disable_time"`
	LastSuccessTime time.Time `json:"last_success_time"`
}

// Status returns a snapshot of the endpoint's health.
func (e *Endpoint) Status() EndpointStatus {
	hasError := e.HasError()
	disabled := e.IsDisabled()
	return EndpointStatus{
		Address:           e.desc.Address,
		Healthy:           !hasError && !disabled,
		HasError:          hasError,
		Disabled:          disabled,
		Busy:              e.Busy(),
		Idle:              e.Idle(),
		MaxConnections:    e.desc.MaxConnections,
		AccumulatedErrors: e.AccumulatedErrors(),
		EffectiveTimeout:  e.EffectiveTimeout(),
		LastErrorTime:     e.LastErrorTime(),
		LastDisableTime:   e.LastDisableTime(),
		LastSuccessTime:   e.LastSuccessTime(),
	}
}
