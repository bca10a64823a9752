package rpcpool

import (
	"go.uber.org/multierr"
)

// EndpointSet is the immutable list of endpoints for one contract.
// It is never mutated after construction; reconfiguration builds a new set and swaps it in.
type EndpointSet struct {
	endpoints     []*Endpoint
	loadBalancing bool
}

// NewEndpointSet builds a set from descriptors using the health settings in cfg.
func NewEndpointSet(descriptors []EndpointDescriptor, cfg *Config) *EndpointSet {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.normalize()

	policy := newHealthPolicy(cfg)
	endpoints := make([]*Endpoint, 0, len(descriptors))
	for _, d := range descriptors {
		endpoints = append(endpoints, newEndpoint(d, policy))
	}
	return &EndpointSet{endpoints: endpoints, loadBalancing: cfg.LoadBalancing}
}

// Endpoints returns the endpoints in configuration order. The slice must not be modified.
func (s *EndpointSet) Endpoints() []*Endpoint {
	return s.endpoints
}

// Len returns the number of endpoints.
func (s *EndpointSet) Len() int {
	return len(s.endpoints)
}

// Select picks the endpoint for the next attempt, skipping excluding when an alternative exists.
//
// Healthy endpoints with the fewest busy calls win, preferring ones with pooled connections.
// Failing that, the erroring endpoint that has been quiet the longest gets another chance, then
// the disabled endpoint disabled the longest ago. When nothing else is left, excluding is returned
// so the caller decides how to fail. Select returns nil only for an empty set.
//
// With load balancing disabled the first endpoint in configuration order that is neither
// excluding nor disabled wins. A set with a single endpoint always returns it.
func (s *EndpointSet) Select(excluding *Endpoint) *Endpoint {
	switch len(s.endpoints) {
	case 0:
		return nil
	case 1:
		return s.endpoints[0]
	}

	if !s.loadBalancing {
		for _, e := range s.endpoints {
			if e != excluding && !e.IsDisabled() {
				return e
			}
		}
	}

	var healthy, erroring, disabled *Endpoint
	var healthyBusy, healthyIdle int
	for _, e := range s.endpoints {
		if e == excluding {
			continue
		}

		if e.IsDisabled() {
			if disabled == nil || e.LastDisableTime().Before(disabled.LastDisableTime()) {
				disabled = e
			}
			continue
		}

		if e.HasError() {
			if erroring == nil || e.LastErrorTime().Before(erroring.LastErrorTime()) {
				erroring = e
			}
			continue
		}

		busy, idle := e.Busy(), e.Idle()
		if healthy == nil ||
			busy < healthyBusy ||
			(busy == healthyBusy && idle > 0 && healthyIdle == 0) {
			healthy, healthyBusy, healthyIdle = e, busy, idle
		}
	}

	switch {
	case healthy != nil:
		return healthy
	case erroring != nil:
		return erroring
	case disabled != nil:
		return disabled
	default:
		return excluding
	}
}

// retire releases every endpoint's pooled connections after the set has been swapped out.
func (s *EndpointSet) retire() error {
	var err error
	for _, e := range s.endpoints {
		err = multierr.Append(err, e.retire())
	}
	return err
}

// Status returns a health snapshot of every endpoint in configuration order.
func (s *EndpointSet) Status() []EndpointStatus {
	out := make([]EndpointStatus, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		out = append(out, e.Status())
	}
	return out
}
