// Package rpcpool turns a configured list of remote service endpoints into a resilient,
// load-balanced, connection-pooling client that application code calls as if it were local.
// Each remote contract gets its own set of endpoints, every endpoint tracks its own health and
// keeps a small pool of reusable connections, and every call runs through a bounded
// retry/failover pipeline.
//
// The wire protocol is not part of this package. Callers plug it in through a ConnectionFactory.
package rpcpool

import (
	"context"
	"time"
)

// ResilientClient defines a generic interface for executing requests.
// Pipeline, Breaker and Proxy all implement ResilientClient[*Call, any], so they can be layered.
type ResilientClient[Req, Resp any] interface {
	// Execute performs a request and returns a response or error.
	Execute(ctx context.Context, req Req) (Resp, error)
}

// Invoker is the call surface a generated or hand-written contract stub is built on.
type Invoker = ResilientClient[*Call, any]

// Call describes one method invocation on a remote contract.
type Call struct {
	Contract string
	Method   string
	Args     []any
}

// Connection is a single opened, reusable handle to one remote endpoint.
type Connection interface {
	Close() error
}

// Aborter is implemented by connections that support a forced teardown.
// Wrapper.Close falls back to Abort when a graceful Close fails.
type Aborter interface {
	Abort()
}

// ConnectionFactory opens connections and performs invocations over them.
// Implementations own serialization, security negotiation and the bytes on the wire.
//
// Example:
//
//	type tcpFactory struct{ dialer net.Dialer }
//
//	func (f *tcpFactory) Open(ctx context.Context, ep rpcpool.EndpointDescriptor) (rpcpool.Connection, error) {
//	    return f.dialer.DialContext(ctx, "tcp", ep.Address)
//	}
type ConnectionFactory interface {
	// Open creates a connection to the endpoint. It may return transport errors.
	Open(ctx context.Context, endpoint EndpointDescriptor) (Connection, error)

	// Invoke performs the call over an opened connection. The context carries the
	// endpoint's effective receive timeout as its deadline.
	Invoke(ctx context.Context, conn Connection, call *Call) (any, error)
}

// EndpointSource supplies the ordered endpoint list and retry interval for a contract.
type EndpointSource interface {
	Endpoints(contract string) ([]EndpointDescriptor, time.Duration, error)
}
