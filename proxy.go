package rpcpool

import (
	"context"
	"fmt"
)

// Proxy is the call surface of one registered contract. It checks calls against the
// contract's method table and forwards them to the contract's pipeline, through the circuit
// breaker when one is configured.
type Proxy struct {
	entry *contractEntry
}

var _ Invoker = (*Proxy)(nil)

// Contract returns the contract the proxy calls.
func (p *Proxy) Contract() Contract {
	return p.entry.contract
}

// Execute implements Invoker.
func (p *Proxy) Execute(ctx context.Context, call *Call) (any, error) {
	if !p.entry.allows(call.Method) {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, p.entry.contract.Name, call.Method)
	}
	c := *call
	c.Contract = p.entry.contract.Name
	return p.entry.invoker.Execute(ctx, &c)
}

// Invoke calls method with args.
func (p *Proxy) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	return p.Execute(ctx, &Call{Method: method, Args: args})
}

// CreateProxy builds a typed stub for contract. newStub receives the contract's Invoker and
// is typically a generated or hand-written constructor.
//
// Example:
//
//	type OrdersClient struct{ inv rpcpool.Invoker }
//
//	func (c *OrdersClient) Get(ctx context.Context, id string) (*Order, error) {
//	    return rpcpool.Invoke[*Order](ctx, c.inv, "Get", id)
//	}
//
//	orders, err := rpcpool.CreateProxy(factory, "orders", func(inv rpcpool.Invoker) *OrdersClient {
//	    return &OrdersClient{inv: inv}
//	})
func CreateProxy[T any](f *ServiceFactory, contract string, newStub func(Invoker) T) (T, error) {
	var zero T
	proxy, err := f.Proxy(contract)
	if err != nil {
		return zero, err
	}
	return newStub(proxy), nil
}

// Invoke calls method through inv and converts the result to T.
// A nil result yields the zero value of T.
func Invoke[T any](ctx context.Context, inv Invoker, method string, args ...any) (T, error) {
	var zero T
	result, err := inv.Execute(ctx, &Call{Method: method, Args: args})
	if err != nil {
		return zero, err
	}
	if result == nil {
		return zero, nil
	}
	typed, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected result type %T, want %T", method, result, zero)
	}
	return typed, nil
}
