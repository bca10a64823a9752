package rpcpool

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// Wrapper owns exactly one Connection plus its creation time.
// A wrapper handed out by Endpoint.GetWrapper belongs to one call until it is returned
// through HandleSuccess or HandleError.
type Wrapper struct {
	endpoint EndpointDescriptor
	created  time.Time
	conn     Connection
	closed   atomic.Bool
}

func newWrapper(endpoint EndpointDescriptor, created time.Time) *Wrapper {
	return &Wrapper{endpoint: endpoint, created: created}
}

// Created returns the wrapper's creation time.
func (w *Wrapper) Created() time.Time {
	return w.created
}

// IsOpen reports whether the connection has been opened.
func (w *Wrapper) IsOpen() bool {
	return w.conn != nil
}

// Connection returns the opened connection, or nil.
func (w *Wrapper) Connection() Connection {
	return w.conn
}

// IsExpired reports whether the remote side may already have closed the connection.
func (w *Wrapper) IsExpired(timeout time.Duration, now time.Time) bool {
	return now.After(w.created.Add(timeout))
}

// Open lazily opens the connection. It is a no-op when already open.
func (w *Wrapper) Open(ctx context.Context, factory ConnectionFactory) error {
	if w.conn != nil {
		return nil
	}
	conn, err := factory.Open(ctx, w.endpoint)
	if err != nil {
		return err
	}
	if conn == nil {
		return fmt.Errorf("open %s: factory returned no connection", w.endpoint.Address)
	}
	w.conn = conn
	return nil
}

// Close tears the connection down. It never panics and is safe to call more than once.
func (w *Wrapper) Close() {
	_ = w.close()
}

func (w *Wrapper) close() (err error) {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	if w.conn == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("close %s: panic: %v", w.endpoint.Address, r)
			w.abort()
		}
	}()

	if err = w.conn.Close(); err != nil {
		w.abort()
		return fmt.Errorf("close %s: %w", w.endpoint.Address, err)
	}
	return nil
}

func (w *Wrapper) abort() {
	aborter, ok := w.conn.(Aborter)
	if !ok {
		return
	}
	defer func() { _ = recover() }()
	aborter.Abort()
}
