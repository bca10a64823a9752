package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
)

// ErrorKind classifies the outcome of a failed call attempt.
type ErrorKind int

const (
	// KindNone means no error.
	KindNone ErrorKind = iota

	// KindApplicationFault means the remote side executed the call and returned a business failure.
	KindApplicationFault

	// KindTransient covers refused connections, unreachable or overloaded endpoints and aborted channels.
	KindTransient

	// KindTimeout means the call exceeded the endpoint's receive timeout.
	KindTimeout

	// KindConnectionReset means the remote side reset a connection.
	KindConnectionReset

	// KindNoEndpoint means the contract has no endpoints configured.
	KindNoEndpoint
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindApplicationFault:
		return "application_fault"
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	case KindConnectionReset:
		return "connection_reset"
	case KindNoEndpoint:
		return "no_endpoint"
	default:
		return "unknown"
	}
}

var (
	// ErrNoEndpointAvailable is returned when a contract has no endpoints to select from.
	ErrNoEndpointAvailable = errors.New("no endpoint available")

	// ErrConnectionReset can be returned by a ConnectionFactory to signal a reset connection.
	ErrConnectionReset = errors.New("connection reset by peer")

	// ErrUnknownContract is returned when a contract was never registered with the factory.
	ErrUnknownContract = errors.New("unknown contract")

	// ErrUnknownMethod is returned when a proxy is asked for a method its contract does not declare.
	ErrUnknownMethod = errors.New("unknown method")

	// ErrContractRegistered is returned when a contract is registered twice on one factory.
	ErrContractRegistered = errors.New("contract already registered")

	// ErrFactoryClosed is returned by a ServiceFactory after Close.
	ErrFactoryClosed = errors.New("service factory closed")
)

// ErrorClassifier decides how a failed attempt affects endpoint health and retries.
// Implement this interface to map transport-specific errors onto the kinds.
type ErrorClassifier interface {
	Classify(err error) ErrorKind
}

// ErrorClassifierFunc adapts a function to ErrorClassifier.
type ErrorClassifierFunc func(err error) ErrorKind

// Classify implements ErrorClassifier.
func (f ErrorClassifierFunc) Classify(err error) ErrorKind {
	return f(err)
}

type defaultClassifier struct{}

// DefaultErrorClassifier recognises ApplicationFault, connection resets and timeouts
// from the standard library, jp-go-errors and this package. Everything else is transient.
func DefaultErrorClassifier() ErrorClassifier {
	return defaultClassifier{}
}

func (defaultClassifier) Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var fault *ApplicationFault
	if errors.As(err, &fault) {
		return KindApplicationFault
	}

	if errors.Is(err, ErrNoEndpointAvailable) {
		return KindNoEndpoint
	}

	// Resets take precedence over timeouts.
	if errors.Is(err, ErrConnectionReset) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return KindConnectionReset
	}

	if jperrors.IsTimeout(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	return KindTransient
}

// ApplicationFault is a business-level failure reported by the remote side.
// It never affects endpoint health and is returned to the caller unchanged.
type ApplicationFault struct {
	Code    int
	Message string
	Err     error
}

// NewApplicationFault creates a new ApplicationFault.
//
// Example:
//
//	return nil, rpcpool.NewApplicationFault(404, "order not found", nil)
func NewApplicationFault(code int, message string, err error) *ApplicationFault {
	return &ApplicationFault{Code: code, Message: message, Err: err}
}

// Error implements the error interface.
func (f *ApplicationFault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("application fault %d: %s: %v", f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("application fault %d: %s", f.Code, f.Message)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (f *ApplicationFault) Unwrap() error {
	return f.Err
}

// StatusCode returns the fault code.
func (f *ApplicationFault) StatusCode() int {
	return f.Code
}

// CallError is the error surfaced to callers once the pipeline gives up.
// Its message is safe to show to users; the original error stays reachable through
// errors.Is and errors.As, and Kind keeps the category for programmatic handling.
type CallError struct {
	Contract string
	Method   string
	Endpoint string
	Kind     ErrorKind
	Attempts int
	Err      error

	timeout error
}

func newCallError(call *Call, endpoint string, kind ErrorKind, attempts int, err error, timeout time.Duration) *CallError {
	ce := &CallError{
		Contract: call.Contract,
		Method:   call.Method,
		Endpoint: endpoint,
		Kind:     kind,
		Attempts: attempts,
		Err:      err,
	}
	if kind == KindTimeout {
		ce.timeout = jperrors.NewTimeoutError("remote call timed out", call.Contract+"."+call.Method, timeout)
	}
	return ce
}

// Error implements the error interface.
func (e *CallError) Error() string {
	switch e.Kind {
	case KindNoEndpoint:
		return fmt.Sprintf("%s.%s: service is not configured", e.Contract, e.Method)
	case KindTimeout:
		return fmt.Sprintf("%s.%s: service did not respond in time", e.Contract, e.Method)
	default:
		return fmt.Sprintf("%s.%s: service temporarily unavailable", e.Contract, e.Method)
	}
}

// Unwrap returns the original error and, for timeouts, a jp-go-errors timeout error.
func (e *CallError) Unwrap() []error {
	if e.timeout != nil {
		return []error{e.Err, e.timeout}
	}
	return []error{e.Err}
}

// KindOf reports the ErrorKind carried by err, or KindNone when err is not a CallError
// or ApplicationFault.
func KindOf(err error) ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var fault *ApplicationFault
	if errors.As(err, &fault) {
		return KindApplicationFault
	}
	return KindNone
}
