package rpcpool

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Contract names a remote service interface and the methods it exposes.
// An empty Methods list accepts any method name.
type Contract struct {
	Name    string
	Methods []string
}

// contractEntry is everything the factory keeps for one registered contract.
type contractEntry struct {
	contract Contract
	methods  map[string]struct{}
	pipeline *Pipeline
	breaker  *Breaker
	invoker  Invoker
}

func (e *contractEntry) allows(method string) bool {
	if len(e.methods) == 0 {
		return true
	}
	_, ok := e.methods[method]
	return ok
}

// Registry maps contract names to their pipelines. Each ServiceFactory owns one.
type Registry struct {
	entries cmap.ConcurrentMap[string, *contractEntry]
}

func newRegistry() *Registry {
	return &Registry{entries: cmap.New[*contractEntry]()}
}

func (r *Registry) add(e *contractEntry) bool {
	return r.entries.SetIfAbsent(e.contract.Name, e)
}

func (r *Registry) get(name string) (*contractEntry, error) {
	e, ok := r.entries.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContract, name)
	}
	return e, nil
}

// Names returns the registered contract names in sorted order.
func (r *Registry) Names() []string {
	names := r.entries.Keys()
	sort.Strings(names)
	return names
}

// Len returns the number of registered contracts.
func (r *Registry) Len() int {
	return r.entries.Count()
}

// ServiceFactory hands out proxies for registered contracts. Every contract gets its own
// pipeline and endpoint set; the wire protocol is shared through the ConnectionFactory.
type ServiceFactory struct {
	connFactory ConnectionFactory
	opts        []Option
	logger      *slog.Logger
	registry    *Registry
	closed      atomic.Bool
}

// NewServiceFactory creates a factory. opts apply to every contract and can be overridden
// per contract at registration.
//
// Example:
//
//	factory := rpcpool.NewServiceFactory(tcpFactory,
//	    rpcpool.WithLogger(logger),
//	    rpcpool.WithRetryBudgets(2, 1),
//	)
func NewServiceFactory(connFactory ConnectionFactory, opts ...Option) *ServiceFactory {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	config.normalize()

	return &ServiceFactory{
		connFactory: connFactory,
		opts:        opts,
		logger:      config.Logger,
		registry:    newRegistry(),
	}
}

// Registry returns the factory's contract registry.
func (f *ServiceFactory) Registry() *Registry {
	return f.registry
}

// Register creates the pipeline for contract over endpoints.
func (f *ServiceFactory) Register(contract Contract, endpoints []EndpointDescriptor, opts ...Option) error {
	if f.closed.Load() {
		return ErrFactoryClosed
	}

	all := make([]Option, 0, len(f.opts)+len(opts))
	all = append(all, f.opts...)
	all = append(all, opts...)

	pipeline := NewPipeline(contract.Name, f.connFactory, endpoints, all...)
	entry := &contractEntry{
		contract: contract,
		methods:  make(map[string]struct{}, len(contract.Methods)),
		pipeline: pipeline,
		invoker:  pipeline,
	}
	for _, m := range contract.Methods {
		entry.methods[m] = struct{}{}
	}
	if cb := pipeline.config.CircuitBreaker; cb != nil {
		entry.breaker = NewBreaker(contract.Name, pipeline, cb, pipeline.config.Logger)
		entry.invoker = entry.breaker
	}

	if !f.registry.add(entry) {
		return fmt.Errorf("%w: %s", ErrContractRegistered, contract.Name)
	}

	f.logger.Info("contract registered",
		"contract", contract.Name,
		"endpoints", len(endpoints),
		"circuit_breaker", entry.breaker != nil)
	return nil
}

// RegisterFromSource registers contract with the endpoints and retry interval src supplies.
func (f *ServiceFactory) RegisterFromSource(src EndpointSource, contract Contract, opts ...Option) error {
	endpoints, retryInterval, err := src.Endpoints(contract.Name)
	if err != nil {
		return fmt.Errorf("loading endpoints for %s: %w", contract.Name, err)
	}
	if retryInterval > 0 {
		opts = append(opts, WithRetryInterval(retryInterval))
	}
	return f.Register(contract, endpoints, opts...)
}

// Reconfigure replaces the endpoints of a registered contract. In-flight calls are not
// interrupted.
func (f *ServiceFactory) Reconfigure(contract string, endpoints []EndpointDescriptor, retryInterval time.Duration) error {
	entry, err := f.registry.get(contract)
	if err != nil {
		return err
	}
	return entry.pipeline.Reconfigure(endpoints, retryInterval)
}

// Proxy returns the call surface for a registered contract.
func (f *ServiceFactory) Proxy(contract string) (*Proxy, error) {
	if f.closed.Load() {
		return nil, ErrFactoryClosed
	}
	entry, err := f.registry.get(contract)
	if err != nil {
		return nil, err
	}
	return &Proxy{entry: entry}, nil
}

// Pipeline returns the pipeline of a registered contract.
func (f *ServiceFactory) Pipeline(contract string) (*Pipeline, error) {
	entry, err := f.registry.get(contract)
	if err != nil {
		return nil, err
	}
	return entry.pipeline, nil
}

// Breaker returns the circuit breaker of a registered contract, or nil when the contract was
// registered without one.
func (f *ServiceFactory) Breaker(contract string) (*Breaker, error) {
	entry, err := f.registry.get(contract)
	if err != nil {
		return nil, err
	}
	return entry.breaker, nil
}

// Status returns a health snapshot of every endpoint of contract.
func (f *ServiceFactory) Status(contract string) ([]EndpointStatus, error) {
	entry, err := f.registry.get(contract)
	if err != nil {
		return nil, err
	}
	return entry.pipeline.EndpointSet().Status(), nil
}

// StatusAll returns health snapshots for every registered contract.
func (f *ServiceFactory) StatusAll() map[string][]EndpointStatus {
	out := make(map[string][]EndpointStatus, f.registry.Len())
	for item := range f.registry.entries.IterBuffered() {
		out[item.Key] = item.Val.pipeline.EndpointSet().Status()
	}
	return out
}

// Stats returns the call statistics of contract.
func (f *ServiceFactory) Stats(contract string) (CallStats, error) {
	entry, err := f.registry.get(contract)
	if err != nil {
		return CallStats{}, err
	}
	return entry.pipeline.GetStats(), nil
}

// Close retires every contract's endpoints and closes their pooled connections.
// Contracts are closed concurrently; all close errors are returned together.
func (f *ServiceFactory) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	for _, name := range f.registry.Names() {
		entry, ok := f.registry.entries.Pop(name)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := entry.pipeline.Close(); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("closing %s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	f.logger.Info("service factory closed")
	return errs
}
