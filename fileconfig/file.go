// Package fileconfig loads contract endpoint lists from a YAML file and keeps a
// ServiceFactory in sync with it.
//
// File layout:
//
//	contracts:
//	  orders:
//	    loadBalancing: true
//	    retryIntervalMs: 30000
//	    endpoints:
//	      - address: orders-1:9000
//	        maxConnections: 10
//	        receiveTimeoutSeconds: 60
package fileconfig

import (
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	rpcpool "github.com/JohnPlummer/jp-go-rpcpool"
)

// EndpointConfig is one endpoint entry.
type EndpointConfig struct {
	Address               string `yaml:"address"`
	MaxConnections        int    `yaml:"maxConnections"`
	ReceiveTimeoutSeconds int    `yaml:"receiveTimeoutSeconds"`
}

// ContractConfig is the configuration of one contract.
type ContractConfig struct {
	// LoadBalancing defaults to true when omitted.
	LoadBalancing   *bool            `yaml:"loadBalancing"`
	RetryIntervalMs int              `yaml:"retryIntervalMs"`
	Endpoints       []EndpointConfig `yaml:"endpoints"`
}

// File is a parsed configuration file.
type File struct {
	Contracts map[string]ContractConfig `yaml:"contracts"`
}

var _ rpcpool.EndpointSource = (*File)(nil)

// Load reads and validates the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is operator supplied
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate reports every invalid entry in the file.
func (f *File) Validate() error {
	var err error
	for _, name := range f.ContractNames() {
		c := f.Contracts[name]
		if c.RetryIntervalMs < 0 {
			err = multierr.Append(err, fmt.Errorf("contract %s: retryIntervalMs must not be negative", name))
		}
		for i, ep := range c.Endpoints {
			if ep.Address == "" {
				err = multierr.Append(err, fmt.Errorf("contract %s: endpoint %d has no address", name, i))
			}
			if ep.MaxConnections < 0 {
				err = multierr.Append(err, fmt.Errorf("contract %s: endpoint %d: maxConnections must not be negative", name, i))
			}
			if ep.ReceiveTimeoutSeconds < 0 {
				err = multierr.Append(err, fmt.Errorf("contract %s: endpoint %d: receiveTimeoutSeconds must not be negative", name, i))
			}
		}
	}
	return err
}

// ContractNames returns the configured contract names in sorted order.
func (f *File) ContractNames() []string {
	names := make([]string, 0, len(f.Contracts))
	for name := range f.Contracts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Endpoints implements rpcpool.EndpointSource. A contract missing from the file has no
// endpoints, so calls to it fail with rpcpool.KindNoEndpoint.
func (f *File) Endpoints(contract string) ([]rpcpool.EndpointDescriptor, time.Duration, error) {
	c, ok := f.Contracts[contract]
	if !ok {
		return nil, 0, nil
	}

	out := make([]rpcpool.EndpointDescriptor, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		out = append(out, rpcpool.EndpointDescriptor{
			Address:        ep.Address,
			MaxConnections: ep.MaxConnections,
			ReceiveTimeout: time.Duration(ep.ReceiveTimeoutSeconds) * time.Second,
		})
	}
	return out, time.Duration(c.RetryIntervalMs) * time.Millisecond, nil
}

// Options returns the contract-level options the file sets for contract.
func (f *File) Options(contract string) []rpcpool.Option {
	c, ok := f.Contracts[contract]
	if !ok || c.LoadBalancing == nil {
		return nil
	}
	return []rpcpool.Option{rpcpool.WithLoadBalancing(*c.LoadBalancing)}
}

// RegisterAll registers every contract in the file on factory.
func (f *File) RegisterAll(factory *rpcpool.ServiceFactory, opts ...rpcpool.Option) error {
	var err error
	for _, name := range f.ContractNames() {
		all := append(append([]rpcpool.Option{}, opts...), f.Options(name)...)
		err = multierr.Append(err, factory.RegisterFromSource(f, rpcpool.Contract{Name: name}, all...))
	}
	return err
}
