// Package provision drives nodes through an external provisioning backend
// (Cobbler or compatible): it registers a system record for the node and
// power-cycles it into PXE.
package provision

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"provisiond/pkg/model"
)

// Config selects and connects a backend driver.
type Config struct {
	ClassName string
	URL       string
	User      string
	Password  string
}

type Profile struct {
	Name string
}

// Power tells the backend how to power-cycle a node.
type Power struct {
	Type    string
	User    string
	Pass    string
	Address string
}

// Node is the backend-side system descriptor of a node.
type Node struct {
	Name          string
	MAC           string
	Profile       Profile
	PXE           bool
	KernelOptions string
	Power         Power
}

// Driver is a provisioning backend session.
type Driver interface {
	Name() string
	// Save creates or updates the system record.
	Save(ctx context.Context, n Node) error
	// PowerReboot power-cycles the node so it netboots the profile.
	PowerReboot(ctx context.Context, n Node) error
}

// Factory builds a driver; returned errors are reported as configuration
// errors.
type Factory func(cfg Config) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a driver available to New under name.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Drivers lists the registered driver names.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New builds the driver named by cfg.ClassName. Every failure wraps
// model.ErrBackendConfig.
func New(cfg Config) (Driver, error) {
	registryMu.RLock()
	f, ok := registry[cfg.ClassName]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown provisioning driver %q", model.ErrBackendConfig, cfg.ClassName)
	}
	d, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrBackendConfig, cfg.ClassName, err)
	}
	return d, nil
}
