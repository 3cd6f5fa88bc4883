package xjms

import (
	"errors"
	"sort"
	"sync"
)

// ProviderFactory constructs a ConnectionFactory from a config blob.
type ProviderFactory func(cfg map[string]any) (ConnectionFactory, error)

var (
	providerRegistryMu sync.RWMutex
	providerRegistry   = map[string]ProviderFactory{}
)

// RegisterProvider registers a broker adapter by name.
func RegisterProvider(name string, factory ProviderFactory) error {
	if name == "" {
		return errors.New("provider name must not be empty")
	}
	if factory == nil {
		return errors.New("provider factory must not be nil")
	}
	providerRegistryMu.Lock()
	providerRegistry[name] = factory
	providerRegistryMu.Unlock()
	return nil
}

// NewConnectionFactory constructs a connection factory by provider name with config.
func NewConnectionFactory(name string, cfg map[string]any) (ConnectionFactory, error) {
	providerRegistryMu.RLock()
	f, ok := providerRegistry[name]
	providerRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownProvider{name: name}
	}
	return f(cfg)
}

// Providers lists registered provider names in sorted order.
func Providers() []string {
	providerRegistryMu.RLock()
	names := make([]string, 0, len(providerRegistry))
	for n := range providerRegistry {
		names = append(names, n)
	}
	providerRegistryMu.RUnlock()
	sort.Strings(names)
	return names
}
