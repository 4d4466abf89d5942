package backend

import (
	"sync"
)

// Factory creates a new streamer instance from a config.
type Factory func(cfg Config) (FileStreamer, error)

// registry holds registered backends.
var (
	registryMu sync.RWMutex
	backends   = make(map[string]Factory)
	// Priority order for backend selection (first available wins).
	// AsyncIO overlaps reads better; worker is the portable fallback.
	backendPriority = []string{BackendAsyncIO, BackendWorker}
)

// Register registers a backend factory with the given name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it will be replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// Available returns a list of registered backend names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// Get creates a backend instance by name.
// Returns ErrBackendNotAvailable if the name is not registered.
func Get(name string, cfg Config) (FileStreamer, error) {
	registryMu.RLock()
	factory, ok := backends[name]
	registryMu.RUnlock()
	if !ok {
		return nil, ErrBackendNotAvailable
	}
	return factory(cfg)
}

// Default creates the best available backend based on priority.
// Returns ErrBackendNotAvailable if no backend is registered.
func Default(cfg Config) (FileStreamer, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	for _, name := range backendPriority {
		if factory, ok := backends[name]; ok {
			return factory(cfg)
		}
	}
	for _, factory := range backends {
		return factory(cfg)
	}
	return nil, ErrBackendNotAvailable
}
