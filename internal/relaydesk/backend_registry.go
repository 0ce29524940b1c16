package relaydesk

import (
	"strings"
	"sync"
)

type BackendFactory func(dsn string) (Backend, error)
type InboundQueueFactory func(dsn string, capacity int) (InboundQueue, error)

var backendFactoryRegistry = struct {
	mu               sync.RWMutex
	backendFactories map[string]BackendFactory
	queueFactories   map[string]InboundQueueFactory
}{
	backendFactories: map[string]BackendFactory{},
	queueFactories:   map[string]InboundQueueFactory{},
}

// RegisterBackendFactory lets an embedding program add or override a storage
// scheme. Registered factories take precedence over the built-in schemes.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.backendFactories[scheme] = factory
}

func RegisterInboundQueueFactory(scheme string, factory InboundQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.backendFactories[scheme]
	return factory, ok
}

func lookupInboundQueueFactory(scheme string) (InboundQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
