package registry

import (
	"strings"
	"sync"
)

type BackendFactory func(dsn string) (Backend, error)
type TokenRepositoryFactory func(dsn string) (TokenRepository, error)
type NotificationQueueFactory func(dsn string, capacity int) (NotificationQueue, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	backends       map[string]BackendFactory
	tokenFactories map[string]TokenRepositoryFactory
	queueFactories map[string]NotificationQueueFactory
}{
	backends:       map[string]BackendFactory{},
	tokenFactories: map[string]TokenRepositoryFactory{},
	queueFactories: map[string]NotificationQueueFactory{},
}

// RegisterBackendFactory makes BuildBackendFromDSN use factory for scheme,
// taking precedence over the built-in backends.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.backends[scheme] = factory
}

func RegisterTokenRepositoryFactory(scheme string, factory TokenRepositoryFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.tokenFactories[scheme] = factory
}

func RegisterNotificationQueueFactory(scheme string, factory NotificationQueueFactory) {
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
	factory, ok := backendFactoryRegistry.backends[scheme]
	return factory, ok
}

func lookupTokenRepositoryFactory(scheme string) (TokenRepositoryFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.tokenFactories[scheme]
	return factory, ok
}

func lookupNotificationQueueFactory(scheme string) (NotificationQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
