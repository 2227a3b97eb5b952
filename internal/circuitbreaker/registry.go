package circuitbreaker

import (
	"sync"
)

// Registry hands out one breaker per backend name.
type Registry struct {
	mutex    sync.RWMutex
	breakers map[string]*CircuitBreaker
	settings Settings
}

func NewRegistry(settings Settings) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		settings: settings,
	}
}

// GetBreaker returns the breaker for name, creating it on first use.
func (r *Registry) GetBreaker(name string) *CircuitBreaker {
	r.mutex.RLock()
	cb, exists := r.breakers[name]
	r.mutex.RUnlock()

	if exists {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// another goroutine may have created it
	if cb, exists = r.breakers[name]; exists {
		return cb
	}

	cb = NewCircuitBreaker(name, r.settings)
	r.breakers[name] = cb
	return cb
}

// Stats reports the state of every breaker created so far.
func (r *Registry) Stats() map[string]string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		stats[name] = cb.State().String()
	}
	return stats
}
