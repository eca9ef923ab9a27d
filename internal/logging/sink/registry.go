// Package sink holds the registry of delivery destinations and, in its
// subpackages, the destination adapters.
package sink

import (
	"fmt"
	"sync"

	"github.com/Chichichkin/logpipe/internal/logging"
)

// Registry is an explicit, caller-owned set of sinks. Each pipeline is
// built from its own registry.
type Registry struct {
	mu    sync.RWMutex
	sinks []logging.Sink
	names map[string]struct{}
}

func NewRegistry(sinks ...logging.Sink) (*Registry, error) {
	r := &Registry{names: make(map[string]struct{})}
	for _, s := range sinks {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(s logging.Sink) error {
	if s == nil {
		return fmt.Errorf("nil sink")
	}
	name := s.Name()
	if name == "" {
		return fmt.Errorf("sink name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.names[name]; ok {
		return fmt.Errorf("sink %q already registered", name)
	}
	r.names[name] = struct{}{}
	r.sinks = append(r.sinks, s)
	return nil
}

// Sinks returns the sinks in registration order.
func (r *Registry) Sinks() []logging.Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]logging.Sink, len(r.sinks))
	copy(out, r.sinks)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}
