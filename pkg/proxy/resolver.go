package proxy

import (
	"fmt"
	"sync"

	"github.com/islam56naser/okapi-1/pkg/moduleid"
)

// EndpointResolver maps a module ID to the base URL its instance
// listens on.
type EndpointResolver interface {
	Resolve(moduleID string) (string, error)
}

// StaticEndpoints resolves module IDs from a fixed table, falling
// back to a name-level entry when no exact version is registered.
type StaticEndpoints struct {
	mu   sync.RWMutex
	urls map[string]string
}

// NewStaticEndpoints creates a resolver seeded from the given table.
func NewStaticEndpoints(urls map[string]string) *StaticEndpoints {
	table := make(map[string]string, len(urls))
	for k, v := range urls {
		table[k] = v
	}
	return &StaticEndpoints{urls: table}
}

// Register adds or replaces an endpoint.
func (s *StaticEndpoints) Register(moduleID, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls[moduleID] = url
}

// Resolve implements EndpointResolver.
func (s *StaticEndpoints) Resolve(moduleID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if url, ok := s.urls[moduleID]; ok {
		return url, nil
	}
	if m, err := moduleid.Parse(moduleID); err == nil && m.HasVersion() {
		if url, ok := s.urls[m.Name()]; ok {
			return url, nil
		}
	}
	return "", fmt.Errorf("no endpoint registered for %s", moduleID)
}

var _ EndpointResolver = (*StaticEndpoints)(nil)
