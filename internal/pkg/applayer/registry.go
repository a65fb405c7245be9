package applayer

import (
	"fmt"
	"sync"

	"github.com/endorses/clawcat/internal/pkg/logger"
)

// ProtocolID identifies a registered protocol. Zero is never assigned.
type ProtocolID int

// Registry maps protocol names to parser implementations. Registration happens
// once at startup; the returned ProtocolID is threaded explicitly through
// subsequent calls instead of living in a mutable global.
type Registry struct {
	mu      sync.RWMutex
	parsers []Parser
	byName  map[string]ProtocolID
}

// NewRegistry returns an empty parser registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]ProtocolID),
	}
}

// Register adds a parser and returns its protocol id.
func (r *Registry) Register(p Parser) (ProtocolID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.byName[name]; exists {
		return 0, fmt.Errorf("protocol %q already registered", name)
	}

	r.parsers = append(r.parsers, p)
	id := ProtocolID(len(r.parsers))
	r.byName[name] = id

	logger.Debug("Registered protocol parser",
		"name", name,
		"id", int(id),
		"events", p.Events().Len())

	return id, nil
}

// ByName resolves a protocol name to its id.
func (r *Registry) ByName(name string) (ProtocolID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byName[name]
	return id, ok
}

// Parser returns the parser registered under id, or nil.
func (r *Registry) Parser(id ProtocolID) Parser {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := int(id) - 1
	if idx < 0 || idx >= len(r.parsers) {
		return nil
	}
	return r.parsers[idx]
}

// Probe runs every registered probe against the input and returns the first
// matching protocol in registration order.
func (r *Registry) Probe(input []byte, dir Direction) (ProtocolID, ProbeResult) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i, p := range r.parsers {
		if res := p.Probe(input, dir); res.Match {
			return ProtocolID(i + 1), res
		}
	}
	return 0, NoMatch
}

// Names returns the registered protocol names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.parsers))
	for _, p := range r.parsers {
		names = append(names, p.Name())
	}
	return names
}
