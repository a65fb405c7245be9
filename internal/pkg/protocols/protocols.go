// Package protocols wires the built-in protocol parsers into a registry.
package protocols

import (
	"sync"

	"github.com/endorses/clawcat/internal/pkg/applayer"
	"github.com/endorses/clawcat/internal/pkg/dcerpc"
	"github.com/endorses/clawcat/internal/pkg/smb"
	"github.com/endorses/clawcat/internal/pkg/ssh"
)

var (
	// DefaultRegistry is the global registry instance
	DefaultRegistry *applayer.Registry
	once            sync.Once
)

// InitDefault initializes the default registry with all built-in parsers.
// Registration order is probe order: the cheap exact-magic probes go first.
func InitDefault() *applayer.Registry {
	once.Do(func() {
		DefaultRegistry = applayer.NewRegistry()

		mustRegister(DefaultRegistry, smb.NewParser())
		mustRegister(DefaultRegistry, ssh.NewParser())
		mustRegister(DefaultRegistry, dcerpc.NewParser())
	})
	return DefaultRegistry
}

func mustRegister(r *applayer.Registry, p applayer.Parser) {
	if _, err := r.Register(p); err != nil {
		panic(err)
	}
}
