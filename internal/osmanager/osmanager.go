// Package osmanager defines the OS-manager plug-in port and its
// explicit registry.
package osmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
)

// Plugin mediates the guest-side actor/agent lifecycle: it decides when
// a UserService counts as removable on logout, whether it should be
// excluded from the idle-cleanup sweep, and what to do when the actor
// reports the OS is ready.
type Plugin interface {
	// ProcessReady runs when the actor/OS-manager callback reports us is
	// ready, before os_state flips to USABLE — a chance to push
	// post-boot configuration.
	ProcessReady(ctx context.Context, us *dbstore.UserService) error
	// IsRemovableOnLogout reports whether set_in_use(false) should enqueue
	// release() for us.
	IsRemovableOnLogout(ctx context.Context, us *dbstore.UserService) (bool, error)
	// ManagesUnusedUserServices reports whether this manager opts
	// UserServices out of the idle-cleanup sweep entirely.
	ManagesUnusedUserServices() bool
	// MaxIdle returns the manager's idle timeout in seconds, or (0, false)
	// if it imposes none.
	MaxIdle() (seconds int, ok bool)
}

// Factory builds a Plugin instance from an OS-manager row's opaque data.
type Factory func(data []byte) (Plugin, error)

// Registry is the explicit, startup-built map from an OS-manager's
// type_name to its Factory.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Factory)}
}

func (r *Registry) Register(typeName string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[typeName]; exists {
		panic(fmt.Sprintf("osmanager: type %q already registered", typeName))
	}
	r.types[typeName] = factory
}

func (r *Registry) New(typeName string, data []byte) (Plugin, error) {
	r.mu.RLock()
	factory, ok := r.types[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("osmanager: unknown type %q", typeName)
	}
	return factory(data)
}
