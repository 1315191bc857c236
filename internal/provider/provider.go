// Package provider defines the external service-provider plug-in port
// and an explicit registry of factories: every provider type is
// registered by name once at startup rather than discovered dynamically.
package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
)

// TaskStatus is a plug-in operation's progress report: every lifecycle
// call reports one of a three-way RUNNING/FINISHED/ERROR contract.
type TaskStatus int

const (
	Running TaskStatus = iota
	Finished
	Failed
)

// TaskResult is what a Plugin call returns: a status plus, on Failed, the
// reason the FSM should persist as the UserService's error_reason.
type TaskResult struct {
	Status TaskStatus
	Reason string
}

// Plugin is one provider instance's lifecycle contract. Every method
// takes the current UserService row and returns without retaining it —
// callers persist the returned TaskResult through internal/userservice.
type Plugin interface {
	// DeployForUser starts provisioning us for direct user assignment.
	DeployForUser(ctx context.Context, us *dbstore.UserService) (TaskResult, error)
	// DeployForCache starts provisioning us into the given cache level.
	DeployForCache(ctx context.Context, us *dbstore.UserService, level dbstore.CacheLevel) (TaskResult, error)
	// CheckState polls an in-progress operation (deploy, cancel, destroy).
	CheckState(ctx context.Context, us *dbstore.UserService) (TaskResult, error)
	// Cancel requests an in-progress deploy stop as soon as possible.
	Cancel(ctx context.Context, us *dbstore.UserService) (TaskResult, error)
	// Destroy tears down us's backing resource permanently.
	Destroy(ctx context.Context, us *dbstore.UserService) (TaskResult, error)
	// CanGrow reports whether the provider has spare concurrent-creation
	// capacity right now.
	CanGrow(ctx context.Context) (bool, error)
	// ConcurrentCreationLimit/ConcurrentRemovalLimit bound how many
	// in-flight deploy/destroy operations the Cache Updater may start
	// per tick for this provider.
	ConcurrentCreationLimit() int
	ConcurrentRemovalLimit() int
}

// VMLifecycle is an optional capability a Plugin may additionally satisfy
// for the Deferred Deletion worker's VM-level stop/delete operations.
// A Plugin that doesn't implement it is treated as having nothing to
// stop or delete: the worker drops its entries without calling the
// provider. Detected via a type assertion, not embedded in Plugin,
// since most Plugin methods (the UserService FSM ones) have no use for it.
type VMLifecycle interface {
	// MustStopBeforeDeletion reports whether a running VM has to be
	// stopped before ExecuteDelete may be called on it.
	MustStopBeforeDeletion() bool
	IsRunning(ctx context.Context, vmid string) (bool, error)
	// ShouldTrySoftShutdown reports whether Shutdown (graceful) should be
	// preferred over Stop (hard) on the first stop attempt.
	ShouldTrySoftShutdown() bool
	Shutdown(ctx context.Context, vmid string) error
	Stop(ctx context.Context, vmid string) error
	ExecuteDelete(ctx context.Context, vmid string) error
	IsDeleted(ctx context.Context, vmid string) (bool, error)
}

// Factory builds a Plugin instance from a provider row's opaque data
// blob (decoded by internal/propdata upstream of this call).
type Factory func(data []byte) (Plugin, error)

// Registry is the explicit, startup-built map from a provider's
// type_name to its Factory.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Factory)}
}

// Register adds typeName's factory. Registering the same name twice is
// a programming error, not a runtime condition, so it panics.
func (r *Registry) Register(typeName string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[typeName]; exists {
		panic(fmt.Sprintf("provider: type %q already registered", typeName))
	}
	r.types[typeName] = factory
}

// New instantiates typeName's Plugin from data.
func (r *Registry) New(typeName string, data []byte) (Plugin, error) {
	r.mu.RLock()
	factory, ok := r.types[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider: unknown type %q", typeName)
	}
	return factory(data)
}

// Names returns every registered type name, for admin listing.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	return out
}
