// Package engine wires every subsystem into one explicit value, built
// once in cmd/udsd and passed by pointer everywhere — no package-level
// singletons.
package engine

import (
	"context"
	"time"

	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
	"github.com/VirtualCable/openuds-sub007/internal/events"
	"github.com/VirtualCable/openuds-sub007/internal/osmanager"
	"github.com/VirtualCable/openuds-sub007/internal/provider"
)

// Clock is the source of "now" every scheduling decision consults.
// Production uses the database server's clock (dbstore.Store.Now);
// tests can substitute a fixed or stepped clock.
type Clock interface {
	Now(ctx context.Context) (time.Time, error)
}

// storeClock adapts a dbstore.Store to Clock.
type storeClock struct{ store dbstore.Store }

func (c storeClock) Now(ctx context.Context) (time.Time, error) { return c.store.Now(ctx) }

// Engine is the full set of dependencies a job, façade, or test needs.
type Engine struct {
	Store       dbstore.Store
	Providers   *provider.Registry
	OsManagers  *osmanager.Registry
	Events      *events.Broker
	Clock       Clock
	HostName    string
}

// New constructs an Engine from its parts, defaulting Clock to the
// store's own clock when the caller doesn't supply one.
func New(store dbstore.Store, providers *provider.Registry, osManagers *osmanager.Registry, broker *events.Broker, hostName string) *Engine {
	return &Engine{
		Store:      store,
		Providers:  providers,
		OsManagers: osManagers,
		Events:     broker,
		Clock:      storeClock{store: store},
		HostName:   hostName,
	}
}
