// Package testprovider is a dependency-free reference Plugin: a
// provider that "deploys" nothing and completes every lifecycle call
// immediately.
package testprovider

import (
	"context"
	"encoding/json"

	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
	"github.com/VirtualCable/openuds-sub007/internal/provider"
)

// TypeName is the provider type_name every admin-facing config refers to.
const TypeName = "TestProvider"

// config holds TestProvider's two admin-facing fields: an informational
// name and an arbitrary integer, both inert.
type config struct {
	Name    string `json:"name"`
	Integer int    `json:"integer"`
}

// Plugin is a TestProvider instance. It keeps no per-UserService state of
// its own — every call completes immediately, with no real backing
// infrastructure to wait on.
type Plugin struct {
	cfg config
}

// New implements provider.Factory. An empty/invalid blob still yields a
// usable Plugin with zero-value config.
func New(data []byte) (provider.Plugin, error) {
	var cfg config
	if len(data) > 0 {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	return &Plugin{cfg: cfg}, nil
}

func (p *Plugin) DeployForUser(ctx context.Context, us *dbstore.UserService) (provider.TaskResult, error) {
	return provider.TaskResult{Status: provider.Finished}, nil
}

func (p *Plugin) DeployForCache(ctx context.Context, us *dbstore.UserService, level dbstore.CacheLevel) (provider.TaskResult, error) {
	return provider.TaskResult{Status: provider.Finished}, nil
}

func (p *Plugin) CheckState(ctx context.Context, us *dbstore.UserService) (provider.TaskResult, error) {
	return provider.TaskResult{Status: provider.Finished}, nil
}

func (p *Plugin) Cancel(ctx context.Context, us *dbstore.UserService) (provider.TaskResult, error) {
	return provider.TaskResult{Status: provider.Finished}, nil
}

func (p *Plugin) Destroy(ctx context.Context, us *dbstore.UserService) (provider.TaskResult, error) {
	return provider.TaskResult{Status: provider.Finished}, nil
}

func (p *Plugin) CanGrow(ctx context.Context) (bool, error) { return true, nil }

// ConcurrentCreationLimit/ConcurrentRemovalLimit return a high placeholder
// value since a no-op provider never actually throttles concurrency.
func (p *Plugin) ConcurrentCreationLimit() int { return 1000 }
func (p *Plugin) ConcurrentRemovalLimit() int  { return 1000 }
