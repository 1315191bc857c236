// Package testosmanager is a dependency-free reference Plugin: ready
// callbacks are accepted without side effects, UserServices are always
// removable on logout, and no idle timeout is imposed.
package testosmanager

import (
	"context"

	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
	"github.com/VirtualCable/openuds-sub007/internal/osmanager"
)

// TypeName is the registry key for this reference implementation.
const TypeName = "TestOSManager"

type Plugin struct{}

func New(data []byte) (osmanager.Plugin, error) {
	return &Plugin{}, nil
}

func (p *Plugin) ProcessReady(ctx context.Context, us *dbstore.UserService) error {
	return nil
}

func (p *Plugin) IsRemovableOnLogout(ctx context.Context, us *dbstore.UserService) (bool, error) {
	return true, nil
}

func (p *Plugin) ManagesUnusedUserServices() bool { return false }

func (p *Plugin) MaxIdle() (int, bool) { return 0, false }
