package uniqueid

import (
	"context"
	"fmt"
	"strconv"

	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
)

// NameGenerator hands out names of the form prefix + zero-padded
// sequence.
type NameGenerator struct {
	store dbstore.Store
	owner string
}

// NewNameGenerator creates a NameGenerator for owner (the subsystem
// requesting names, e.g. a provider's virtual machine naming scheme).
func NewNameGenerator(store dbstore.Store, owner string) *NameGenerator {
	return &NameGenerator{store: store, owner: owner}
}

// Get allocates the next free name under prefix, zero-padded to length
// digits. Returns an error if the prefix's namespace is exhausted.
func (g *NameGenerator) Get(ctx context.Context, prefix string, length int) (string, error) {
	maxVal := int64(1)
	for i := 0; i < length; i++ {
		maxVal *= 10
	}
	seq, err := Allocate(ctx, g.store, g.owner, "name:"+prefix, 0, maxVal-1)
	if err != nil {
		return "", err
	}
	if seq == NotAvailable {
		return "", fmt.Errorf("uniqueid: no more names available for prefix %q, increase length", prefix)
	}
	return fmt.Sprintf("%s%0*d", prefix, length, seq), nil
}

// Free releases name back into prefix's namespace.
func (g *NameGenerator) Free(ctx context.Context, prefix, name string) error {
	seq, err := parseSeq(prefix, name)
	if err != nil {
		return err
	}
	return Free(ctx, g.store, "name:"+prefix, seq)
}

func parseSeq(prefix, name string) (int64, error) {
	if len(name) <= len(prefix) {
		return 0, fmt.Errorf("uniqueid: name %q too short for prefix %q", name, prefix)
	}
	return strconv.ParseInt(name[len(prefix):], 10, 64)
}
