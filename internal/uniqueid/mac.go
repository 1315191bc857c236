package uniqueid

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
)

// macBasename is the fixed namespace every MacGenerator shares. The tab
// prefix keeps it out of the admin-visible basename list.
const macBasename = "\tmac"

// MacGenerator hands out MAC addresses from a "AA:BB:CC:DD:EE:FF-.."
// range string.
type MacGenerator struct {
	store dbstore.Store
	owner string
}

func NewMacGenerator(store dbstore.Store, owner string) *MacGenerator {
	return &MacGenerator{store: store, owner: owner}
}

// Get allocates the next free MAC in macRange, formatted "AA:BB:CC:DD:EE:FF".
func (g *MacGenerator) Get(ctx context.Context, macRange string) (string, error) {
	first, last, found := strings.Cut(macRange, "-")
	if !found {
		return "", fmt.Errorf("uniqueid: invalid mac range %q", macRange)
	}
	firstInt, err := macToInt(first)
	if err != nil {
		return "", err
	}
	lastInt, err := macToInt(last)
	if err != nil {
		return "", err
	}
	seq, err := Allocate(ctx, g.store, g.owner, macBasename, firstInt, lastInt)
	if err != nil {
		return "", err
	}
	return intToMac(seq), nil
}

// Free releases mac back into the pool.
func (g *MacGenerator) Free(ctx context.Context, mac string) error {
	seq, err := macToInt(mac)
	if err != nil {
		return err
	}
	return Free(ctx, g.store, macBasename, seq)
}

func macToInt(mac string) (int64, error) {
	return strconv.ParseInt(strings.ReplaceAll(mac, ":", ""), 16, 64)
}

func intToMac(seq int64) string {
	if seq == NotAvailable {
		return "00:00:00:00:00:00"
	}
	hex := fmt.Sprintf("%012X", seq)
	parts := make([]string, 0, 6)
	for i := 0; i < len(hex); i += 2 {
		parts = append(parts, hex[i:i+2])
	}
	return strings.Join(parts, ":")
}
