// internal/state/reserve_registry.go
package state

import (
	"fmt"
	"sort"

	"github.com/UnlockdFinance/unlockd-ledger/internal/ledger"
	fpmath "github.com/UnlockdFinance/unlockd-ledger/internal/math"
)

// ReserveRegistry is the explicit per-asset reserve index. All lookups go
// through it; there is no ambient global reserve state.
type ReserveRegistry struct {
	reserves    map[string]*Reserve
	maxReserves int
}

// DefaultMaxReserves bounds the pool-wide reserve count (debt ceiling on
// tracked assets).
const DefaultMaxReserves = 32

func NewReserveRegistry(maxReserves int) *ReserveRegistry {
	if maxReserves <= 0 {
		maxReserves = DefaultMaxReserves
	}
	return &ReserveRegistry{
		reserves:    make(map[string]*Reserve),
		maxReserves: maxReserves,
	}
}

func (rr *ReserveRegistry) Get(asset string) (*Reserve, bool) {
	r, ok := rr.reserves[asset]
	return r, ok
}

// Create registers a new reserve. Fails when the pool-wide ceiling is hit.
func (rr *ReserveRegistry) Create(asset string, strategy *fpmath.InterestRateStrategy) (*Reserve, error) {
	if _, exists := rr.reserves[asset]; exists {
		return nil, fmt.Errorf("reserve %s already exists", asset)
	}
	if len(rr.reserves) >= rr.maxReserves {
		return nil, fmt.Errorf("reserve count ceiling reached (%d)", rr.maxReserves)
	}
	if err := strategy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate strategy for %s: %w", asset, err)
	}

	assetID := ledger.RegisterAsset(asset)
	r := NewReserve(asset, assetID, strategy)
	rr.reserves[asset] = r
	return r, nil
}

// Count returns the number of registered reserves.
func (rr *ReserveRegistry) Count() int {
	return len(rr.reserves)
}

// Assets returns the registered assets in deterministic order.
func (rr *ReserveRegistry) Assets() []string {
	assets := make([]string, 0, len(rr.reserves))
	for a := range rr.reserves {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	return assets
}

// All returns reserves in deterministic asset order (for hashing/snapshots).
func (rr *ReserveRegistry) All() []*Reserve {
	out := make([]*Reserve, 0, len(rr.reserves))
	for _, a := range rr.Assets() {
		out = append(out, rr.reserves[a])
	}
	return out
}

// Restore reinstalls a reserve from a snapshot.
func (rr *ReserveRegistry) Restore(r *Reserve) {
	rr.reserves[r.Asset] = r
}
