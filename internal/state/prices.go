// internal/state/prices.go
package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
)

var (
	ErrNonExistingCollection = errors.New("non-existing collection")
	ErrPriceZero             = errors.New("price is zero")
)

// NFTPrice is a point-in-time oracle fact for one token.
type NFTPrice struct {
	Price     *big.Int // wad, common denomination
	UpdatedAt int64    // event time, unix seconds
}

// PriceStore holds oracle facts fed by price events. The core treats prices
// as authoritative; it validates nothing beyond staleness against the
// configured timeframe window.
type PriceStore struct {
	assetPrices map[string]*big.Int
	nftPrices   map[TokenKey]NFTPrice
	collections map[string]bool // tracked set
}

func NewPriceStore() *PriceStore {
	return &PriceStore{
		assetPrices: make(map[string]*big.Int),
		nftPrices:   make(map[TokenKey]NFTPrice),
		collections: make(map[string]bool),
	}
}

// TrackCollection marks a collection as oracle-tracked. Called when its
// risk configuration is installed.
func (ps *PriceStore) TrackCollection(collection string) {
	ps.collections[collection] = true
}

// SetAssetPrice records a reserve asset's price in the common denomination.
func (ps *PriceStore) SetAssetPrice(asset string, price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("asset %s: %w", asset, ErrPriceZero)
	}
	ps.assetPrices[asset] = new(big.Int).Set(price)
	return nil
}

// SetNFTPrice records a token price with its update time.
func (ps *PriceStore) SetNFTPrice(collection string, tokenID uint64, price *big.Int, updatedAt int64) error {
	if !ps.collections[collection] {
		return fmt.Errorf("%s: %w", collection, ErrNonExistingCollection)
	}
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("%s/%d: %w", collection, tokenID, ErrPriceZero)
	}
	ps.nftPrices[TokenKey{collection, tokenID}] = NFTPrice{
		Price:     new(big.Int).Set(price),
		UpdatedAt: updatedAt,
	}
	return nil
}

// GetAssetPrice returns the reserve asset price.
func (ps *PriceStore) GetAssetPrice(asset string) (*big.Int, error) {
	p, ok := ps.assetPrices[asset]
	if !ok || p.Sign() <= 0 {
		return nil, fmt.Errorf("asset %s: %w", asset, ErrPriceZero)
	}
	return new(big.Int).Set(p), nil
}

// GetNFTPrice returns a token's price and update time. A token that was
// never price-set fails as "price is zero"; an untracked collection fails
// as "non-existing collection". Both are caller-correctable preconditions.
func (ps *PriceStore) GetNFTPrice(collection string, tokenID uint64) (*big.Int, int64, error) {
	if !ps.collections[collection] {
		return nil, 0, fmt.Errorf("%s: %w", collection, ErrNonExistingCollection)
	}
	p, ok := ps.nftPrices[TokenKey{collection, tokenID}]
	if !ok || p.Price.Sign() <= 0 {
		return nil, 0, fmt.Errorf("%s/%d: %w", collection, tokenID, ErrPriceZero)
	}
	return new(big.Int).Set(p.Price), p.UpdatedAt, nil
}

// AssetPrices returns all asset prices in deterministic order (for hashing).
func (ps *PriceStore) AssetPrices() []struct {
	Asset string
	Price *big.Int
} {
	assets := make([]string, 0, len(ps.assetPrices))
	for a := range ps.assetPrices {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	out := make([]struct {
		Asset string
		Price *big.Int
	}, 0, len(assets))
	for _, a := range assets {
		out = append(out, struct {
			Asset string
			Price *big.Int
		}{a, new(big.Int).Set(ps.assetPrices[a])})
	}
	return out
}

// NFTPriceEntry is one token's price fact in flat form, for snapshots.
type NFTPriceEntry struct {
	Collection string
	TokenID    uint64
	Price      *big.Int
	UpdatedAt  int64
}

// NFTPrices returns all token prices in deterministic order.
func (ps *PriceStore) NFTPrices() []NFTPriceEntry {
	keys := make([]TokenKey, 0, len(ps.nftPrices))
	for k := range ps.nftPrices {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Collection != keys[j].Collection {
			return keys[i].Collection < keys[j].Collection
		}
		return keys[i].TokenID < keys[j].TokenID
	})

	out := make([]NFTPriceEntry, 0, len(keys))
	for _, k := range keys {
		p := ps.nftPrices[k]
		out = append(out, NFTPriceEntry{
			Collection: k.Collection,
			TokenID:    k.TokenID,
			Price:      new(big.Int).Set(p.Price),
			UpdatedAt:  p.UpdatedAt,
		})
	}
	return out
}

// TrackedCollections returns the tracked set in deterministic order.
func (ps *PriceStore) TrackedCollections() []string {
	out := make([]string, 0, len(ps.collections))
	for c := range ps.collections {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
