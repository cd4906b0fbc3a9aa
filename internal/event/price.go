// internal/event/price.go
package event

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// AssetPriceUpdate is an oracle fact for a reserve asset, quoted in the
// common wad denomination.
type AssetPriceUpdate struct {
	Asset     string
	Price     *big.Int // wad
	Sequence  int64
	Timestamp int64 // unix seconds, versioned input
}

func (p *AssetPriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("asset_price:%s:%d", p.Asset, p.Sequence)
}

func (p *AssetPriceUpdate) EventType() EventType {
	return EventTypeAssetPriceUpdate
}

func (p *AssetPriceUpdate) ReserveAsset() *string {
	return &p.Asset
}

func (p *AssetPriceUpdate) SourceSequence() int64 {
	return p.Sequence
}

func (p *AssetPriceUpdate) EventTime() int64 {
	return p.Timestamp
}

// NFTPriceUpdate is an oracle fact for a single token. The event timestamp
// becomes the price's updatedAt for staleness checks.
type NFTPriceUpdate struct {
	Collection string
	TokenID    uint64
	Price      *big.Int // wad
	Sequence   int64
	Timestamp  int64
}

func (p *NFTPriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("nft_price:%s:%d:%d", p.Collection, p.TokenID, p.Sequence)
}

func (p *NFTPriceUpdate) EventType() EventType {
	return EventTypeNFTPriceUpdate
}

func (p *NFTPriceUpdate) ReserveAsset() *string {
	return nil // Global event
}

func (p *NFTPriceUpdate) SourceSequence() int64 {
	return p.Sequence
}

func (p *NFTPriceUpdate) EventTime() int64 {
	return p.Timestamp
}

// LoanHealthAlert is a DERIVED event emitted by the core when a price
// update drops a loan's health factor below one. It is published for
// off-chain keepers; it never mutates state itself.
type LoanHealthAlert struct {
	LoanID          uuid.UUID
	Collection      string
	TokenID         uint64
	Asset           string
	HealthFactorRay *big.Int
	Sequence        int64
	Timestamp       int64
}

func (a *LoanHealthAlert) IdempotencyKey() string {
	return fmt.Sprintf("health_alert:%s:%d", a.LoanID, a.Sequence)
}

func (a *LoanHealthAlert) EventType() EventType {
	return EventTypeLoanHealthAlert
}

func (a *LoanHealthAlert) ReserveAsset() *string {
	return &a.Asset
}

func (a *LoanHealthAlert) SourceSequence() int64 {
	return a.Sequence
}

func (a *LoanHealthAlert) EventTime() int64 {
	return a.Timestamp
}
