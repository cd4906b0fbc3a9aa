// internal/event/config.go
package event

import (
	"fmt"
	"math/big"
)

// ReserveConfigUpdate initializes or reconfigures a reserve. Rates are
// expressed in basis points on the wire and lifted to ray by the core.
type ReserveConfigUpdate struct {
	Asset                 string
	ReserveFactorBps      uint64
	OptimalUtilizationBps uint64
	BaseRateBps           uint64
	Slope1Bps             uint64
	Slope2Bps             uint64
	Active                bool
	Frozen                bool
	BorrowingEnabled      bool
	Sequence              int64
	Timestamp             int64 // unix seconds, versioned input
}

func (c *ReserveConfigUpdate) IdempotencyKey() string {
	return fmt.Sprintf("reserve_config:%s:%d", c.Asset, c.Sequence)
}

func (c *ReserveConfigUpdate) EventType() EventType {
	return EventTypeReserveConfigUpdate
}

func (c *ReserveConfigUpdate) ReserveAsset() *string {
	return &c.Asset
}

func (c *ReserveConfigUpdate) SourceSequence() int64 {
	return c.Sequence
}

func (c *ReserveConfigUpdate) EventTime() int64 {
	return c.Timestamp
}

// NFTConfigUpdate sets the risk configuration for a collateral collection.
// Loans snapshot the auction-related fields at borrow time, so changing
// them never retroactively alters an open loan.
type NFTConfigUpdate struct {
	Collection              string
	LtvBps                  uint64
	LiquidationThresholdBps uint64
	RedeemThresholdBps      uint64
	LiquidationBonusBps     uint64
	RedeemFineBps           uint64
	MinBidFine              *big.Int // wad
	MinBidDeltaBps          uint64
	BuyoutDiscountBps       uint64
	RedeemDurationSec       int64
	AuctionDurationSec      int64
	ClaimDelaySec           int64
	TimeframeSec            int64 // max NFT price age for borrow
	Active                  bool
	Frozen                  bool
	Sequence                int64
	Timestamp               int64
}

func (c *NFTConfigUpdate) IdempotencyKey() string {
	return fmt.Sprintf("nft_config:%s:%d", c.Collection, c.Sequence)
}

func (c *NFTConfigUpdate) EventType() EventType {
	return EventTypeNFTConfigUpdate
}

func (c *NFTConfigUpdate) ReserveAsset() *string {
	return nil // Global event
}

func (c *NFTConfigUpdate) SourceSequence() int64 {
	return c.Sequence
}

func (c *NFTConfigUpdate) EventTime() int64 {
	return c.Timestamp
}
