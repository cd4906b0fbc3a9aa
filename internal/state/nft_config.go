// internal/state/nft_config.go
package state

import (
	"fmt"
	"math/big"
	"sort"
)

// NFTConfig is the per-collection risk configuration. Mutated only by
// privileged configuration events; read-only to the loan engine.
type NFTConfig struct {
	Collection              string
	LtvBps                  uint64
	LiquidationThresholdBps uint64
	RedeemThresholdBps      uint64
	LiquidationBonusBps     uint64
	RedeemFineBps           uint64
	MinBidDeltaBps          uint64
	BuyoutDiscountBps       uint64
	MinBidFine              *big.Int // wad
	RedeemDurationSec       int64
	AuctionDurationSec      int64
	ClaimDelaySec           int64
	TimeframeSec            int64 // max NFT price age for borrow
	Active                  bool
	Frozen                  bool
	Version                 int64
}

// Snapshot captures the auction-relevant fields for a new loan.
func (c *NFTConfig) Snapshot() LoanConfigSnapshot {
	minBidFine := new(big.Int)
	if c.MinBidFine != nil {
		minBidFine.Set(c.MinBidFine)
	}
	return LoanConfigSnapshot{
		LtvBps:                  c.LtvBps,
		LiquidationThresholdBps: c.LiquidationThresholdBps,
		RedeemThresholdBps:      c.RedeemThresholdBps,
		LiquidationBonusBps:     c.LiquidationBonusBps,
		RedeemFineBps:           c.RedeemFineBps,
		MinBidDeltaBps:          c.MinBidDeltaBps,
		BuyoutDiscountBps:       c.BuyoutDiscountBps,
		MinBidFine:              minBidFine,
		RedeemDurationSec:       c.RedeemDurationSec,
		AuctionDurationSec:      c.AuctionDurationSec,
		ClaimDelaySec:           c.ClaimDelaySec,
	}
}

// ValidateNFTConfig rejects invalid basis-point values and windows at the
// configuration call, before they can reach the loan engine.
func ValidateNFTConfig(c *NFTConfig) error {
	if c.LtvBps == 0 || c.LtvBps >= 10_000 {
		return fmt.Errorf("ltv_bps must be in (0, 10000), got %d", c.LtvBps)
	}
	if c.LiquidationThresholdBps <= c.LtvBps || c.LiquidationThresholdBps >= 10_000 {
		return fmt.Errorf("liquidation_threshold_bps (%d) must be > ltv_bps (%d) and < 10000",
			c.LiquidationThresholdBps, c.LtvBps)
	}
	if c.RedeemThresholdBps == 0 || c.RedeemThresholdBps > 10_000 {
		return fmt.Errorf("redeem_threshold_bps must be in (0, 10000], got %d", c.RedeemThresholdBps)
	}
	if c.LiquidationBonusBps == 0 || c.LiquidationBonusBps >= 10_000 {
		return fmt.Errorf("liquidation_bonus_bps must be in (0, 10000), got %d", c.LiquidationBonusBps)
	}
	if c.RedeemFineBps >= 10_000 {
		return fmt.Errorf("redeem_fine_bps must be < 10000, got %d", c.RedeemFineBps)
	}
	if c.MinBidDeltaBps == 0 || c.MinBidDeltaBps >= 10_000 {
		return fmt.Errorf("min_bid_delta_bps must be in (0, 10000), got %d", c.MinBidDeltaBps)
	}
	if c.BuyoutDiscountBps >= 10_000 {
		return fmt.Errorf("buyout_discount_bps must be < 10000, got %d", c.BuyoutDiscountBps)
	}
	if c.MinBidFine == nil || c.MinBidFine.Sign() < 0 {
		return fmt.Errorf("min_bid_fine must be >= 0")
	}
	if c.AuctionDurationSec <= 0 {
		return fmt.Errorf("auction_duration_sec must be > 0, got %d", c.AuctionDurationSec)
	}
	if c.RedeemDurationSec <= 0 || c.RedeemDurationSec > c.AuctionDurationSec {
		return fmt.Errorf("redeem_duration_sec must be in (0, auction_duration], got %d", c.RedeemDurationSec)
	}
	if c.ClaimDelaySec < 0 {
		return fmt.Errorf("claim_delay_sec must be >= 0, got %d", c.ClaimDelaySec)
	}
	if c.TimeframeSec <= 0 {
		return fmt.Errorf("timeframe_sec must be > 0, got %d", c.TimeframeSec)
	}
	return nil
}

// NFTConfigManager manages per-collection risk configuration
type NFTConfigManager struct {
	configs map[string]*NFTConfig
}

func NewNFTConfigManager() *NFTConfigManager {
	return &NFTConfigManager{
		configs: make(map[string]*NFTConfig),
	}
}

func (m *NFTConfigManager) Get(collection string) (*NFTConfig, bool) {
	c, ok := m.configs[collection]
	return c, ok
}

func (m *NFTConfigManager) Update(c *NFTConfig) error {
	if err := ValidateNFTConfig(c); err != nil {
		return fmt.Errorf("invalid nft config for %s: %w", c.Collection, err)
	}
	if prev, ok := m.configs[c.Collection]; ok {
		c.Version = prev.Version + 1
	}
	m.configs[c.Collection] = c
	return nil
}

// Collections returns configured collections in deterministic order.
func (m *NFTConfigManager) Collections() []string {
	out := make([]string, 0, len(m.configs))
	for c := range m.configs {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// All returns configs in deterministic collection order.
func (m *NFTConfigManager) All() []*NFTConfig {
	out := make([]*NFTConfig, 0, len(m.configs))
	for _, c := range m.Collections() {
		out = append(out, m.configs[c])
	}
	return out
}

// Restore reinstalls a config from a snapshot.
func (m *NFTConfigManager) Restore(c *NFTConfig) {
	m.configs[c.Collection] = c
}
