// internal/event/strategy.go
package event

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// StrategyAdded registers a yield strategy for a reserve's idle liquidity.
type StrategyAdded struct {
	Asset             string
	StrategyID        uuid.UUID
	DebtRatioBps      uint64
	MinDebtPerHarvest *big.Int // wad
	MaxDebtPerHarvest *big.Int // wad
	Sequence          int64
	Timestamp         int64 // unix seconds, versioned input
}

func (s *StrategyAdded) IdempotencyKey() string {
	return fmt.Sprintf("strategy_add:%s:%s:%d", s.Asset, s.StrategyID, s.Sequence)
}

func (s *StrategyAdded) EventType() EventType {
	return EventTypeStrategyAdded
}

func (s *StrategyAdded) ReserveAsset() *string {
	return &s.Asset
}

func (s *StrategyAdded) SourceSequence() int64 {
	return s.Sequence
}

func (s *StrategyAdded) EventTime() int64 {
	return s.Timestamp
}

// StrategyParamsUpdated adjusts an existing strategy's budget and harvest bounds.
type StrategyParamsUpdated struct {
	Asset             string
	StrategyID        uuid.UUID
	DebtRatioBps      uint64
	MinDebtPerHarvest *big.Int
	MaxDebtPerHarvest *big.Int
	Sequence          int64
	Timestamp         int64
}

func (s *StrategyParamsUpdated) IdempotencyKey() string {
	return fmt.Sprintf("strategy_update:%s:%s:%d", s.Asset, s.StrategyID, s.Sequence)
}

func (s *StrategyParamsUpdated) EventType() EventType {
	return EventTypeStrategyParamsUpdated
}

func (s *StrategyParamsUpdated) ReserveAsset() *string {
	return &s.Asset
}

func (s *StrategyParamsUpdated) SourceSequence() int64 {
	return s.Sequence
}

func (s *StrategyParamsUpdated) EventTime() int64 {
	return s.Timestamp
}

// StrategyRevoked forces a strategy's debt ratio to zero and starts the
// wind-down. The record is removed from the queue once its debt is zero.
type StrategyRevoked struct {
	Asset      string
	StrategyID uuid.UUID
	Sequence   int64
	Timestamp  int64
}

func (s *StrategyRevoked) IdempotencyKey() string {
	return fmt.Sprintf("strategy_revoke:%s:%s:%d", s.Asset, s.StrategyID, s.Sequence)
}

func (s *StrategyRevoked) EventType() EventType {
	return EventTypeStrategyRevoked
}

func (s *StrategyRevoked) ReserveAsset() *string {
	return &s.Asset
}

func (s *StrategyRevoked) SourceSequence() int64 {
	return s.Sequence
}

func (s *StrategyRevoked) EventTime() int64 {
	return s.Timestamp
}

// StrategyReport carries a strategy's self-reported total assets and drives
// the harvest reconciliation (gain/loss against recorded debt).
type StrategyReport struct {
	Asset       string
	StrategyID  uuid.UUID
	TotalAssets *big.Int // wad
	Sequence    int64
	Timestamp   int64
}

func (s *StrategyReport) IdempotencyKey() string {
	return fmt.Sprintf("strategy_report:%s:%s:%d", s.Asset, s.StrategyID, s.Sequence)
}

func (s *StrategyReport) EventType() EventType {
	return EventTypeStrategyReport
}

func (s *StrategyReport) ReserveAsset() *string {
	return &s.Asset
}

func (s *StrategyReport) SourceSequence() int64 {
	return s.Sequence
}

func (s *StrategyReport) EventTime() int64 {
	return s.Timestamp
}
