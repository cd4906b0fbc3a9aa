package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDeposit
	EventTypeWithdraw
	EventTypeBorrow
	EventTypeRepay
	EventTypeAuctionBid
	EventTypeRedeem
	EventTypeLiquidate
	EventTypeBuyout
	EventTypeAssetPriceUpdate
	EventTypeNFTPriceUpdate
	EventTypeReserveConfigUpdate
	EventTypeNFTConfigUpdate
	EventTypeStrategyAdded
	EventTypeStrategyParamsUpdated
	EventTypeStrategyRevoked
	EventTypeStrategyReport
	EventTypeLoanHealthAlert
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Reserve asset context (nullable for global events)
	ReserveAsset *string

	// Versioned input timestamp (NOT wall-clock). All domain windows
	// (auction duration, redeem window, claim delay, price staleness)
	// are evaluated against this clock, never time.Now.
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// ReserveAsset returns the reserve context (nil for global events)
	ReserveAsset() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// EventTime returns the versioned timestamp in unix seconds. The core
	// never reads the wall clock; every window check uses this value.
	EventTime() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeWithdraw:
		return "Withdraw"
	case EventTypeBorrow:
		return "Borrow"
	case EventTypeRepay:
		return "Repay"
	case EventTypeAuctionBid:
		return "AuctionBid"
	case EventTypeRedeem:
		return "Redeem"
	case EventTypeLiquidate:
		return "Liquidate"
	case EventTypeBuyout:
		return "Buyout"
	case EventTypeAssetPriceUpdate:
		return "AssetPriceUpdate"
	case EventTypeNFTPriceUpdate:
		return "NFTPriceUpdate"
	case EventTypeReserveConfigUpdate:
		return "ReserveConfigUpdate"
	case EventTypeNFTConfigUpdate:
		return "NFTConfigUpdate"
	case EventTypeStrategyAdded:
		return "StrategyAdded"
	case EventTypeStrategyParamsUpdated:
		return "StrategyParamsUpdated"
	case EventTypeStrategyRevoked:
		return "StrategyRevoked"
	case EventTypeStrategyReport:
		return "StrategyReport"
	case EventTypeLoanHealthAlert:
		return "LoanHealthAlert"
	default:
		return "Unknown"
	}
}
