// internal/event/supply.go
package event

import (
	"math/big"

	"github.com/google/uuid"
)

// Deposit supplies fungible liquidity into a reserve.
type Deposit struct {
	OpID      uuid.UUID
	UserID    uuid.UUID
	Asset     string
	Amount    *big.Int // wad
	Sequence  int64
	Timestamp int64 // unix seconds, versioned input
}

func (d *Deposit) IdempotencyKey() string {
	return d.OpID.String()
}

func (d *Deposit) EventType() EventType {
	return EventTypeDeposit
}

func (d *Deposit) ReserveAsset() *string {
	return &d.Asset
}

func (d *Deposit) SourceSequence() int64 {
	return d.Sequence
}

func (d *Deposit) EventTime() int64 {
	return d.Timestamp
}

// Withdraw removes supplied liquidity. A nil Amount is the
// "withdraw all" sentinel and clamps to the caller's full balance.
type Withdraw struct {
	OpID      uuid.UUID
	UserID    uuid.UUID
	Asset     string
	Amount    *big.Int // wad, nil = withdraw all
	Sequence  int64
	Timestamp int64
}

func (w *Withdraw) IdempotencyKey() string {
	return w.OpID.String()
}

func (w *Withdraw) EventType() EventType {
	return EventTypeWithdraw
}

func (w *Withdraw) ReserveAsset() *string {
	return &w.Asset
}

func (w *Withdraw) SourceSequence() int64 {
	return w.Sequence
}

func (w *Withdraw) EventTime() int64 {
	return w.Timestamp
}
