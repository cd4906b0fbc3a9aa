// internal/event/borrow.go
package event

import (
	"math/big"

	"github.com/google/uuid"
)

// Borrow draws reserve liquidity against a pledged NFT. Creates the loan on
// first borrow for a (collection, token id); tops up an existing Active loan
// otherwise. Caller must be the borrower or hold a delegated allowance.
type Borrow struct {
	OpID       uuid.UUID
	Caller     uuid.UUID
	OnBehalfOf uuid.UUID
	Asset      string
	Amount     *big.Int // wad
	Collection string
	TokenID    uint64
	Sequence   int64
	Timestamp  int64 // unix seconds, versioned input
}

func (b *Borrow) IdempotencyKey() string {
	return b.OpID.String()
}

func (b *Borrow) EventType() EventType {
	return EventTypeBorrow
}

func (b *Borrow) ReserveAsset() *string {
	return &b.Asset
}

func (b *Borrow) SourceSequence() int64 {
	return b.Sequence
}

func (b *Borrow) EventTime() int64 {
	return b.Timestamp
}

// Repay pays down loan debt. A nil Amount is the "repay all" sentinel and
// clamps to the full outstanding debt at event time.
type Repay struct {
	OpID      uuid.UUID
	Caller    uuid.UUID
	LoanID    uuid.UUID
	Asset     string
	Amount    *big.Int // wad, nil = repay all
	Sequence  int64
	Timestamp int64
}

func (r *Repay) IdempotencyKey() string {
	return r.OpID.String()
}

func (r *Repay) EventType() EventType {
	return EventTypeRepay
}

func (r *Repay) ReserveAsset() *string {
	return &r.Asset
}

func (r *Repay) SourceSequence() int64 {
	return r.Sequence
}

func (r *Repay) EventTime() int64 {
	return r.Timestamp
}
