// internal/event/auction.go
package event

import (
	"math/big"

	"github.com/google/uuid"
)

// AuctionBid opens or outbids the auction on an undercollateralized loan.
// The bid amount is escrowed into reserve liquidity immediately; the
// previous bidder (if any) is refunded in the same transition.
type AuctionBid struct {
	OpID       uuid.UUID
	Bidder     uuid.UUID
	OnBehalfOf uuid.UUID
	LoanID     uuid.UUID
	Asset      string
	BidPrice   *big.Int // wad
	Sequence   int64
	Timestamp  int64 // unix seconds, versioned input
}

func (a *AuctionBid) IdempotencyKey() string {
	return a.OpID.String()
}

func (a *AuctionBid) EventType() EventType {
	return EventTypeAuctionBid
}

func (a *AuctionBid) ReserveAsset() *string {
	return &a.Asset
}

func (a *AuctionBid) SourceSequence() int64 {
	return a.Sequence
}

func (a *AuctionBid) EventTime() int64 {
	return a.Timestamp
}

// Redeem is the borrower reclaiming an auctioned loan: partial repayment
// within the redeem window plus a fine paid to the outbid bidder.
type Redeem struct {
	OpID        uuid.UUID
	Caller      uuid.UUID
	LoanID      uuid.UUID
	Asset       string
	RepayAmount *big.Int // wad
	BidFine     *big.Int // wad
	Sequence    int64
	Timestamp   int64
}

func (r *Redeem) IdempotencyKey() string {
	return r.OpID.String()
}

func (r *Redeem) EventType() EventType {
	return EventTypeRedeem
}

func (r *Redeem) ReserveAsset() *string {
	return &r.Asset
}

func (r *Redeem) SourceSequence() int64 {
	return r.Sequence
}

func (r *Redeem) EventTime() int64 {
	return r.Timestamp
}

// Liquidate resolves an expired auction: collateral goes to the highest
// bidder. ExtraAmount covers any debt accrued past the bid price since the
// bid was placed.
type Liquidate struct {
	OpID        uuid.UUID
	Caller      uuid.UUID
	LoanID      uuid.UUID
	Asset       string
	ExtraAmount *big.Int // wad, may be zero
	Sequence    int64
	Timestamp   int64
}

func (l *Liquidate) IdempotencyKey() string {
	return l.OpID.String()
}

func (l *Liquidate) EventType() EventType {
	return EventTypeLiquidate
}

func (l *Liquidate) ReserveAsset() *string {
	return &l.Asset
}

func (l *Liquidate) SourceSequence() int64 {
	return l.Sequence
}

func (l *Liquidate) EventTime() int64 {
	return l.Timestamp
}

// Buyout is a direct purchase of defaulting collateral at the exact oracle
// price, bypassing the auction queue. Member purchases may carry a
// configured discount.
type Buyout struct {
	OpID         uuid.UUID
	Buyer        uuid.UUID
	OnBehalfOf   uuid.UUID
	LoanID       uuid.UUID
	Asset        string
	OfferedPrice *big.Int // wad
	Member       bool
	Sequence     int64
	Timestamp    int64
}

func (b *Buyout) IdempotencyKey() string {
	return b.OpID.String()
}

func (b *Buyout) EventType() EventType {
	return EventTypeBuyout
}

func (b *Buyout) ReserveAsset() *string {
	return &b.Asset
}

func (b *Buyout) SourceSequence() int64 {
	return b.Sequence
}

func (b *Buyout) EventTime() int64 {
	return b.Timestamp
}
