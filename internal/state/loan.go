// internal/state/loan.go
package state

import (
	"math/big"

	"github.com/google/uuid"
)

// LoanState tracks the lifecycle of a collateralized position
type LoanState int32

const (
	LoanStateNone LoanState = iota
	LoanStateActive
	LoanStateAuction
	LoanStateRepaid    // terminal
	LoanStateDefaulted // terminal
)

func (ls LoanState) String() string {
	switch ls {
	case LoanStateNone:
		return "None"
	case LoanStateActive:
		return "Active"
	case LoanStateAuction:
		return "Auction"
	case LoanStateRepaid:
		return "Repaid"
	case LoanStateDefaulted:
		return "Defaulted"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions. Active → Defaulted is the
// buyout path, which does not require an open auction. Terminal states have
// no outgoing edges: a new loan id must be created by a fresh borrow.
func (ls LoanState) CanTransitionTo(next LoanState) bool {
	validTransitions := map[LoanState][]LoanState{
		LoanStateNone: {
			LoanStateActive,
		},
		LoanStateActive: {
			LoanStateRepaid,
			LoanStateAuction,
			LoanStateDefaulted, // buyout
		},
		LoanStateAuction: {
			LoanStateAuction, // higher bid
			LoanStateActive,  // redeem
			LoanStateRepaid,  // full repay before claim
			LoanStateDefaulted,
		},
	}

	allowed, ok := validTransitions[ls]
	if !ok {
		return false
	}

	for _, allowedState := range allowed {
		if next == allowedState {
			return true
		}
	}

	return false
}

// IsTerminal reports whether the state has no outgoing transitions.
func (ls LoanState) IsTerminal() bool {
	return ls == LoanStateRepaid || ls == LoanStateDefaulted
}

// LoanConfigSnapshot freezes the auction-relevant collection configuration
// at borrow time so later config changes never retroactively alter an open
// loan.
type LoanConfigSnapshot struct {
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
}

// Loan is one borrow position against a pledged NFT. Exactly one
// non-terminal Loan may exist per (collection, token id).
type Loan struct {
	LoanID     uuid.UUID
	Borrower   uuid.UUID
	Collection string
	TokenID    uint64
	Asset      string

	ScaledDebt *big.Int // scaled wad units

	State LoanState

	// Auction fields, zeroed outside Auction state
	Bidder          *uuid.UUID
	BidPrice        *big.Int // wad
	BidBorrowAmount *big.Int // real debt at first bid, wad
	FirstBidTime    int64    // unix seconds
	BidCount        int64

	Config LoanConfigSnapshot

	CreatedAt int64
	Version   int64
}

// ClearAuction resets auction fields after redeem or full repay.
func (l *Loan) ClearAuction() {
	l.Bidder = nil
	l.BidPrice = nil
	l.BidBorrowAmount = nil
	l.FirstBidTime = 0
	l.BidCount = 0
}

// AuctionEndsAt returns the end of the bidding window (0 if no auction).
func (l *Loan) AuctionEndsAt() int64 {
	if l.FirstBidTime == 0 {
		return 0
	}
	return l.FirstBidTime + l.Config.AuctionDurationSec
}

// RedeemEndsAt returns the end of the borrower's redeem window.
func (l *Loan) RedeemEndsAt() int64 {
	if l.FirstBidTime == 0 {
		return 0
	}
	return l.FirstBidTime + l.Config.RedeemDurationSec
}

// ClaimableAt returns the instant liquidation becomes callable: auction
// window plus the post-window claim delay.
func (l *Loan) ClaimableAt() int64 {
	if l.FirstBidTime == 0 {
		return 0
	}
	return l.AuctionEndsAt() + l.Config.ClaimDelaySec
}

// CanonicalBytes returns deterministic serialization for hashing
func (l *Loan) CanonicalBytes() []byte {
	buf := make([]byte, 0, 192)

	buf = append(buf, l.LoanID[:]...)
	buf = append(buf, l.Borrower[:]...)

	buf = append(buf, byte(len(l.Collection)))
	buf = append(buf, []byte(l.Collection)...)
	buf = appendUint64LE(buf, l.TokenID)

	buf = append(buf, byte(len(l.Asset)))
	buf = append(buf, []byte(l.Asset)...)

	buf = appendBigInt(buf, l.ScaledDebt)
	buf = append(buf, byte(l.State))

	if l.Bidder != nil {
		buf = append(buf, l.Bidder[:]...)
	} else {
		var zero [16]byte
		buf = append(buf, zero[:]...)
	}
	buf = appendBigInt(buf, l.BidPrice)
	buf = appendBigInt(buf, l.BidBorrowAmount)
	buf = appendInt64LE(buf, l.FirstBidTime)
	buf = appendInt64LE(buf, l.BidCount)
	buf = appendInt64LE(buf, l.CreatedAt)

	return buf
}
