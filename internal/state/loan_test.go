package state_test

import (
	"math/big"
	"testing"

	"github.com/UnlockdFinance/unlockd-ledger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testSnapshot() state.LoanConfigSnapshot {
	return state.LoanConfigSnapshot{
		LtvBps:                  4000,
		LiquidationThresholdBps: 7000,
		RedeemThresholdBps:      5000,
		LiquidationBonusBps:     500,
		RedeemFineBps:           100,
		MinBidDeltaBps:          100,
		MinBidFine:              big.NewInt(0),
		RedeemDurationSec:       3600,
		AuctionDurationSec:      7200,
		ClaimDelaySec:           600,
	}
}

func newTestLoan() *state.Loan {
	return &state.Loan{
		LoanID:     uuid.New(),
		Borrower:   uuid.New(),
		Collection: "punks",
		TokenID:    7,
		Asset:      "WETH",
		ScaledDebt: wad(40),
		State:      state.LoanStateActive,
		Config:     testSnapshot(),
	}
}

// ----------------------------------------------------------------------------
// State machine edges
// ----------------------------------------------------------------------------

func TestLoanState_Transitions(t *testing.T) {
	cases := []struct {
		from, to state.LoanState
		ok       bool
	}{
		{state.LoanStateNone, state.LoanStateActive, true},
		{state.LoanStateNone, state.LoanStateAuction, false},
		{state.LoanStateActive, state.LoanStateRepaid, true},
		{state.LoanStateActive, state.LoanStateAuction, true},
		{state.LoanStateActive, state.LoanStateDefaulted, true}, // buyout
		{state.LoanStateAuction, state.LoanStateActive, true},   // redeem
		{state.LoanStateAuction, state.LoanStateAuction, true},  // higher bid
		{state.LoanStateAuction, state.LoanStateRepaid, true},
		{state.LoanStateAuction, state.LoanStateDefaulted, true},
		{state.LoanStateRepaid, state.LoanStateActive, false},
		{state.LoanStateRepaid, state.LoanStateAuction, false},
		{state.LoanStateDefaulted, state.LoanStateActive, false},
		{state.LoanStateDefaulted, state.LoanStateAuction, false},
	}

	for _, tc := range cases {
		got := tc.from.CanTransitionTo(tc.to)
		require.Equal(t, tc.ok, got, "%s → %s", tc.from, tc.to)
	}
}

func TestLoanState_TerminalStatesExclusive(t *testing.T) {
	for _, terminal := range []state.LoanState{state.LoanStateRepaid, state.LoanStateDefaulted} {
		require.True(t, terminal.IsTerminal())
		for _, next := range []state.LoanState{
			state.LoanStateNone, state.LoanStateActive, state.LoanStateAuction,
			state.LoanStateRepaid, state.LoanStateDefaulted,
		} {
			require.False(t, terminal.CanTransitionTo(next),
				"terminal state %s must have no outgoing edge to %s", terminal, next)
		}
	}
}

// ----------------------------------------------------------------------------
// Loan book
// ----------------------------------------------------------------------------

func TestLoanBook_OneActiveLoanPerToken(t *testing.T) {
	lb := state.NewLoanBook()
	loan := newTestLoan()
	require.NoError(t, lb.Create(loan))

	dup := newTestLoan()
	dup.TokenID = loan.TokenID
	require.Error(t, lb.Create(dup), "second open loan on the same token must be rejected")
}

func TestLoanBook_TerminalReleasesToken(t *testing.T) {
	lb := state.NewLoanBook()
	loan := newTestLoan()
	require.NoError(t, lb.Create(loan))
	require.NoError(t, lb.Transition(loan, state.LoanStateRepaid))

	_, open := lb.GetActiveByToken(loan.Collection, loan.TokenID)
	require.False(t, open, "terminal loan should release the token")

	// A fresh borrow creates a new loan id for the same token
	fresh := newTestLoan()
	fresh.TokenID = loan.TokenID
	require.NoError(t, lb.Create(fresh))
	require.NotEqual(t, loan.LoanID, fresh.LoanID)
}

func TestLoanBook_InvalidTransitionRejected(t *testing.T) {
	lb := state.NewLoanBook()
	loan := newTestLoan()
	require.NoError(t, lb.Create(loan))
	require.NoError(t, lb.Transition(loan, state.LoanStateRepaid))
	require.Error(t, lb.Transition(loan, state.LoanStateActive))
}

func TestLoanBook_RestoreOpenLoan(t *testing.T) {
	lb := state.NewLoanBook()
	loan := newTestLoan()
	lb.Restore(loan)

	got, ok := lb.GetActiveByToken(loan.Collection, loan.TokenID)
	require.True(t, ok)
	require.Equal(t, loan.LoanID, got.LoanID)
}

// ----------------------------------------------------------------------------
// Windows
// ----------------------------------------------------------------------------

func TestLoan_AuctionWindows(t *testing.T) {
	loan := newTestLoan()
	require.Zero(t, loan.AuctionEndsAt(), "no windows before first bid")

	loan.FirstBidTime = 1000
	require.Equal(t, int64(1000+7200), loan.AuctionEndsAt())
	require.Equal(t, int64(1000+3600), loan.RedeemEndsAt())
	require.Equal(t, int64(1000+7200+600), loan.ClaimableAt())
}

func TestLoan_ClearAuction(t *testing.T) {
	loan := newTestLoan()
	bidder := uuid.New()
	loan.Bidder = &bidder
	loan.BidPrice = wad(44)
	loan.BidBorrowAmount = wad(40)
	loan.FirstBidTime = 1000
	loan.BidCount = 2

	loan.ClearAuction()
	require.Nil(t, loan.Bidder)
	require.Nil(t, loan.BidPrice)
	require.Zero(t, loan.FirstBidTime)
	require.Zero(t, loan.BidCount)
}

// ----------------------------------------------------------------------------
// NFT config validation
// ----------------------------------------------------------------------------

func validNFTConfig() *state.NFTConfig {
	return &state.NFTConfig{
		Collection:              "punks",
		LtvBps:                  4000,
		LiquidationThresholdBps: 7000,
		RedeemThresholdBps:      5000,
		LiquidationBonusBps:     500,
		RedeemFineBps:           100,
		MinBidDeltaBps:          100,
		BuyoutDiscountBps:       200,
		MinBidFine:              big.NewInt(1),
		RedeemDurationSec:       3600,
		AuctionDurationSec:      7200,
		ClaimDelaySec:           600,
		TimeframeSec:            1800,
		Active:                  true,
	}
}

func TestValidateNFTConfig(t *testing.T) {
	require.NoError(t, state.ValidateNFTConfig(validNFTConfig()))

	c := validNFTConfig()
	c.LiquidationThresholdBps = c.LtvBps // must be strictly greater
	require.Error(t, state.ValidateNFTConfig(c))

	c = validNFTConfig()
	c.RedeemDurationSec = c.AuctionDurationSec + 1
	require.Error(t, state.ValidateNFTConfig(c))

	c = validNFTConfig()
	c.LtvBps = 10_000
	require.Error(t, state.ValidateNFTConfig(c))

	c = validNFTConfig()
	c.TimeframeSec = 0
	require.Error(t, state.ValidateNFTConfig(c))
}

func TestNFTConfigManager_UpdateBumpsVersion(t *testing.T) {
	m := state.NewNFTConfigManager()
	require.NoError(t, m.Update(validNFTConfig()))

	c := validNFTConfig()
	c.LtvBps = 3500
	require.NoError(t, m.Update(c))

	got, ok := m.Get("punks")
	require.True(t, ok)
	require.Equal(t, int64(1), got.Version)
	require.Equal(t, uint64(3500), got.LtvBps)
}
