package core

import (
	"errors"
	"fmt"
)

// RejectionError carries the stable machine-readable reason for a refused
// transition. The whole event is discarded: no partial state change, no
// journal, no sequence advance. The code is published verbatim on the
// rejection subject, so codes are append-only once released.
type RejectionError struct {
	Code   string
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func reject(code string, format string, args ...any) *RejectionError {
	return &RejectionError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Stable rejection reason codes.
const (
	ReasonAmountZero               = "amount_zero"
	ReasonAmountOutOfBounds        = "amount_out_of_bounds"
	ReasonReserveNotFound          = "reserve_not_found"
	ReasonReserveInactive          = "reserve_inactive"
	ReasonReserveFrozen            = "reserve_frozen"
	ReasonBorrowingDisabled        = "borrowing_disabled"
	ReasonTooManyReserves          = "too_many_reserves"
	ReasonInvalidConfig            = "invalid_config"
	ReasonCollectionNotConfigured  = "collection_not_configured"
	ReasonCollectionInactive       = "collection_inactive"
	ReasonCollectionFrozen         = "collection_frozen"
	ReasonNonExistingCollection    = "non_existing_collection"
	ReasonPriceZero                = "price_is_zero"
	ReasonPriceStale               = "price_stale"
	ReasonLoanNotFound             = "loan_not_found"
	ReasonInvalidLoanState         = "invalid_loan_state"
	ReasonNotBorrower              = "not_borrower"
	ReasonNoBorrowAllowance        = "no_borrow_allowance"
	ReasonNotBidder                = "not_bidder"
	ReasonHealthFactorBelowOne     = "health_factor_below_one"
	ReasonHealthFactorNotBelowOne  = "health_factor_not_below_one"
	ReasonHealthFactorBelowSafe    = "health_factor_below_safe_threshold"
	ReasonExceedsLTV               = "amount_exceeds_ltv"
	ReasonInsufficientLiquidity    = "insufficient_liquidity"
	ReasonInsufficientDeposit      = "insufficient_deposit"
	ReasonPartialRepayInAuction    = "partial_repay_in_auction"
	ReasonBidBelowLiquidatePrice   = "bid_below_liquidate_price"
	ReasonBidBelowMinDelta         = "bid_below_min_delta"
	ReasonSameBidder               = "same_bidder"
	ReasonAuctionWindowElapsed     = "auction_window_elapsed"
	ReasonRedeemWindowElapsed      = "redeem_window_elapsed"
	ReasonAuctionNotClaimable      = "auction_not_claimable"
	ReasonBidFineTooLow            = "bid_fine_too_low"
	ReasonInsufficientExtraAmount  = "insufficient_extra_amount"
	ReasonBuyoutPriceMismatch      = "buyout_price_mismatch"
	ReasonBuyoutBelowDebt          = "buyout_below_debt"
	ReasonStrategyNotFound         = "strategy_not_found"
	ReasonStrategyExists           = "strategy_exists"
	ReasonStrategyRevoked          = "strategy_revoked"
	ReasonDebtRatioBudgetExceeded  = "debt_ratio_budget_exceeded"
	ReasonStrategyDebtOutstanding  = "strategy_debt_outstanding"
)

// RejectionCode extracts the stable code from an error chain, or "internal"
// when the failure is not a named precondition.
func RejectionCode(err error) string {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Code
	}
	return "internal"
}
