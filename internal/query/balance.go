package query

import (
	"github.com/google/uuid"
)

// UserBalanceResponse is a user's projected scaled position in one reserve.
// Scaled units convert to actual amounts by multiplying with the reserve's
// current liquidity (deposits) or variable borrow (debt) index.
type UserBalanceResponse struct {
	UserID uuid.UUID `json:"user_id"`
	Asset  string    `json:"asset"`

	ScaledDeposit string `json:"scaled_deposit"`
	ScaledDebt    string `json:"scaled_debt"`

	// AsOfSequence is the last event the read model has applied. Callers
	// comparing against the core's live sequence can detect staleness.
	AsOfSequence int64 `json:"as_of_sequence"`
}
