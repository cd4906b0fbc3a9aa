package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed and balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateReserveCashNonNegative verifies a reserve never owes cash it
// does not hold (available liquidity >= 0)
func (v *InvariantValidator) ValidateReserveCashNonNegative(asset string, assetID AssetID) error {
	key := NewSystemAccountKey(asset, SubTypeSystemReserveCash, assetID)
	balance := v.tracker.GetBalance(key)

	if balance.Sign() < 0 {
		return fmt.Errorf("reserve cash for %s is negative: %v", asset, balance)
	}

	return nil
}

// ValidateUserClaimsNonNegative checks a holder's scaled claims >= 0
func (v *InvariantValidator) ValidateUserClaimsNonNegative(userID uuid.UUID, assetID AssetID) error {
	if err := v.tracker.ValidateScaledDepositNonNegative(userID, assetID); err != nil {
		return err
	}
	return v.tracker.ValidateScaledDebtNonNegative(userID, assetID)
}

// ValidateGlobalBalance verifies both planes are zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputePlaneBalance()

	for assetID, byPlane := range totals {
		for plane, total := range byPlane {
			if total.Sign() != 0 {
				assetName, _ := GetAssetName(assetID)
				return fmt.Errorf("global balance for %s (plane %d) is non-zero: %v", assetName, plane, total)
			}
		}
	}

	return nil
}
