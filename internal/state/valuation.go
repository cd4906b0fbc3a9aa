// internal/state/valuation.go
package state

import (
	"math/big"

	fpmath "github.com/UnlockdFinance/unlockd-ledger/internal/math"
)

// MaxHealthFactor is returned for positions with zero debt.
var MaxHealthFactor = new(big.Int).Mul(fpmath.Ray, big.NewInt(1_000_000_000))

// ValuationCalculator computes collateral value, debt value, and health
// factor for loans. It reads the price store and reserve registry; the
// per-loan risk parameters come from the loan's borrow-time snapshot so
// valuation stays consistent over the loan's life.
type ValuationCalculator struct {
	prices   *PriceStore
	reserves *ReserveRegistry
}

func NewValuationCalculator(prices *PriceStore, reserves *ReserveRegistry) *ValuationCalculator {
	return &ValuationCalculator{
		prices:   prices,
		reserves: reserves,
	}
}

// LoanDebt returns the loan's real outstanding debt in reserve-asset wad.
// Debt rounds up.
func (vc *ValuationCalculator) LoanDebt(loan *Loan, reserve *Reserve) *big.Int {
	if loan.ScaledDebt == nil || loan.ScaledDebt.Sign() == 0 {
		return new(big.Int)
	}
	return fpmath.RayMulUp(loan.ScaledDebt, reserve.VariableBorrowIndex)
}

// DebtValue converts the loan's debt into the common price denomination.
func (vc *ValuationCalculator) DebtValue(loan *Loan, reserve *Reserve) (*big.Int, error) {
	assetPrice, err := vc.prices.GetAssetPrice(loan.Asset)
	if err != nil {
		return nil, err
	}
	debt := vc.LoanDebt(loan, reserve)
	value := new(big.Int).Mul(debt, assetPrice)
	return value.Quo(value, fpmath.Wad), nil
}

// HealthFactor returns collateralValue × liquidationThreshold / totalDebt
// in ray. Exactly 1 ray is the undercollateralization boundary; >= 1 is
// safe. Zero debt yields MaxHealthFactor.
func (vc *ValuationCalculator) HealthFactor(loan *Loan, reserve *Reserve) (*big.Int, error) {
	nftPrice, _, err := vc.prices.GetNFTPrice(loan.Collection, loan.TokenID)
	if err != nil {
		return nil, err
	}
	debtValue, err := vc.DebtValue(loan, reserve)
	if err != nil {
		return nil, err
	}
	return ComputeHealthFactor(nftPrice, loan.Config.LiquidationThresholdBps, debtValue), nil
}

// ComputeHealthFactor is the pure form used both for existing loans and for
// borrow-time previews.
func ComputeHealthFactor(collateralValue *big.Int, liquidationThresholdBps uint64, debtValue *big.Int) *big.Int {
	if debtValue == nil || debtValue.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor)
	}
	adjusted := fpmath.PercentMul(collateralValue, liquidationThresholdBps)
	return fpmath.RayDiv(adjusted, debtValue)
}

// AvailableBorrows returns how much more of the reserve asset can be drawn
// before the LTV cap binds, in reserve-asset wad. Floored at zero.
func (vc *ValuationCalculator) AvailableBorrows(loan *Loan, reserve *Reserve) (*big.Int, error) {
	nftPrice, _, err := vc.prices.GetNFTPrice(loan.Collection, loan.TokenID)
	if err != nil {
		return nil, err
	}
	assetPrice, err := vc.prices.GetAssetPrice(loan.Asset)
	if err != nil {
		return nil, err
	}
	debtValue, err := vc.DebtValue(loan, reserve)
	if err != nil {
		return nil, err
	}

	cap := fpmath.PercentMul(nftPrice, loan.Config.LtvBps)
	if cap.Cmp(debtValue) <= 0 {
		return new(big.Int), nil
	}

	headroom := new(big.Int).Sub(cap, debtValue)
	headroom.Mul(headroom, fpmath.Wad)
	return headroom.Quo(headroom, assetPrice), nil
}

// LiquidatePrice is the minimum opening bid: debt × (1 + liquidationBonus),
// in reserve-asset wad, rounded up so a winning bid always clears the debt
// plus the incentive margin.
func (vc *ValuationCalculator) LiquidatePrice(loan *Loan, reserve *Reserve) *big.Int {
	debt := vc.LoanDebt(loan, reserve)
	return fpmath.PercentMulUp(debt, fpmath.BpsDenominator+loan.Config.LiquidationBonusBps)
}

// BuyoutPrice returns the exact price a buyout must match: the oracle NFT
// price converted to reserve-asset units, less the membership discount when
// it applies.
func (vc *ValuationCalculator) BuyoutPrice(loan *Loan, member bool) (*big.Int, error) {
	nftPrice, _, err := vc.prices.GetNFTPrice(loan.Collection, loan.TokenID)
	if err != nil {
		return nil, err
	}
	assetPrice, err := vc.prices.GetAssetPrice(loan.Asset)
	if err != nil {
		return nil, err
	}

	price := new(big.Int).Mul(nftPrice, fpmath.Wad)
	price.Quo(price, assetPrice)

	if member && loan.Config.BuyoutDiscountBps > 0 {
		price = fpmath.PercentMul(price, fpmath.BpsDenominator-loan.Config.BuyoutDiscountBps)
	}
	return price, nil
}

// PriceFresh reports whether an NFT price update is within the timeframe
// window at the given event time.
func PriceFresh(updatedAt, now, timeframeSec int64) bool {
	return now-updatedAt <= timeframeSec
}
