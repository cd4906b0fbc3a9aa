// internal/math/rates.go
package math

import (
	"fmt"
	"math/big"
)

// SecondsPerYear is the accrual year used by all per-second rate math.
const SecondsPerYear int64 = 365 * 24 * 60 * 60

var secondsPerYear = big.NewInt(SecondsPerYear)

// InterestRateStrategy is the two-slope variable-rate model. All fields are
// ray-precision annual rates except OptimalUtilization (ray fraction of 1).
// Below the optimal point the borrow rate climbs from BaseRate with Slope1;
// above it Slope2 dominates so the rate grows steeply toward full
// utilization and defends remaining liquidity.
type InterestRateStrategy struct {
	OptimalUtilization *big.Int
	BaseRate           *big.Int
	Slope1             *big.Int
	Slope2             *big.Int
}

// Validate checks the strategy parameters at configuration time.
func (s *InterestRateStrategy) Validate() error {
	if s.OptimalUtilization == nil || s.OptimalUtilization.Sign() <= 0 || s.OptimalUtilization.Cmp(Ray) >= 0 {
		return fmt.Errorf("optimal_utilization must be in (0, 1 ray), got %v", s.OptimalUtilization)
	}
	if s.BaseRate == nil || s.BaseRate.Sign() < 0 {
		return fmt.Errorf("base_rate must be >= 0, got %v", s.BaseRate)
	}
	if s.Slope1 == nil || s.Slope1.Sign() < 0 {
		return fmt.Errorf("slope1 must be >= 0, got %v", s.Slope1)
	}
	if s.Slope2 == nil || s.Slope2.Sign() < 0 {
		return fmt.Errorf("slope2 must be >= 0, got %v", s.Slope2)
	}
	return nil
}

// BorrowRate returns the annual variable borrow rate (ray) for a given
// utilization (ray).
func (s *InterestRateStrategy) BorrowRate(utilization *big.Int) *big.Int {
	if utilization.Sign() <= 0 {
		return Clone(s.BaseRate)
	}

	if utilization.Cmp(s.OptimalUtilization) <= 0 {
		// base + slope1 * u / uOptimal
		rate := RayMul(s.Slope1, RayDiv(utilization, s.OptimalUtilization))
		return rate.Add(rate, s.BaseRate)
	}

	// base + slope1 + slope2 * (u - uOptimal) / (1 - uOptimal)
	excess := new(big.Int).Sub(utilization, s.OptimalUtilization)
	room := new(big.Int).Sub(Ray, s.OptimalUtilization)
	rate := RayMul(s.Slope2, RayDiv(excess, room))
	rate.Add(rate, s.Slope1)
	return rate.Add(rate, s.BaseRate)
}

// LiquidityRate returns the annual rate paid to depositors:
// borrowRate * utilization * (1 - reserveFactor).
func LiquidityRate(borrowRate, utilization *big.Int, reserveFactorBps uint64) *big.Int {
	gross := RayMul(borrowRate, utilization)
	return PercentMul(gross, BpsDenominator-reserveFactorBps)
}

// Utilization returns totalDebt / (availableLiquidity + totalDebt) in ray.
// Zero when nothing is borrowed.
func Utilization(totalDebt, availableLiquidity *big.Int) *big.Int {
	if totalDebt.Sign() <= 0 {
		return new(big.Int)
	}
	total := new(big.Int).Add(availableLiquidity, totalDebt)
	return RayDiv(totalDebt, total)
}

// LinearInterestFactor returns 1 + rate*Δt/year in ray. Deposit interest
// accrues linearly between index updates.
func LinearInterestFactor(annualRate *big.Int, elapsed int64) *big.Int {
	if elapsed <= 0 || annualRate.Sign() <= 0 {
		return Clone(Ray)
	}

	factor := new(big.Int).Mul(annualRate, big.NewInt(elapsed))
	factor.Quo(factor, secondsPerYear)
	return factor.Add(factor, Ray)
}

// CompoundedInterestFactor approximates e^(rate*Δt/year) in ray with a
// third-order binomial expansion:
//
//	(1+x)^n ≈ 1 + nx + n(n-1)x²/2 + n(n-1)(n-2)x³/6, x = rate/year, n = Δt
//
// Debt compounds per second; the cubic term keeps the error negligible for
// realistic rates while bounding the cost of the computation.
func CompoundedInterestFactor(annualRate *big.Int, elapsed int64) *big.Int {
	if elapsed <= 0 || annualRate.Sign() <= 0 {
		return Clone(Ray)
	}

	exp := big.NewInt(elapsed)
	expMinusOne := big.NewInt(elapsed - 1)
	if elapsed == 1 {
		expMinusOne.SetInt64(0)
	}
	expMinusTwo := big.NewInt(elapsed - 2)
	if elapsed <= 2 {
		expMinusTwo.SetInt64(0)
	}

	// ratePerSecond in ray
	ratePerSecond := new(big.Int).Quo(annualRate, secondsPerYear)

	basePowerTwo := RayMul(ratePerSecond, ratePerSecond)
	basePowerThree := RayMul(basePowerTwo, ratePerSecond)

	firstTerm := new(big.Int).Mul(ratePerSecond, exp)

	secondTerm := new(big.Int).Mul(exp, expMinusOne)
	secondTerm.Mul(secondTerm, basePowerTwo)
	secondTerm.Quo(secondTerm, big.NewInt(2))

	thirdTerm := new(big.Int).Mul(exp, expMinusOne)
	thirdTerm.Mul(thirdTerm, expMinusTwo)
	thirdTerm.Mul(thirdTerm, basePowerThree)
	thirdTerm.Quo(thirdTerm, big.NewInt(6))

	out := new(big.Int).Add(Ray, firstTerm)
	out.Add(out, secondTerm)
	return out.Add(out, thirdTerm)
}

// RayFromPercent builds a ray value from integer basis points
// (e.g. 4500 → 0.45 ray). Convenience for configuration defaults.
func RayFromPercent(bps uint64) *big.Int {
	return PercentMul(Ray, bps)
}
