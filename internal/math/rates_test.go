package math_test

import (
	"math/big"
	"testing"

	"github.com/UnlockdFinance/unlockd-ledger/internal/math"
)

func testStrategy() *math.InterestRateStrategy {
	return &math.InterestRateStrategy{
		OptimalUtilization: rayF(80, 100), // 80%
		BaseRate:           rayF(1, 100),  // 1%
		Slope1:             rayF(4, 100),  // 4%
		Slope2:             rayF(75, 100), // 75%
	}
}

// ============================================================================
// Test: two-slope borrow rate
// ============================================================================

func TestBorrowRate_ZeroUtilization(t *testing.T) {
	s := testStrategy()
	got := s.BorrowRate(new(big.Int))
	if got.Cmp(s.BaseRate) != 0 {
		t.Errorf("rate at zero utilization = %v, want base rate %v", got, s.BaseRate)
	}
}

func TestBorrowRate_AtKink(t *testing.T) {
	s := testStrategy()
	got := s.BorrowRate(s.OptimalUtilization)
	want := new(big.Int).Add(s.BaseRate, s.Slope1) // base + slope1 at the kink
	if got.Cmp(want) != 0 {
		t.Errorf("rate at kink = %v, want %v", got, want)
	}
}

func TestBorrowRate_FullUtilization(t *testing.T) {
	s := testStrategy()
	got := s.BorrowRate(math.Clone(math.Ray))
	// base + slope1 + slope2 = 1% + 4% + 75% = 80%
	want := rayF(80, 100)
	if got.Cmp(want) != 0 {
		t.Errorf("rate at 100%% utilization = %v, want %v", got, want)
	}
}

func TestBorrowRate_MonotoneAcrossKink(t *testing.T) {
	s := testStrategy()
	prev := new(big.Int).Neg(math.Ray)
	for pct := int64(0); pct <= 100; pct += 5 {
		rate := s.BorrowRate(rayF(pct, 100))
		if rate.Cmp(prev) < 0 {
			t.Fatalf("borrow rate decreased at %d%% utilization: %v < %v", pct, rate, prev)
		}
		prev = rate
	}
}

func TestLiquidityRate_ReserveFactorCut(t *testing.T) {
	borrowRate := rayF(10, 100) // 10%
	util := rayF(50, 100)       // 50%
	got := math.LiquidityRate(borrowRate, util, 1000) // 10% reserve factor
	// 10% * 50% * 90% = 4.5%
	want := rayF(45, 1000)
	if got.Cmp(want) != 0 {
		t.Errorf("liquidity rate = %v, want %v", got, want)
	}
}

func TestUtilization(t *testing.T) {
	debt := wad(40)
	avail := wad(60)
	got := math.Utilization(debt, avail)
	if got.Cmp(rayF(40, 100)) != 0 {
		t.Errorf("utilization = %v, want 0.4 ray", got)
	}
	if math.Utilization(new(big.Int), avail).Sign() != 0 {
		t.Error("utilization with zero debt should be zero")
	}
}

// ============================================================================
// Test: interest factors
// ============================================================================

func TestLinearInterestFactor_ZeroElapsed(t *testing.T) {
	got := math.LinearInterestFactor(rayF(10, 100), 0)
	if got.Cmp(math.Ray) != 0 {
		t.Errorf("factor for Δt=0 = %v, want 1 ray", got)
	}
}

func TestLinearInterestFactor_FullYear(t *testing.T) {
	got := math.LinearInterestFactor(rayF(10, 100), math.SecondsPerYear)
	want := rayF(110, 100)
	if got.Cmp(want) != 0 {
		t.Errorf("10%% over a year = %v, want 1.1 ray", got)
	}
}

func TestCompoundedInterestFactor_ZeroElapsed(t *testing.T) {
	got := math.CompoundedInterestFactor(rayF(10, 100), 0)
	if got.Cmp(math.Ray) != 0 {
		t.Errorf("factor for Δt=0 = %v, want 1 ray", got)
	}
}

func TestCompoundedInterestFactor_DominatesLinear(t *testing.T) {
	rate := rayF(20, 100)
	dt := math.SecondsPerYear / 2
	linear := math.LinearInterestFactor(rate, dt)
	compounded := math.CompoundedInterestFactor(rate, dt)
	if compounded.Cmp(linear) < 0 {
		t.Errorf("compounded %v < linear %v over same period", compounded, linear)
	}
}

func TestCompoundedInterestFactor_ApproximatesExp(t *testing.T) {
	// 10% over a full year: e^0.1 ≈ 1.10517. The cubic expansion should be
	// within a few parts in 1e6 of that.
	got := math.CompoundedInterestFactor(rayF(10, 100), math.SecondsPerYear)
	lo := rayF(110516, 100000)
	hi := rayF(110518, 100000)
	if got.Cmp(lo) < 0 || got.Cmp(hi) > 0 {
		t.Errorf("compounded factor %v outside [%v, %v]", got, lo, hi)
	}
}

func TestCompoundedInterestFactor_Monotone(t *testing.T) {
	rate := rayF(15, 100)
	prev := new(big.Int)
	for _, dt := range []int64{0, 1, 60, 3600, 86400, math.SecondsPerYear} {
		f := math.CompoundedInterestFactor(rate, dt)
		if f.Cmp(prev) < 0 {
			t.Fatalf("factor decreased at Δt=%d: %v < %v", dt, f, prev)
		}
		prev = f
	}
}

// ============================================================================
// Test: strategy validation
// ============================================================================

func TestInterestRateStrategy_Validate(t *testing.T) {
	s := testStrategy()
	if err := s.Validate(); err != nil {
		t.Fatalf("valid strategy rejected: %v", err)
	}

	bad := testStrategy()
	bad.OptimalUtilization = math.Clone(math.Ray)
	if err := bad.Validate(); err == nil {
		t.Error("optimal utilization of 1 ray should be rejected")
	}

	bad = testStrategy()
	bad.Slope2 = big.NewInt(-1)
	if err := bad.Validate(); err == nil {
		t.Error("negative slope2 should be rejected")
	}
}
