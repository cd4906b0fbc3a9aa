package math_test

import (
	"math/big"
	"testing"

	"github.com/UnlockdFinance/unlockd-ledger/internal/math"
)

func wad(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), math.Wad)
}

func ray(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), math.Ray)
}

// rayF builds n/d in ray precision, e.g. rayF(45, 100) = 0.45 ray.
func rayF(n, d int64) *big.Int {
	out := new(big.Int).Mul(big.NewInt(n), math.Ray)
	return out.Quo(out, big.NewInt(d))
}

// ============================================================================
// Test: RayMul / RayDiv rounding directions
// ============================================================================

func TestRayMul_Identity(t *testing.T) {
	got := math.RayMul(ray(7), math.Ray)
	if got.Cmp(ray(7)) != 0 {
		t.Errorf("7 ray * 1 ray = %v, want %v", got, ray(7))
	}
}

func TestRayMul_HalfUp(t *testing.T) {
	// 1 * 0.5 ray with an odd unit: (1*halfRay + halfRay)/Ray rounds up
	a := big.NewInt(3)
	half := new(big.Int).Rsh(math.Ray, 1)
	got := math.RayMul(a, half)
	if got.Int64() != 2 {
		t.Errorf("3 * 0.5 ray half-up = %v, want 2", got)
	}
}

func TestRayMulUp_NeverUnderstates(t *testing.T) {
	a := big.NewInt(1)
	b := big.NewInt(1) // 1e-27 ray
	got := math.RayMulUp(a, b)
	if got.Int64() != 1 {
		t.Errorf("tiny product should round up to 1, got %v", got)
	}
	down := math.RayMulDown(a, b)
	if down.Sign() != 0 {
		t.Errorf("tiny product should round down to 0, got %v", down)
	}
}

func TestRayDivUp_GreaterOrEqualThanDown(t *testing.T) {
	a := wad(100)
	idx := new(big.Int).Add(math.Ray, big.NewInt(3))
	up := math.RayDivUp(a, idx)
	down := math.RayDivDown(a, idx)
	if up.Cmp(down) < 0 {
		t.Errorf("RayDivUp %v < RayDivDown %v", up, down)
	}
	diff := new(big.Int).Sub(up, down)
	if diff.Int64() > 1 {
		t.Errorf("rounding modes differ by more than one unit: %v", diff)
	}
}

func TestRayDiv_RoundTrip(t *testing.T) {
	// scaled = a rayDiv idx; a' = scaled rayMul idx; |a - a'| <= 1 unit
	a := wad(123_456)
	idx := rayF(10375, 10000) // 1.0375 ray
	scaled := math.RayDiv(a, idx)
	back := math.RayMul(scaled, idx)

	diff := new(big.Int).Sub(a, back)
	diff.Abs(diff)
	if diff.Int64() > 1 {
		t.Errorf("round trip drift %v exceeds one unit", diff)
	}
}

func TestWadRayConversion(t *testing.T) {
	a := wad(42)
	r := math.WadToRay(a)
	if r.Cmp(ray(42)) != 0 {
		t.Errorf("WadToRay(42 wad) = %v, want 42 ray", r)
	}
	back := math.RayToWad(r)
	if back.Cmp(a) != 0 {
		t.Errorf("RayToWad round trip = %v, want %v", back, a)
	}
}

// ============================================================================
// Test: percent helpers
// ============================================================================

func TestPercentMul(t *testing.T) {
	got := math.PercentMul(wad(200), 4000) // 40%
	if got.Cmp(wad(80)) != 0 {
		t.Errorf("40%% of 200 = %v, want 80", got)
	}
}

func TestPercentMulUp_RoundsUp(t *testing.T) {
	got := math.PercentMulUp(big.NewInt(1), 1) // 1 * 1/10000
	if got.Int64() != 1 {
		t.Errorf("PercentMulUp(1, 1bps) = %v, want 1", got)
	}
}

func TestPercentDiv(t *testing.T) {
	got := math.PercentDiv(wad(80), 4000)
	if got.Cmp(wad(200)) != 0 {
		t.Errorf("80 / 40%% = %v, want 200", got)
	}
}

func TestMinMaxClone(t *testing.T) {
	a, b := wad(1), wad(2)
	if math.Min(a, b) != a || math.Max(a, b) != b {
		t.Error("Min/Max returned wrong operand")
	}
	c := math.Clone(a)
	c.Add(c, b)
	if a.Cmp(wad(1)) != 0 {
		t.Error("Clone did not copy: mutation leaked to original")
	}
}
