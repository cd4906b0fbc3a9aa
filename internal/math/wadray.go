// internal/math/wadray.go
package math

import (
	"math/big"
	"sync"
)

// Fixed-point bases. Indices and rates are ray (27 decimals); token
// amounts are wad (18 decimals).
var (
	Ray = pow10(27)
	Wad = pow10(18)

	HalfRay = new(big.Int).Rsh(Ray, 1)
	HalfWad = new(big.Int).Rsh(Wad, 1)

	// wad → ray conversion factor (10^9)
	wadRayRatio = pow10(9)

	bigOne = big.NewInt(1)
)

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

// Pool for intermediate big.Int values to reduce allocation pressure
// on the hot accrual path.
var intPool = sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(i *big.Int) {
	i.SetInt64(0)
	intPool.Put(i)
}

// mulDivHalfUp returns a*b/denom with half-up rounding.
func mulDivHalfUp(a, b, denom *big.Int) *big.Int {
	tmp := getInt()
	defer putInt(tmp)

	tmp.Mul(a, b)
	half := getInt()
	defer putInt(half)
	half.Rsh(denom, 1)
	tmp.Add(tmp, half)

	return new(big.Int).Quo(tmp, denom)
}

// mulDivDown returns a*b/denom truncated toward zero.
func mulDivDown(a, b, denom *big.Int) *big.Int {
	tmp := getInt()
	defer putInt(tmp)

	tmp.Mul(a, b)
	return new(big.Int).Quo(tmp, denom)
}

// mulDivUp returns a*b/denom rounded away from zero.
func mulDivUp(a, b, denom *big.Int) *big.Int {
	tmp := getInt()
	defer putInt(tmp)

	tmp.Mul(a, b)
	rem := getInt()
	defer putInt(rem)

	out := new(big.Int)
	out.QuoRem(tmp, denom, rem)
	if rem.Sign() != 0 {
		out.Add(out, bigOne)
	}
	return out
}

// RayMul multiplies two ray values, half-up. Used for index growth where
// neither direction is favored.
func RayMul(a, b *big.Int) *big.Int {
	return mulDivHalfUp(a, b, Ray)
}

// RayMulUp rounds the product up. Debt-side conversions use this so that
// accrued debt is never understated.
func RayMulUp(a, b *big.Int) *big.Int {
	return mulDivUp(a, b, Ray)
}

// RayMulDown rounds the product down. Credit-side conversions use this so
// the reserve never owes more than it holds.
func RayMulDown(a, b *big.Int) *big.Int {
	return mulDivDown(a, b, Ray)
}

// RayDiv divides a by b in ray precision, half-up.
func RayDiv(a, b *big.Int) *big.Int {
	return mulDivHalfUp(a, Ray, b)
}

// RayDivUp rounds the quotient up (scaled debt minting).
func RayDivUp(a, b *big.Int) *big.Int {
	return mulDivUp(a, Ray, b)
}

// RayDivDown rounds the quotient down (scaled deposit minting).
func RayDivDown(a, b *big.Int) *big.Int {
	return mulDivDown(a, Ray, b)
}

// WadToRay lifts a wad amount into ray precision. Exact, never rounds.
func WadToRay(a *big.Int) *big.Int {
	return new(big.Int).Mul(a, wadRayRatio)
}

// RayToWad drops a ray value to wad precision, half-up.
func RayToWad(a *big.Int) *big.Int {
	half := getInt()
	defer putInt(half)
	half.Rsh(wadRayRatio, 1)

	tmp := new(big.Int).Add(a, half)
	return tmp.Quo(tmp, wadRayRatio)
}

// Basis-point helpers. bps are uint64 out of 10_000.
const BpsDenominator = 10_000

// PercentMul returns amount * bps / 10000, truncated.
func PercentMul(amount *big.Int, bps uint64) *big.Int {
	return mulDivDown(amount, new(big.Int).SetUint64(bps), big.NewInt(BpsDenominator))
}

// PercentMulUp returns amount * bps / 10000, rounded up.
func PercentMulUp(amount *big.Int, bps uint64) *big.Int {
	return mulDivUp(amount, new(big.Int).SetUint64(bps), big.NewInt(BpsDenominator))
}

// PercentDiv returns amount * 10000 / bps, truncated.
func PercentDiv(amount *big.Int, bps uint64) *big.Int {
	return mulDivDown(amount, big.NewInt(BpsDenominator), new(big.Int).SetUint64(bps))
}

// Min returns the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// Clone returns an independent copy. State managers hand out balances by
// value so callers cannot mutate shared state.
func Clone(a *big.Int) *big.Int {
	return new(big.Int).Set(a)
}
