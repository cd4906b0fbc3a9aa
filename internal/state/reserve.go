// internal/state/reserve.go
package state

import (
	"math/big"

	"github.com/UnlockdFinance/unlockd-ledger/internal/ledger"
	fpmath "github.com/UnlockdFinance/unlockd-ledger/internal/math"
)

// Reserve holds the per-asset lending pool state. Indices are ray and start
// at one ray; both are monotonically non-decreasing. A reserve is never
// destroyed, only deactivated.
type Reserve struct {
	Asset   string
	AssetID ledger.AssetID

	LiquidityIndex      *big.Int // ray
	VariableBorrowIndex *big.Int // ray

	CurrentLiquidityRate *big.Int // ray, annual
	CurrentBorrowRate    *big.Int // ray, annual

	TotalScaledDeposits *big.Int // scaled wad units
	TotalScaledDebt     *big.Int // scaled wad units

	AvailableLiquidity *big.Int // wad cash not deployed
	DeployedLiquidity  *big.Int // wad advanced to strategies

	RateStrategy     *fpmath.InterestRateStrategy
	ReserveFactorBps uint64

	LastUpdate int64 // unix seconds, event time

	Active           bool
	Frozen           bool
	BorrowingEnabled bool

	Version int64
}

func NewReserve(asset string, assetID ledger.AssetID, strategy *fpmath.InterestRateStrategy) *Reserve {
	return &Reserve{
		Asset:                asset,
		AssetID:              assetID,
		LiquidityIndex:       fpmath.Clone(fpmath.Ray),
		VariableBorrowIndex:  fpmath.Clone(fpmath.Ray),
		CurrentLiquidityRate: new(big.Int),
		CurrentBorrowRate:    new(big.Int),
		TotalScaledDeposits:  new(big.Int),
		TotalScaledDebt:      new(big.Int),
		AvailableLiquidity:   new(big.Int),
		DeployedLiquidity:    new(big.Int),
		RateStrategy:         strategy,
		Active:               true,
		BorrowingEnabled:     true,
	}
}

// RefreshIndices rolls both indices forward to `now`. Pure arithmetic, never
// fails; callers invoke it before any state-affecting read. With zero
// utilization nothing accrues and the indices are left untouched.
func (r *Reserve) RefreshIndices(now int64) {
	elapsed := now - r.LastUpdate
	if elapsed <= 0 {
		return
	}
	if r.TotalScaledDebt.Sign() == 0 {
		r.LastUpdate = now
		return
	}

	linear := fpmath.LinearInterestFactor(r.CurrentLiquidityRate, elapsed)
	r.LiquidityIndex = fpmath.RayMul(r.LiquidityIndex, linear)

	compounded := fpmath.CompoundedInterestFactor(r.CurrentBorrowRate, elapsed)
	r.VariableBorrowIndex = fpmath.RayMul(r.VariableBorrowIndex, compounded)

	r.LastUpdate = now
}

// UpdateRates recomputes both rates from current utilization. Called after
// every mutation that changes debt or liquidity.
func (r *Reserve) UpdateRates() {
	debt := r.TotalDebt()
	cash := new(big.Int).Add(r.AvailableLiquidity, r.DeployedLiquidity)
	utilization := fpmath.Utilization(debt, cash)

	r.CurrentBorrowRate = r.RateStrategy.BorrowRate(utilization)
	r.CurrentLiquidityRate = fpmath.LiquidityRate(r.CurrentBorrowRate, utilization, r.ReserveFactorBps)
}

// TotalDebt returns the real outstanding debt in wad. Debt rounds up.
func (r *Reserve) TotalDebt() *big.Int {
	if r.TotalScaledDebt.Sign() == 0 {
		return new(big.Int)
	}
	return fpmath.RayMulUp(r.TotalScaledDebt, r.VariableBorrowIndex)
}

// TotalDeposits returns the real deposit value in wad. Credit rounds down.
func (r *Reserve) TotalDeposits() *big.Int {
	if r.TotalScaledDeposits.Sign() == 0 {
		return new(big.Int)
	}
	return fpmath.RayMulDown(r.TotalScaledDeposits, r.LiquidityIndex)
}

// TVL is the cash under the reserve's management (free + deployed), the
// base the vault layer budgets strategy debt against.
func (r *Reserve) TVL() *big.Int {
	return new(big.Int).Add(r.AvailableLiquidity, r.DeployedLiquidity)
}

// Utilization returns the current utilization in ray.
func (r *Reserve) Utilization() *big.Int {
	return fpmath.Utilization(r.TotalDebt(), r.TVL())
}

// CanonicalBytes returns deterministic serialization for hashing
func (r *Reserve) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)

	buf = append(buf, byte(len(r.Asset)))
	buf = append(buf, []byte(r.Asset)...)

	buf = appendBigInt(buf, r.LiquidityIndex)
	buf = appendBigInt(buf, r.VariableBorrowIndex)
	buf = appendBigInt(buf, r.CurrentLiquidityRate)
	buf = appendBigInt(buf, r.CurrentBorrowRate)
	buf = appendBigInt(buf, r.TotalScaledDeposits)
	buf = appendBigInt(buf, r.TotalScaledDebt)
	buf = appendBigInt(buf, r.AvailableLiquidity)
	buf = appendBigInt(buf, r.DeployedLiquidity)

	buf = appendUint64LE(buf, r.ReserveFactorBps)
	buf = appendInt64LE(buf, r.LastUpdate)

	buf = append(buf, boolByte(r.Active), boolByte(r.Frozen), boolByte(r.BorrowingEnabled))

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return appendUint64LE(buf, uint64(v))
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// appendBigInt writes a sign byte, a 2-byte length, then big-endian magnitude.
func appendBigInt(buf []byte, v *big.Int) []byte {
	if v == nil {
		return append(buf, 0, 0, 0)
	}
	buf = append(buf, byte(v.Sign()+1))
	b := v.Bytes()
	buf = append(buf, byte(len(b)), byte(len(b)>>8))
	return append(buf, b...)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
