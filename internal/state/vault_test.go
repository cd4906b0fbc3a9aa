package state_test

import (
	"math/big"
	"testing"

	"github.com/UnlockdFinance/unlockd-ledger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func addStrategy(t *testing.T, va *state.VaultAllocator, ratioBps uint64) *state.StrategyRecord {
	t.Helper()
	r, err := va.AddStrategy("WETH", uuid.New(), ratioBps, wad(0), wad(1_000))
	require.NoError(t, err)
	return r
}

// ----------------------------------------------------------------------------
// Budget invariant
// ----------------------------------------------------------------------------

func TestAddStrategy_BudgetEnforced(t *testing.T) {
	va := state.NewVaultAllocator()
	addStrategy(t, va, 6000)
	addStrategy(t, va, 4000)

	_, err := va.AddStrategy("WETH", uuid.New(), 1, wad(0), wad(1))
	require.Error(t, err, "sum of debt ratios must never exceed 10000 bps")
	require.Equal(t, uint64(10_000), va.TotalRatioBps("WETH"))
}

func TestUpdateParams_BudgetEnforced(t *testing.T) {
	va := state.NewVaultAllocator()
	a := addStrategy(t, va, 6000)
	addStrategy(t, va, 3000)

	require.Error(t, va.UpdateParams(a.StrategyID, 7001, wad(0), wad(1)))
	require.NoError(t, va.UpdateParams(a.StrategyID, 7000, wad(0), wad(1)))
	require.Equal(t, uint64(10_000), va.TotalRatioBps("WETH"))
}

func TestAddStrategy_PerReserveBudgets(t *testing.T) {
	va := state.NewVaultAllocator()
	addStrategy(t, va, 10_000)

	// A different reserve has its own budget
	_, err := va.AddStrategy("USDC", uuid.New(), 10_000, wad(0), wad(1))
	require.NoError(t, err)
}

// ----------------------------------------------------------------------------
// Harvest reconciliation
// ----------------------------------------------------------------------------

func TestHarvest_FirstAllocationAdvances(t *testing.T) {
	va := state.NewVaultAllocator()
	r := addStrategy(t, va, 5000) // 50% of TVL

	res := va.Harvest(r, big.NewInt(0), wad(100))
	require.Zero(t, res.Gain.Sign())
	require.Zero(t, res.Loss.Sign())
	require.Zero(t, res.Advance.Cmp(wad(50)), "advance = %v", res.Advance)
	require.Zero(t, r.TotalDebt.Cmp(wad(50)))
}

func TestHarvest_GainPulledIn(t *testing.T) {
	va := state.NewVaultAllocator()
	r := addStrategy(t, va, 5000)
	va.Harvest(r, big.NewInt(0), wad(100))

	// Strategy reports 55 against 50 recorded: 5 gain, debt stays on target
	res := va.Harvest(r, wad(55), wad(100))
	require.Zero(t, res.Gain.Cmp(wad(5)))
	require.Zero(t, res.Loss.Sign())
	require.Zero(t, r.TotalGain.Cmp(wad(5)))
	require.Zero(t, r.TotalDebt.Cmp(wad(50)))
}

func TestHarvest_LossCutsRatioProportionally(t *testing.T) {
	va := state.NewVaultAllocator()
	r := addStrategy(t, va, 5000)
	va.Harvest(r, big.NewInt(0), wad(100))

	// 10 lost out of 50 advanced → ratio cut by 20%: 5000 → 4000 bps
	res := va.Harvest(r, wad(40), wad(100))
	require.Zero(t, res.Loss.Cmp(wad(10)))
	require.Zero(t, r.TotalLoss.Cmp(wad(10)))
	require.Equal(t, uint64(4000), r.DebtRatioBps)
}

func TestHarvest_AdvanceClampedToMax(t *testing.T) {
	va := state.NewVaultAllocator()
	r, err := va.AddStrategy("WETH", uuid.New(), 10_000, wad(0), wad(10))
	require.NoError(t, err)

	res := va.Harvest(r, big.NewInt(0), wad(100))
	require.Zero(t, res.Advance.Cmp(wad(10)),
		"advance must never exceed max_debt_per_harvest, got %v", res.Advance)
}

func TestHarvest_AdvanceBelowMinSkipped(t *testing.T) {
	va := state.NewVaultAllocator()
	r, err := va.AddStrategy("WETH", uuid.New(), 5000, wad(60), wad(100))
	require.NoError(t, err)

	// Target is 50 but min per harvest is 60: nothing moves
	res := va.Harvest(r, big.NewInt(0), wad(100))
	require.Zero(t, res.Advance.Sign())
	require.Zero(t, r.TotalDebt.Sign())
}

func TestHarvest_RevokedWindsDown(t *testing.T) {
	va := state.NewVaultAllocator()
	r := addStrategy(t, va, 5000)
	va.Harvest(r, big.NewInt(0), wad(100))
	require.NoError(t, va.Revoke(r.StrategyID))

	res := va.Harvest(r, wad(50), wad(100))
	require.Zero(t, res.Withdraw.Cmp(wad(50)), "revoked strategy should be drained")
	require.Zero(t, r.TotalDebt.Sign())

	require.NoError(t, va.RemoveFromQueue(r.StrategyID))
	_, ok := va.Get(r.StrategyID)
	require.False(t, ok)
}

func TestRemoveFromQueue_RefusesWhileDebtOutstanding(t *testing.T) {
	va := state.NewVaultAllocator()
	r := addStrategy(t, va, 5000)
	va.Harvest(r, big.NewInt(0), wad(100))

	require.Error(t, va.RemoveFromQueue(r.StrategyID))
}

// ----------------------------------------------------------------------------
// Liquidity shortfall plan
// ----------------------------------------------------------------------------

func TestPlanLiquidityWithdrawal_WalksQueue(t *testing.T) {
	va := state.NewVaultAllocator()
	a := addStrategy(t, va, 3000)
	b := addStrategy(t, va, 3000)
	va.Harvest(a, big.NewInt(0), wad(100)) // 30 each
	va.Harvest(b, big.NewInt(0), wad(100))

	plan, ok := va.PlanLiquidityWithdrawal("WETH", wad(45))
	require.True(t, ok)
	require.Len(t, plan, 2)
	require.Equal(t, a.StrategyID, plan[0].StrategyID)
	require.Zero(t, plan[0].Amount.Cmp(wad(30)))
	require.Zero(t, plan[1].Amount.Cmp(wad(15)))

	// Planning is read-only; debt moves only when the plan is applied.
	require.Zero(t, a.TotalDebt.Cmp(wad(30)))
	require.Zero(t, b.TotalDebt.Cmp(wad(30)))

	va.ApplyWithdrawalPlan(plan)
	require.Zero(t, a.TotalDebt.Sign())
	require.Zero(t, b.TotalDebt.Cmp(wad(15)))
}

func TestPlanLiquidityWithdrawal_InsufficientDeployed(t *testing.T) {
	va := state.NewVaultAllocator()
	a := addStrategy(t, va, 3000)
	va.Harvest(a, big.NewInt(0), wad(100))

	_, ok := va.PlanLiquidityWithdrawal("WETH", wad(45))
	require.False(t, ok, "30 deployed cannot cover a 45 shortfall")
}
