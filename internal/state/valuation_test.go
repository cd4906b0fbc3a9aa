package state_test

import (
	"math/big"
	"testing"

	fpmath "github.com/UnlockdFinance/unlockd-ledger/internal/math"
	"github.com/UnlockdFinance/unlockd-ledger/internal/state"

	"github.com/stretchr/testify/require"
)

func newValuationFixture(t *testing.T) (*state.ValuationCalculator, *state.PriceStore, *state.Reserve) {
	t.Helper()
	rr := state.NewReserveRegistry(0)
	reserve, err := rr.Create("WETH", testRateStrategy())
	require.NoError(t, err)

	ps := state.NewPriceStore()
	ps.TrackCollection("punks")
	require.NoError(t, ps.SetAssetPrice("WETH", wad(1)))
	require.NoError(t, ps.SetNFTPrice("punks", 7, wad(100), 100))

	return state.NewValuationCalculator(ps, rr), ps, reserve
}

// ----------------------------------------------------------------------------
// Health factor
// ----------------------------------------------------------------------------

func TestComputeHealthFactor(t *testing.T) {
	// 100 collateral, 7000 bps threshold, 40 debt → 100×0.7/40 = 1.75
	hf := state.ComputeHealthFactor(wad(100), 7000, wad(40))
	require.Zero(t, hf.Cmp(rayF(175, 100)), "hf = %v", hf)

	// Collateral halves → 0.875, below the 1-ray boundary
	hf = state.ComputeHealthFactor(wad(50), 7000, wad(40))
	require.Zero(t, hf.Cmp(rayF(875, 1000)))
	require.Equal(t, -1, hf.Cmp(fpmath.Ray))
}

func TestComputeHealthFactor_ZeroDebt(t *testing.T) {
	hf := state.ComputeHealthFactor(wad(100), 7000, new(big.Int))
	require.Zero(t, hf.Cmp(state.MaxHealthFactor))

	hf = state.ComputeHealthFactor(wad(100), 7000, nil)
	require.Zero(t, hf.Cmp(state.MaxHealthFactor))
}

func TestHealthFactor_FromLoan(t *testing.T) {
	vc, ps, reserve := newValuationFixture(t)
	loan := newTestLoan()

	hf, err := vc.HealthFactor(loan, reserve)
	require.NoError(t, err)
	require.Zero(t, hf.Cmp(rayF(175, 100)))

	require.NoError(t, ps.SetNFTPrice("punks", 7, wad(50), 200))
	hf, err = vc.HealthFactor(loan, reserve)
	require.NoError(t, err)
	require.Equal(t, -1, hf.Cmp(fpmath.Ray), "hf %v should cross below one ray", hf)
}

func TestHealthFactor_PriceErrors(t *testing.T) {
	vc, _, reserve := newValuationFixture(t)

	loan := newTestLoan()
	loan.Collection = "apes" // never tracked
	_, err := vc.HealthFactor(loan, reserve)
	require.ErrorIs(t, err, state.ErrNonExistingCollection)

	loan = newTestLoan()
	loan.TokenID = 999 // tracked collection, no price fact
	_, err = vc.HealthFactor(loan, reserve)
	require.ErrorIs(t, err, state.ErrPriceZero)
}

// ----------------------------------------------------------------------------
// Debt and borrow headroom
// ----------------------------------------------------------------------------

func TestLoanDebt_RoundsUpWithIndex(t *testing.T) {
	vc, _, reserve := newValuationFixture(t)
	loan := newTestLoan()
	loan.ScaledDebt = big.NewInt(3)

	// Index 1.5: 3 × 1.5 = 4.5 rounds up to 5 base units
	reserve.VariableBorrowIndex = rayF(3, 2)
	require.Zero(t, vc.LoanDebt(loan, reserve).Cmp(big.NewInt(5)))
}

func TestAvailableBorrows(t *testing.T) {
	vc, _, reserve := newValuationFixture(t)
	loan := newTestLoan()

	// NFT at 100, LTV 4000 bps → cap 40; debt already 40 → headroom 0
	avail, err := vc.AvailableBorrows(loan, reserve)
	require.NoError(t, err)
	require.Zero(t, avail.Sign())

	// Pay half down → 20 of headroom
	loan.ScaledDebt = wad(20)
	avail, err = vc.AvailableBorrows(loan, reserve)
	require.NoError(t, err)
	require.Zero(t, avail.Cmp(wad(20)))
}

func TestAvailableBorrows_FlooredAtZero(t *testing.T) {
	vc, ps, reserve := newValuationFixture(t)
	loan := newTestLoan()

	// Price collapse pushes debt past the LTV cap; headroom floors at zero
	require.NoError(t, ps.SetNFTPrice("punks", 7, wad(50), 200))
	avail, err := vc.AvailableBorrows(loan, reserve)
	require.NoError(t, err)
	require.Zero(t, avail.Sign())
}

// ----------------------------------------------------------------------------
// Auction and buyout pricing
// ----------------------------------------------------------------------------

func TestLiquidatePrice(t *testing.T) {
	vc, _, reserve := newValuationFixture(t)
	loan := newTestLoan()

	// 40 debt, 500 bps bonus → 42
	require.Zero(t, vc.LiquidatePrice(loan, reserve).Cmp(wad(42)))
}

func TestLiquidatePrice_RoundsUp(t *testing.T) {
	vc, _, reserve := newValuationFixture(t)
	loan := newTestLoan()
	loan.ScaledDebt = big.NewInt(3)

	// 3 × 1.05 = 3.15 must not truncate below the debt-plus-bonus floor
	require.Zero(t, vc.LiquidatePrice(loan, reserve).Cmp(big.NewInt(4)))
}

func TestBuyoutPrice(t *testing.T) {
	vc, _, _ := newValuationFixture(t)
	loan := newTestLoan()

	price, err := vc.BuyoutPrice(loan, false)
	require.NoError(t, err)
	require.Zero(t, price.Cmp(wad(100)))

	// Member discount 200 bps → 98
	loan.Config.BuyoutDiscountBps = 200
	price, err = vc.BuyoutPrice(loan, true)
	require.NoError(t, err)
	require.Zero(t, price.Cmp(wad(98)))
}

func TestBuyoutPrice_AssetDenomination(t *testing.T) {
	vc, ps, _ := newValuationFixture(t)
	loan := newTestLoan()

	// Asset worth 2 in the common denomination: NFT at 100 → 50 asset units
	require.NoError(t, ps.SetAssetPrice("WETH", wad(2)))
	price, err := vc.BuyoutPrice(loan, false)
	require.NoError(t, err)
	require.Zero(t, price.Cmp(wad(50)))
}

// ----------------------------------------------------------------------------
// Freshness window
// ----------------------------------------------------------------------------

func TestPriceFresh(t *testing.T) {
	require.True(t, state.PriceFresh(100, 100, 1800))
	require.True(t, state.PriceFresh(100, 1900, 1800))
	require.False(t, state.PriceFresh(100, 1901, 1800))
}

// ----------------------------------------------------------------------------
// Snapshot views
// ----------------------------------------------------------------------------

func TestNFTPrices_FlatSortedEntries(t *testing.T) {
	ps := state.NewPriceStore()
	ps.TrackCollection("punks")
	ps.TrackCollection("apes")
	require.NoError(t, ps.SetNFTPrice("punks", 9, wad(80), 300))
	require.NoError(t, ps.SetNFTPrice("punks", 7, wad(100), 100))
	require.NoError(t, ps.SetNFTPrice("apes", 1, wad(20), 200))

	entries := ps.NFTPrices()
	require.Len(t, entries, 3)

	// Sorted by collection, then token, so snapshots serialize identically
	// across replays.
	require.Equal(t, "apes", entries[0].Collection)
	require.Equal(t, uint64(1), entries[0].TokenID)
	require.Equal(t, "punks", entries[1].Collection)
	require.Equal(t, uint64(7), entries[1].TokenID)
	require.Zero(t, entries[1].Price.Cmp(wad(100)))
	require.Equal(t, int64(100), entries[1].UpdatedAt)
	require.Equal(t, uint64(9), entries[2].TokenID)

	// Entries hold copies, not the store's own integers.
	entries[1].Price.SetInt64(0)
	p, _, err := ps.GetNFTPrice("punks", 7)
	require.NoError(t, err)
	require.Zero(t, p.Cmp(wad(100)))
}
