package ledger_test

import (
	"math/big"
	"testing"

	"github.com/UnlockdFinance/unlockd-ledger/internal/ledger"

	"github.com/google/uuid"
)

func wad(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	assetID := ledger.RegisterAsset("WETH")
	key := ledger.NewUserAccountKey(userID, ledger.SubTypeScaledDeposit, assetID)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:scaled_deposit:WETH"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	assetID := ledger.RegisterAsset("WETH")
	key := ledger.NewSystemAccountKey("treasury", ledger.SubTypeSystemTreasury, assetID)

	path := key.AccountPath()
	if path != "system:treasury:WETH" {
		t.Errorf("got %q, want %q", path, "system:treasury:WETH")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	assetID := ledger.RegisterAsset("WETH")
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalBidders, assetID)

	path := key.AccountPath()
	if path != "external:bidders:WETH" {
		t.Errorf("got %q, want %q", path, "external:bidders:WETH")
	}
}

func TestRegisterAsset_Idempotent(t *testing.T) {
	a := ledger.RegisterAsset("USDC")
	b := ledger.RegisterAsset("USDC")
	if a != b {
		t.Errorf("re-registering USDC yielded a new ID: %d vs %d", a, b)
	}

	name, ok := ledger.GetAssetName(a)
	if !ok || name != "USDC" {
		t.Errorf("GetAssetName(%d) = %q, %v", a, name, ok)
	}
}

func TestGetAssetID_Unknown(t *testing.T) {
	_, ok := ledger.GetAssetID("NEVER-REGISTERED")
	if ok {
		t.Error("unregistered asset should not resolve")
	}
}

// ============================================================================
// Test: plane separation
// ============================================================================

func TestSubTypePlanes(t *testing.T) {
	if ledger.SubTypeScaledDeposit.Plane() != ledger.PlaneScaled {
		t.Error("scaled_deposit should be on the scaled plane")
	}
	if ledger.SubTypeSystemReserveCash.Plane() != ledger.PlaneCash {
		t.Error("reserve_cash should be on the cash plane")
	}
}

func TestBatchValidate_RejectsCrossPlane(t *testing.T) {
	assetID := ledger.RegisterAsset("WETH")
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID:  batchID,
		EventRef: "x",
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.NewSystemAccountKey("WETH", ledger.SubTypeSystemReserveCash, assetID),
			CreditAccount: ledger.NewSystemAccountKey("WETH", ledger.SubTypeSystemDepositClaims, assetID),
			AssetID:       assetID,
			Plane:         ledger.PlaneCash,
			Amount:        wad(1),
		}},
	}

	if err := batch.Validate(); err == nil {
		t.Error("cross-plane journal should be rejected")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()
	assetID := ledger.RegisterAsset("WETH")

	balance := bt.GetUserScaledDeposit(userID, assetID)
	if balance.Sign() != 0 {
		t.Errorf("initial balance should be 0, got %v", balance)
	}
}

func TestBalanceTracker_DepositRoundTrip(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)
	userID := uuid.New()
	assetID := ledger.RegisterAsset("WETH")

	batch, err := jg.GenerateDeposit("op-1", userID, "WETH", assetID, wad(100), wad(100), 1)
	if err != nil {
		t.Fatalf("GenerateDeposit: %v", err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	if got := bt.GetReserveCash("WETH", assetID); got.Cmp(wad(100)) != 0 {
		t.Errorf("reserve cash = %v, want 100", got)
	}
	if got := bt.GetUserScaledDeposit(userID, assetID); got.Cmp(wad(100)) != 0 {
		t.Errorf("scaled deposit = %v, want 100", got)
	}

	// Withdraw it all back
	batch, err = jg.GenerateWithdraw("op-2", userID, "WETH", assetID, wad(100), wad(100), nil, 2)
	if err != nil {
		t.Fatalf("GenerateWithdraw: %v", err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	if got := bt.GetReserveCash("WETH", assetID); got.Sign() != 0 {
		t.Errorf("reserve cash after full withdraw = %v, want 0", got)
	}
}

func TestBalanceTracker_WithdrawExceedingClaimRejected(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)
	userID := uuid.New()
	assetID := ledger.RegisterAsset("WETH")

	_, err := jg.GenerateWithdraw("op-1", userID, "WETH", assetID, wad(1), wad(1), nil, 1)
	if err == nil {
		t.Error("withdraw with no claim should fail the pre-check")
	}
}

func TestBalanceTracker_BorrowRequiresReserveCash(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)
	assetID := ledger.RegisterAsset("WETH")

	_, err := jg.GenerateBorrow("op-1", uuid.New(), "WETH", assetID, wad(10), wad(10), nil, 1)
	if err == nil {
		t.Error("borrow from an empty reserve should fail the pre-check")
	}
}

// ============================================================================
// Test: zero-sum invariant across a full lifecycle
// ============================================================================

func TestInvariantValidator_GlobalZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)
	iv := ledger.NewInvariantValidator(bt)
	assetID := ledger.RegisterAsset("WETH")
	supplier := uuid.New()
	borrower := uuid.New()

	steps := []func() (*ledger.Batch, error){
		func() (*ledger.Batch, error) {
			return jg.GenerateDeposit("d1", supplier, "WETH", assetID, wad(100), wad(100), 1)
		},
		func() (*ledger.Batch, error) {
			return jg.GenerateBorrow("b1", borrower, "WETH", assetID, wad(40), wad(40), nil, 2)
		},
		func() (*ledger.Batch, error) {
			return jg.GenerateAuctionBid("a1", "WETH", assetID, wad(44), nil, 3)
		},
		func() (*ledger.Batch, error) {
			return jg.GenerateAuctionBid("a2", "WETH", assetID, wad(46), wad(44), 4)
		},
		func() (*ledger.Batch, error) {
			return jg.GenerateLiquidate("l1", borrower, "WETH", assetID, nil, wad(6), wad(40), 5)
		},
	}

	for i, step := range steps {
		batch, err := step()
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if err := bt.ApplyBatch(batch); err != nil {
			t.Fatalf("step %d apply: %v", i, err)
		}
		if err := iv.ValidateGlobalBalance(); err != nil {
			t.Fatalf("step %d broke zero-sum: %v", i, err)
		}
	}

	if err := iv.ValidateReserveCashNonNegative("WETH", assetID); err != nil {
		t.Errorf("reserve cash went negative: %v", err)
	}
	if err := iv.ValidateUserClaimsNonNegative(borrower, assetID); err != nil {
		t.Errorf("borrower claims went negative: %v", err)
	}

	// Debt fully burned at liquidation
	if got := bt.GetUserScaledDebt(borrower, assetID); got.Sign() != 0 {
		t.Errorf("scaled debt after liquidation = %v, want 0", got)
	}
}

func TestGenerateHarvest_GainAndFee(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)
	assetID := ledger.RegisterAsset("WETH")
	strategyID := uuid.New()
	supplier := uuid.New()

	batch, _ := jg.GenerateDeposit("d1", supplier, "WETH", assetID, wad(100), wad(100), 1)
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatal(err)
	}
	// First harvest advances 50 toward the target; second reports the gain.
	batch, err := jg.GenerateHarvest("s1", strategyID, "WETH", assetID, nil, nil, nil, wad(50), nil, 2)
	if err != nil {
		t.Fatalf("GenerateHarvest (advance): %v", err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatal(err)
	}

	batch, err = jg.GenerateHarvest("h1", strategyID, "WETH", assetID, wad(5), nil, wad(1), nil, nil, 3)
	if err != nil {
		t.Fatalf("GenerateHarvest: %v", err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatal(err)
	}

	// 100 - 50 advanced + 5 gain - 1 fee = 54
	if got := bt.GetReserveCash("WETH", assetID); got.Cmp(wad(54)) != 0 {
		t.Errorf("reserve cash = %v, want 54", got)
	}
	if got := bt.GetTreasury(assetID); got.Cmp(wad(1)) != 0 {
		t.Errorf("treasury = %v, want 1", got)
	}

	iv := ledger.NewInvariantValidator(bt)
	if err := iv.ValidateGlobalBalance(); err != nil {
		t.Errorf("harvest broke zero-sum: %v", err)
	}
}
