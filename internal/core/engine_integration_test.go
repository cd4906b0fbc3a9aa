// internal/core/engine_integration_test.go
package core_test

import (
	"math/big"
	"testing"

	"github.com/UnlockdFinance/unlockd-ledger/internal/core"
	"github.com/UnlockdFinance/unlockd-ledger/internal/event"
	"github.com/UnlockdFinance/unlockd-ledger/internal/ledger"
	fpmath "github.com/UnlockdFinance/unlockd-ledger/internal/math"
	"github.com/UnlockdFinance/unlockd-ledger/internal/state"

	"github.com/google/uuid"
)

// --- Test helpers ---

const t0 int64 = 1_700_000_000

func wad(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fpmath.Wad)
}

// wadF returns (n/d) in wad.
func wadF(n, d int64) *big.Int {
	v := new(big.Int).Mul(big.NewInt(n), fpmath.Wad)
	return v.Quo(v, big.NewInt(d))
}

func rayF(n, d int64) *big.Int {
	v := new(big.Int).Mul(big.NewInt(n), fpmath.Ray)
	return v.Quo(v, big.NewInt(d))
}

// uid builds a fixed UUID so event streams replay identically.
func uid(n byte) uuid.UUID {
	var u uuid.UUID
	u[0] = n
	u[15] = n
	return u
}

// harness tracks per-partition source sequences so tests read as a linear
// scenario instead of sequence bookkeeping.
type harness struct {
	t       *testing.T
	core    *core.LendingCore
	persist chan core.CoreOutput
	proj    chan core.CoreOutput
	seqs    map[string]int64
	opCount byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	persist := make(chan core.CoreOutput, 1024)
	proj := make(chan core.CoreOutput, 1024)
	c := core.NewLendingCore(core.CoreConfig{
		PersistChan:    persist,
		ProjectionChan: proj,
	})
	return &harness{
		t:       t,
		core:    c,
		persist: persist,
		proj:    proj,
		seqs:    make(map[string]int64),
		opCount: 100,
	}
}

func (h *harness) next(partition string) int64 {
	s := h.seqs[partition]
	h.seqs[partition]++
	return s
}

func (h *harness) nextOp() uuid.UUID {
	h.opCount++
	return uid(h.opCount)
}

func (h *harness) apply(evt event.Event) *event.EventEnvelope {
	h.t.Helper()
	env, err := h.core.ProcessEvent(evt)
	if err != nil {
		h.t.Fatalf("ProcessEvent(%s) failed: %v", evt.EventType(), err)
	}
	if env == nil {
		h.t.Fatalf("ProcessEvent(%s) skipped unexpectedly", evt.EventType())
	}
	return env
}

func (h *harness) applyRejected(evt event.Event, wantCode string) {
	h.t.Helper()
	env, err := h.core.ProcessEvent(evt)
	if err == nil {
		h.t.Fatalf("ProcessEvent(%s): expected rejection %s, got applied", evt.EventType(), wantCode)
	}
	if env != nil {
		h.t.Fatalf("ProcessEvent(%s): rejection returned an envelope", evt.EventType())
	}
	if got := core.RejectionCode(err); got != wantCode {
		h.t.Fatalf("ProcessEvent(%s): rejection code = %s, want %s (err: %v)", evt.EventType(), got, wantCode, err)
	}
}

// --- Scenario builders ---

// flatRateReserveConfig has all rates zeroed so balances stay exact across
// time jumps; accrual behavior is covered by the math package tests.
func (h *harness) flatRateReserveConfig(asset string, ts int64) *event.ReserveConfigUpdate {
	return &event.ReserveConfigUpdate{
		Asset:                 asset,
		ReserveFactorBps:      1000,
		OptimalUtilizationBps: 8000,
		Active:                true,
		BorrowingEnabled:      true,
		Sequence:              h.next("reserve:" + asset),
		Timestamp:             ts,
	}
}

func (h *harness) punksConfig(ts int64) *event.NFTConfigUpdate {
	return &event.NFTConfigUpdate{
		Collection:              "punks",
		LtvBps:                  4000,
		LiquidationThresholdBps: 7000,
		RedeemThresholdBps:      5000,
		LiquidationBonusBps:     500,
		RedeemFineBps:           100,
		MinBidFine:              new(big.Int),
		MinBidDeltaBps:          100,
		BuyoutDiscountBps:       200,
		RedeemDurationSec:       43_200,
		AuctionDurationSec:      86_400,
		ClaimDelaySec:           3_600,
		TimeframeSec:            172_800,
		Active:                  true,
		Sequence:                h.next("global"),
		Timestamp:               ts,
	}
}

func (h *harness) assetPrice(asset string, price *big.Int, ts int64) *event.AssetPriceUpdate {
	return &event.AssetPriceUpdate{
		Asset:     asset,
		Price:     price,
		Sequence:  h.next("price:asset:" + asset),
		Timestamp: ts,
	}
}

func (h *harness) nftPrice(collection string, tokenID uint64, price *big.Int, ts int64) *event.NFTPriceUpdate {
	return &event.NFTPriceUpdate{
		Collection: collection,
		TokenID:    tokenID,
		Price:      price,
		Sequence:   h.next("price:nft:" + collection),
		Timestamp:  ts,
	}
}

func (h *harness) deposit(user uuid.UUID, asset string, amount *big.Int, ts int64) *event.Deposit {
	return &event.Deposit{
		OpID:      h.nextOp(),
		UserID:    user,
		Asset:     asset,
		Amount:    amount,
		Sequence:  h.next("reserve:" + asset),
		Timestamp: ts,
	}
}

func (h *harness) borrow(opID, borrower uuid.UUID, asset string, amount *big.Int, collection string, tokenID uint64, ts int64) *event.Borrow {
	return &event.Borrow{
		OpID:       opID,
		Caller:     borrower,
		OnBehalfOf: borrower,
		Asset:      asset,
		Amount:     amount,
		Collection: collection,
		TokenID:    tokenID,
		Sequence:   h.next("reserve:" + asset),
		Timestamp:  ts,
	}
}

func (h *harness) bid(bidder, loanID uuid.UUID, asset string, price *big.Int, ts int64) *event.AuctionBid {
	return &event.AuctionBid{
		OpID:       h.nextOp(),
		Bidder:     bidder,
		OnBehalfOf: bidder,
		LoanID:     loanID,
		Asset:      asset,
		BidPrice:   price,
		Sequence:   h.next("reserve:" + asset),
		Timestamp:  ts,
	}
}

// setupLentPosition runs the canonical fixture: a 100 WETH deposit, a punk
// priced at 100 with 40% LTV, and a 40 WETH borrow against it. Health
// factor lands at exactly 1.75.
func (h *harness) setupLentPosition(supplier, borrower, loanID uuid.UUID) {
	h.apply(h.flatRateReserveConfig("WETH", t0))
	h.apply(h.punksConfig(t0))
	h.apply(h.assetPrice("WETH", wad(1), t0))
	h.apply(h.nftPrice("punks", 7, wad(100), t0))
	h.apply(h.deposit(supplier, "WETH", wad(100), t0))
	h.apply(h.borrow(loanID, borrower, "WETH", wad(40), "punks", 7, t0+1))
}

func (h *harness) loanHF(loanID uuid.UUID) *big.Int {
	h.t.Helper()
	loan, ok := h.core.Loans().Get(loanID)
	if !ok {
		h.t.Fatalf("loan %s not found", loanID)
	}
	res, ok := h.core.Reserves().Get(loan.Asset)
	if !ok {
		h.t.Fatalf("reserve %s not found", loan.Asset)
	}
	hf, err := h.core.Valuation().HealthFactor(loan, res)
	if err != nil {
		h.t.Fatalf("HealthFactor: %v", err)
	}
	return hf
}

// ==================== Worked lifecycle ====================

func TestWorkedExample_BorrowAuctionLiquidate(t *testing.T) {
	h := newHarness(t)
	supplier, borrower := uid(1), uid(2)
	bidderA, bidderB := uid(3), uid(4)
	loanID := uid(10)

	h.setupLentPosition(supplier, borrower, loanID)

	if hf := h.loanHF(loanID); hf.Cmp(rayF(175, 100)) != 0 {
		t.Fatalf("health factor = %v, want 1.75 ray", hf)
	}

	// Healthy loan cannot be auctioned.
	h.applyRejected(h.bid(bidderA, loanID, "WETH", wad(42), t0+2), core.ReasonHealthFactorNotBelowOne)

	// Collateral halves: HF drops to 0.875 and a derived alert goes out.
	h.apply(h.nftPrice("punks", 7, wad(50), t0+10))
	if hf := h.loanHF(loanID); hf.Cmp(rayF(875, 1000)) != 0 {
		t.Fatalf("health factor after drop = %v, want 0.875 ray", hf)
	}
	if !drainForAlert(h.proj) {
		t.Fatal("expected a health alert on the projection channel")
	}

	// Opening bid must cover debt plus the 5% liquidation bonus: 42.
	h.applyRejected(h.bid(bidderA, loanID, "WETH", wad(41), t0+20), core.ReasonBidBelowLiquidatePrice)
	h.apply(h.bid(bidderA, loanID, "WETH", wad(42), t0+20))

	loan, _ := h.core.Loans().Get(loanID)
	if loan.State != state.LoanStateAuction {
		t.Fatalf("loan state = %s, want Auction", loan.State)
	}
	if loan.BidCount != 1 || loan.Bidder == nil || *loan.Bidder != bidderA {
		t.Fatalf("auction bookkeeping wrong: count=%d bidder=%v", loan.BidCount, loan.Bidder)
	}

	// Outbids: same bidder blocked, sub-delta blocked, 43 >= 42*1.01 accepted.
	h.applyRejected(h.bid(bidderA, loanID, "WETH", wad(44), t0+30), core.ReasonSameBidder)
	h.applyRejected(h.bid(bidderB, loanID, "WETH", wadF(4241, 100), t0+30), core.ReasonBidBelowMinDelta)
	h.apply(h.bid(bidderB, loanID, "WETH", wad(43), t0+30))

	// Claim is gated until auction end plus claim delay.
	claimable := loan.ClaimableAt()
	h.applyRejected(&event.Liquidate{
		OpID: h.nextOp(), Caller: bidderB, LoanID: loanID, Asset: "WETH",
		Sequence: h.next("reserve:WETH"), Timestamp: claimable - 1,
	}, core.ReasonAuctionNotClaimable)

	h.apply(&event.Liquidate{
		OpID: h.nextOp(), Caller: bidderB, LoanID: loanID, Asset: "WETH",
		Sequence: h.next("reserve:WETH"), Timestamp: claimable,
	})

	loan, _ = h.core.Loans().Get(loanID)
	if loan.State != state.LoanStateDefaulted {
		t.Fatalf("loan state = %s, want Defaulted", loan.State)
	}
	if loan.ScaledDebt.Sign() != 0 {
		t.Fatalf("defaulted loan still carries scaled debt %v", loan.ScaledDebt)
	}

	// Cash: 100 in, 40 out, 42 in, 43 in, 42 refunded, 3 surplus out = 100.
	res, _ := h.core.Reserves().Get("WETH")
	if res.AvailableLiquidity.Cmp(wad(100)) != 0 {
		t.Fatalf("available liquidity = %v, want 100", res.AvailableLiquidity)
	}
	if got := h.core.Balances().GetReserveCash("WETH", res.AssetID); got.Cmp(wad(100)) != 0 {
		t.Fatalf("ledger reserve cash = %v, want 100", got)
	}
	if res.TotalScaledDebt.Sign() != 0 {
		t.Fatalf("reserve scaled debt = %v, want 0", res.TotalScaledDebt)
	}

	// Token is free for a new loan.
	if _, open := h.core.Loans().GetActiveByToken("punks", 7); open {
		t.Fatal("token should be released after default")
	}
}

func drainForAlert(ch chan core.CoreOutput) bool {
	for {
		select {
		case out := <-ch:
			if out.Envelope.EventType == event.EventTypeLoanHealthAlert {
				return true
			}
		default:
			return false
		}
	}
}

// ==================== Deposit ====================

func TestDeposit_MintsClaimsAgainstCounterweight(t *testing.T) {
	h := newHarness(t)
	supplier := uid(1)

	h.apply(h.flatRateReserveConfig("WETH", t0))
	h.apply(h.deposit(supplier, "WETH", wad(100), t0))

	res, _ := h.core.Reserves().Get("WETH")
	if got := h.core.Balances().GetUserScaledDeposit(supplier, res.AssetID); got.Cmp(wad(100)) != 0 {
		t.Fatalf("scaled deposit = %v, want 100", got)
	}

	// Minted claims are balanced by the system counterweight, which runs
	// negative for as long as any claims are outstanding.
	claims := h.core.Balances().GetBalance(
		ledger.NewSystemAccountKey("WETH", ledger.SubTypeSystemDepositClaims, res.AssetID))
	if claims.Cmp(new(big.Int).Neg(wad(100))) != 0 {
		t.Fatalf("deposit claims counterweight = %v, want -100", claims)
	}
}

// ==================== Borrow preconditions ====================

func TestBorrow_Preconditions(t *testing.T) {
	h := newHarness(t)
	supplier, borrower := uid(1), uid(2)

	h.apply(h.flatRateReserveConfig("WETH", t0))
	h.apply(h.punksConfig(t0))
	h.apply(h.assetPrice("WETH", wad(1), t0))
	h.apply(h.nftPrice("punks", 7, wad(100), t0))
	h.apply(h.deposit(supplier, "WETH", wad(100), t0))

	// LTV cap: 40% of 100 = 40. One more wei of debt value is too much.
	over := new(big.Int).Add(wad(40), big.NewInt(1))
	h.applyRejected(h.borrow(uid(10), borrower, "WETH", over, "punks", 7, t0+1), core.ReasonExceedsLTV)

	// Unconfigured collection vs tracked-but-unpriced token.
	h.applyRejected(h.borrow(uid(11), borrower, "WETH", wad(10), "apes", 1, t0+1), core.ReasonCollectionNotConfigured)
	h.applyRejected(h.borrow(uid(12), borrower, "WETH", wad(10), "punks", 999, t0+1), core.ReasonPriceZero)

	// Price older than the configured timeframe.
	stale := t0 + 172_800 + 1
	h.applyRejected(h.borrow(uid(13), borrower, "WETH", wad(10), "punks", 7, stale), core.ReasonPriceStale)

	h.applyRejected(h.borrow(uid(14), borrower, "WETH", new(big.Int), "punks", 7, t0+1), core.ReasonAmountZero)

	// Debt is minted against OnBehalfOf, so only that user may direct it.
	h.applyRejected(&event.Borrow{
		OpID: uid(17), Caller: uid(9), OnBehalfOf: borrower,
		Asset: "WETH", Amount: wad(10), Collection: "punks", TokenID: 7,
		Sequence: h.next("reserve:WETH"), Timestamp: t0 + 1,
	}, core.ReasonNoBorrowAllowance)

	// At the cap exactly is fine.
	h.apply(h.borrow(uid(15), borrower, "WETH", wad(40), "punks", 7, t0+1))

	// Top-up by someone else is not.
	h.applyRejected(h.borrow(uid(16), uid(9), "WETH", wad(1), "punks", 7, t0+2), core.ReasonNotBorrower)
}

// ==================== Repay ====================

func TestRepay_PartialThenFull(t *testing.T) {
	h := newHarness(t)
	supplier, borrower := uid(1), uid(2)
	loanID := uid(10)
	h.setupLentPosition(supplier, borrower, loanID)

	h.apply(&event.Repay{
		OpID: h.nextOp(), Caller: borrower, LoanID: loanID, Asset: "WETH",
		Amount: wad(10), Sequence: h.next("reserve:WETH"), Timestamp: t0 + 2,
	})
	loan, _ := h.core.Loans().Get(loanID)
	if loan.ScaledDebt.Cmp(wad(30)) != 0 {
		t.Fatalf("scaled debt after partial repay = %v, want 30", loan.ScaledDebt)
	}

	// Nil amount is the repay-all sentinel.
	h.apply(&event.Repay{
		OpID: h.nextOp(), Caller: borrower, LoanID: loanID, Asset: "WETH",
		Sequence: h.next("reserve:WETH"), Timestamp: t0 + 3,
	})
	loan, _ = h.core.Loans().Get(loanID)
	if loan.State != state.LoanStateRepaid {
		t.Fatalf("loan state = %s, want Repaid", loan.State)
	}
	if _, open := h.core.Loans().GetActiveByToken("punks", 7); open {
		t.Fatal("token should be released after full repay")
	}

	res, _ := h.core.Reserves().Get("WETH")
	if res.AvailableLiquidity.Cmp(wad(100)) != 0 {
		t.Fatalf("available liquidity = %v, want 100", res.AvailableLiquidity)
	}
}

func TestRepay_DuringAuction(t *testing.T) {
	h := newHarness(t)
	supplier, borrower, bidder := uid(1), uid(2), uid(3)
	loanID := uid(10)
	h.setupLentPosition(supplier, borrower, loanID)

	h.apply(h.nftPrice("punks", 7, wad(50), t0+10))
	h.apply(h.bid(bidder, loanID, "WETH", wad(42), t0+20))

	// Partial repayment is blocked while the auction is open.
	h.applyRejected(&event.Repay{
		OpID: h.nextOp(), Caller: borrower, LoanID: loanID, Asset: "WETH",
		Amount: wad(10), Sequence: h.next("reserve:WETH"), Timestamp: t0 + 30,
	}, core.ReasonPartialRepayInAuction)

	// Full repayment cancels the auction and refunds the bidder's escrow.
	h.apply(&event.Repay{
		OpID: h.nextOp(), Caller: borrower, LoanID: loanID, Asset: "WETH",
		Sequence: h.next("reserve:WETH"), Timestamp: t0 + 30,
	})
	loan, _ := h.core.Loans().Get(loanID)
	if loan.State != state.LoanStateRepaid {
		t.Fatalf("loan state = %s, want Repaid", loan.State)
	}
	if loan.Bidder != nil || loan.BidPrice != nil {
		t.Fatal("auction fields should be cleared after full repay")
	}

	// 100 - 40 + 42 (bid) + 40 (repay) - 42 (refund) = 100.
	res, _ := h.core.Reserves().Get("WETH")
	if res.AvailableLiquidity.Cmp(wad(100)) != 0 {
		t.Fatalf("available liquidity = %v, want 100", res.AvailableLiquidity)
	}
}

func TestRepay_FullAfterClaimWindowOpens(t *testing.T) {
	h := newHarness(t)
	supplier, borrower, bidder := uid(1), uid(2), uid(3)
	loanID := uid(10)
	h.setupLentPosition(supplier, borrower, loanID)

	h.apply(h.nftPrice("punks", 7, wad(50), t0+10))
	h.apply(h.bid(bidder, loanID, "WETH", wad(42), t0+20))
	loan, _ := h.core.Loans().Get(loanID)

	// An open claim window does not bar repayment: until a liquidate lands
	// in the log, full repay still cancels the auction and refunds the bid.
	h.apply(&event.Repay{
		OpID: h.nextOp(), Caller: borrower, LoanID: loanID, Asset: "WETH",
		Sequence: h.next("reserve:WETH"), Timestamp: loan.ClaimableAt() + 10,
	})
	loan, _ = h.core.Loans().Get(loanID)
	if loan.State != state.LoanStateRepaid {
		t.Fatalf("loan state = %s, want Repaid", loan.State)
	}

	res, _ := h.core.Reserves().Get("WETH")
	if res.AvailableLiquidity.Cmp(wad(100)) != 0 {
		t.Fatalf("available liquidity = %v, want 100", res.AvailableLiquidity)
	}
}

// ==================== Liquidate claim ====================

func TestLiquidate_OnlyWinningBidderClaims(t *testing.T) {
	h := newHarness(t)
	supplier, borrower, bidder := uid(1), uid(2), uid(3)
	loanID := uid(10)
	h.setupLentPosition(supplier, borrower, loanID)

	h.apply(h.nftPrice("punks", 7, wad(50), t0+10))
	h.apply(h.bid(bidder, loanID, "WETH", wad(42), t0+20))
	loan, _ := h.core.Loans().Get(loanID)
	claimable := loan.ClaimableAt()

	// The NFT was won by the bidder; a stranger cannot force the claim.
	h.applyRejected(&event.Liquidate{
		OpID: h.nextOp(), Caller: uid(9), LoanID: loanID, Asset: "WETH",
		Sequence: h.next("reserve:WETH"), Timestamp: claimable,
	}, core.ReasonNotBidder)

	h.apply(&event.Liquidate{
		OpID: h.nextOp(), Caller: bidder, LoanID: loanID, Asset: "WETH",
		Sequence: h.next("reserve:WETH"), Timestamp: claimable,
	})
	loan, _ = h.core.Loans().Get(loanID)
	if loan.State != state.LoanStateDefaulted {
		t.Fatalf("loan state = %s, want Defaulted", loan.State)
	}
}

// ==================== Redeem ====================

func TestRedeem_ReclaimsAuctionedLoan(t *testing.T) {
	h := newHarness(t)
	supplier, borrower, bidder := uid(1), uid(2), uid(3)
	loanID := uid(10)
	h.setupLentPosition(supplier, borrower, loanID)

	h.apply(h.nftPrice("punks", 7, wad(50), t0+10))
	h.apply(h.bid(bidder, loanID, "WETH", wad(42), t0+20))

	// Fine floor: 1% of the 42 bid.
	h.applyRejected(&event.Redeem{
		OpID: h.nextOp(), Caller: borrower, LoanID: loanID, Asset: "WETH",
		RepayAmount: wad(30), BidFine: wadF(41, 100),
		Sequence: h.next("reserve:WETH"), Timestamp: t0 + 30,
	}, core.ReasonBidFineTooLow)

	// Below half the debt is out of bounds.
	h.applyRejected(&event.Redeem{
		OpID: h.nextOp(), Caller: borrower, LoanID: loanID, Asset: "WETH",
		RepayAmount: wad(19), BidFine: wad(1),
		Sequence: h.next("reserve:WETH"), Timestamp: t0 + 30,
	}, core.ReasonAmountOutOfBounds)

	// Only the borrower may redeem.
	h.applyRejected(&event.Redeem{
		OpID: h.nextOp(), Caller: bidder, LoanID: loanID, Asset: "WETH",
		RepayAmount: wad(30), BidFine: wad(1),
		Sequence: h.next("reserve:WETH"), Timestamp: t0 + 30,
	}, core.ReasonNotBorrower)

	h.apply(&event.Redeem{
		OpID: h.nextOp(), Caller: borrower, LoanID: loanID, Asset: "WETH",
		RepayAmount: wad(30), BidFine: wad(1),
		Sequence: h.next("reserve:WETH"), Timestamp: t0 + 30,
	})

	loan, _ := h.core.Loans().Get(loanID)
	if loan.State != state.LoanStateActive {
		t.Fatalf("loan state = %s, want Active", loan.State)
	}
	if loan.Bidder != nil || loan.BidCount != 0 {
		t.Fatal("auction fields should be cleared after redeem")
	}
	if loan.ScaledDebt.Cmp(wad(10)) != 0 {
		t.Fatalf("scaled debt after redeem = %v, want 10", loan.ScaledDebt)
	}
	// Remaining HF: 50*0.7/10 = 3.5, comfortably above the safe floor.
	if hf := h.loanHF(loanID); hf.Cmp(rayF(35, 10)) != 0 {
		t.Fatalf("health factor after redeem = %v, want 3.5 ray", hf)
	}

	// 100 - 40 + 42 + 30 - 42 = 90 (the fine moves bidder<->borrower only).
	res, _ := h.core.Reserves().Get("WETH")
	if res.AvailableLiquidity.Cmp(wad(90)) != 0 {
		t.Fatalf("available liquidity = %v, want 90", res.AvailableLiquidity)
	}

	// Window check: another price drop reopens the auction, then an
	// attempt after the redeem window closes.
	h.apply(h.nftPrice("punks", 7, wad(10), t0+35))
	h.apply(h.bid(bidder, loanID, "WETH", wad(11), t0+40))
	loan, _ = h.core.Loans().Get(loanID)
	late := loan.RedeemEndsAt() + 1
	h.applyRejected(&event.Redeem{
		OpID: h.nextOp(), Caller: borrower, LoanID: loanID, Asset: "WETH",
		RepayAmount: wad(6), BidFine: wad(1),
		Sequence: h.next("reserve:WETH"), Timestamp: late,
	}, core.ReasonRedeemWindowElapsed)
}

// ==================== Buyout ====================

func TestBuyout_ExactOraclePrice(t *testing.T) {
	h := newHarness(t)
	supplier, borrower, buyer := uid(1), uid(2), uid(5)
	loanID := uid(10)
	h.setupLentPosition(supplier, borrower, loanID)

	h.apply(h.nftPrice("punks", 7, wad(50), t0+10))

	// Anything but the exact oracle price is refused.
	h.applyRejected(&event.Buyout{
		OpID: h.nextOp(), Buyer: buyer, OnBehalfOf: buyer, LoanID: loanID, Asset: "WETH",
		OfferedPrice: wad(51), Sequence: h.next("reserve:WETH"), Timestamp: t0 + 20,
	}, core.ReasonBuyoutPriceMismatch)

	// Member discount changes the required price: 50 * 0.98 = 49.
	h.applyRejected(&event.Buyout{
		OpID: h.nextOp(), Buyer: buyer, OnBehalfOf: buyer, LoanID: loanID, Asset: "WETH",
		OfferedPrice: wad(50), Member: true,
		Sequence: h.next("reserve:WETH"), Timestamp: t0 + 20,
	}, core.ReasonBuyoutPriceMismatch)

	h.apply(&event.Buyout{
		OpID: h.nextOp(), Buyer: buyer, OnBehalfOf: buyer, LoanID: loanID, Asset: "WETH",
		OfferedPrice: wad(49), Member: true,
		Sequence: h.next("reserve:WETH"), Timestamp: t0 + 20,
	})

	loan, _ := h.core.Loans().Get(loanID)
	if loan.State != state.LoanStateDefaulted {
		t.Fatalf("loan state = %s, want Defaulted", loan.State)
	}

	// Debt 40 stays in the reserve; the 9 surplus goes to the borrower.
	res, _ := h.core.Reserves().Get("WETH")
	if res.AvailableLiquidity.Cmp(wad(100)) != 0 {
		t.Fatalf("available liquidity = %v, want 100", res.AvailableLiquidity)
	}
}

func TestBuyout_RequiresUnhealthyLoan(t *testing.T) {
	h := newHarness(t)
	supplier, borrower, buyer := uid(1), uid(2), uid(5)
	loanID := uid(10)
	h.setupLentPosition(supplier, borrower, loanID)

	h.applyRejected(&event.Buyout{
		OpID: h.nextOp(), Buyer: buyer, OnBehalfOf: buyer, LoanID: loanID, Asset: "WETH",
		OfferedPrice: wad(100), Sequence: h.next("reserve:WETH"), Timestamp: t0 + 2,
	}, core.ReasonHealthFactorNotBelowOne)
}

// ==================== Ordering, dedup, determinism ====================

func TestDuplicateEventSkipped(t *testing.T) {
	h := newHarness(t)
	h.apply(h.flatRateReserveConfig("WETH", t0))

	dep := h.deposit(uid(1), "WETH", wad(100), t0)
	h.apply(dep)
	seqAfter := h.core.GetSequence()

	// Same OpID replayed on the next source sequence: skipped, no error.
	replay := *dep
	replay.Sequence = h.next("reserve:WETH")
	env, err := h.core.ProcessEvent(&replay)
	if err != nil || env != nil {
		t.Fatalf("duplicate should be silently skipped, got env=%v err=%v", env, err)
	}
	if h.core.GetSequence() != seqAfter {
		t.Fatal("duplicate advanced the core sequence")
	}

	res, _ := h.core.Reserves().Get("WETH")
	if res.AvailableLiquidity.Cmp(wad(100)) != 0 {
		t.Fatalf("duplicate mutated state: available = %v", res.AvailableLiquidity)
	}
}

func TestSequenceGapRejected(t *testing.T) {
	h := newHarness(t)
	h.apply(h.flatRateReserveConfig("WETH", t0))
	h.apply(h.deposit(uid(1), "WETH", wad(10), t0))

	gap := h.deposit(uid(1), "WETH", wad(10), t0)
	gap.Sequence += 5
	if _, err := h.core.ProcessEvent(gap); err == nil {
		t.Fatal("sequence gap should be rejected")
	}
}

func TestStaleOracleTickIgnored(t *testing.T) {
	h := newHarness(t)
	h.apply(h.punksConfig(t0))
	h.apply(h.nftPrice("punks", 7, wad(100), t0))

	stale := &event.NFTPriceUpdate{
		Collection: "punks", TokenID: 7, Price: wad(1),
		Sequence: 0, Timestamp: t0 + 10,
	}
	env, err := h.core.ProcessEvent(stale)
	if err != nil || env != nil {
		t.Fatalf("stale tick should be ignored, got env=%v err=%v", env, err)
	}

	// Gap forward is tolerated.
	jump := h.nftPrice("punks", 7, wad(90), t0+20)
	jump.Sequence += 50
	h.apply(jump)

	// A tick for a collection no config ever tracked is refused outright.
	h.applyRejected(h.nftPrice("apes", 1, wad(5), t0+30), core.ReasonNonExistingCollection)
}

func TestRejectionLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	h.apply(h.flatRateReserveConfig("WETH", t0))
	h.apply(h.deposit(uid(1), "WETH", wad(100), t0))

	hashBefore := h.core.GetStateHash()
	seqBefore := h.core.GetSequence()

	// Over-withdrawal rejected mid-pipeline.
	h.applyRejected(&event.Withdraw{
		OpID: h.nextOp(), UserID: uid(2), Asset: "WETH", Amount: wad(1),
		Sequence: h.next("reserve:WETH"), Timestamp: t0 + 1,
	}, core.ReasonInsufficientDeposit)

	if h.core.GetStateHash() != hashBefore {
		t.Fatal("rejection moved the hash chain")
	}
	if h.core.GetSequence() != seqBefore {
		t.Fatal("rejection advanced the sequence")
	}
}

func TestHashChain_LinksAndDeterminism(t *testing.T) {
	run := func() (*core.LendingCore, []*event.EventEnvelope) {
		h := newHarness(t)
		var envs []*event.EventEnvelope
		envs = append(envs, h.apply(h.flatRateReserveConfig("WETH", t0)))
		envs = append(envs, h.apply(h.punksConfig(t0)))
		envs = append(envs, h.apply(h.assetPrice("WETH", wad(1), t0)))
		envs = append(envs, h.apply(h.nftPrice("punks", 7, wad(100), t0)))
		envs = append(envs, h.apply(h.deposit(uid(1), "WETH", wad(100), t0)))
		envs = append(envs, h.apply(h.borrow(uid(10), uid(2), "WETH", wad(40), "punks", 7, t0+1)))
		return h.core, envs
	}

	c1, envs1 := run()
	c2, _ := run()

	if c1.GetStateHash() != c2.GetStateHash() {
		t.Fatal("identical event streams produced different state hashes")
	}
	for i := 1; i < len(envs1); i++ {
		if envs1[i].PrevHash != envs1[i-1].StateHash {
			t.Fatalf("hash chain broken between seq %d and %d", envs1[i-1].Sequence, envs1[i].Sequence)
		}
		if envs1[i].Sequence != envs1[i-1].Sequence+1 {
			t.Fatalf("sequence not contiguous at %d", envs1[i].Sequence)
		}
	}
}

func TestSnapshotRestore(t *testing.T) {
	h := newHarness(t)
	supplier, borrower := uid(1), uid(2)
	loanID := uid(10)
	h.setupLentPosition(supplier, borrower, loanID)

	snap := h.core.CreateSnapshot()
	if snap.Sequence != h.core.GetSequence() {
		t.Fatalf("snapshot sequence = %d, want %d", snap.Sequence, h.core.GetSequence())
	}

	restored := core.NewLendingCore(core.CoreConfig{})
	if err := restored.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if restored.GetStateHash() != h.core.GetStateHash() {
		t.Fatal("restored core has a different hash chain tip")
	}
	if restored.GetSequence() != h.core.GetSequence() {
		t.Fatal("restored core has a different sequence")
	}

	loan, ok := restored.Loans().Get(loanID)
	if !ok || loan.ScaledDebt.Cmp(wad(40)) != 0 {
		t.Fatalf("restored loan missing or wrong: %v", loan)
	}

	// The restored core continues the chain where the original left off.
	repay := &event.Repay{
		OpID: uid(200), Caller: borrower, LoanID: loanID, Asset: "WETH",
		Sequence: h.seqs["reserve:WETH"], Timestamp: t0 + 5,
	}
	env, err := restored.ProcessEvent(repay)
	if err != nil {
		t.Fatalf("event on restored core failed: %v", err)
	}
	if env.PrevHash != snap.StateHash {
		t.Fatal("restored chain does not link to the snapshot hash")
	}

	// A replayed pre-snapshot event is still recognized as a duplicate.
	dup := h.deposit(supplier, "WETH", wad(1), t0)
	dup.OpID = uid(101) // the fixture's first deposit op
	dup.Sequence = 1
	if env, err := restored.ProcessEvent(dup); err != nil || env != nil {
		t.Fatalf("pre-snapshot duplicate not skipped: env=%v err=%v", env, err)
	}
}

// ==================== Yield vault ====================

func TestStrategyLifecycle(t *testing.T) {
	h := newHarness(t)
	strategyID := uid(50)

	h.apply(h.flatRateReserveConfig("WETH", t0))
	h.apply(h.deposit(uid(1), "WETH", wad(100), t0))

	h.apply(&event.StrategyAdded{
		Asset: "WETH", StrategyID: strategyID, DebtRatioBps: 5000,
		MinDebtPerHarvest: new(big.Int), MaxDebtPerHarvest: wad(1000),
		Sequence: h.next("reserve:WETH"), Timestamp: t0,
	})

	// Budget: a second strategy pushing the total over 10000 bps is refused.
	h.applyRejected(&event.StrategyAdded{
		Asset: "WETH", StrategyID: uid(51), DebtRatioBps: 6000,
		MinDebtPerHarvest: new(big.Int), MaxDebtPerHarvest: wad(1000),
		Sequence: h.next("reserve:WETH"), Timestamp: t0,
	}, core.ReasonDebtRatioBudgetExceeded)

	// First report: nothing held yet, target 50% of 100 TVL → advance 50.
	h.apply(&event.StrategyReport{
		Asset: "WETH", StrategyID: strategyID, TotalAssets: new(big.Int),
		Sequence: h.next("reserve:WETH"), Timestamp: t0 + 1,
	})
	res, _ := h.core.Reserves().Get("WETH")
	if res.AvailableLiquidity.Cmp(wad(50)) != 0 || res.DeployedLiquidity.Cmp(wad(50)) != 0 {
		t.Fatalf("after advance: available=%v deployed=%v, want 50/50", res.AvailableLiquidity, res.DeployedLiquidity)
	}

	// Withdrawing 80 forces a 30 draw from the strategy queue.
	h.apply(&event.Withdraw{
		OpID: h.nextOp(), UserID: uid(1), Asset: "WETH", Amount: wad(80),
		Sequence: h.next("reserve:WETH"), Timestamp: t0 + 2,
	})
	res, _ = h.core.Reserves().Get("WETH")
	if res.AvailableLiquidity.Sign() != 0 || res.DeployedLiquidity.Cmp(wad(20)) != 0 {
		t.Fatalf("after draw: available=%v deployed=%v, want 0/20", res.AvailableLiquidity, res.DeployedLiquidity)
	}
	rec, _ := h.core.Strategies().Get(strategyID)
	if rec.TotalDebt.Cmp(wad(20)) != 0 {
		t.Fatalf("strategy debt = %v, want 20", rec.TotalDebt)
	}

	// Asking for more than deposits+deployed can cover fails cleanly.
	h.applyRejected(&event.Withdraw{
		OpID: h.nextOp(), UserID: uid(1), Asset: "WETH", Amount: wad(30),
		Sequence: h.next("reserve:WETH"), Timestamp: t0 + 3,
	}, core.ReasonInsufficientDeposit)

	// Gain report: 25 against 20 recorded → gain 5, 10% treasury fee.
	h.apply(&event.StrategyReport{
		Asset: "WETH", StrategyID: strategyID, TotalAssets: wad(25),
		Sequence: h.next("reserve:WETH"), Timestamp: t0 + 4,
	})
	rec, _ = h.core.Strategies().Get(strategyID)
	if rec.TotalGain.Cmp(wad(5)) != 0 {
		t.Fatalf("strategy total gain = %v, want 5", rec.TotalGain)
	}
	res, _ = h.core.Reserves().Get("WETH")
	treasury := h.core.Balances().GetTreasury(res.AssetID)
	if treasury.Cmp(wadF(5, 10)) != 0 {
		t.Fatalf("treasury = %v, want 0.5", treasury)
	}

	// The gain report also rebalanced debt toward the target (50% of the
	// 20 TVL), so recorded debt now sits at 10. Reporting 7 books a loss
	// of 3 and cuts the ratio proportionally.
	before := rec.DebtRatioBps
	h.apply(&event.StrategyReport{
		Asset: "WETH", StrategyID: strategyID, TotalAssets: wad(7),
		Sequence: h.next("reserve:WETH"), Timestamp: t0 + 5,
	})
	rec, _ = h.core.Strategies().Get(strategyID)
	if rec.DebtRatioBps >= before {
		t.Fatalf("loss should cut debt ratio: %d -> %d", before, rec.DebtRatioBps)
	}
	if rec.TotalLoss.Sign() == 0 {
		t.Fatal("loss not recorded")
	}

	// Revoke, drain, and the record leaves the queue.
	h.apply(&event.StrategyRevoked{
		Asset: "WETH", StrategyID: strategyID,
		Sequence: h.next("reserve:WETH"), Timestamp: t0 + 6,
	})
	rec, _ = h.core.Strategies().Get(strategyID)
	h.apply(&event.StrategyReport{
		Asset: "WETH", StrategyID: strategyID, TotalAssets: new(big.Int).Set(rec.TotalDebt),
		Sequence: h.next("reserve:WETH"), Timestamp: t0 + 7,
	})
	if _, still := h.core.Strategies().Get(strategyID); still {
		t.Fatal("drained revoked strategy should be removed from the queue")
	}
}
