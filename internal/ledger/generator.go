package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches from lending transitions.
// The engine computes amounts (real and scaled); the generator only arranges
// them into double-entry legs and runs balance pre-checks.
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

// SetSequence realigns the generator after snapshot restore.
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

func (jg *JournalGenerator) newBatch(eventRef string, timestamp int64, capacity int) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, capacity),
	}
}

// StrategyDraw pulls deployed cash back from one strategy inside the same
// transition that needs it. Keeps a liquidity-short withdraw or borrow atomic.
type StrategyDraw struct {
	StrategyID uuid.UUID
	Amount     *big.Int // wad
}

func sumDraws(draws []StrategyDraw) *big.Int {
	total := new(big.Int)
	for _, d := range draws {
		total.Add(total, d.Amount)
	}
	return total
}

func (jg *JournalGenerator) appendDrawLegs(b *Batch, asset string, assetID AssetID, draws []StrategyDraw) {
	for _, d := range draws {
		jg.appendLeg(b,
			NewSystemAccountKey(asset, SubTypeSystemReserveCash, assetID),
			NewStrategyAccountKey(d.StrategyID, assetID),
			assetID, PlaneCash, d.Amount, JournalTypeStrategyWithdraw)
	}
}

func (jg *JournalGenerator) appendLeg(
	b *Batch,
	debit, credit AccountKey,
	assetID AssetID,
	plane BalancePlane,
	amount *big.Int,
	jt JournalType,
) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       assetID,
		Plane:         plane,
		Amount:        new(big.Int).Set(amount),
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// GenerateDeposit moves cash external:suppliers → system:reserve_cash and
// mints the holder's scaled deposit claim.
func (jg *JournalGenerator) GenerateDeposit(
	eventRef string,
	userID uuid.UUID,
	asset string,
	assetID AssetID,
	amount *big.Int,
	scaledAmount *big.Int,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp, 2)

	jg.appendLeg(batch,
		NewSystemAccountKey(asset, SubTypeSystemReserveCash, assetID),
		NewExternalAccountKey(SubTypeExternalSuppliers, assetID),
		assetID, PlaneCash, amount, JournalTypeDeposit)

	jg.appendLeg(batch,
		NewUserAccountKey(userID, SubTypeScaledDeposit, assetID),
		NewSystemAccountKey(asset, SubTypeSystemDepositClaims, assetID),
		assetID, PlaneScaled, scaledAmount, JournalTypeScaledDepositMint)

	jg.sequence++
	return batch, nil
}

// GenerateWithdraw burns the scaled claim and pays cash back out. Draws, if
// any, pull deployed cash back from strategies in the same batch.
// Pre-checks: holder owns the claim, reserve cash plus draws covers the outflow.
func (jg *JournalGenerator) GenerateWithdraw(
	eventRef string,
	userID uuid.UUID,
	asset string,
	assetID AssetID,
	amount *big.Int,
	scaledAmount *big.Int,
	draws []StrategyDraw,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientScaledDeposit(userID, assetID, scaledAmount); err != nil {
		return nil, fmt.Errorf("withdraw pre-check failed: %w", err)
	}
	required := new(big.Int).Sub(amount, sumDraws(draws))
	if err := jg.balanceTracker.ValidateSufficientReserveCash(asset, assetID, required); err != nil {
		return nil, fmt.Errorf("withdraw pre-check failed: %w", err)
	}

	batch := jg.newBatch(eventRef, timestamp, 2+len(draws))
	jg.appendDrawLegs(batch, asset, assetID, draws)

	jg.appendLeg(batch,
		NewExternalAccountKey(SubTypeExternalSuppliers, assetID),
		NewSystemAccountKey(asset, SubTypeSystemReserveCash, assetID),
		assetID, PlaneCash, amount, JournalTypeWithdraw)

	jg.appendLeg(batch,
		NewSystemAccountKey(asset, SubTypeSystemDepositClaims, assetID),
		NewUserAccountKey(userID, SubTypeScaledDeposit, assetID),
		assetID, PlaneScaled, scaledAmount, JournalTypeScaledDepositBurn)

	jg.sequence++
	return batch, nil
}

// GenerateBorrow draws reserve cash to the borrower and mints scaled debt.
// Draws pull deployed cash back from strategies when idle liquidity is short.
func (jg *JournalGenerator) GenerateBorrow(
	eventRef string,
	borrower uuid.UUID,
	asset string,
	assetID AssetID,
	amount *big.Int,
	scaledAmount *big.Int,
	draws []StrategyDraw,
	timestamp int64,
) (*Batch, error) {
	required := new(big.Int).Sub(amount, sumDraws(draws))
	if err := jg.balanceTracker.ValidateSufficientReserveCash(asset, assetID, required); err != nil {
		return nil, fmt.Errorf("borrow pre-check failed: %w", err)
	}

	batch := jg.newBatch(eventRef, timestamp, 2+len(draws))
	jg.appendDrawLegs(batch, asset, assetID, draws)

	jg.appendLeg(batch,
		NewExternalAccountKey(SubTypeExternalBorrowers, assetID),
		NewSystemAccountKey(asset, SubTypeSystemReserveCash, assetID),
		assetID, PlaneCash, amount, JournalTypeBorrowDraw)

	jg.appendLeg(batch,
		NewUserAccountKey(borrower, SubTypeScaledDebt, assetID),
		NewSystemAccountKey(asset, SubTypeSystemDebtClaims, assetID),
		assetID, PlaneScaled, scaledAmount, JournalTypeScaledDebtMint)

	jg.sequence++
	return batch, nil
}

// GenerateRepay returns cash to the reserve and burns scaled debt.
func (jg *JournalGenerator) GenerateRepay(
	eventRef string,
	borrower uuid.UUID,
	asset string,
	assetID AssetID,
	amount *big.Int,
	scaledAmount *big.Int,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp, 2)
	jg.appendRepayLegs(batch, borrower, asset, assetID, amount, scaledAmount)
	jg.sequence++
	return batch, nil
}

func (jg *JournalGenerator) appendRepayLegs(
	batch *Batch,
	borrower uuid.UUID,
	asset string,
	assetID AssetID,
	amount *big.Int,
	scaledAmount *big.Int,
) {
	jg.appendLeg(batch,
		NewSystemAccountKey(asset, SubTypeSystemReserveCash, assetID),
		NewExternalAccountKey(SubTypeExternalBorrowers, assetID),
		assetID, PlaneCash, amount, JournalTypeRepayPrincipal)

	jg.appendLeg(batch,
		NewSystemAccountKey(asset, SubTypeSystemDebtClaims, assetID),
		NewUserAccountKey(borrower, SubTypeScaledDebt, assetID),
		assetID, PlaneScaled, scaledAmount, JournalTypeScaledDebtBurn)
}

// GenerateRepayWithRefund is a full repayment that also cancels an open
// auction: the current bid (plus held fine, if any) flows back to the bidder.
func (jg *JournalGenerator) GenerateRepayWithRefund(
	eventRef string,
	borrower uuid.UUID,
	asset string,
	assetID AssetID,
	amount *big.Int,
	scaledAmount *big.Int,
	bidRefund *big.Int,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp, 3)
	jg.appendRepayLegs(batch, borrower, asset, assetID, amount, scaledAmount)

	jg.appendLeg(batch,
		NewExternalAccountKey(SubTypeExternalBidders, assetID),
		NewSystemAccountKey(asset, SubTypeSystemReserveCash, assetID),
		assetID, PlaneCash, bidRefund, JournalTypeBidRefund)

	jg.sequence++
	return batch, nil
}

// GenerateAuctionBid escrows the new bid into reserve cash and refunds the
// previous bidder in the same transition.
func (jg *JournalGenerator) GenerateAuctionBid(
	eventRef string,
	asset string,
	assetID AssetID,
	bidPrice *big.Int,
	prevBid *big.Int, // nil on first bid
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp, 2)

	jg.appendLeg(batch,
		NewSystemAccountKey(asset, SubTypeSystemReserveCash, assetID),
		NewExternalAccountKey(SubTypeExternalBidders, assetID),
		assetID, PlaneCash, bidPrice, JournalTypeBidEscrow)

	jg.appendLeg(batch,
		NewExternalAccountKey(SubTypeExternalBidders, assetID),
		NewSystemAccountKey(asset, SubTypeSystemReserveCash, assetID),
		assetID, PlaneCash, prevBid, JournalTypeBidRefund)

	jg.sequence++
	return batch, nil
}

// GenerateRedeem repays part of the debt, refunds the outbid bidder their
// escrowed bid, and routes the bid fine borrower → bidder.
func (jg *JournalGenerator) GenerateRedeem(
	eventRef string,
	borrower uuid.UUID,
	asset string,
	assetID AssetID,
	repayAmount *big.Int,
	scaledAmount *big.Int,
	bidRefund *big.Int,
	bidFine *big.Int,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp, 4)
	jg.appendRepayLegs(batch, borrower, asset, assetID, repayAmount, scaledAmount)

	jg.appendLeg(batch,
		NewExternalAccountKey(SubTypeExternalBidders, assetID),
		NewSystemAccountKey(asset, SubTypeSystemReserveCash, assetID),
		assetID, PlaneCash, bidRefund, JournalTypeBidRefund)

	jg.appendLeg(batch,
		NewExternalAccountKey(SubTypeExternalBidders, assetID),
		NewExternalAccountKey(SubTypeExternalBorrowers, assetID),
		assetID, PlaneCash, bidFine, JournalTypeBidFine)

	jg.sequence++
	return batch, nil
}

// GenerateLiquidate settles an expired auction. The bid already sits in
// reserve cash; extraAmount covers any debt accrued past the bid, and any
// surplus of the bid over the debt is paid out to the borrower.
func (jg *JournalGenerator) GenerateLiquidate(
	eventRef string,
	borrower uuid.UUID,
	asset string,
	assetID AssetID,
	extraAmount *big.Int,
	surplus *big.Int,
	scaledDebt *big.Int,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp, 3)

	jg.appendLeg(batch,
		NewSystemAccountKey(asset, SubTypeSystemReserveCash, assetID),
		NewExternalAccountKey(SubTypeExternalBidders, assetID),
		assetID, PlaneCash, extraAmount, JournalTypeLiquidationSettle)

	jg.appendLeg(batch,
		NewExternalAccountKey(SubTypeExternalBorrowers, assetID),
		NewSystemAccountKey(asset, SubTypeSystemReserveCash, assetID),
		assetID, PlaneCash, surplus, JournalTypeSurplusPayout)

	jg.appendLeg(batch,
		NewSystemAccountKey(asset, SubTypeSystemDebtClaims, assetID),
		NewUserAccountKey(borrower, SubTypeScaledDebt, assetID),
		assetID, PlaneScaled, scaledDebt, JournalTypeScaledDebtBurn)

	jg.sequence++
	return batch, nil
}

// GenerateBuyout settles a direct purchase at oracle price: payment in,
// bidder refunded, surplus to borrower, debt zeroed.
func (jg *JournalGenerator) GenerateBuyout(
	eventRef string,
	borrower uuid.UUID,
	asset string,
	assetID AssetID,
	offeredPrice *big.Int,
	bidRefund *big.Int,
	surplus *big.Int,
	scaledDebt *big.Int,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp, 4)

	jg.appendLeg(batch,
		NewSystemAccountKey(asset, SubTypeSystemReserveCash, assetID),
		NewExternalAccountKey(SubTypeExternalBuyers, assetID),
		assetID, PlaneCash, offeredPrice, JournalTypeBuyoutSettle)

	jg.appendLeg(batch,
		NewExternalAccountKey(SubTypeExternalBidders, assetID),
		NewSystemAccountKey(asset, SubTypeSystemReserveCash, assetID),
		assetID, PlaneCash, bidRefund, JournalTypeBidRefund)

	jg.appendLeg(batch,
		NewExternalAccountKey(SubTypeExternalBorrowers, assetID),
		NewSystemAccountKey(asset, SubTypeSystemReserveCash, assetID),
		assetID, PlaneCash, surplus, JournalTypeSurplusPayout)

	jg.appendLeg(batch,
		NewSystemAccountKey(asset, SubTypeSystemDebtClaims, assetID),
		NewUserAccountKey(borrower, SubTypeScaledDebt, assetID),
		assetID, PlaneScaled, scaledDebt, JournalTypeScaledDebtBurn)

	jg.sequence++
	return batch, nil
}

// GenerateHarvest settles a full strategy report in one batch: gain pulled
// into reserve cash with the protocol's treasury fee split out, loss written
// down against the yield-loss sink, then the rebalance toward the strategy's
// target (advance out or withdraw back). At most one of gain/loss and one of
// advance/withdraw is non-zero.
func (jg *JournalGenerator) GenerateHarvest(
	eventRef string,
	strategyID uuid.UUID,
	asset string,
	assetID AssetID,
	gain *big.Int,
	loss *big.Int,
	treasuryFee *big.Int,
	advance *big.Int,
	withdraw *big.Int,
	timestamp int64,
) (*Batch, error) {
	if advance != nil && advance.Sign() > 0 {
		required := new(big.Int).Set(advance)
		if treasuryFee != nil {
			required.Add(required, treasuryFee)
		}
		if gain != nil {
			required.Sub(required, gain)
		}
		if err := jg.balanceTracker.ValidateSufficientReserveCash(asset, assetID, required); err != nil {
			return nil, fmt.Errorf("harvest pre-check failed: %w", err)
		}
	}

	batch := jg.newBatch(eventRef, timestamp, 4)

	jg.appendLeg(batch,
		NewSystemAccountKey(asset, SubTypeSystemReserveCash, assetID),
		NewStrategyAccountKey(strategyID, assetID),
		assetID, PlaneCash, gain, JournalTypeHarvestGain)

	jg.appendLeg(batch,
		NewSystemAccountKey("treasury", SubTypeSystemTreasury, assetID),
		NewSystemAccountKey(asset, SubTypeSystemReserveCash, assetID),
		assetID, PlaneCash, treasuryFee, JournalTypeTreasuryFee)

	jg.appendLeg(batch,
		NewSystemAccountKey("loss", SubTypeSystemYieldLoss, assetID),
		NewStrategyAccountKey(strategyID, assetID),
		assetID, PlaneCash, loss, JournalTypeHarvestLoss)

	jg.appendLeg(batch,
		NewStrategyAccountKey(strategyID, assetID),
		NewSystemAccountKey(asset, SubTypeSystemReserveCash, assetID),
		assetID, PlaneCash, advance, JournalTypeStrategyAdvance)

	jg.appendLeg(batch,
		NewSystemAccountKey(asset, SubTypeSystemReserveCash, assetID),
		NewStrategyAccountKey(strategyID, assetID),
		assetID, PlaneCash, withdraw, JournalTypeStrategyWithdraw)

	jg.sequence++
	return batch, nil
}
