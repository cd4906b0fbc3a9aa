package projection

import (
	"math/big"

	"github.com/UnlockdFinance/unlockd-ledger/internal/core"
	"github.com/UnlockdFinance/unlockd-ledger/internal/event"
	"github.com/UnlockdFinance/unlockd-ledger/internal/ledger"
	"github.com/UnlockdFinance/unlockd-ledger/internal/state"

	"github.com/google/uuid"
)

// BuildOutput snapshots the state a transition touched into read-model
// rows. It must run inside the core loop, before the next event mutates
// state, because the snapshots alias live big.Int values only long enough
// to format them.
func BuildOutput(c *core.LendingCore, out core.CoreOutput) ProjectionOutput {
	env := out.Envelope
	po := ProjectionOutput{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Timestamp: env.Timestamp.Unix(),
	}

	// The envelope payload is the sealed form of the typed event that
	// produced this transition. A decode failure degrades the output to
	// balance deltas and the reserve row.
	evt, err := event.DecodePayload(po.EventType, env.Payload)
	if err != nil {
		evt = nil
	}

	if asset := env.ReserveAsset; asset != nil {
		po.BalanceDeltas = balanceDeltas(out, *asset)
		if res, ok := c.Reserves().Get(*asset); ok {
			po.Reserve = reserveRow(res)
		}
	}

	loanID, actor, amount, hasLoan := loanFacts(evt)
	if hasLoan {
		if loan, ok := c.Loans().Get(loanID); ok {
			po.Loan = loanRow(loan)
			po.LoanEvent = &LoanHistoryRow{
				LoanID:    loanID,
				EventType: po.EventType,
				Actor:     actor,
				Amount:    amount,
				State:     int32(loan.State),
				EventTime: po.Timestamp,
			}
		}
	}

	if sid, ok := strategyID(evt); ok {
		if rec, found := c.Strategies().Get(sid); found {
			po.Strategy = strategyRow(rec)
		} else {
			// A revoked strategy that drained its last debt left the queue.
			id := sid
			po.RemovedStrategy = &id
		}
	}

	return po
}

// balanceDeltas converts the scaled-plane journals of one batch into
// signed per-user adjustments. Debits increase an account, credits
// decrease it.
func balanceDeltas(out core.CoreOutput, asset string) []BalanceDelta {
	if out.Batch == nil {
		return nil
	}

	var deltas []BalanceDelta
	for _, j := range out.Batch.Journals {
		if j.Plane != ledger.PlaneScaled {
			continue
		}
		if j.DebitAccount.Scope == ledger.AccountScopeUser {
			deltas = append(deltas, BalanceDelta{
				UserID:  uuid.UUID(j.DebitAccount.EntityID),
				Asset:   asset,
				Deposit: j.DebitAccount.SubType == ledger.SubTypeScaledDeposit,
				Amount:  j.Amount.String(),
			})
		}
		if j.CreditAccount.Scope == ledger.AccountScopeUser {
			deltas = append(deltas, BalanceDelta{
				UserID:  uuid.UUID(j.CreditAccount.EntityID),
				Asset:   asset,
				Deposit: j.CreditAccount.SubType == ledger.SubTypeScaledDeposit,
				Amount:  new(big.Int).Neg(j.Amount).String(),
			})
		}
	}
	return deltas
}

// loanFacts extracts the loan identity, acting party and headline amount
// from a loan lifecycle event. Borrow creates the loan under its OpID.
func loanFacts(evt event.Event) (uuid.UUID, *uuid.UUID, *string, bool) {
	switch e := evt.(type) {
	case *event.Borrow:
		return e.OpID, &e.OnBehalfOf, bigStr(e.Amount), true
	case *event.Repay:
		return e.LoanID, &e.Caller, bigStr(e.Amount), true
	case *event.AuctionBid:
		return e.LoanID, &e.Bidder, bigStr(e.BidPrice), true
	case *event.Redeem:
		return e.LoanID, &e.Caller, bigStr(e.RepayAmount), true
	case *event.Liquidate:
		return e.LoanID, &e.Caller, bigStr(e.ExtraAmount), true
	case *event.Buyout:
		return e.LoanID, &e.Buyer, bigStr(e.OfferedPrice), true
	case *event.LoanHealthAlert:
		return e.LoanID, nil, bigStr(e.HealthFactorRay), true
	default:
		return uuid.Nil, nil, nil, false
	}
}

func strategyID(evt event.Event) (uuid.UUID, bool) {
	switch e := evt.(type) {
	case *event.StrategyAdded:
		return e.StrategyID, true
	case *event.StrategyParamsUpdated:
		return e.StrategyID, true
	case *event.StrategyRevoked:
		return e.StrategyID, true
	case *event.StrategyReport:
		return e.StrategyID, true
	default:
		return uuid.Nil, false
	}
}

func reserveRow(r *state.Reserve) *ReserveRow {
	return &ReserveRow{
		Asset:               r.Asset,
		LiquidityIndex:      r.LiquidityIndex.String(),
		VariableBorrowIndex: r.VariableBorrowIndex.String(),
		LiquidityRate:       r.CurrentLiquidityRate.String(),
		BorrowRate:          r.CurrentBorrowRate.String(),
		TotalScaledDeposits: r.TotalScaledDeposits.String(),
		TotalScaledDebt:     r.TotalScaledDebt.String(),
		AvailableLiquidity:  r.AvailableLiquidity.String(),
		DeployedLiquidity:   r.DeployedLiquidity.String(),
		ReserveFactorBps:    r.ReserveFactorBps,
		Active:              r.Active,
		Frozen:              r.Frozen,
		BorrowingEnabled:    r.BorrowingEnabled,
		LastUpdate:          r.LastUpdate,
		Version:             r.Version,
	}
}

func loanRow(l *state.Loan) *LoanRow {
	row := &LoanRow{
		LoanID:       l.LoanID,
		Borrower:     l.Borrower,
		Collection:   l.Collection,
		TokenID:      l.TokenID,
		Asset:        l.Asset,
		ScaledDebt:   l.ScaledDebt.String(),
		State:        int32(l.State),
		FirstBidTime: l.FirstBidTime,
		BidCount:     l.BidCount,
		CreatedAt:    l.CreatedAt,
		Version:      l.Version,
	}
	if l.Bidder != nil {
		b := *l.Bidder
		row.Bidder = &b
	}
	row.BidPrice = bigStr(l.BidPrice)
	row.BidBorrowAmount = bigStr(l.BidBorrowAmount)
	return row
}

func strategyRow(rec *state.StrategyRecord) *StrategyRow {
	return &StrategyRow{
		StrategyID:   rec.StrategyID,
		Asset:        rec.Asset,
		DebtRatioBps: rec.DebtRatioBps,
		TotalDebt:    rec.TotalDebt.String(),
		TotalGain:    rec.TotalGain.String(),
		TotalLoss:    rec.TotalLoss.String(),
		Revoked:      rec.Revoked,
		QueuePos:     rec.QueuePos,
		Version:      rec.Version,
	}
}

func bigStr(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}
