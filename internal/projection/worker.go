package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/UnlockdFinance/unlockd-ledger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ProjectionOutput is one applied transition flattened into read-model
// rows. The orchestrator builds it inside the core loop, where touched
// state can be snapshotted safely, and hands it off through a channel.
type ProjectionOutput struct {
	Sequence  int64
	EventType string
	Timestamp int64

	BalanceDeltas []BalanceDelta
	Reserve       *ReserveRow
	Loan          *LoanRow
	LoanEvent     *LoanHistoryRow
	Strategy      *StrategyRow

	// RemovedStrategy is set when a revoked strategy drained its last debt
	// and left the queue.
	RemovedStrategy *uuid.UUID
}

// BalanceDelta is a signed adjustment to one side of a user's scaled
// balance, derived from a scaled-plane journal entry.
type BalanceDelta struct {
	UserID uuid.UUID
	Asset  string
	// Deposit selects the scaled_deposit column, otherwise scaled_debt.
	Deposit bool
	// Amount is a signed decimal string in scaled units.
	Amount string
}

// ReserveRow mirrors read_model.reserves. Big values travel as decimal
// strings into NUMERIC columns.
type ReserveRow struct {
	Asset               string
	LiquidityIndex      string
	VariableBorrowIndex string
	LiquidityRate       string
	BorrowRate          string
	TotalScaledDeposits string
	TotalScaledDebt     string
	AvailableLiquidity  string
	DeployedLiquidity   string
	ReserveFactorBps    uint64
	Active              bool
	Frozen              bool
	BorrowingEnabled    bool
	LastUpdate          int64
	Version             int64
}

// LoanRow mirrors read_model.loans.
type LoanRow struct {
	LoanID          uuid.UUID
	Borrower        uuid.UUID
	Collection      string
	TokenID         uint64
	Asset           string
	ScaledDebt      string
	State           int32
	Bidder          *uuid.UUID
	BidPrice        *string
	BidBorrowAmount *string
	FirstBidTime    int64
	BidCount        int64
	CreatedAt       int64
	Version         int64
}

// LoanHistoryRow mirrors read_model.loan_history.
type LoanHistoryRow struct {
	LoanID    uuid.UUID
	EventType string
	Actor     *uuid.UUID
	Amount    *string
	State     int32
	EventTime int64
}

// StrategyRow mirrors read_model.strategies.
type StrategyRow struct {
	StrategyID   uuid.UUID
	Asset        string
	DebtRatioBps uint64
	TotalDebt    string
	TotalGain    string
	TotalLoss    string
	Revoked      bool
	QueuePos     int
	Version      int64
}

// ProjectionWorker applies read-model rows to Postgres. The input channel
// is fed best-effort; if the worker falls behind or a write fails, the
// read model lags until RebuildBalances replays it from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	activity  *ActivityLog
	log       zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, activity *ActivityLog) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		activity:  activity,
		log:       observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.applyOutput(ctx, output); err != nil {
				// Continue: projections are eventually consistent and can
				// be rebuilt from the event log.
				pw.log.Warn().
					Int64("sequence", output.Sequence).
					Str("event_type", output.EventType).
					Err(err).
					Msg("projection update failed")
				continue
			}

			if pw.activity != nil && output.LoanEvent != nil {
				pw.activity.Add(ActivityEntry{
					Sequence:  output.Sequence,
					LoanID:    output.LoanEvent.LoanID,
					EventType: output.LoanEvent.EventType,
					Actor:     output.LoanEvent.Actor,
					Amount:    output.LoanEvent.Amount,
					State:     output.LoanEvent.State,
					EventTime: output.LoanEvent.EventTime,
				})
			}
		}
	}
}

func (pw *ProjectionWorker) applyOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range output.BalanceDeltas {
		if err := applyBalanceDelta(ctx, tx, output.Sequence, d); err != nil {
			return fmt.Errorf("scaled balance: %w", err)
		}
	}
	if output.Reserve != nil {
		if err := upsertReserve(ctx, tx, output.Sequence, output.Reserve); err != nil {
			return fmt.Errorf("reserve: %w", err)
		}
	}
	if output.Loan != nil {
		if err := upsertLoan(ctx, tx, output.Sequence, output.Loan); err != nil {
			return fmt.Errorf("loan: %w", err)
		}
	}
	if output.LoanEvent != nil {
		if err := insertLoanHistory(ctx, tx, output.Sequence, output.LoanEvent); err != nil {
			return fmt.Errorf("loan history: %w", err)
		}
	}
	if output.Strategy != nil {
		if err := upsertStrategy(ctx, tx, output.Sequence, output.Strategy); err != nil {
			return fmt.Errorf("strategy: %w", err)
		}
	}
	if output.RemovedStrategy != nil {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM read_model.strategies WHERE strategy_id = $1`,
			output.RemovedStrategy.String(),
		); err != nil {
			return fmt.Errorf("strategy removal: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE read_model.watermark SET last_sequence = $1, updated_at = NOW() WHERE id = 1
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark: %w", err)
	}

	return tx.Commit()
}

func applyBalanceDelta(ctx context.Context, tx *sql.Tx, seq int64, d BalanceDelta) error {
	column := "scaled_debt"
	if d.Deposit {
		column = "scaled_deposit"
	}
	query := fmt.Sprintf(`
		INSERT INTO read_model.scaled_balances (user_id, asset, %[1]s, updated_sequence)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (user_id, asset)
		DO UPDATE SET %[1]s = read_model.scaled_balances.%[1]s + $3::numeric, updated_sequence = $4
	`, column)
	_, err := tx.ExecContext(ctx, query, d.UserID.String(), d.Asset, d.Amount, seq)
	return err
}

func upsertReserve(ctx context.Context, tx *sql.Tx, seq int64, r *ReserveRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO read_model.reserves
			(asset, liquidity_index, variable_borrow_index, liquidity_rate, borrow_rate,
			 total_scaled_deposits, total_scaled_debt, available_liquidity, deployed_liquidity,
			 reserve_factor_bps, active, frozen, borrowing_enabled, last_update, version, updated_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (asset) DO UPDATE SET
			liquidity_index = EXCLUDED.liquidity_index,
			variable_borrow_index = EXCLUDED.variable_borrow_index,
			liquidity_rate = EXCLUDED.liquidity_rate,
			borrow_rate = EXCLUDED.borrow_rate,
			total_scaled_deposits = EXCLUDED.total_scaled_deposits,
			total_scaled_debt = EXCLUDED.total_scaled_debt,
			available_liquidity = EXCLUDED.available_liquidity,
			deployed_liquidity = EXCLUDED.deployed_liquidity,
			reserve_factor_bps = EXCLUDED.reserve_factor_bps,
			active = EXCLUDED.active,
			frozen = EXCLUDED.frozen,
			borrowing_enabled = EXCLUDED.borrowing_enabled,
			last_update = EXCLUDED.last_update,
			version = EXCLUDED.version,
			updated_sequence = EXCLUDED.updated_sequence
	`, r.Asset, r.LiquidityIndex, r.VariableBorrowIndex, r.LiquidityRate, r.BorrowRate,
		r.TotalScaledDeposits, r.TotalScaledDebt, r.AvailableLiquidity, r.DeployedLiquidity,
		r.ReserveFactorBps, r.Active, r.Frozen, r.BorrowingEnabled, r.LastUpdate, r.Version, seq)
	return err
}

func upsertLoan(ctx context.Context, tx *sql.Tx, seq int64, l *LoanRow) error {
	var bidder *string
	if l.Bidder != nil {
		s := l.Bidder.String()
		bidder = &s
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO read_model.loans
			(loan_id, borrower, collection, token_id, asset, scaled_debt, state,
			 bidder, bid_price, bid_borrow_amount, first_bid_time, bid_count,
			 created_at, version, updated_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (loan_id) DO UPDATE SET
			scaled_debt = EXCLUDED.scaled_debt,
			state = EXCLUDED.state,
			bidder = EXCLUDED.bidder,
			bid_price = EXCLUDED.bid_price,
			bid_borrow_amount = EXCLUDED.bid_borrow_amount,
			first_bid_time = EXCLUDED.first_bid_time,
			bid_count = EXCLUDED.bid_count,
			version = EXCLUDED.version,
			updated_sequence = EXCLUDED.updated_sequence
	`, l.LoanID.String(), l.Borrower.String(), l.Collection, l.TokenID, l.Asset,
		l.ScaledDebt, l.State, bidder, l.BidPrice, l.BidBorrowAmount,
		l.FirstBidTime, l.BidCount, l.CreatedAt, l.Version, seq)
	return err
}

func insertLoanHistory(ctx context.Context, tx *sql.Tx, seq int64, h *LoanHistoryRow) error {
	var actor *string
	if h.Actor != nil {
		s := h.Actor.String()
		actor = &s
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO read_model.loan_history
			(loan_id, sequence, event_type, actor, amount, state, event_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, h.LoanID.String(), seq, h.EventType, actor, h.Amount, h.State, h.EventTime)
	return err
}

func upsertStrategy(ctx context.Context, tx *sql.Tx, seq int64, s *StrategyRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO read_model.strategies
			(strategy_id, asset, debt_ratio_bps, total_debt, total_gain, total_loss,
			 revoked, queue_pos, version, updated_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (strategy_id) DO UPDATE SET
			debt_ratio_bps = EXCLUDED.debt_ratio_bps,
			total_debt = EXCLUDED.total_debt,
			total_gain = EXCLUDED.total_gain,
			total_loss = EXCLUDED.total_loss,
			revoked = EXCLUDED.revoked,
			queue_pos = EXCLUDED.queue_pos,
			version = EXCLUDED.version,
			updated_sequence = EXCLUDED.updated_sequence
	`, s.StrategyID.String(), s.Asset, s.DebtRatioBps, s.TotalDebt, s.TotalGain,
		s.TotalLoss, s.Revoked, s.QueuePos, s.Version, seq)
	return err
}

// RebuildBalances recomputes read_model.scaled_balances from the journal.
// Loans, reserves and strategies rebuild by replaying the event log through
// the core, so only the journal-derived table is handled here.
func RebuildBalances(ctx context.Context, db *sql.DB) error {
	log := observability.NewLogger("projection")

	if _, err := db.ExecContext(ctx, `TRUNCATE read_model.scaled_balances`); err != nil {
		return fmt.Errorf("truncate scaled_balances: %w", err)
	}

	// Debits increase an account, credits decrease it. User account paths
	// look like user:<uuid>:scaled_deposit:<asset>.
	_, err := db.ExecContext(ctx, `
		INSERT INTO read_model.scaled_balances (user_id, asset, scaled_deposit, scaled_debt, updated_sequence)
		SELECT
			split_part(account, ':', 2)::uuid AS user_id,
			split_part(account, ':', 4) AS asset,
			COALESCE(SUM(delta) FILTER (WHERE split_part(account, ':', 3) = 'scaled_deposit'), 0),
			COALESCE(SUM(delta) FILTER (WHERE split_part(account, ':', 3) = 'scaled_debt'), 0),
			MAX(sequence)
		FROM (
			SELECT debit_account AS account, amount AS delta, sequence
			FROM event_log.journal WHERE plane = 1 AND debit_account LIKE 'user:%'
			UNION ALL
			SELECT credit_account AS account, -amount AS delta, sequence
			FROM event_log.journal WHERE plane = 1 AND credit_account LIKE 'user:%'
		) entries
		GROUP BY 1, 2
	`)
	if err != nil {
		return fmt.Errorf("rebuild scaled balances: %w", err)
	}

	log.Info().Msg("scaled balance rebuild complete")
	return nil
}
