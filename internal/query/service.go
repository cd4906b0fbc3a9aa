package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// QueryService serves read-only access to the read_model tables. Every
// response carries as_of_sequence, the projection watermark at read time,
// so callers get explicit freshness semantics instead of pretending the
// read model is synchronous with the core.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetReserve returns one reserve's projected state.
func (qs *QueryService) GetReserve(ctx context.Context, asset string) (*ReserveResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	r := &ReserveResponse{AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT asset, liquidity_index, variable_borrow_index, liquidity_rate, borrow_rate,
		       total_scaled_deposits, total_scaled_debt, available_liquidity, deployed_liquidity,
		       reserve_factor_bps, active, frozen, borrowing_enabled, last_update, version
		FROM read_model.reserves
		WHERE asset = $1
	`, asset).Scan(
		&r.Asset, &r.LiquidityIndex, &r.VariableBorrowIndex, &r.LiquidityRate, &r.BorrowRate,
		&r.TotalScaledDeposits, &r.TotalScaledDebt, &r.AvailableLiquidity, &r.DeployedLiquidity,
		&r.ReserveFactorBps, &r.Active, &r.Frozen, &r.BorrowingEnabled, &r.LastUpdate, &r.Version,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListReserves returns all projected reserves.
func (qs *QueryService) ListReserves(ctx context.Context) ([]ReserveResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, liquidity_index, variable_borrow_index, liquidity_rate, borrow_rate,
		       total_scaled_deposits, total_scaled_debt, available_liquidity, deployed_liquidity,
		       reserve_factor_bps, active, frozen, borrowing_enabled, last_update, version
		FROM read_model.reserves
		ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reserves []ReserveResponse
	for rows.Next() {
		r := ReserveResponse{AsOfSequence: asOfSeq}
		if err := rows.Scan(
			&r.Asset, &r.LiquidityIndex, &r.VariableBorrowIndex, &r.LiquidityRate, &r.BorrowRate,
			&r.TotalScaledDeposits, &r.TotalScaledDebt, &r.AvailableLiquidity, &r.DeployedLiquidity,
			&r.ReserveFactorBps, &r.Active, &r.Frozen, &r.BorrowingEnabled, &r.LastUpdate, &r.Version,
		); err != nil {
			return nil, err
		}
		reserves = append(reserves, r)
	}
	return reserves, rows.Err()
}

// GetUserBalance returns a user's scaled position in one reserve. A user
// with no history gets a zero balance, not an error.
func (qs *QueryService) GetUserBalance(ctx context.Context, userID uuid.UUID, asset string) (*UserBalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	b := &UserBalanceResponse{
		UserID:        userID,
		Asset:         asset,
		ScaledDeposit: "0",
		ScaledDebt:    "0",
		AsOfSequence:  asOfSeq,
	}
	err = qs.db.QueryRowContext(ctx, `
		SELECT scaled_deposit, scaled_debt
		FROM read_model.scaled_balances
		WHERE user_id = $1 AND asset = $2
	`, userID.String(), asset).Scan(&b.ScaledDeposit, &b.ScaledDebt)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	return b, nil
}

// GetLoan returns one loan, or nil when unknown.
func (qs *QueryService) GetLoan(ctx context.Context, loanID uuid.UUID) (*LoanResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	l := &LoanResponse{AsOfSequence: asOfSeq}
	var bidder *string
	err = qs.db.QueryRowContext(ctx, `
		SELECT loan_id, borrower, collection, token_id, asset, scaled_debt, state,
		       bidder, bid_price, bid_borrow_amount, first_bid_time, bid_count,
		       created_at, version
		FROM read_model.loans
		WHERE loan_id = $1
	`, loanID.String()).Scan(
		&l.LoanID, &l.Borrower, &l.Collection, &l.TokenID, &l.Asset, &l.ScaledDebt, &l.State,
		&bidder, &l.BidPrice, &l.BidBorrowAmount, &l.FirstBidTime, &l.BidCount,
		&l.CreatedAt, &l.Version,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if bidder != nil {
		id, err := uuid.Parse(*bidder)
		if err != nil {
			return nil, fmt.Errorf("corrupt bidder on loan %s: %w", loanID, err)
		}
		l.Bidder = &id
	}
	return l, nil
}

// GetLoansByBorrower returns a borrower's loans, open loans first.
func (qs *QueryService) GetLoansByBorrower(ctx context.Context, borrower uuid.UUID) ([]LoanResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT loan_id, borrower, collection, token_id, asset, scaled_debt, state,
		       bidder, bid_price, bid_borrow_amount, first_bid_time, bid_count,
		       created_at, version
		FROM read_model.loans
		WHERE borrower = $1
		ORDER BY state, created_at DESC
	`, borrower.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loans []LoanResponse
	for rows.Next() {
		l := LoanResponse{AsOfSequence: asOfSeq}
		var bidder *string
		if err := rows.Scan(
			&l.LoanID, &l.Borrower, &l.Collection, &l.TokenID, &l.Asset, &l.ScaledDebt, &l.State,
			&bidder, &l.BidPrice, &l.BidBorrowAmount, &l.FirstBidTime, &l.BidCount,
			&l.CreatedAt, &l.Version,
		); err != nil {
			return nil, err
		}
		if bidder != nil {
			id, err := uuid.Parse(*bidder)
			if err != nil {
				return nil, fmt.Errorf("corrupt bidder on loan %s: %w", l.LoanID, err)
			}
			l.Bidder = &id
		}
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

// GetLoanHistory returns a loan's lifecycle steps, newest first, with
// cursor pagination on sequence.
func (qs *QueryService) GetLoanHistory(
	ctx context.Context,
	loanID uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]LoanHistoryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT sequence, event_type, actor, amount, state, event_time
		FROM read_model.loan_history
		WHERE loan_id = $1
	`
	args := []interface{}{loanID.String()}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []LoanHistoryResponse
	for rows.Next() {
		h := LoanHistoryResponse{LoanID: loanID, AsOfSequence: asOfSeq}
		var actor *string
		if err := rows.Scan(&h.Sequence, &h.EventType, &actor, &h.Amount, &h.State, &h.EventTime); err != nil {
			return nil, err
		}
		if actor != nil {
			id, err := uuid.Parse(*actor)
			if err != nil {
				return nil, fmt.Errorf("corrupt actor at seq %d: %w", h.Sequence, err)
			}
			h.Actor = &id
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// GetStrategies returns the strategy queue for one reserve in queue order.
func (qs *QueryService) GetStrategies(ctx context.Context, asset string) ([]StrategyResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT strategy_id, asset, debt_ratio_bps, total_debt, total_gain, total_loss,
		       revoked, queue_pos, version
		FROM read_model.strategies
		WHERE asset = $1
		ORDER BY queue_pos
	`, asset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var strategies []StrategyResponse
	for rows.Next() {
		s := StrategyResponse{AsOfSequence: asOfSeq}
		if err := rows.Scan(
			&s.StrategyID, &s.Asset, &s.DebtRatioBps, &s.TotalDebt, &s.TotalGain, &s.TotalLoss,
			&s.Revoked, &s.QueuePos, &s.Version,
		); err != nil {
			return nil, err
		}
		strategies = append(strategies, s)
	}
	return strategies, rows.Err()
}

// GetJournalHistory returns a user's journal entries, newest first, with
// cursor pagination on sequence. It reads the event log directly, so it
// is exact rather than watermarked.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", userID)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, plane, amount, journal_type, event_time
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Plane, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and the
// per-plane zero-sum of the journal.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Cross-check the cash plane against the projection: reserve cash
	// derived from the journal must match each reserve's projected
	// available_liquidity up to the projection watermark. Debits increase
	// an account, credits decrease it.
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT r.asset, COALESCE(j.balance, 0) - r.available_liquidity AS drift
		FROM read_model.reserves r
		LEFT JOIN (
			SELECT split_part(account, ':', 3) AS asset, SUM(delta) AS balance
			FROM (
				SELECT debit_account AS account, amount AS delta
				FROM event_log.journal
				WHERE plane = 0 AND debit_account LIKE 'system:reserve_cash:%'
				  AND sequence <= (SELECT last_sequence FROM read_model.watermark WHERE id = 1)
				UNION ALL
				SELECT credit_account AS account, -amount AS delta
				FROM event_log.journal
				WHERE plane = 0 AND credit_account LIKE 'system:reserve_cash:%'
				  AND sequence <= (SELECT last_sequence FROM read_model.watermark WHERE id = 1)
			) entries
			GROUP BY 1
		) j ON j.asset = r.asset
		WHERE COALESCE(j.balance, 0) != r.available_liquidity
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var d ReserveDrift
		if err := balanceRows.Scan(&d.Asset, &d.Drift); err != nil {
			return nil, err
		}
		report.ReserveDrifts = append(report.ReserveDrifts, d)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.ReserveDrifts) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM read_model.watermark WHERE id = 1
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
