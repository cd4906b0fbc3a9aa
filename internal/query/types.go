package query

import "github.com/google/uuid"

// ReserveResponse is the projected state of one reserve. Ray and wad
// values are decimal strings; they exceed int64.
type ReserveResponse struct {
	Asset               string `json:"asset"`
	LiquidityIndex      string `json:"liquidity_index"`
	VariableBorrowIndex string `json:"variable_borrow_index"`
	LiquidityRate       string `json:"liquidity_rate"`
	BorrowRate          string `json:"borrow_rate"`
	TotalScaledDeposits string `json:"total_scaled_deposits"`
	TotalScaledDebt     string `json:"total_scaled_debt"`
	AvailableLiquidity  string `json:"available_liquidity"`
	DeployedLiquidity   string `json:"deployed_liquidity"`
	ReserveFactorBps    uint64 `json:"reserve_factor_bps"`
	Active              bool   `json:"active"`
	Frozen              bool   `json:"frozen"`
	BorrowingEnabled    bool   `json:"borrowing_enabled"`
	LastUpdate          int64  `json:"last_update"`
	Version             int64  `json:"version"`
	AsOfSequence        int64  `json:"as_of_sequence"`
}

// LoanResponse is one loan's projected lifecycle state.
type LoanResponse struct {
	LoanID          uuid.UUID  `json:"loan_id"`
	Borrower        uuid.UUID  `json:"borrower"`
	Collection      string     `json:"collection"`
	TokenID         uint64     `json:"token_id"`
	Asset           string     `json:"asset"`
	ScaledDebt      string     `json:"scaled_debt"`
	State           int32      `json:"state"`
	Bidder          *uuid.UUID `json:"bidder,omitempty"`
	BidPrice        *string    `json:"bid_price,omitempty"`
	BidBorrowAmount *string    `json:"bid_borrow_amount,omitempty"`
	FirstBidTime    int64      `json:"first_bid_time"`
	BidCount        int64      `json:"bid_count"`
	CreatedAt       int64      `json:"created_at"`
	Version         int64      `json:"version"`
	AsOfSequence    int64      `json:"as_of_sequence"`
}

// LoanHistoryResponse is one lifecycle step of a loan.
type LoanHistoryResponse struct {
	LoanID       uuid.UUID  `json:"loan_id"`
	Sequence     int64      `json:"sequence"`
	EventType    string     `json:"event_type"`
	Actor        *uuid.UUID `json:"actor,omitempty"`
	Amount       *string    `json:"amount,omitempty"`
	State        int32      `json:"state"`
	EventTime    int64      `json:"event_time"`
	AsOfSequence int64      `json:"as_of_sequence"`
}

// StrategyResponse is the projected state of one yield strategy.
type StrategyResponse struct {
	StrategyID   uuid.UUID `json:"strategy_id"`
	Asset        string    `json:"asset"`
	DebtRatioBps uint64    `json:"debt_ratio_bps"`
	TotalDebt    string    `json:"total_debt"`
	TotalGain    string    `json:"total_gain"`
	TotalLoss    string    `json:"total_loss"`
	Revoked      bool      `json:"revoked"`
	QueuePos     int       `json:"queue_pos"`
	Version      int64     `json:"version"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// JournalHistoryEntry is one double-entry record for audit queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       int16  `json:"asset_id"`
	Plane         int16  `json:"plane"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool           `json:"is_healthy"`
	HashChainBreaks []int64        `json:"hash_chain_breaks,omitempty"`
	ReserveDrifts   []ReserveDrift `json:"reserve_drifts,omitempty"`
}

// ReserveDrift is a reserve whose projected available liquidity disagrees
// with the cash journal replayed to the same watermark.
type ReserveDrift struct {
	Asset string `json:"asset"`
	Drift string `json:"drift"` // journal-derived minus projected, decimal
}
