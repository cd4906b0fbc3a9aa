package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/UnlockdFinance/unlockd-ledger/internal/core"
	"github.com/UnlockdFinance/unlockd-ledger/internal/ledger"
	fpmath "github.com/UnlockdFinance/unlockd-ledger/internal/math"
	"github.com/UnlockdFinance/unlockd-ledger/internal/state"

	"github.com/google/uuid"
)

// SnapshotManager persists point-in-time core state for warm restarts:
// load the latest verified snapshot, then replay events from
// snapshot.sequence+1 to reproduce the identical hash chain.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SnapshotData is the serializable form of core.Snapshot. Balances and all
// wad/ray quantities travel as decimal strings since they exceed int64.
type SnapshotData struct {
	Sequence  int64  `json:"sequence"`
	StateHash []byte `json:"state_hash"`

	Balances   []BalanceSnap   `json:"balances"`
	Reserves   []ReserveSnap   `json:"reserves"`
	Loans      []LoanSnap      `json:"loans"`
	NFTConfigs []NFTConfigSnap `json:"nft_configs"`
	Strategies []StrategySnap  `json:"strategies"`

	AssetPrices        []AssetPriceSnap `json:"asset_prices"`
	NFTPrices          []NFTPriceSnap   `json:"nft_prices"`
	TrackedCollections []string         `json:"tracked_collections"`

	Partitions      map[string]int64 `json:"partitions"`
	IdempotencyKeys []string         `json:"idempotency_keys"`

	CreatedAt time.Time `json:"created_at"`
}

// BalanceSnap round-trips one ledger account key with its balance.
type BalanceSnap struct {
	Scope    uint8  `json:"scope"`
	EntityID []byte `json:"entity_id"`
	SubType  uint8  `json:"sub_type"`
	AssetID  uint16 `json:"asset_id"`
	Balance  string `json:"balance"`
}

type ReserveSnap struct {
	Asset                string `json:"asset"`
	LiquidityIndex       string `json:"liquidity_index"`
	VariableBorrowIndex  string `json:"variable_borrow_index"`
	CurrentLiquidityRate string `json:"current_liquidity_rate"`
	CurrentBorrowRate    string `json:"current_borrow_rate"`
	TotalScaledDeposits  string `json:"total_scaled_deposits"`
	TotalScaledDebt      string `json:"total_scaled_debt"`
	AvailableLiquidity   string `json:"available_liquidity"`
	DeployedLiquidity    string `json:"deployed_liquidity"`
	OptimalUtilization   string `json:"optimal_utilization"`
	BaseRate             string `json:"base_rate"`
	Slope1               string `json:"slope1"`
	Slope2               string `json:"slope2"`
	ReserveFactorBps     uint64 `json:"reserve_factor_bps"`
	LastUpdate           int64  `json:"last_update"`
	Active               bool   `json:"active"`
	Frozen               bool   `json:"frozen"`
	BorrowingEnabled     bool   `json:"borrowing_enabled"`
	Version              int64  `json:"version"`
}

type LoanConfigSnap struct {
	LtvBps                  uint64 `json:"ltv_bps"`
	LiquidationThresholdBps uint64 `json:"liquidation_threshold_bps"`
	RedeemThresholdBps      uint64 `json:"redeem_threshold_bps"`
	LiquidationBonusBps     uint64 `json:"liquidation_bonus_bps"`
	RedeemFineBps           uint64 `json:"redeem_fine_bps"`
	MinBidDeltaBps          uint64 `json:"min_bid_delta_bps"`
	BuyoutDiscountBps       uint64 `json:"buyout_discount_bps"`
	MinBidFine              string `json:"min_bid_fine"`
	RedeemDurationSec       int64  `json:"redeem_duration_sec"`
	AuctionDurationSec      int64  `json:"auction_duration_sec"`
	ClaimDelaySec           int64  `json:"claim_delay_sec"`
}

type LoanSnap struct {
	LoanID          string         `json:"loan_id"`
	Borrower        string         `json:"borrower"`
	Collection      string         `json:"collection"`
	TokenID         uint64         `json:"token_id"`
	Asset           string         `json:"asset"`
	ScaledDebt      string         `json:"scaled_debt"`
	State           int32          `json:"state"`
	Bidder          *string        `json:"bidder,omitempty"`
	BidPrice        *string        `json:"bid_price,omitempty"`
	BidBorrowAmount *string        `json:"bid_borrow_amount,omitempty"`
	FirstBidTime    int64          `json:"first_bid_time"`
	BidCount        int64          `json:"bid_count"`
	Config          LoanConfigSnap `json:"config"`
	CreatedAt       int64          `json:"created_at"`
	Version         int64          `json:"version"`
}

type NFTConfigSnap struct {
	Collection              string `json:"collection"`
	LtvBps                  uint64 `json:"ltv_bps"`
	LiquidationThresholdBps uint64 `json:"liquidation_threshold_bps"`
	RedeemThresholdBps      uint64 `json:"redeem_threshold_bps"`
	LiquidationBonusBps     uint64 `json:"liquidation_bonus_bps"`
	RedeemFineBps           uint64 `json:"redeem_fine_bps"`
	MinBidDeltaBps          uint64 `json:"min_bid_delta_bps"`
	BuyoutDiscountBps       uint64 `json:"buyout_discount_bps"`
	MinBidFine              string `json:"min_bid_fine"`
	RedeemDurationSec       int64  `json:"redeem_duration_sec"`
	AuctionDurationSec      int64  `json:"auction_duration_sec"`
	ClaimDelaySec           int64  `json:"claim_delay_sec"`
	TimeframeSec            int64  `json:"timeframe_sec"`
	Active                  bool   `json:"active"`
	Frozen                  bool   `json:"frozen"`
	Version                 int64  `json:"version"`
}

type StrategySnap struct {
	StrategyID        string `json:"strategy_id"`
	Asset             string `json:"asset"`
	DebtRatioBps      uint64 `json:"debt_ratio_bps"`
	TotalDebt         string `json:"total_debt"`
	TotalGain         string `json:"total_gain"`
	TotalLoss         string `json:"total_loss"`
	MinDebtPerHarvest string `json:"min_debt_per_harvest"`
	MaxDebtPerHarvest string `json:"max_debt_per_harvest"`
	Revoked           bool   `json:"revoked"`
	QueuePos          int    `json:"queue_pos"`
	Version           int64  `json:"version"`
}

type AssetPriceSnap struct {
	Asset string `json:"asset"`
	Price string `json:"price"`
}

type NFTPriceSnap struct {
	Collection string `json:"collection"`
	TokenID    uint64 `json:"token_id"`
	Price      string `json:"price"`
	UpdatedAt  int64  `json:"updated_at"`
}

func bigStr(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func bigStrPtr(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed decimal %q", s)
	}
	return v, nil
}

func parseBigPtr(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	return parseBig(*s)
}

// EncodeSnapshot flattens a core snapshot into its serializable form.
func EncodeSnapshot(snap *core.Snapshot) *SnapshotData {
	sd := &SnapshotData{
		Sequence:           snap.Sequence,
		StateHash:          snap.StateHash[:],
		TrackedCollections: snap.TrackedCollections,
		Partitions:         snap.Partitions,
		IdempotencyKeys:    snap.IdempotencyKeys,
		CreatedAt:          time.Now().UTC(),
	}

	for key, balance := range snap.Balances {
		sd.Balances = append(sd.Balances, BalanceSnap{
			Scope:    uint8(key.Scope),
			EntityID: append([]byte(nil), key.EntityID[:]...),
			SubType:  uint8(key.SubType),
			AssetID:  uint16(key.AssetID),
			Balance:  bigStr(balance),
		})
	}

	for _, r := range snap.Reserves {
		sd.Reserves = append(sd.Reserves, ReserveSnap{
			Asset:                r.Asset,
			LiquidityIndex:       bigStr(r.LiquidityIndex),
			VariableBorrowIndex:  bigStr(r.VariableBorrowIndex),
			CurrentLiquidityRate: bigStr(r.CurrentLiquidityRate),
			CurrentBorrowRate:    bigStr(r.CurrentBorrowRate),
			TotalScaledDeposits:  bigStr(r.TotalScaledDeposits),
			TotalScaledDebt:      bigStr(r.TotalScaledDebt),
			AvailableLiquidity:   bigStr(r.AvailableLiquidity),
			DeployedLiquidity:    bigStr(r.DeployedLiquidity),
			OptimalUtilization:   bigStr(r.RateStrategy.OptimalUtilization),
			BaseRate:             bigStr(r.RateStrategy.BaseRate),
			Slope1:               bigStr(r.RateStrategy.Slope1),
			Slope2:               bigStr(r.RateStrategy.Slope2),
			ReserveFactorBps:     r.ReserveFactorBps,
			LastUpdate:           r.LastUpdate,
			Active:               r.Active,
			Frozen:               r.Frozen,
			BorrowingEnabled:     r.BorrowingEnabled,
			Version:              r.Version,
		})
	}

	for _, l := range snap.Loans {
		ls := LoanSnap{
			LoanID:          l.LoanID.String(),
			Borrower:        l.Borrower.String(),
			Collection:      l.Collection,
			TokenID:         l.TokenID,
			Asset:           l.Asset,
			ScaledDebt:      bigStr(l.ScaledDebt),
			State:           int32(l.State),
			BidPrice:        bigStrPtr(l.BidPrice),
			BidBorrowAmount: bigStrPtr(l.BidBorrowAmount),
			FirstBidTime:    l.FirstBidTime,
			BidCount:        l.BidCount,
			Config: LoanConfigSnap{
				LtvBps:                  l.Config.LtvBps,
				LiquidationThresholdBps: l.Config.LiquidationThresholdBps,
				RedeemThresholdBps:      l.Config.RedeemThresholdBps,
				LiquidationBonusBps:     l.Config.LiquidationBonusBps,
				RedeemFineBps:           l.Config.RedeemFineBps,
				MinBidDeltaBps:          l.Config.MinBidDeltaBps,
				BuyoutDiscountBps:       l.Config.BuyoutDiscountBps,
				MinBidFine:              bigStr(l.Config.MinBidFine),
				RedeemDurationSec:       l.Config.RedeemDurationSec,
				AuctionDurationSec:      l.Config.AuctionDurationSec,
				ClaimDelaySec:           l.Config.ClaimDelaySec,
			},
			CreatedAt: l.CreatedAt,
			Version:   l.Version,
		}
		if l.Bidder != nil {
			s := l.Bidder.String()
			ls.Bidder = &s
		}
		sd.Loans = append(sd.Loans, ls)
	}

	for _, cfg := range snap.NFTConfigs {
		sd.NFTConfigs = append(sd.NFTConfigs, NFTConfigSnap{
			Collection:              cfg.Collection,
			LtvBps:                  cfg.LtvBps,
			LiquidationThresholdBps: cfg.LiquidationThresholdBps,
			RedeemThresholdBps:      cfg.RedeemThresholdBps,
			LiquidationBonusBps:     cfg.LiquidationBonusBps,
			RedeemFineBps:           cfg.RedeemFineBps,
			MinBidDeltaBps:          cfg.MinBidDeltaBps,
			BuyoutDiscountBps:       cfg.BuyoutDiscountBps,
			MinBidFine:              bigStr(cfg.MinBidFine),
			RedeemDurationSec:       cfg.RedeemDurationSec,
			AuctionDurationSec:      cfg.AuctionDurationSec,
			ClaimDelaySec:           cfg.ClaimDelaySec,
			TimeframeSec:            cfg.TimeframeSec,
			Active:                  cfg.Active,
			Frozen:                  cfg.Frozen,
			Version:                 cfg.Version,
		})
	}

	for _, rec := range snap.Strategies {
		sd.Strategies = append(sd.Strategies, StrategySnap{
			StrategyID:        rec.StrategyID.String(),
			Asset:             rec.Asset,
			DebtRatioBps:      rec.DebtRatioBps,
			TotalDebt:         bigStr(rec.TotalDebt),
			TotalGain:         bigStr(rec.TotalGain),
			TotalLoss:         bigStr(rec.TotalLoss),
			MinDebtPerHarvest: bigStr(rec.MinDebtPerHarvest),
			MaxDebtPerHarvest: bigStr(rec.MaxDebtPerHarvest),
			Revoked:           rec.Revoked,
			QueuePos:          rec.QueuePos,
			Version:           rec.Version,
		})
	}

	for _, p := range snap.AssetPrices {
		sd.AssetPrices = append(sd.AssetPrices, AssetPriceSnap{Asset: p.Asset, Price: bigStr(p.Price)})
	}
	for _, p := range snap.NFTPrices {
		sd.NFTPrices = append(sd.NFTPrices, NFTPriceSnap{
			Collection: p.Collection, TokenID: p.TokenID,
			Price: bigStr(p.Price), UpdatedAt: p.UpdatedAt,
		})
	}

	return sd
}

// Decode rebuilds a core snapshot from its serialized form.
func (sd *SnapshotData) Decode() (*core.Snapshot, error) {
	snap := &core.Snapshot{
		Sequence:           sd.Sequence,
		Balances:           make(map[ledger.AccountKey]*big.Int, len(sd.Balances)),
		TrackedCollections: sd.TrackedCollections,
		Partitions:         sd.Partitions,
		IdempotencyKeys:    sd.IdempotencyKeys,
	}
	if len(sd.StateHash) != 32 {
		return nil, fmt.Errorf("state hash is %d bytes, want 32", len(sd.StateHash))
	}
	copy(snap.StateHash[:], sd.StateHash)

	for _, b := range sd.Balances {
		key := ledger.AccountKey{
			Scope:   ledger.AccountScope(b.Scope),
			SubType: ledger.AccountSubType(b.SubType),
			AssetID: ledger.AssetID(b.AssetID),
		}
		copy(key.EntityID[:], b.EntityID)
		balance, err := parseBig(b.Balance)
		if err != nil {
			return nil, fmt.Errorf("balance: %w", err)
		}
		snap.Balances[key] = balance
	}

	for _, rs := range sd.Reserves {
		r, err := decodeReserve(rs)
		if err != nil {
			return nil, fmt.Errorf("reserve %s: %w", rs.Asset, err)
		}
		snap.Reserves = append(snap.Reserves, r)
	}

	for _, ls := range sd.Loans {
		l, err := decodeLoan(ls)
		if err != nil {
			return nil, fmt.Errorf("loan %s: %w", ls.LoanID, err)
		}
		snap.Loans = append(snap.Loans, l)
	}

	for _, cs := range sd.NFTConfigs {
		minBidFine, err := parseBig(cs.MinBidFine)
		if err != nil {
			return nil, fmt.Errorf("nft config %s: %w", cs.Collection, err)
		}
		snap.NFTConfigs = append(snap.NFTConfigs, &state.NFTConfig{
			Collection:              cs.Collection,
			LtvBps:                  cs.LtvBps,
			LiquidationThresholdBps: cs.LiquidationThresholdBps,
			RedeemThresholdBps:      cs.RedeemThresholdBps,
			LiquidationBonusBps:     cs.LiquidationBonusBps,
			RedeemFineBps:           cs.RedeemFineBps,
			MinBidDeltaBps:          cs.MinBidDeltaBps,
			BuyoutDiscountBps:       cs.BuyoutDiscountBps,
			MinBidFine:              minBidFine,
			RedeemDurationSec:       cs.RedeemDurationSec,
			AuctionDurationSec:      cs.AuctionDurationSec,
			ClaimDelaySec:           cs.ClaimDelaySec,
			TimeframeSec:            cs.TimeframeSec,
			Active:                  cs.Active,
			Frozen:                  cs.Frozen,
			Version:                 cs.Version,
		})
	}

	for _, ss := range sd.Strategies {
		rec, err := decodeStrategy(ss)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", ss.StrategyID, err)
		}
		snap.Strategies = append(snap.Strategies, rec)
	}

	for _, p := range sd.AssetPrices {
		price, err := parseBig(p.Price)
		if err != nil {
			return nil, fmt.Errorf("asset price %s: %w", p.Asset, err)
		}
		snap.AssetPrices = append(snap.AssetPrices, core.AssetPriceSnapshot{Asset: p.Asset, Price: price})
	}
	for _, p := range sd.NFTPrices {
		price, err := parseBig(p.Price)
		if err != nil {
			return nil, fmt.Errorf("nft price %s/%d: %w", p.Collection, p.TokenID, err)
		}
		snap.NFTPrices = append(snap.NFTPrices, core.NFTPriceSnapshot{
			Collection: p.Collection, TokenID: p.TokenID,
			Price: price, UpdatedAt: p.UpdatedAt,
		})
	}

	return snap, nil
}

func decodeReserve(rs ReserveSnap) (*state.Reserve, error) {
	bigs := make([]*big.Int, 12)
	for i, s := range []string{
		rs.LiquidityIndex, rs.VariableBorrowIndex,
		rs.CurrentLiquidityRate, rs.CurrentBorrowRate,
		rs.TotalScaledDeposits, rs.TotalScaledDebt,
		rs.AvailableLiquidity, rs.DeployedLiquidity,
		rs.OptimalUtilization, rs.BaseRate, rs.Slope1, rs.Slope2,
	} {
		v, err := parseBig(s)
		if err != nil {
			return nil, err
		}
		bigs[i] = v
	}

	assetID := ledger.RegisterAsset(rs.Asset)
	return &state.Reserve{
		Asset:                rs.Asset,
		AssetID:              assetID,
		LiquidityIndex:       bigs[0],
		VariableBorrowIndex:  bigs[1],
		CurrentLiquidityRate: bigs[2],
		CurrentBorrowRate:    bigs[3],
		TotalScaledDeposits:  bigs[4],
		TotalScaledDebt:      bigs[5],
		AvailableLiquidity:   bigs[6],
		DeployedLiquidity:    bigs[7],
		RateStrategy: &fpmath.InterestRateStrategy{
			OptimalUtilization: bigs[8],
			BaseRate:           bigs[9],
			Slope1:             bigs[10],
			Slope2:             bigs[11],
		},
		ReserveFactorBps: rs.ReserveFactorBps,
		LastUpdate:       rs.LastUpdate,
		Active:           rs.Active,
		Frozen:           rs.Frozen,
		BorrowingEnabled: rs.BorrowingEnabled,
		Version:          rs.Version,
	}, nil
}

func decodeLoan(ls LoanSnap) (*state.Loan, error) {
	loanID, err := uuid.Parse(ls.LoanID)
	if err != nil {
		return nil, fmt.Errorf("loan_id: %w", err)
	}
	borrower, err := uuid.Parse(ls.Borrower)
	if err != nil {
		return nil, fmt.Errorf("borrower: %w", err)
	}
	scaledDebt, err := parseBig(ls.ScaledDebt)
	if err != nil {
		return nil, err
	}
	bidPrice, err := parseBigPtr(ls.BidPrice)
	if err != nil {
		return nil, err
	}
	bidBorrowAmount, err := parseBigPtr(ls.BidBorrowAmount)
	if err != nil {
		return nil, err
	}
	minBidFine, err := parseBig(ls.Config.MinBidFine)
	if err != nil {
		return nil, err
	}

	loan := &state.Loan{
		LoanID:          loanID,
		Borrower:        borrower,
		Collection:      ls.Collection,
		TokenID:         ls.TokenID,
		Asset:           ls.Asset,
		ScaledDebt:      scaledDebt,
		State:           state.LoanState(ls.State),
		BidPrice:        bidPrice,
		BidBorrowAmount: bidBorrowAmount,
		FirstBidTime:    ls.FirstBidTime,
		BidCount:        ls.BidCount,
		Config: state.LoanConfigSnapshot{
			LtvBps:                  ls.Config.LtvBps,
			LiquidationThresholdBps: ls.Config.LiquidationThresholdBps,
			RedeemThresholdBps:      ls.Config.RedeemThresholdBps,
			LiquidationBonusBps:     ls.Config.LiquidationBonusBps,
			RedeemFineBps:           ls.Config.RedeemFineBps,
			MinBidDeltaBps:          ls.Config.MinBidDeltaBps,
			BuyoutDiscountBps:       ls.Config.BuyoutDiscountBps,
			MinBidFine:              minBidFine,
			RedeemDurationSec:       ls.Config.RedeemDurationSec,
			AuctionDurationSec:      ls.Config.AuctionDurationSec,
			ClaimDelaySec:           ls.Config.ClaimDelaySec,
		},
		CreatedAt: ls.CreatedAt,
		Version:   ls.Version,
	}
	if ls.Bidder != nil {
		bidder, err := uuid.Parse(*ls.Bidder)
		if err != nil {
			return nil, fmt.Errorf("bidder: %w", err)
		}
		loan.Bidder = &bidder
	}
	return loan, nil
}

func decodeStrategy(ss StrategySnap) (*state.StrategyRecord, error) {
	strategyID, err := uuid.Parse(ss.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("strategy_id: %w", err)
	}
	bigs := make([]*big.Int, 5)
	for i, s := range []string{ss.TotalDebt, ss.TotalGain, ss.TotalLoss, ss.MinDebtPerHarvest, ss.MaxDebtPerHarvest} {
		v, err := parseBig(s)
		if err != nil {
			return nil, err
		}
		bigs[i] = v
	}
	return &state.StrategyRecord{
		StrategyID:        strategyID,
		Asset:             ss.Asset,
		DebtRatioBps:      ss.DebtRatioBps,
		TotalDebt:         bigs[0],
		TotalGain:         bigs[1],
		TotalLoss:         bigs[2],
		MinDebtPerHarvest: bigs[3],
		MaxDebtPerHarvest: bigs[4],
		Revoked:           ss.Revoked,
		QueuePos:          ss.QueuePos,
		Version:           ss.Version,
	}, nil
}

// SaveSnapshot encodes and persists a snapshot. Snapshots are written
// unverified; the recovery path marks them verified after a successful
// replay check.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.Snapshot) error {
	sd := EncodeSnapshot(snap)
	data, err := json.Marshal(sd)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), sd.Sequence, data, sd.StateHash, int32(1), len(data), sd.CreatedAt)

	return err
}

// LoadLatestSnapshot returns the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.Snapshot, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var sd SnapshotData
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return sd.Decode()
}

// MarkVerified flags a snapshot after its replay check passed.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom pages events forward from a sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, reserve_asset, payload,
		       state_hash, prev_hash, event_time, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.ReserveAsset,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, 0 when
// empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// LoadRecentIdempotencyKeys returns the most recent composite dedup keys
// for warming the core's LRU on startup.
func (sm *SnapshotManager) LoadRecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key
		FROM event_log.events
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var eventType, key string
		if err := rows.Scan(&eventType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, eventType+":"+key)
	}
	return keys, rows.Err()
}
