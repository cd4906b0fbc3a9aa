package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/UnlockdFinance/unlockd-ledger/internal/event"

	"github.com/google/uuid"
)

// ParseRawEvent converts a raw JSON payload plus its event type string into
// a typed event. The ingestion shell validates syntax here; domain
// preconditions stay in the core so a malformed message NAKs while an
// invalid transition is rejected with a stable reason.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "Deposit":
		return parseDeposit(raw.Data)
	case "Withdraw":
		return parseWithdraw(raw.Data)
	case "Borrow":
		return parseBorrow(raw.Data)
	case "Repay":
		return parseRepay(raw.Data)
	case "AuctionBid":
		return parseAuctionBid(raw.Data)
	case "Redeem":
		return parseRedeem(raw.Data)
	case "Liquidate":
		return parseLiquidate(raw.Data)
	case "Buyout":
		return parseBuyout(raw.Data)
	case "AssetPriceUpdate":
		return parseAssetPriceUpdate(raw.Data)
	case "NFTPriceUpdate":
		return parseNFTPriceUpdate(raw.Data)
	case "ReserveConfigUpdate":
		return parseReserveConfigUpdate(raw.Data)
	case "NFTConfigUpdate":
		return parseNFTConfigUpdate(raw.Data)
	case "StrategyAdded":
		return parseStrategyAdded(raw.Data)
	case "StrategyParamsUpdated":
		return parseStrategyParamsUpdated(raw.Data)
	case "StrategyRevoked":
		return parseStrategyRevoked(raw.Data)
	case "StrategyReport":
		return parseStrategyReport(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Wad amounts
// travel as decimal strings since they exceed float64/int64 precision.

// MaxAmountSentinel in an amount field means "the caller's full balance"
// (withdraw) or "the full outstanding debt" (repay).
const MaxAmountSentinel = "max"

func parseAmount(s, field string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: malformed decimal %q", field, s)
	}
	return v, nil
}

// parseClampableAmount handles the withdraw/repay amount: empty or "max"
// becomes the nil clamp-to-balance sentinel.
func parseClampableAmount(s, field string) (*big.Int, error) {
	if s == "" || s == MaxAmountSentinel {
		return nil, nil
	}
	return parseAmount(s, field)
}

func parseUUID(s, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}

// parseActor resolves the caller/on_behalf_of pair; an omitted
// on_behalf_of defaults to the caller acting for themselves.
func parseActor(caller, onBehalfOf, field string) (uuid.UUID, uuid.UUID, error) {
	callerID, err := parseUUID(caller, field)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	if onBehalfOf == "" {
		return callerID, callerID, nil
	}
	behalfID, err := parseUUID(onBehalfOf, "on_behalf_of")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return callerID, behalfID, nil
}

type depositJSON struct {
	OpID      string `json:"op_id"`
	UserID    string `json:"user_id"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parseDeposit(data []byte) (*event.Deposit, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}
	opID, err := parseUUID(j.OpID, "op_id")
	if err != nil {
		return nil, err
	}
	userID, err := parseUUID(j.UserID, "user_id")
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(j.Amount, "amount")
	if err != nil {
		return nil, err
	}
	return &event.Deposit{
		OpID:      opID,
		UserID:    userID,
		Asset:     j.Asset,
		Amount:    amount,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

func parseWithdraw(data []byte) (*event.Withdraw, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Withdraw: %w", err)
	}
	opID, err := parseUUID(j.OpID, "op_id")
	if err != nil {
		return nil, err
	}
	userID, err := parseUUID(j.UserID, "user_id")
	if err != nil {
		return nil, err
	}
	amount, err := parseClampableAmount(j.Amount, "amount")
	if err != nil {
		return nil, err
	}
	return &event.Withdraw{
		OpID:      opID,
		UserID:    userID,
		Asset:     j.Asset,
		Amount:    amount,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type borrowJSON struct {
	OpID       string `json:"op_id"`
	Caller     string `json:"caller"`
	OnBehalfOf string `json:"on_behalf_of,omitempty"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	Collection string `json:"collection"`
	TokenID    uint64 `json:"token_id"`
	Sequence   int64  `json:"sequence"`
	Timestamp  int64  `json:"timestamp"`
}

func parseBorrow(data []byte) (*event.Borrow, error) {
	var j borrowJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Borrow: %w", err)
	}
	opID, err := parseUUID(j.OpID, "op_id")
	if err != nil {
		return nil, err
	}
	caller, onBehalfOf, err := parseActor(j.Caller, j.OnBehalfOf, "caller")
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(j.Amount, "amount")
	if err != nil {
		return nil, err
	}
	return &event.Borrow{
		OpID:       opID,
		Caller:     caller,
		OnBehalfOf: onBehalfOf,
		Asset:      j.Asset,
		Amount:     amount,
		Collection: j.Collection,
		TokenID:    j.TokenID,
		Sequence:   j.Sequence,
		Timestamp:  j.Timestamp,
	}, nil
}

type repayJSON struct {
	OpID      string `json:"op_id"`
	Caller    string `json:"caller"`
	LoanID    string `json:"loan_id"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parseRepay(data []byte) (*event.Repay, error) {
	var j repayJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Repay: %w", err)
	}
	opID, err := parseUUID(j.OpID, "op_id")
	if err != nil {
		return nil, err
	}
	caller, err := parseUUID(j.Caller, "caller")
	if err != nil {
		return nil, err
	}
	loanID, err := parseUUID(j.LoanID, "loan_id")
	if err != nil {
		return nil, err
	}
	amount, err := parseClampableAmount(j.Amount, "amount")
	if err != nil {
		return nil, err
	}
	return &event.Repay{
		OpID:      opID,
		Caller:    caller,
		LoanID:    loanID,
		Asset:     j.Asset,
		Amount:    amount,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type auctionBidJSON struct {
	OpID       string `json:"op_id"`
	Bidder     string `json:"bidder"`
	OnBehalfOf string `json:"on_behalf_of,omitempty"`
	LoanID     string `json:"loan_id"`
	Asset      string `json:"asset"`
	BidPrice   string `json:"bid_price"`
	Sequence   int64  `json:"sequence"`
	Timestamp  int64  `json:"timestamp"`
}

func parseAuctionBid(data []byte) (*event.AuctionBid, error) {
	var j auctionBidJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AuctionBid: %w", err)
	}
	opID, err := parseUUID(j.OpID, "op_id")
	if err != nil {
		return nil, err
	}
	bidder, onBehalfOf, err := parseActor(j.Bidder, j.OnBehalfOf, "bidder")
	if err != nil {
		return nil, err
	}
	loanID, err := parseUUID(j.LoanID, "loan_id")
	if err != nil {
		return nil, err
	}
	bidPrice, err := parseAmount(j.BidPrice, "bid_price")
	if err != nil {
		return nil, err
	}
	return &event.AuctionBid{
		OpID:       opID,
		Bidder:     bidder,
		OnBehalfOf: onBehalfOf,
		LoanID:     loanID,
		Asset:      j.Asset,
		BidPrice:   bidPrice,
		Sequence:   j.Sequence,
		Timestamp:  j.Timestamp,
	}, nil
}

type redeemJSON struct {
	OpID        string `json:"op_id"`
	Caller      string `json:"caller"`
	LoanID      string `json:"loan_id"`
	Asset       string `json:"asset"`
	RepayAmount string `json:"repay_amount"`
	BidFine     string `json:"bid_fine"`
	Sequence    int64  `json:"sequence"`
	Timestamp   int64  `json:"timestamp"`
}

func parseRedeem(data []byte) (*event.Redeem, error) {
	var j redeemJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Redeem: %w", err)
	}
	opID, err := parseUUID(j.OpID, "op_id")
	if err != nil {
		return nil, err
	}
	caller, err := parseUUID(j.Caller, "caller")
	if err != nil {
		return nil, err
	}
	loanID, err := parseUUID(j.LoanID, "loan_id")
	if err != nil {
		return nil, err
	}
	repayAmount, err := parseAmount(j.RepayAmount, "repay_amount")
	if err != nil {
		return nil, err
	}
	bidFine, err := parseAmount(j.BidFine, "bid_fine")
	if err != nil {
		return nil, err
	}
	return &event.Redeem{
		OpID:        opID,
		Caller:      caller,
		LoanID:      loanID,
		Asset:       j.Asset,
		RepayAmount: repayAmount,
		BidFine:     bidFine,
		Sequence:    j.Sequence,
		Timestamp:   j.Timestamp,
	}, nil
}

type liquidateJSON struct {
	OpID        string `json:"op_id"`
	Caller      string `json:"caller"`
	LoanID      string `json:"loan_id"`
	Asset       string `json:"asset"`
	ExtraAmount string `json:"extra_amount,omitempty"`
	Sequence    int64  `json:"sequence"`
	Timestamp   int64  `json:"timestamp"`
}

func parseLiquidate(data []byte) (*event.Liquidate, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Liquidate: %w", err)
	}
	opID, err := parseUUID(j.OpID, "op_id")
	if err != nil {
		return nil, err
	}
	caller, err := parseUUID(j.Caller, "caller")
	if err != nil {
		return nil, err
	}
	loanID, err := parseUUID(j.LoanID, "loan_id")
	if err != nil {
		return nil, err
	}
	var extraAmount *big.Int
	if j.ExtraAmount != "" {
		extraAmount, err = parseAmount(j.ExtraAmount, "extra_amount")
		if err != nil {
			return nil, err
		}
	}
	return &event.Liquidate{
		OpID:        opID,
		Caller:      caller,
		LoanID:      loanID,
		Asset:       j.Asset,
		ExtraAmount: extraAmount,
		Sequence:    j.Sequence,
		Timestamp:   j.Timestamp,
	}, nil
}

type buyoutJSON struct {
	OpID         string `json:"op_id"`
	Buyer        string `json:"buyer"`
	OnBehalfOf   string `json:"on_behalf_of,omitempty"`
	LoanID       string `json:"loan_id"`
	Asset        string `json:"asset"`
	OfferedPrice string `json:"offered_price"`
	Member       bool   `json:"member"`
	Sequence     int64  `json:"sequence"`
	Timestamp    int64  `json:"timestamp"`
}

func parseBuyout(data []byte) (*event.Buyout, error) {
	var j buyoutJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Buyout: %w", err)
	}
	opID, err := parseUUID(j.OpID, "op_id")
	if err != nil {
		return nil, err
	}
	buyer, onBehalfOf, err := parseActor(j.Buyer, j.OnBehalfOf, "buyer")
	if err != nil {
		return nil, err
	}
	loanID, err := parseUUID(j.LoanID, "loan_id")
	if err != nil {
		return nil, err
	}
	offeredPrice, err := parseAmount(j.OfferedPrice, "offered_price")
	if err != nil {
		return nil, err
	}
	return &event.Buyout{
		OpID:         opID,
		Buyer:        buyer,
		OnBehalfOf:   onBehalfOf,
		LoanID:       loanID,
		Asset:        j.Asset,
		OfferedPrice: offeredPrice,
		Member:       j.Member,
		Sequence:     j.Sequence,
		Timestamp:    j.Timestamp,
	}, nil
}

type assetPriceJSON struct {
	Asset     string `json:"asset"`
	Price     string `json:"price"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parseAssetPriceUpdate(data []byte) (*event.AssetPriceUpdate, error) {
	var j assetPriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AssetPriceUpdate: %w", err)
	}
	price, err := parseAmount(j.Price, "price")
	if err != nil {
		return nil, err
	}
	return &event.AssetPriceUpdate{
		Asset:     j.Asset,
		Price:     price,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

type nftPriceJSON struct {
	Collection string `json:"collection"`
	TokenID    uint64 `json:"token_id"`
	Price      string `json:"price"`
	Sequence   int64  `json:"sequence"`
	Timestamp  int64  `json:"timestamp"`
}

func parseNFTPriceUpdate(data []byte) (*event.NFTPriceUpdate, error) {
	var j nftPriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse NFTPriceUpdate: %w", err)
	}
	price, err := parseAmount(j.Price, "price")
	if err != nil {
		return nil, err
	}
	return &event.NFTPriceUpdate{
		Collection: j.Collection,
		TokenID:    j.TokenID,
		Price:      price,
		Sequence:   j.Sequence,
		Timestamp:  j.Timestamp,
	}, nil
}

type reserveConfigJSON struct {
	Asset                 string `json:"asset"`
	ReserveFactorBps      uint64 `json:"reserve_factor_bps"`
	OptimalUtilizationBps uint64 `json:"optimal_utilization_bps"`
	BaseRateBps           uint64 `json:"base_rate_bps"`
	Slope1Bps             uint64 `json:"slope1_bps"`
	Slope2Bps             uint64 `json:"slope2_bps"`
	Active                bool   `json:"active"`
	Frozen                bool   `json:"frozen"`
	BorrowingEnabled      bool   `json:"borrowing_enabled"`
	Sequence              int64  `json:"sequence"`
	Timestamp             int64  `json:"timestamp"`
}

func parseReserveConfigUpdate(data []byte) (*event.ReserveConfigUpdate, error) {
	var j reserveConfigJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ReserveConfigUpdate: %w", err)
	}
	return &event.ReserveConfigUpdate{
		Asset:                 j.Asset,
		ReserveFactorBps:      j.ReserveFactorBps,
		OptimalUtilizationBps: j.OptimalUtilizationBps,
		BaseRateBps:           j.BaseRateBps,
		Slope1Bps:             j.Slope1Bps,
		Slope2Bps:             j.Slope2Bps,
		Active:                j.Active,
		Frozen:                j.Frozen,
		BorrowingEnabled:      j.BorrowingEnabled,
		Sequence:              j.Sequence,
		Timestamp:             j.Timestamp,
	}, nil
}

type nftConfigJSON struct {
	Collection              string `json:"collection"`
	LtvBps                  uint64 `json:"ltv_bps"`
	LiquidationThresholdBps uint64 `json:"liquidation_threshold_bps"`
	RedeemThresholdBps      uint64 `json:"redeem_threshold_bps"`
	LiquidationBonusBps     uint64 `json:"liquidation_bonus_bps"`
	RedeemFineBps           uint64 `json:"redeem_fine_bps"`
	MinBidFine              string `json:"min_bid_fine"`
	MinBidDeltaBps          uint64 `json:"min_bid_delta_bps"`
	BuyoutDiscountBps       uint64 `json:"buyout_discount_bps"`
	RedeemDurationSec       int64  `json:"redeem_duration_sec"`
	AuctionDurationSec      int64  `json:"auction_duration_sec"`
	ClaimDelaySec           int64  `json:"claim_delay_sec"`
	TimeframeSec            int64  `json:"timeframe_sec"`
	Active                  bool   `json:"active"`
	Frozen                  bool   `json:"frozen"`
	Sequence                int64  `json:"sequence"`
	Timestamp               int64  `json:"timestamp"`
}

func parseNFTConfigUpdate(data []byte) (*event.NFTConfigUpdate, error) {
	var j nftConfigJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse NFTConfigUpdate: %w", err)
	}
	minBidFine, err := parseAmount(j.MinBidFine, "min_bid_fine")
	if err != nil {
		return nil, err
	}
	return &event.NFTConfigUpdate{
		Collection:              j.Collection,
		LtvBps:                  j.LtvBps,
		LiquidationThresholdBps: j.LiquidationThresholdBps,
		RedeemThresholdBps:      j.RedeemThresholdBps,
		LiquidationBonusBps:     j.LiquidationBonusBps,
		RedeemFineBps:           j.RedeemFineBps,
		MinBidFine:              minBidFine,
		MinBidDeltaBps:          j.MinBidDeltaBps,
		BuyoutDiscountBps:       j.BuyoutDiscountBps,
		RedeemDurationSec:       j.RedeemDurationSec,
		AuctionDurationSec:      j.AuctionDurationSec,
		ClaimDelaySec:           j.ClaimDelaySec,
		TimeframeSec:            j.TimeframeSec,
		Active:                  j.Active,
		Frozen:                  j.Frozen,
		Sequence:                j.Sequence,
		Timestamp:               j.Timestamp,
	}, nil
}

type strategyJSON struct {
	Asset             string `json:"asset"`
	StrategyID        string `json:"strategy_id"`
	DebtRatioBps      uint64 `json:"debt_ratio_bps"`
	MinDebtPerHarvest string `json:"min_debt_per_harvest"`
	MaxDebtPerHarvest string `json:"max_debt_per_harvest"`
	TotalAssets       string `json:"total_assets"`
	Sequence          int64  `json:"sequence"`
	Timestamp         int64  `json:"timestamp"`
}

func parseStrategyAdded(data []byte) (*event.StrategyAdded, error) {
	var j strategyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse StrategyAdded: %w", err)
	}
	strategyID, err := parseUUID(j.StrategyID, "strategy_id")
	if err != nil {
		return nil, err
	}
	minDebt, err := parseAmount(j.MinDebtPerHarvest, "min_debt_per_harvest")
	if err != nil {
		return nil, err
	}
	maxDebt, err := parseAmount(j.MaxDebtPerHarvest, "max_debt_per_harvest")
	if err != nil {
		return nil, err
	}
	return &event.StrategyAdded{
		Asset:             j.Asset,
		StrategyID:        strategyID,
		DebtRatioBps:      j.DebtRatioBps,
		MinDebtPerHarvest: minDebt,
		MaxDebtPerHarvest: maxDebt,
		Sequence:          j.Sequence,
		Timestamp:         j.Timestamp,
	}, nil
}

func parseStrategyParamsUpdated(data []byte) (*event.StrategyParamsUpdated, error) {
	var j strategyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse StrategyParamsUpdated: %w", err)
	}
	strategyID, err := parseUUID(j.StrategyID, "strategy_id")
	if err != nil {
		return nil, err
	}
	minDebt, err := parseAmount(j.MinDebtPerHarvest, "min_debt_per_harvest")
	if err != nil {
		return nil, err
	}
	maxDebt, err := parseAmount(j.MaxDebtPerHarvest, "max_debt_per_harvest")
	if err != nil {
		return nil, err
	}
	return &event.StrategyParamsUpdated{
		Asset:             j.Asset,
		StrategyID:        strategyID,
		DebtRatioBps:      j.DebtRatioBps,
		MinDebtPerHarvest: minDebt,
		MaxDebtPerHarvest: maxDebt,
		Sequence:          j.Sequence,
		Timestamp:         j.Timestamp,
	}, nil
}

func parseStrategyRevoked(data []byte) (*event.StrategyRevoked, error) {
	var j strategyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse StrategyRevoked: %w", err)
	}
	strategyID, err := parseUUID(j.StrategyID, "strategy_id")
	if err != nil {
		return nil, err
	}
	return &event.StrategyRevoked{
		Asset:      j.Asset,
		StrategyID: strategyID,
		Sequence:   j.Sequence,
		Timestamp:  j.Timestamp,
	}, nil
}

func parseStrategyReport(data []byte) (*event.StrategyReport, error) {
	var j strategyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse StrategyReport: %w", err)
	}
	strategyID, err := parseUUID(j.StrategyID, "strategy_id")
	if err != nil {
		return nil, err
	}
	totalAssets, err := parseAmount(j.TotalAssets, "total_assets")
	if err != nil {
		return nil, err
	}
	return &event.StrategyReport{
		Asset:       j.Asset,
		StrategyID:  strategyID,
		TotalAssets: totalAssets,
		Sequence:    j.Sequence,
		Timestamp:   j.Timestamp,
	}, nil
}
