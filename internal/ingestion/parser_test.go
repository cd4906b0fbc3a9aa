package ingestion_test

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/UnlockdFinance/unlockd-ledger/internal/event"
	"github.com/UnlockdFinance/unlockd-ledger/internal/ingestion"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseBorrow(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":      "550e8400-e29b-41d4-a716-446655440000",
		"caller":     "660e8400-e29b-41d4-a716-446655440001",
		"asset":      "WETH",
		"amount":     "40000000000000000000",
		"collection": "punks",
		"token_id":   uint64(7),
		"sequence":   int64(3),
		"timestamp":  int64(1_700_000_000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "Borrow")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	b, ok := evt.(*event.Borrow)
	if !ok {
		t.Fatalf("expected *event.Borrow, got %T", evt)
	}

	want, _ := new(big.Int).SetString("40000000000000000000", 10)
	if b.Amount.Cmp(want) != 0 {
		t.Errorf("amount: got %s, want %s", b.Amount, want)
	}
	if b.Collection != "punks" || b.TokenID != 7 {
		t.Errorf("collateral: got %s/%d, want punks/7", b.Collection, b.TokenID)
	}
	// Omitted on_behalf_of defaults to the caller.
	if b.OnBehalfOf != b.Caller {
		t.Errorf("on_behalf_of: got %s, want caller %s", b.OnBehalfOf, b.Caller)
	}
	if b.EventType() != event.EventTypeBorrow {
		t.Errorf("event type: got %v, want Borrow", b.EventType())
	}
	if b.IdempotencyKey() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("idempotency key: got %s", b.IdempotencyKey())
	}
}

func TestParseBorrow_OnBehalfOf(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":        "550e8400-e29b-41d4-a716-446655440000",
		"caller":       "660e8400-e29b-41d4-a716-446655440001",
		"on_behalf_of": "770e8400-e29b-41d4-a716-446655440002",
		"asset":        "WETH",
		"amount":       "1",
		"collection":   "punks",
		"token_id":     uint64(7),
		"sequence":     int64(3),
		"timestamp":    int64(1_700_000_000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "Borrow")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	b := evt.(*event.Borrow)
	if b.OnBehalfOf == b.Caller {
		t.Error("on_behalf_of should differ from caller")
	}
	if b.OnBehalfOf.String() != "770e8400-e29b-41d4-a716-446655440002" {
		t.Errorf("on_behalf_of: got %s", b.OnBehalfOf)
	}
}

func TestParseWithdraw_MaxSentinel(t *testing.T) {
	for _, amount := range []string{"max", ""} {
		payload := map[string]interface{}{
			"op_id":     "550e8400-e29b-41d4-a716-446655440000",
			"user_id":   "660e8400-e29b-41d4-a716-446655440001",
			"asset":     "WETH",
			"amount":    amount,
			"sequence":  int64(5),
			"timestamp": int64(1_700_000_000),
		}

		evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "Withdraw")
		if err != nil {
			t.Fatalf("parse failed for amount %q: %v", amount, err)
		}
		w := evt.(*event.Withdraw)
		if w.Amount != nil {
			t.Errorf("amount %q: expected nil sentinel, got %s", amount, w.Amount)
		}
	}
}

func TestParseRepay_MaxSentinel(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":     "550e8400-e29b-41d4-a716-446655440000",
		"caller":    "660e8400-e29b-41d4-a716-446655440001",
		"loan_id":   "770e8400-e29b-41d4-a716-446655440002",
		"asset":     "WETH",
		"amount":    "max",
		"sequence":  int64(9),
		"timestamp": int64(1_700_000_100),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "Repay")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	r := evt.(*event.Repay)
	if r.Amount != nil {
		t.Errorf("expected nil full-repay sentinel, got %s", r.Amount)
	}
	if r.LoanID.String() != "770e8400-e29b-41d4-a716-446655440002" {
		t.Errorf("loan_id: got %s", r.LoanID)
	}
}

func TestParseAuctionBid(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":     "550e8400-e29b-41d4-a716-446655440000",
		"bidder":    "660e8400-e29b-41d4-a716-446655440001",
		"loan_id":   "770e8400-e29b-41d4-a716-446655440002",
		"asset":     "WETH",
		"bid_price": "42000000000000000000",
		"sequence":  int64(12),
		"timestamp": int64(1_700_000_200),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "AuctionBid")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	bid := evt.(*event.AuctionBid)
	want, _ := new(big.Int).SetString("42000000000000000000", 10)
	if bid.BidPrice.Cmp(want) != 0 {
		t.Errorf("bid_price: got %s, want %s", bid.BidPrice, want)
	}
	if bid.OnBehalfOf != bid.Bidder {
		t.Errorf("on_behalf_of: got %s, want bidder %s", bid.OnBehalfOf, bid.Bidder)
	}
}

func TestParseRedeem(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":        "550e8400-e29b-41d4-a716-446655440000",
		"caller":       "660e8400-e29b-41d4-a716-446655440001",
		"loan_id":      "770e8400-e29b-41d4-a716-446655440002",
		"asset":        "WETH",
		"repay_amount": "30000000000000000000",
		"bid_fine":     "1000000000000000000",
		"sequence":     int64(15),
		"timestamp":    int64(1_700_000_300),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "Redeem")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	r := evt.(*event.Redeem)
	if r.RepayAmount.String() != "30000000000000000000" {
		t.Errorf("repay_amount: got %s", r.RepayAmount)
	}
	if r.BidFine.String() != "1000000000000000000" {
		t.Errorf("bid_fine: got %s", r.BidFine)
	}
}

func TestParseLiquidate_OptionalExtraAmount(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":     "550e8400-e29b-41d4-a716-446655440000",
		"caller":    "660e8400-e29b-41d4-a716-446655440001",
		"loan_id":   "770e8400-e29b-41d4-a716-446655440002",
		"asset":     "WETH",
		"sequence":  int64(20),
		"timestamp": int64(1_700_100_000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "Liquidate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	l := evt.(*event.Liquidate)
	if l.ExtraAmount != nil {
		t.Errorf("expected nil extra_amount, got %s", l.ExtraAmount)
	}

	payload["extra_amount"] = "500000000000000000"
	evt, err = ingestion.ParseRawEvent(rawFromJSON(t, payload), "Liquidate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	l = evt.(*event.Liquidate)
	if l.ExtraAmount == nil || l.ExtraAmount.String() != "500000000000000000" {
		t.Errorf("extra_amount: got %v", l.ExtraAmount)
	}
}

func TestParseBuyout(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":         "550e8400-e29b-41d4-a716-446655440000",
		"buyer":         "660e8400-e29b-41d4-a716-446655440001",
		"loan_id":       "770e8400-e29b-41d4-a716-446655440002",
		"asset":         "WETH",
		"offered_price": "49000000000000000000",
		"member":        true,
		"sequence":      int64(25),
		"timestamp":     int64(1_700_200_000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "Buyout")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	b := evt.(*event.Buyout)
	if !b.Member {
		t.Error("member flag lost")
	}
	if b.OfferedPrice.String() != "49000000000000000000" {
		t.Errorf("offered_price: got %s", b.OfferedPrice)
	}
}

func TestParseNFTPriceUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"collection": "punks",
		"token_id":   uint64(7),
		"price":      "100000000000000000000",
		"sequence":   int64(2),
		"timestamp":  int64(1_700_000_000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "NFTPriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	p := evt.(*event.NFTPriceUpdate)
	if p.Collection != "punks" || p.TokenID != 7 {
		t.Errorf("token: got %s/%d", p.Collection, p.TokenID)
	}
	if p.Price.String() != "100000000000000000000" {
		t.Errorf("price: got %s", p.Price)
	}
}

func TestParseNFTConfigUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"collection":                "punks",
		"ltv_bps":                   uint64(4000),
		"liquidation_threshold_bps": uint64(7000),
		"redeem_threshold_bps":      uint64(5000),
		"liquidation_bonus_bps":     uint64(500),
		"redeem_fine_bps":           uint64(100),
		"min_bid_fine":              "200000000000000000",
		"min_bid_delta_bps":         uint64(100),
		"buyout_discount_bps":       uint64(200),
		"redeem_duration_sec":       int64(43_200),
		"auction_duration_sec":      int64(86_400),
		"claim_delay_sec":           int64(3_600),
		"timeframe_sec":             int64(172_800),
		"active":                    true,
		"sequence":                  int64(1),
		"timestamp":                 int64(1_700_000_000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "NFTConfigUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	c := evt.(*event.NFTConfigUpdate)
	if c.LtvBps != 4000 || c.LiquidationThresholdBps != 7000 {
		t.Errorf("risk params: ltv %d threshold %d", c.LtvBps, c.LiquidationThresholdBps)
	}
	if c.MinBidFine.String() != "200000000000000000" {
		t.Errorf("min_bid_fine: got %s", c.MinBidFine)
	}
	if c.AuctionDurationSec != 86_400 {
		t.Errorf("auction_duration_sec: got %d", c.AuctionDurationSec)
	}
}

func TestParseStrategyReport(t *testing.T) {
	payload := map[string]interface{}{
		"asset":        "WETH",
		"strategy_id":  "880e8400-e29b-41d4-a716-446655440003",
		"total_assets": "55000000000000000000",
		"sequence":     int64(4),
		"timestamp":    int64(1_700_300_000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "StrategyReport")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	r := evt.(*event.StrategyReport)
	if r.TotalAssets.String() != "55000000000000000000" {
		t.Errorf("total_assets: got %s", r.TotalAssets)
	}
	if r.StrategyID.String() != "880e8400-e29b-41d4-a716-446655440003" {
		t.Errorf("strategy_id: got %s", r.StrategyID)
	}
}

func TestParseRejectsMalformedAmount(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":     "550e8400-e29b-41d4-a716-446655440000",
		"user_id":   "660e8400-e29b-41d4-a716-446655440001",
		"asset":     "WETH",
		"amount":    "12.5",
		"sequence":  int64(1),
		"timestamp": int64(1_700_000_000),
	}

	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "Deposit"); err == nil {
		t.Fatal("expected error for non-integer amount")
	}
}

func TestParseRejectsBadUUID(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":     "not-a-uuid",
		"user_id":   "660e8400-e29b-41d4-a716-446655440001",
		"asset":     "WETH",
		"amount":    "1",
		"sequence":  int64(1),
		"timestamp": int64(1_700_000_000),
	}

	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "Deposit"); err == nil {
		t.Fatal("expected error for malformed op_id")
	}
}

func TestParseUnknownEventType(t *testing.T) {
	raw := rawFromJSON(t, map[string]interface{}{})
	if _, err := ingestion.ParseRawEvent(raw, "FlashLoan"); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestEventTypeForSubject(t *testing.T) {
	subjects := ingestion.DefaultSubjects()

	cases := []struct {
		subject string
		want    string
		ok      bool
	}{
		{"ulend.supply.deposit.WETH", "Deposit", true},
		{"ulend.loans.borrow.WETH", "Borrow", true},
		{"ulend.auctions.bid.WETH", "AuctionBid", true},
		{"ulend.oracle.nft.punks", "NFTPriceUpdate", true},
		{"ulend.vault.report.WETH", "StrategyReport", true},
		{"ulend.unknown.thing", "", false},
	}

	for _, tc := range cases {
		got, ok := ingestion.EventTypeForSubject(tc.subject, subjects)
		if ok != tc.ok || got != tc.want {
			t.Errorf("subject %s: got (%s, %v), want (%s, %v)", tc.subject, got, ok, tc.want, tc.ok)
		}
	}
}
