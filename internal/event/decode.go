package event

import (
	"encoding/json"
	"fmt"
)

// DecodePayload rebuilds a typed event from a sealed envelope payload.
// Payloads are the JSON encoding of the concrete event struct, so this is
// the inverse of the marshal done at seal time. Used by log replay and by
// the projection bridge.
func DecodePayload(eventType string, data []byte) (Event, error) {
	var evt Event
	switch eventType {
	case "Deposit":
		evt = &Deposit{}
	case "Withdraw":
		evt = &Withdraw{}
	case "Borrow":
		evt = &Borrow{}
	case "Repay":
		evt = &Repay{}
	case "AuctionBid":
		evt = &AuctionBid{}
	case "Redeem":
		evt = &Redeem{}
	case "Liquidate":
		evt = &Liquidate{}
	case "Buyout":
		evt = &Buyout{}
	case "AssetPriceUpdate":
		evt = &AssetPriceUpdate{}
	case "NFTPriceUpdate":
		evt = &NFTPriceUpdate{}
	case "ReserveConfigUpdate":
		evt = &ReserveConfigUpdate{}
	case "NFTConfigUpdate":
		evt = &NFTConfigUpdate{}
	case "StrategyAdded":
		evt = &StrategyAdded{}
	case "StrategyParamsUpdated":
		evt = &StrategyParamsUpdated{}
	case "StrategyRevoked":
		evt = &StrategyRevoked{}
	case "StrategyReport":
		evt = &StrategyReport{}
	case "LoanHealthAlert":
		evt = &LoanHealthAlert{}
	default:
		return nil, fmt.Errorf("unknown stored event type %q", eventType)
	}

	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return evt, nil
}
