package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types. Scaled balances are index-invariant claims; real
	// value = scaled × index at read time.
	SubTypeScaledDeposit AccountSubType = iota
	SubTypeScaledDebt

	// System sub-types
	SubTypeSystemReserveCash   // available (non-deployed) reserve liquidity
	SubTypeSystemTreasury      // protocol cut of realized yield
	SubTypeSystemDepositClaims // counterweight for scaled deposits
	SubTypeSystemDebtClaims    // counterweight for scaled debt
	SubTypeSystemYieldLoss     // realized strategy losses

	// External sub-types (boundary accounts)
	SubTypeExternalSuppliers
	SubTypeExternalBorrowers
	SubTypeExternalBidders
	SubTypeExternalBuyers
	SubTypeExternalStrategies
)

// BalancePlane separates real cash flows (wad) from scaled claims.
// A journal entry never crosses planes.
type BalancePlane uint8

const (
	PlaneCash BalancePlane = iota
	PlaneScaled
)

// Plane returns the plane a sub-type belongs to.
func (st AccountSubType) Plane() BalancePlane {
	switch st {
	case SubTypeScaledDeposit, SubTypeScaledDebt, SubTypeSystemDepositClaims, SubTypeSystemDebtClaims:
		return PlaneScaled
	default:
		return PlaneCash
	}
}

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

var (
	assetToID = map[string]AssetID{}
	idToAsset = map[AssetID]string{}
	nextAsset AssetID = 1
)

// RegisterAsset assigns an ID for a reserve asset, idempotently. Called
// from reserve configuration on the single-threaded core path.
func RegisterAsset(asset string) AssetID {
	if id, ok := assetToID[asset]; ok {
		return id
	}
	id := nextAsset
	nextAsset++
	assetToID[asset] = id
	idToAsset[id] = asset
	return id
}

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking (20 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users/strategies, hash for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(name string, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewStrategyAccountKey creates a key for a strategy's advanced-cash account.
func NewStrategyAccountKey(strategyID uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeExternal,
		EntityID: strategyID,
		SubType:  SubTypeExternalStrategies,
		AssetID:  assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		if k.SubType == SubTypeExternalStrategies && k.EntityID != ([16]byte{}) {
			sid := uuid.UUID(k.EntityID)
			return fmt.Sprintf("external:strategy:%s:%s", sid.String(), assetName)
		}
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeScaledDeposit:
		return "scaled_deposit"
	case SubTypeScaledDebt:
		return "scaled_debt"
	case SubTypeSystemReserveCash:
		return "reserve_cash"
	case SubTypeSystemTreasury:
		return "treasury"
	case SubTypeSystemDepositClaims:
		return "deposit_claims"
	case SubTypeSystemDebtClaims:
		return "debt_claims"
	case SubTypeSystemYieldLoss:
		return "yield_loss"
	case SubTypeExternalSuppliers:
		return "suppliers"
	case SubTypeExternalBorrowers:
		return "borrowers"
	case SubTypeExternalBidders:
		return "bidders"
	case SubTypeExternalBuyers:
		return "buyers"
	case SubTypeExternalStrategies:
		return "strategies"
	default:
		return "unknown"
	}
}
