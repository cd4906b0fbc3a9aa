package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

func (bt *BalanceTracker) get(key AccountKey) *big.Int {
	if b, ok := bt.balances[key]; ok {
		return b
	}
	b := new(big.Int)
	bt.balances[key] = b
	return b
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	debit := bt.get(j.DebitAccount)
	debit.Add(debit, j.Amount)
	credit := bt.get(j.CreditAccount)
	credit.Sub(credit, j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns a copy of the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if b, ok := bt.balances[key]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// === User Balance Queries ===

// GetUserScaledDeposit returns the holder's scaled deposit claim
func (bt *BalanceTracker) GetUserScaledDeposit(userID uuid.UUID, assetID AssetID) *big.Int {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeScaledDeposit, assetID))
}

// GetUserScaledDebt returns the holder's scaled variable-debt claim
func (bt *BalanceTracker) GetUserScaledDebt(userID uuid.UUID, assetID AssetID) *big.Int {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeScaledDebt, assetID))
}

// GetReserveCash returns a reserve's available (non-deployed) liquidity
func (bt *BalanceTracker) GetReserveCash(asset string, assetID AssetID) *big.Int {
	return bt.GetBalance(NewSystemAccountKey(asset, SubTypeSystemReserveCash, assetID))
}

// GetTreasury returns the protocol treasury balance for an asset
func (bt *BalanceTracker) GetTreasury(assetID AssetID) *big.Int {
	return bt.GetBalance(NewSystemAccountKey("treasury", SubTypeSystemTreasury, assetID))
}

// GetStrategyCash returns cash currently advanced to a strategy
func (bt *BalanceTracker) GetStrategyCash(strategyID uuid.UUID, assetID AssetID) *big.Int {
	return bt.GetBalance(NewStrategyAccountKey(strategyID, assetID))
}

// === Invariant Checks ===

// ValidateScaledDepositNonNegative checks scaled deposit >= 0
func (bt *BalanceTracker) ValidateScaledDepositNonNegative(userID uuid.UUID, assetID AssetID) error {
	return bt.ValidateNonNegative(NewUserAccountKey(userID, SubTypeScaledDeposit, assetID))
}

// ValidateScaledDebtNonNegative checks scaled debt >= 0
func (bt *BalanceTracker) ValidateScaledDebtNonNegative(userID uuid.UUID, assetID AssetID) error {
	return bt.ValidateNonNegative(NewUserAccountKey(userID, SubTypeScaledDebt, assetID))
}

// ValidateSufficientScaledDeposit checks a withdrawal fits the holder's claim
func (bt *BalanceTracker) ValidateSufficientScaledDeposit(userID uuid.UUID, assetID AssetID, required *big.Int) error {
	have := bt.GetUserScaledDeposit(userID, assetID)
	if have.Cmp(required) < 0 {
		return fmt.Errorf("insufficient scaled deposit: have=%v, need=%v", have, required)
	}
	return nil
}

// ValidateSufficientReserveCash checks a reserve can cover an outflow
func (bt *BalanceTracker) ValidateSufficientReserveCash(asset string, assetID AssetID, required *big.Int) error {
	have := bt.GetReserveCash(asset, assetID)
	if have.Cmp(required) < 0 {
		return fmt.Errorf("insufficient reserve cash for %s: have=%v, need=%v", asset, have, required)
	}
	return nil
}

// planeKey indexes global totals per asset and plane
type planeKey struct {
	AssetID AssetID
	Plane   BalancePlane
}

// ComputeGlobalBalance sums all account balances per (asset, plane).
// Both planes are zero-sum ledgers, so every total should be 0.
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]*big.Int {
	totals := make(map[AssetID]*big.Int)

	for key, balance := range bt.balances {
		t, ok := totals[key.AssetID]
		if !ok {
			t = new(big.Int)
			totals[key.AssetID] = t
		}
		t.Add(t, balance)
	}

	return totals
}

// ComputePlaneBalance sums balances per (asset, plane) for finer checks.
func (bt *BalanceTracker) ComputePlaneBalance() map[AssetID]map[BalancePlane]*big.Int {
	totals := make(map[AssetID]map[BalancePlane]*big.Int)

	for key, balance := range bt.balances {
		byPlane, ok := totals[key.AssetID]
		if !ok {
			byPlane = make(map[BalancePlane]*big.Int)
			totals[key.AssetID] = byPlane
		}
		plane := key.SubType.Plane()
		t, ok := byPlane[plane]
		if !ok {
			t = new(big.Int)
			byPlane[plane] = t
		}
		t.Add(t, balance)
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if b, ok := bt.balances[key]; ok && b.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %v", key.AccountPath(), b)
	}
	return nil
}

// SetBalance overwrites an account balance. Used only during snapshot restore.
func (bt *BalanceTracker) SetBalance(key AccountKey, balance *big.Int) {
	bt.balances[key] = new(big.Int).Set(balance)
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]*big.Int {
	snapshot := make(map[AccountKey]*big.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(big.Int).Set(v)
	}
	return snapshot
}
