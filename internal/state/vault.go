// internal/state/vault.go
package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	fpmath "github.com/UnlockdFinance/unlockd-ledger/internal/math"

	"github.com/google/uuid"
)

var (
	ErrStrategyExists          = errors.New("strategy already registered")
	ErrStrategyNotFound        = errors.New("strategy not registered")
	ErrStrategyRevoked         = errors.New("strategy is revoked")
	ErrDebtRatioBudgetExceeded = errors.New("debt ratio budget exceeded")
	ErrStrategyDebtOutstanding = errors.New("strategy still holds debt")
)

// StrategyRecord is the allocation record for one registered strategy on a
// reserve. TotalDebt is the cash currently advanced; TotalGain/TotalLoss
// accumulate every harvest's reconciliation.
type StrategyRecord struct {
	StrategyID        uuid.UUID
	Asset             string
	DebtRatioBps      uint64
	TotalDebt         *big.Int // wad
	TotalGain         *big.Int // wad
	TotalLoss         *big.Int // wad
	MinDebtPerHarvest *big.Int // wad
	MaxDebtPerHarvest *big.Int // wad
	Revoked           bool
	QueuePos          int
	Version           int64
}

// HarvestResult is the reconciliation of one strategy report.
// Exactly one of Gain/Loss is non-zero; exactly one of Advance/Withdraw is
// non-zero (both may be zero when the strategy sits at target).
type HarvestResult struct {
	Gain     *big.Int
	Loss     *big.Int
	Advance  *big.Int
	Withdraw *big.Int
}

// VaultAllocator manages each reserve's strategy queue under the 10000 bps
// debt-ratio budget. It only computes and records allocations; cash
// movement happens through the ledger.
type VaultAllocator struct {
	byReserve map[string][]*StrategyRecord // queue order
	byID      map[uuid.UUID]*StrategyRecord
}

func NewVaultAllocator() *VaultAllocator {
	return &VaultAllocator{
		byReserve: make(map[string][]*StrategyRecord),
		byID:      make(map[uuid.UUID]*StrategyRecord),
	}
}

func (va *VaultAllocator) Get(strategyID uuid.UUID) (*StrategyRecord, bool) {
	r, ok := va.byID[strategyID]
	return r, ok
}

// Queue returns a reserve's strategies in withdrawal-queue order.
func (va *VaultAllocator) Queue(asset string) []*StrategyRecord {
	return va.byReserve[asset]
}

// TotalRatioBps sums a reserve's budgeted debt ratios.
func (va *VaultAllocator) TotalRatioBps(asset string) uint64 {
	var total uint64
	for _, r := range va.byReserve[asset] {
		total += r.DebtRatioBps
	}
	return total
}

func validateStrategyParams(debtRatioBps uint64, minDebt, maxDebt *big.Int) error {
	if debtRatioBps > fpmath.BpsDenominator {
		return fmt.Errorf("debt_ratio_bps must be <= 10000, got %d", debtRatioBps)
	}
	if minDebt == nil || minDebt.Sign() < 0 {
		return fmt.Errorf("min_debt_per_harvest must be >= 0")
	}
	if maxDebt == nil || maxDebt.Sign() <= 0 {
		return fmt.Errorf("max_debt_per_harvest must be > 0")
	}
	if minDebt.Cmp(maxDebt) > 0 {
		return fmt.Errorf("min_debt_per_harvest %v exceeds max %v", minDebt, maxDebt)
	}
	return nil
}

// AddStrategy registers a strategy at the back of the reserve's queue.
// The reserve's budget (Σ debt ratios ≤ 10000 bps) is enforced here.
func (va *VaultAllocator) AddStrategy(
	asset string,
	strategyID uuid.UUID,
	debtRatioBps uint64,
	minDebt, maxDebt *big.Int,
) (*StrategyRecord, error) {
	if _, exists := va.byID[strategyID]; exists {
		return nil, fmt.Errorf("strategy %s: %w", strategyID, ErrStrategyExists)
	}
	if err := validateStrategyParams(debtRatioBps, minDebt, maxDebt); err != nil {
		return nil, err
	}
	if va.TotalRatioBps(asset)+debtRatioBps > fpmath.BpsDenominator {
		return nil, fmt.Errorf("%s: %d + %d > 10000: %w",
			asset, va.TotalRatioBps(asset), debtRatioBps, ErrDebtRatioBudgetExceeded)
	}

	record := &StrategyRecord{
		StrategyID:        strategyID,
		Asset:             asset,
		DebtRatioBps:      debtRatioBps,
		TotalDebt:         new(big.Int),
		TotalGain:         new(big.Int),
		TotalLoss:         new(big.Int),
		MinDebtPerHarvest: new(big.Int).Set(minDebt),
		MaxDebtPerHarvest: new(big.Int).Set(maxDebt),
		QueuePos:          len(va.byReserve[asset]),
	}
	va.byReserve[asset] = append(va.byReserve[asset], record)
	va.byID[strategyID] = record
	return record, nil
}

// UpdateParams adjusts a strategy's ratio and harvest bounds under the
// same budget check.
func (va *VaultAllocator) UpdateParams(
	strategyID uuid.UUID,
	debtRatioBps uint64,
	minDebt, maxDebt *big.Int,
) error {
	record, ok := va.byID[strategyID]
	if !ok {
		return fmt.Errorf("strategy %s: %w", strategyID, ErrStrategyNotFound)
	}
	if record.Revoked {
		return fmt.Errorf("strategy %s: %w", strategyID, ErrStrategyRevoked)
	}
	if err := validateStrategyParams(debtRatioBps, minDebt, maxDebt); err != nil {
		return err
	}
	if va.TotalRatioBps(record.Asset)-record.DebtRatioBps+debtRatioBps > fpmath.BpsDenominator {
		return fmt.Errorf("%s: %w", record.Asset, ErrDebtRatioBudgetExceeded)
	}

	record.DebtRatioBps = debtRatioBps
	record.MinDebtPerHarvest = new(big.Int).Set(minDebt)
	record.MaxDebtPerHarvest = new(big.Int).Set(maxDebt)
	record.Version++
	return nil
}

// Revoke forces the ratio to zero and marks the record for wind-down. The
// next harvests drain its debt; RemoveFromQueue completes the removal.
func (va *VaultAllocator) Revoke(strategyID uuid.UUID) error {
	record, ok := va.byID[strategyID]
	if !ok {
		return fmt.Errorf("strategy %s: %w", strategyID, ErrStrategyNotFound)
	}
	record.DebtRatioBps = 0
	record.Revoked = true
	record.Version++
	return nil
}

// RemoveFromQueue drops a fully wound-down strategy.
func (va *VaultAllocator) RemoveFromQueue(strategyID uuid.UUID) error {
	record, ok := va.byID[strategyID]
	if !ok {
		return fmt.Errorf("strategy %s: %w", strategyID, ErrStrategyNotFound)
	}
	if record.TotalDebt.Sign() != 0 {
		return fmt.Errorf("strategy %s holds %v: %w", strategyID, record.TotalDebt, ErrStrategyDebtOutstanding)
	}

	queue := va.byReserve[record.Asset]
	out := queue[:0]
	for _, r := range queue {
		if r.StrategyID != strategyID {
			out = append(out, r)
		}
	}
	for i, r := range out {
		r.QueuePos = i
	}
	va.byReserve[record.Asset] = out
	delete(va.byID, strategyID)
	return nil
}

// Harvest reconciles a strategy's reported total assets against its
// recorded debt, mutates the record, and returns the resulting cash plan.
//
// Gain (totalAssets > totalDebt) is pulled into reserve liquidity and
// credited to TotalGain. Loss immediately cuts the debt ratio
// proportionally (ratio -= ratio × loss / totalDebt) and is recorded in
// TotalLoss; nothing is silently written off. Afterwards the strategy's
// target debt is recomputed against reserve TVL and the delta — clamped to
// [MinDebtPerHarvest, MaxDebtPerHarvest] — becomes an advance or a
// withdrawal request. A strategy is never advanced more than
// MaxDebtPerHarvest in a single harvest, whatever its target implies.
func (va *VaultAllocator) Harvest(
	record *StrategyRecord,
	totalAssets *big.Int,
	reserveTVL *big.Int,
) *HarvestResult {
	result := &HarvestResult{
		Gain:     new(big.Int),
		Loss:     new(big.Int),
		Advance:  new(big.Int),
		Withdraw: new(big.Int),
	}

	switch totalAssets.Cmp(record.TotalDebt) {
	case 1:
		result.Gain.Sub(totalAssets, record.TotalDebt)
		record.TotalGain.Add(record.TotalGain, result.Gain)
	case -1:
		result.Loss.Sub(record.TotalDebt, totalAssets)
		record.TotalLoss.Add(record.TotalLoss, result.Loss)

		// Proportional ratio cut: ratio -= ratio * loss / totalDebt
		if record.TotalDebt.Sign() > 0 && record.DebtRatioBps > 0 {
			cut := new(big.Int).SetUint64(record.DebtRatioBps)
			cut.Mul(cut, result.Loss)
			cut.Quo(cut, record.TotalDebt)
			if cut.Uint64() >= record.DebtRatioBps {
				record.DebtRatioBps = 0
			} else {
				record.DebtRatioBps -= cut.Uint64()
			}
		}
		record.TotalDebt.Sub(record.TotalDebt, result.Loss)
	}

	target := fpmath.PercentMul(reserveTVL, record.DebtRatioBps)
	if record.Revoked {
		target = new(big.Int)
	}

	switch record.TotalDebt.Cmp(target) {
	case -1:
		delta := new(big.Int).Sub(target, record.TotalDebt)
		if delta.Cmp(record.MaxDebtPerHarvest) > 0 {
			delta.Set(record.MaxDebtPerHarvest)
		}
		if delta.Cmp(record.MinDebtPerHarvest) >= 0 {
			result.Advance.Set(delta)
			record.TotalDebt.Add(record.TotalDebt, delta)
		}
	case 1:
		delta := new(big.Int).Sub(record.TotalDebt, target)
		if delta.Cmp(record.MaxDebtPerHarvest) > 0 {
			delta.Set(record.MaxDebtPerHarvest)
		}
		result.Withdraw.Set(delta)
		record.TotalDebt.Sub(record.TotalDebt, delta)
	}

	record.Version++
	return result
}

// WithdrawalInstruction asks one strategy to return cash to the reserve.
type WithdrawalInstruction struct {
	StrategyID uuid.UUID
	Amount     *big.Int
}

// PlanLiquidityWithdrawal walks the queue collecting enough deployed cash
// to cover a shortfall (a borrow or withdrawal larger than idle liquidity).
// The second return is false when deployed cash cannot cover the shortfall.
// Planning never mutates a record; the caller applies the plan with
// ApplyWithdrawalPlan once the rest of the transition has validated, so a
// rejection leaves the allocator unchanged.
func (va *VaultAllocator) PlanLiquidityWithdrawal(asset string, shortfall *big.Int) ([]WithdrawalInstruction, bool) {
	remaining := new(big.Int).Set(shortfall)
	var plan []WithdrawalInstruction

	for _, record := range va.byReserve[asset] {
		if remaining.Sign() <= 0 {
			break
		}
		if record.TotalDebt.Sign() <= 0 {
			continue
		}
		take := fpmath.Min(record.TotalDebt, remaining)
		amount := new(big.Int).Set(take)
		plan = append(plan, WithdrawalInstruction{StrategyID: record.StrategyID, Amount: amount})
		remaining.Sub(remaining, amount)
	}

	if remaining.Sign() > 0 {
		return nil, false
	}
	return plan, true
}

// ApplyWithdrawalPlan debits each instructed strategy's outstanding debt.
func (va *VaultAllocator) ApplyWithdrawalPlan(plan []WithdrawalInstruction) {
	for _, instr := range plan {
		record, ok := va.byID[instr.StrategyID]
		if !ok {
			continue
		}
		record.TotalDebt.Sub(record.TotalDebt, instr.Amount)
		record.Version++
	}
}

// AllRecords returns every record in deterministic (asset, queue) order.
func (va *VaultAllocator) AllRecords() []*StrategyRecord {
	assets := make([]string, 0, len(va.byReserve))
	for a := range va.byReserve {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	var out []*StrategyRecord
	for _, a := range assets {
		out = append(out, va.byReserve[a]...)
	}
	return out
}

// Restore reinstalls a record from a snapshot, preserving queue order.
func (va *VaultAllocator) Restore(record *StrategyRecord) {
	va.byID[record.StrategyID] = record
	queue := va.byReserve[record.Asset]
	queue = append(queue, record)
	sort.Slice(queue, func(i, j int) bool { return queue[i].QueuePos < queue[j].QueuePos })
	va.byReserve[record.Asset] = queue
}

// CanonicalBytes returns deterministic serialization for hashing
func (r *StrategyRecord) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, r.StrategyID[:]...)
	buf = append(buf, byte(len(r.Asset)))
	buf = append(buf, []byte(r.Asset)...)
	buf = appendUint64LE(buf, r.DebtRatioBps)
	buf = appendBigInt(buf, r.TotalDebt)
	buf = appendBigInt(buf, r.TotalGain)
	buf = appendBigInt(buf, r.TotalLoss)
	buf = appendBigInt(buf, r.MinDebtPerHarvest)
	buf = appendBigInt(buf, r.MaxDebtPerHarvest)
	buf = append(buf, boolByte(r.Revoked))
	buf = appendInt64LE(buf, int64(r.QueuePos))
	return buf
}
