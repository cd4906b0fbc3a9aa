package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdraw
	JournalTypeScaledDepositMint
	JournalTypeScaledDepositBurn
	JournalTypeBorrowDraw
	JournalTypeRepayPrincipal
	JournalTypeScaledDebtMint
	JournalTypeScaledDebtBurn
	JournalTypeBidEscrow
	JournalTypeBidRefund
	JournalTypeBidFine
	JournalTypeSurplusPayout
	JournalTypeLiquidationSettle
	JournalTypeBuyoutSettle
	JournalTypeStrategyAdvance
	JournalTypeStrategyWithdraw
	JournalTypeHarvestGain
	JournalTypeHarvestLoss
	JournalTypeTreasuryFee
	JournalTypeAdjustment
)

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID    // Unique identifier
	BatchID       uuid.UUID    // Groups entries of one transition
	EventRef      string       // Idempotency key of source event
	Sequence      int64        // Global event sequence
	DebitAccount  AccountKey   // Account receiving debit (balance increases)
	CreditAccount AccountKey   // Account receiving credit (balance decreases)
	AssetID       AssetID      // Asset being transferred
	Plane         BalancePlane // Cash (wad) or scaled claims
	Amount        *big.Int     // ALWAYS positive; wad on cash plane, scaled units otherwise
	JournalType   JournalType  // Entry type
	Timestamp     int64        // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal entry is a balanced transfer by construction (a single
// positive amount moves from credit account to debit account), so
// Σ debits == Σ credits holds per-entry and per-plane. Multi-leg
// transitions (e.g. redeem with fine and refund) use multiple entries
// under one batch_id.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %v", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		// Entries never cross planes
		if j.DebitAccount.SubType.Plane() != j.Plane || j.CreditAccount.SubType.Plane() != j.Plane {
			return fmt.Errorf("journal %s crosses balance planes", j.JournalID)
		}
	}

	return nil
}
