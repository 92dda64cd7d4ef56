package ledger

import (
	"InsuranceLedger/internal/types"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeInsuranceFee JournalType = iota
	JournalTypeInsuranceClaim
	JournalTypeFlashDisburse
	JournalTypeFlashRepay
	JournalTypeFlashFeeDistribution
	JournalTypeAdjustment
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeInsuranceFee:
		return "insurance_fee"
	case JournalTypeInsuranceClaim:
		return "insurance_claim"
	case JournalTypeFlashDisburse:
		return "flash_disburse"
	case JournalTypeFlashRepay:
		return "flash_repay"
	case JournalTypeFlashFeeDistribution:
		return "flash_fee_distribution"
	case JournalTypeAdjustment:
		return "adjustment"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups entries of one committed operation
	EventRef      string      // Idempotency key of source operation
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Token         types.Token // Token being moved
	Amount        sdkmath.Int // ALWAYS positive
	JournalType   JournalType // Entry type
	Timestamp     int64       // Operation timestamp (unix microseconds)
}

// Batch represents the journal entries of one committed operation
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry is balanced by
// construction: a single positive amount moves from credit to debit.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount.IsNil() || !j.Amount.IsPositive() {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Token != j.Token || j.CreditAccount.Token != j.Token {
			return fmt.Errorf("journal %s moves between tokens", j.JournalID)
		}
	}

	return nil
}
