package event

import (
	"InsuranceLedger/internal/types"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// ClaimRequested asks the engine to pay a provider's accrued insurance
// fees without changing liquidity. Claims arrive through the API and are
// not sequence-checked.
// Idempotency key: request_id.
type ClaimRequested struct {
	RequestID uuid.UUID
	Caller    types.Address
	Pool      types.PoolID
	Provider  types.Address
	Timestamp time.Time
}

func (e *ClaimRequested) IdempotencyKey() string { return e.RequestID.String() }
func (e *ClaimRequested) EventType() EventType   { return EventTypeClaimRequested }
func (e *ClaimRequested) PoolID() *types.PoolID  { return poolRef(e.Pool) }
func (e *ClaimRequested) Partition() string      { return "" }
func (e *ClaimRequested) SourceSequence() int64  { return 0 }
func (e *ClaimRequested) EventTime() time.Time   { return e.Timestamp }

// WithdrawRequested records a direct onWithdrawLiquidity call. It fails
// when nothing is owed, unlike the LiquidityRemoved hook.
type WithdrawRequested struct {
	RequestID        uuid.UUID
	Caller           types.Address
	Pool             types.PoolID
	Provider         types.Address
	LiquidityRemoved sdkmath.Int
	Timestamp        time.Time
}

func (e *WithdrawRequested) IdempotencyKey() string { return e.RequestID.String() }
func (e *WithdrawRequested) EventType() EventType   { return EventTypeWithdrawRequested }
func (e *WithdrawRequested) PoolID() *types.PoolID  { return poolRef(e.Pool) }
func (e *WithdrawRequested) Partition() string      { return "" }
func (e *WithdrawRequested) SourceSequence() int64  { return 0 }
func (e *WithdrawRequested) EventTime() time.Time   { return e.Timestamp }

// FlashLoan outcomes recorded on FlashLoanRequested.
const (
	FlashOutcomeSuccess         = "success"
	FlashOutcomeCallbackFailed  = "callback_failed"
	FlashOutcomeRepaymentFailed = "repayment_failed"
)

// FlashLoanRequested records a flash loan for the event log. The borrower's
// data blob is never persisted. Outcome and Fee are filled in by the engine
// before the loan is committed.
type FlashLoanRequested struct {
	RequestID uuid.UUID
	Initiator types.Address
	Receiver  types.Address
	Token     types.Token
	Amount    sdkmath.Int
	Fee       sdkmath.Int
	Outcome   string
	Timestamp time.Time
}

func (e *FlashLoanRequested) IdempotencyKey() string { return e.RequestID.String() }
func (e *FlashLoanRequested) EventType() EventType   { return EventTypeFlashLoanRequested }
func (e *FlashLoanRequested) PoolID() *types.PoolID  { return nil }
func (e *FlashLoanRequested) Partition() string      { return "" }
func (e *FlashLoanRequested) SourceSequence() int64  { return 0 }
func (e *FlashLoanRequested) EventTime() time.Time   { return e.Timestamp }
