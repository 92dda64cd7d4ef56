package types

import (
	"errors"
	"fmt"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
)

const Codespace = "insurance"

// Sentinel errors. Codes are stable and part of the gRPC error details.
var (
	ErrInvalidAmount         = errorsmod.Register(Codespace, 2, "invalid amount")
	ErrInvalidToken          = errorsmod.Register(Codespace, 3, "token is not part of pool")
	ErrUnsupportedToken      = errorsmod.Register(Codespace, 4, "unsupported token")
	ErrPoolNotFound          = errorsmod.Register(Codespace, 5, "pool not found")
	ErrPoolExists            = errorsmod.Register(Codespace, 6, "pool already exists")
	ErrInvalidPool           = errorsmod.Register(Codespace, 7, "invalid pool definition")
	ErrInsufficientFunds     = errorsmod.Register(Codespace, 8, "insufficient funds")
	ErrInsufficientLiquidity = errorsmod.Register(Codespace, 9, "insufficient liquidity")
	ErrNoFeesToClaim         = errorsmod.Register(Codespace, 10, "no fees to claim")
	ErrCallbackFailed        = errorsmod.Register(Codespace, 11, "flash loan callback failed")
	ErrRepaymentFailed       = errorsmod.Register(Codespace, 12, "flash loan repayment failed")
	ErrFeeCalculator         = errorsmod.Register(Codespace, 13, "fee calculator failure")
	ErrSettlement            = errorsmod.Register(Codespace, 14, "settlement transfer failed")
	ErrUnauthorized          = errorsmod.Register(Codespace, 15, "unauthorized caller")
	ErrReentrancy            = errorsmod.Register(Codespace, 16, "reentrant call")
	ErrOverflow              = errorsmod.Register(Codespace, 17, "arithmetic overflow")
)

// ErrorKind groups errors by how a caller should react to them.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindResources
	KindCounterparty
	KindAuthorization
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindResources:
		return "resources"
	case KindCounterparty:
		return "counterparty"
	case KindAuthorization:
		return "authorization"
	default:
		return "unknown"
	}
}

var kindBySentinel = []struct {
	err  *errorsmod.Error
	kind ErrorKind
}{
	{ErrCallbackFailed, KindCounterparty},
	{ErrRepaymentFailed, KindCounterparty},
	{ErrFeeCalculator, KindCounterparty},
	{ErrSettlement, KindCounterparty},
	{ErrInvalidAmount, KindValidation},
	{ErrInvalidToken, KindValidation},
	{ErrUnsupportedToken, KindValidation},
	{ErrPoolNotFound, KindValidation},
	{ErrPoolExists, KindValidation},
	{ErrInvalidPool, KindValidation},
	{ErrOverflow, KindValidation},
	{ErrInsufficientFunds, KindResources},
	{ErrInsufficientLiquidity, KindResources},
	{ErrNoFeesToClaim, KindResources},
	{ErrUnauthorized, KindAuthorization},
	{ErrReentrancy, KindAuthorization},
}

// Kind classifies err. Counterparty failures win when a callback error wraps
// another sentinel. Errors outside this codespace are KindUnknown.
func Kind(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	for _, entry := range kindBySentinel {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindUnknown
}

// InsufficientFundsError is returned when a ledger debit exceeds totalFunds
// or a pool contribution.
type InsufficientFundsError struct {
	Token     Token
	Pool      PoolID
	Requested sdkmath.Int
	Available sdkmath.Int
}

func (e *InsufficientFundsError) Error() string {
	if e.Pool != "" {
		return fmt.Sprintf("insufficient funds: token %s pool %s requested %s available %s",
			e.Token, e.Pool, e.Requested, e.Available)
	}
	return fmt.Sprintf("insufficient funds: token %s requested %s available %s",
		e.Token, e.Requested, e.Available)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// InsufficientLiquidityError is returned when a flash loan exceeds the ledger.
type InsufficientLiquidityError struct {
	Token     Token
	Requested sdkmath.Int
	Available sdkmath.Int
}

func (e *InsufficientLiquidityError) Error() string {
	return fmt.Sprintf("insufficient liquidity: token %s requested %s available %s",
		e.Token, e.Requested, e.Available)
}

func (e *InsufficientLiquidityError) Unwrap() error { return ErrInsufficientLiquidity }

// CallbackError describes a borrower callback that failed or returned the
// wrong sentinel. Cause is nil when the callback returned normally.
type CallbackError struct {
	Borrower Address
	Token    Token
	Amount   sdkmath.Int
	Returned [32]byte
	Cause    error
}

func (e *CallbackError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("flash loan callback failed: borrower %s token %s amount %s: %v",
			e.Borrower, e.Token, e.Amount, e.Cause)
	}
	return fmt.Sprintf("flash loan callback failed: borrower %s token %s amount %s returned %x",
		e.Borrower, e.Token, e.Amount, e.Returned)
}

func (e *CallbackError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrCallbackFailed, e.Cause}
	}
	return []error{ErrCallbackFailed}
}

// RepaymentError is returned when principal plus fee cannot be pulled back.
type RepaymentError struct {
	Borrower Address
	Token    Token
	Owed     sdkmath.Int
	Cause    error
}

func (e *RepaymentError) Error() string {
	return fmt.Sprintf("flash loan repayment failed: borrower %s token %s owed %s: %v",
		e.Borrower, e.Token, e.Owed, e.Cause)
}

func (e *RepaymentError) Unwrap() error { return ErrRepaymentFailed }

// UnauthorizedError is returned when a restricted entrypoint is called by
// someone other than the expected caller.
type UnauthorizedError struct {
	Caller    Address
	Operation string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized: %s may not call %s", e.Caller, e.Operation)
}

func (e *UnauthorizedError) Unwrap() error { return ErrUnauthorized }
