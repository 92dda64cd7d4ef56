package event

import (
	"InsuranceLedger/internal/types"

	sdkmath "cosmossdk.io/math"
)

// EmittedKind discriminates events the engine emits on commit.
type EmittedKind string

const (
	KindInsuranceFeeCollected EmittedKind = "InsuranceFeeCollected"
	KindInsuranceFeesClaimed  EmittedKind = "InsuranceFeesClaimed"
	KindFlashLoanExecuted     EmittedKind = "FlashLoanExecuted"
)

// Emitted is an engine event. Emitted events are buffered inside the
// operation's transaction and dropped if it rolls back.
type Emitted interface {
	Kind() EmittedKind
}

type InsuranceFeeCollected struct {
	Pool        types.PoolID `json:"pool_id"`
	Token       types.Token  `json:"token"`
	TradeAmount sdkmath.Int  `json:"trade_amount"`
	FeeAmount   sdkmath.Int  `json:"fee_amount"`
}

func (InsuranceFeeCollected) Kind() EmittedKind { return KindInsuranceFeeCollected }

type InsuranceFeesClaimed struct {
	Pool     types.PoolID  `json:"pool_id"`
	Provider types.Address `json:"provider"`
	Token0   types.Token   `json:"token0"`
	Token1   types.Token   `json:"token1"`
	Fees0    sdkmath.Int   `json:"fees0"`
	Fees1    sdkmath.Int   `json:"fees1"`
}

func (InsuranceFeesClaimed) Kind() EmittedKind { return KindInsuranceFeesClaimed }

// FeeShare is one pool's cut of a flash loan fee.
type FeeShare struct {
	Pool   types.PoolID `json:"pool_id"`
	Amount sdkmath.Int  `json:"amount"`
}

type FlashLoanExecuted struct {
	Borrower  types.Address `json:"borrower"`
	Initiator types.Address `json:"initiator"`
	Token     types.Token   `json:"token"`
	Amount    sdkmath.Int   `json:"amount"`
	Fee       sdkmath.Int   `json:"fee"`
	Shares    []FeeShare    `json:"shares"`
}

func (FlashLoanExecuted) Kind() EmittedKind { return KindFlashLoanExecuted }
