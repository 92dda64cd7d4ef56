// Package settlement moves tokens between the lender and outside parties.
// The engine never touches balances directly: every disbursement, payout
// and repayment pull goes through a Bank, and the Bank participates in the
// engine's transactions through Snapshot and RevertToSnapshot.
package settlement

import (
	"InsuranceLedger/internal/types"

	sdkmath "cosmossdk.io/math"
)

// Transfer is one executed (or, for host settlement, requested) movement.
// Spender is set when the movement consumed an allowance.
type Transfer struct {
	Token   types.Token   `json:"token"`
	From    types.Address `json:"from"`
	To      types.Address `json:"to"`
	Spender types.Address `json:"spender,omitempty"`
	Amount  sdkmath.Int   `json:"amount"`
}

// Bank is the token transfer surface the engine depends on.
type Bank interface {
	// Transfer moves amount from one holder to another.
	Transfer(token types.Token, from, to types.Address, amount sdkmath.Int) error
	// TransferFrom moves amount out of from, consuming the allowance
	// from granted to spender.
	TransferFrom(token types.Token, spender, from, to types.Address, amount sdkmath.Int) error

	// Snapshot returns an id that RevertToSnapshot can roll back to.
	Snapshot() int
	RevertToSnapshot(id int)
	// Commit finalizes everything since the last commit and returns the
	// transfers made in that span.
	Commit() []Transfer
}

// Stateful is implemented by banks that hold balances the engine must
// snapshot and restore alongside its own state.
type Stateful interface {
	Export() BankState
	Import(BankState)
}

// Mode selects the Bank implementation.
type Mode string

const (
	ModeMemory Mode = "memory"
	ModeHost   Mode = "host"
)

func (m Mode) Valid() bool {
	return m == ModeMemory || m == ModeHost
}
