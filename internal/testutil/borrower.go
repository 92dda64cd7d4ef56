package testutil

import (
	"InsuranceLedger/internal/settlement"
	"InsuranceLedger/internal/types"
	"context"

	sdkmath "cosmossdk.io/math"
)

// Borrower is a scriptable flash loan receiver. By default it approves the
// lender for principal plus fee and returns the success sentinel.
type Borrower struct {
	Addr   types.Address
	Lender types.Address
	Bank   *settlement.MemoryBank

	// Returned overrides the sentinel when non-nil.
	Returned *[32]byte
	// Err is returned from the callback when set.
	Err error
	// SkipApprove leaves the lender without an allowance.
	SkipApprove bool
	// During runs first, e.g. to re-enter the engine.
	During func(ctx context.Context, token types.Token, amount, fee sdkmath.Int) error

	Calls     int
	LastFee   sdkmath.Int
	LastToken types.Token
}

func (b *Borrower) Address() types.Address {
	return b.Addr
}

func (b *Borrower) OnFlashLoan(
	ctx context.Context,
	_ types.Address,
	token types.Token,
	amount sdkmath.Int,
	fee sdkmath.Int,
	_ []byte,
) ([32]byte, error) {
	b.Calls++
	b.LastFee = fee
	b.LastToken = token

	if b.During != nil {
		if err := b.During(ctx, token, amount, fee); err != nil {
			return [32]byte{}, err
		}
	}
	if b.Err != nil {
		return [32]byte{}, b.Err
	}
	if !b.SkipApprove {
		if err := b.Bank.Approve(token, b.Addr, b.Lender, amount.Add(fee)); err != nil {
			return [32]byte{}, err
		}
	}
	if b.Returned != nil {
		return *b.Returned, nil
	}
	return types.FlashCallbackSuccess, nil
}
