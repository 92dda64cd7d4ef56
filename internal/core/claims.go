package core

import (
	"InsuranceLedger/internal/event"
	fpmath "InsuranceLedger/internal/math"
	"InsuranceLedger/internal/ledger"
	"InsuranceLedger/internal/types"
	"context"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// OnWithdrawLiquidity pays the fees owed on liquidityRemoved units and
// shrinks the position. It fails with NoFeesToClaim when nothing is owed.
// The caller must be the provider or the host.
func (c *DeterministicCore) OnWithdrawLiquidity(
	ctx context.Context,
	caller types.Address,
	pool types.PoolID,
	provider types.Address,
	liquidityRemoved sdkmath.Int,
) (sdkmath.Int, sdkmath.Int, error) {
	paid, err := c.withdraw(ctx, &event.WithdrawRequested{
		RequestID:        uuid.New(),
		Caller:           caller,
		Pool:             pool,
		Provider:         provider,
		LiquidityRemoved: liquidityRemoved,
		Timestamp:        c.cfg.Clock(),
	})
	return paid[0], paid[1], err
}

func (c *DeterministicCore) withdraw(ctx context.Context, evt *event.WithdrawRequested) ([2]sdkmath.Int, error) {
	release, err := c.guard.Enter("onWithdrawLiquidity")
	if err != nil {
		return zeroPair(), err
	}
	defer release()

	var paid [2]sdkmath.Int
	err = c.atomic("onWithdrawLiquidity", evt, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.requireHostOrProvider(evt.Caller, evt.Provider, "onWithdrawLiquidity"); err != nil {
			return err
		}
		if !c.registry.Exists(evt.Pool) {
			return types.ErrPoolNotFound.Wrapf("pool %s", evt.Pool)
		}

		removed := fpmath.OrZero(evt.LiquidityRemoved)
		if removed.IsNegative() {
			return types.ErrInvalidAmount.Wrapf("liquidity removed %s", removed)
		}
		if removed.IsZero() {
			return types.ErrNoFeesToClaim.Wrapf("provider %s removes no liquidity from pool %s", evt.Provider, evt.Pool)
		}

		var err error
		paid, err = c.collect(evt.Pool, evt.Provider, removed)
		if err != nil {
			return err
		}
		if paid[0].IsZero() && paid[1].IsZero() {
			return types.ErrNoFeesToClaim.Wrapf("provider %s in pool %s", evt.Provider, evt.Pool)
		}
		return nil
	})
	if err != nil {
		return zeroPair(), err
	}
	return paid, nil
}

// ClaimInsuranceFees pays everything the provider is owed without changing
// liquidity. The caller must be the provider or the host.
func (c *DeterministicCore) ClaimInsuranceFees(
	ctx context.Context,
	caller types.Address,
	pool types.PoolID,
	provider types.Address,
) (sdkmath.Int, sdkmath.Int, error) {
	paid, err := c.claim(ctx, &event.ClaimRequested{
		RequestID: uuid.New(),
		Caller:    caller,
		Pool:      pool,
		Provider:  provider,
		Timestamp: c.cfg.Clock(),
	})
	return paid[0], paid[1], err
}

func (c *DeterministicCore) claim(ctx context.Context, evt *event.ClaimRequested) ([2]sdkmath.Int, error) {
	release, err := c.guard.Enter("claimInsuranceFees")
	if err != nil {
		return zeroPair(), err
	}
	defer release()

	var paid [2]sdkmath.Int
	err = c.atomic("claimInsuranceFees", evt, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.requireHostOrProvider(evt.Caller, evt.Provider, "claimInsuranceFees"); err != nil {
			return err
		}

		var err error
		paid, err = c.collect(evt.Pool, evt.Provider, sdkmath.ZeroInt())
		if err != nil {
			return err
		}
		if paid[0].IsZero() && paid[1].IsZero() {
			return types.ErrNoFeesToClaim.Wrapf("provider %s in pool %s", evt.Provider, evt.Pool)
		}
		return nil
	})
	if err != nil {
		return zeroPair(), err
	}
	return paid, nil
}

// GetClaimableInsuranceFees returns what ClaimInsuranceFees would pay now.
func (c *DeterministicCore) GetClaimableInsuranceFees(pool types.PoolID, provider types.Address) (sdkmath.Int, sdkmath.Int, error) {
	pending, err := c.registry.Pending(pool, provider)
	if err != nil {
		return sdkmath.ZeroInt(), sdkmath.ZeroInt(), err
	}
	return pending[0], pending[1], nil
}

// collect settles the provider's fees in the registry, releases them from
// the ledger and transfers them out. liquidityRemoved zero claims
// everything without changing the position.
func (c *DeterministicCore) collect(pool types.PoolID, provider types.Address, liquidityRemoved sdkmath.Int) ([2]sdkmath.Int, error) {
	view, err := c.registry.Get(pool)
	if err != nil {
		return zeroPair(), err
	}

	paid, err := c.registry.Collect(pool, provider, liquidityRemoved)
	if err != nil {
		return zeroPair(), err
	}

	for side := types.Side0; side <= types.Side1; side++ {
		amount := paid[side]
		if !amount.IsPositive() {
			continue
		}
		token := view.Token(side)
		if err := c.ledger.Release(token, pool, amount, provider, ledger.JournalTypeInsuranceClaim); err != nil {
			return zeroPair(), err
		}
		if err := c.bank.Transfer(token, c.cfg.Lender, provider, amount); err != nil {
			return zeroPair(), err
		}
	}

	if paid[0].IsPositive() || paid[1].IsPositive() {
		c.emitEvent(event.InsuranceFeesClaimed{
			Pool:     pool,
			Provider: provider,
			Token0:   view.Token0,
			Token1:   view.Token1,
			Fees0:    paid[0],
			Fees1:    paid[1],
		})
	}
	return paid, nil
}
