package core

import (
	"InsuranceLedger/internal/event"
	fpmath "InsuranceLedger/internal/math"
	"InsuranceLedger/internal/ledger"
	"InsuranceLedger/internal/state"
	"InsuranceLedger/internal/types"
	"context"

	sdkmath "cosmossdk.io/math"
)

// OnPoolInitialized registers a pool. Only the host may call it.
func (c *DeterministicCore) OnPoolInitialized(ctx context.Context, evt *event.PoolInitialized) (types.Selector, error) {
	err := c.atomic("onPoolInitialized", evt, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.requireHost(evt.Host, "onPoolInitialized"); err != nil {
			return err
		}

		key := evt.Key()
		if key.Token0 == "" || key.Token1 == "" || key.Token0 == key.Token1 {
			return types.ErrInvalidPool.Wrapf("tokens %q and %q", key.Token0, key.Token1)
		}
		id := key.ID()
		if evt.Pool != "" && evt.Pool != id {
			return types.ErrInvalidPool.Wrapf("pool id %s does not match key (expected %s)", evt.Pool, id)
		}

		sorted := key.Sorted()
		return c.registry.Register(id, sorted.Token0, sorted.Token1, sorted.FeeTier, evt.Timestamp.Unix())
	})
	if err != nil {
		return types.Selector{}, err
	}
	return types.AfterInitializeSelector, nil
}

// OnLiquidityAdded grows the provider's position by the liquidity units the
// change represents.
func (c *DeterministicCore) OnLiquidityAdded(ctx context.Context, evt *event.LiquidityAdded) (types.Selector, error) {
	err := c.atomic("onLiquidityAdded", evt, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.requireHost(evt.Host, "onLiquidityAdded"); err != nil {
			return err
		}
		if evt.Provider == "" {
			return types.ErrInvalidAmount.Wrap("liquidity provider is required")
		}

		units := state.LiquidityUnits(evt.Amount0, evt.Amount1, evt.LiquidityDelta)
		if !units.IsPositive() {
			return types.ErrInvalidAmount.Wrapf("liquidity change for %s in pool %s has no units", evt.Provider, evt.Pool)
		}
		return c.registry.AddLiquidity(evt.Pool, evt.Provider, units)
	})
	if err != nil {
		return types.Selector{}, err
	}
	return types.AfterAddLiquiditySelector, nil
}

// OnLiquidityRemoved shrinks the provider's position and pays out the fees
// owed on the removed share. Unlike OnWithdrawLiquidity it succeeds when
// nothing is owed, so a removal is never blocked by the insurance layer.
// Removals larger than the tracked position are clamped to it.
func (c *DeterministicCore) OnLiquidityRemoved(ctx context.Context, evt *event.LiquidityRemoved) (types.Selector, [2]sdkmath.Int, error) {
	release, err := c.guard.Enter("onLiquidityRemoved")
	if err != nil {
		return types.Selector{}, zeroPair(), err
	}
	defer release()

	var paid [2]sdkmath.Int
	err = c.atomic("onLiquidityRemoved", evt, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.requireHost(evt.Host, "onLiquidityRemoved"); err != nil {
			return err
		}
		if !c.registry.Exists(evt.Pool) {
			return types.ErrPoolNotFound.Wrapf("pool %s", evt.Pool)
		}

		pos, ok := c.registry.Position(evt.Pool, evt.Provider)
		if !ok || !pos.Liquidity.IsPositive() {
			paid = zeroPair()
			return nil
		}

		units := state.LiquidityUnits(evt.Amount0, evt.Amount1, evt.LiquidityDelta)
		if !units.IsPositive() {
			return types.ErrInvalidAmount.Wrapf("liquidity change for %s in pool %s has no units", evt.Provider, evt.Pool)
		}
		units = fpmath.Min(units, pos.Liquidity)

		var err error
		paid, err = c.collect(evt.Pool, evt.Provider, units)
		return err
	})
	if err != nil {
		return types.Selector{}, zeroPair(), err
	}
	return types.AfterRemoveLiquiditySelector, paid, nil
}

// OnSwap charges the insurance fee on a swap's input leg and attributes it
// to the pool.
func (c *DeterministicCore) OnSwap(ctx context.Context, evt *event.SwapExecuted) (types.Selector, sdkmath.Int, error) {
	fee := sdkmath.ZeroInt()
	err := c.atomic("onSwap", evt, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.requireHost(evt.Host, "onSwap"); err != nil {
			return err
		}

		amount := fpmath.OrZero(evt.TradeAmount)
		if !amount.IsPositive() {
			return types.ErrInvalidAmount.Wrapf("trade amount must be positive, got %s", amount)
		}
		side, err := c.registry.SideOf(evt.Pool, evt.InputToken)
		if err != nil {
			return err
		}

		existing := c.ledger.Contribution(evt.InputToken, evt.Pool)
		charged, err := c.calculator.CalculateInsuranceFee(
			evt.Pool,
			amount,
			existing,
			fpmath.OrZero(evt.PoolLiquidity),
			fpmath.OrZero(evt.Price),
			evt.Timestamp.Unix(),
		)
		if err != nil {
			return types.ErrFeeCalculator.Wrapf("insurance fee for pool %s: %v", evt.Pool, err)
		}
		charged = fpmath.OrZero(charged)
		if charged.IsNegative() || charged.GT(amount) {
			return types.ErrFeeCalculator.Wrapf("insurance fee %s outside [0, %s]", charged, amount)
		}

		if charged.IsPositive() {
			payer := evt.Trader
			if payer == "" {
				payer = evt.Host
			}
			if err := c.bank.Transfer(evt.InputToken, payer, c.cfg.Lender, charged); err != nil {
				return err
			}
			if err := c.ledger.Contribute(evt.InputToken, evt.Pool, charged, payer, ledger.JournalTypeInsuranceFee); err != nil {
				return err
			}
			if err := c.registry.Accrue(evt.Pool, side, charged); err != nil {
				return err
			}
		}

		c.emitEvent(event.InsuranceFeeCollected{
			Pool:        evt.Pool,
			Token:       evt.InputToken,
			TradeAmount: amount,
			FeeAmount:   charged,
		})
		c.observePrice(evt.Pool, fpmath.OrZero(evt.Price), evt.Timestamp.Unix())
		fee = charged
		return nil
	})
	if err != nil {
		return types.Selector{}, sdkmath.ZeroInt(), err
	}
	return types.BeforeSwapSelector, fee, nil
}

func zeroPair() [2]sdkmath.Int {
	return [2]sdkmath.Int{sdkmath.ZeroInt(), sdkmath.ZeroInt()}
}
