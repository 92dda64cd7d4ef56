package core

import (
	"InsuranceLedger/internal/event"
	fpmath "InsuranceLedger/internal/math"
	"InsuranceLedger/internal/ledger"
	"InsuranceLedger/internal/types"
	"context"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// FlashBorrower receives flash loans. OnFlashLoan runs on the core
// goroutine while the loan is outstanding and must return
// types.FlashCallbackSuccess. It may call back into the engine.
type FlashBorrower interface {
	Address() types.Address
	OnFlashLoan(
		ctx context.Context,
		initiator types.Address,
		token types.Token,
		amount sdkmath.Int,
		fee sdkmath.Int,
		data []byte,
	) ([32]byte, error)
}

// MaxFlashLoan returns the most that can be borrowed of token.
func (c *DeterministicCore) MaxFlashLoan(token types.Token) sdkmath.Int {
	return c.ledger.AvailableLiquidity(token)
}

// FlashFee quotes the fee for borrowing amount of token now.
func (c *DeterministicCore) FlashFee(token types.Token, amount sdkmath.Int) (sdkmath.Int, error) {
	return c.quoteFlashFee(token, fpmath.OrZero(amount))
}

func (c *DeterministicCore) quoteFlashFee(token types.Token, amount sdkmath.Int) (sdkmath.Int, error) {
	total := c.ledger.AvailableLiquidity(token)
	if !total.IsPositive() {
		return sdkmath.ZeroInt(), types.ErrUnsupportedToken.Wrapf("token %s has no funds", token)
	}
	if !amount.IsPositive() {
		return sdkmath.ZeroInt(), types.ErrInvalidAmount.Wrapf("flash loan amount must be positive, got %s", amount)
	}
	if amount.GT(total) {
		return sdkmath.ZeroInt(), &types.InsufficientLiquidityError{Token: token, Requested: amount, Available: total}
	}

	utilization := fpmath.Ratio(amount, total)
	fee, err := c.calculator.CalculateFlashLoanFee(amount, total, utilization, c.defaults[token])
	if err != nil {
		return sdkmath.ZeroInt(), types.ErrFeeCalculator.Wrapf("flash loan fee for %s: %v", token, err)
	}
	fee = fpmath.OrZero(fee)
	if fee.IsNegative() {
		return sdkmath.ZeroInt(), types.ErrFeeCalculator.Wrapf("negative flash loan fee %s", fee)
	}
	return fee, nil
}

// FlashLoan lends amount of token to receiver for the duration of its
// OnFlashLoan callback, pulls back principal plus fee and distributes the
// fee across the pools holding the token. Any failure leaves no trace
// except the token's default counter, which counts callback and repayment
// failures.
func (c *DeterministicCore) FlashLoan(
	ctx context.Context,
	initiator types.Address,
	receiver FlashBorrower,
	token types.Token,
	amount sdkmath.Int,
	data []byte,
) (bool, error) {
	if receiver == nil || receiver.Address() == "" {
		return false, types.ErrInvalidAmount.Wrap("flash loan receiver is required")
	}

	release, err := c.guard.Enter("flashLoan")
	if err != nil {
		return false, err
	}
	defer release()

	evt := &event.FlashLoanRequested{
		RequestID: uuid.New(),
		Initiator: initiator,
		Receiver:  receiver.Address(),
		Token:     token,
		Amount:    fpmath.OrZero(amount),
		Fee:       sdkmath.ZeroInt(),
		Timestamp: c.cfg.Clock(),
	}

	err = c.atomic("flashLoan", evt, func() error {
		return c.executeFlashLoan(ctx, evt, receiver, data)
	})
	if err == nil {
		return true, nil
	}

	outcome := "rejected"
	switch {
	case errors.Is(err, types.ErrCallbackFailed):
		outcome = event.FlashOutcomeCallbackFailed
		c.recordDefault(evt, outcome)
	case errors.Is(err, types.ErrRepaymentFailed):
		outcome = event.FlashOutcomeRepaymentFailed
		c.recordDefault(evt, outcome)
	}
	if c.metrics != nil {
		c.metrics.FlashLoans.WithLabelValues(string(token), outcome).Inc()
	}
	return false, err
}

func (c *DeterministicCore) executeFlashLoan(ctx context.Context, evt *event.FlashLoanRequested, receiver FlashBorrower, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	token, amount := evt.Token, evt.Amount
	borrower := receiver.Address()

	fee, err := c.quoteFlashFee(token, amount)
	if err != nil {
		return err
	}
	evt.Fee = fee

	// Disburse.
	if err := c.ledger.Debit(token, amount, borrower, ledger.JournalTypeFlashDisburse); err != nil {
		return err
	}
	if err := c.bank.Transfer(token, c.cfg.Lender, borrower, amount); err != nil {
		return err
	}

	ret, cbErr := callBorrower(ctx, receiver, evt.Initiator, token, amount, fee, data)
	if cbErr != nil {
		return &types.CallbackError{Borrower: borrower, Token: token, Amount: amount, Cause: cbErr}
	}
	if ret != types.FlashCallbackSuccess {
		return &types.CallbackError{Borrower: borrower, Token: token, Amount: amount, Returned: ret}
	}

	// Repay.
	owed := amount.Add(fee)
	if err := c.bank.TransferFrom(token, c.cfg.Lender, borrower, c.cfg.Lender, owed); err != nil {
		return &types.RepaymentError{Borrower: borrower, Token: token, Owed: owed, Cause: err}
	}
	if err := c.ledger.Credit(token, owed, borrower, ledger.JournalTypeFlashRepay); err != nil {
		return err
	}

	shares, err := c.distributeFlashFee(token, fee)
	if err != nil {
		return err
	}

	c.emitEvent(event.FlashLoanExecuted{
		Borrower:  borrower,
		Initiator: evt.Initiator,
		Token:     token,
		Amount:    amount,
		Fee:       fee,
		Shares:    shares,
	})
	evt.Outcome = event.FlashOutcomeSuccess
	c.tx.forceSnapshot = true
	return nil
}

// callBorrower runs the receiver's callback. A panic in the callback is
// returned as an error so the loan fails like any other callback failure.
func callBorrower(
	ctx context.Context,
	receiver FlashBorrower,
	initiator types.Address,
	token types.Token,
	amount, fee sdkmath.Int,
	data []byte,
) (ret [32]byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			ret = [32]byte{}
			err = fmt.Errorf("borrower panicked: %v", r)
		}
	}()
	return receiver.OnFlashLoan(ctx, initiator, token, amount, fee, data)
}

// distributeFlashFee attributes fee to every pool holding token, weighted by
// its contribution against the post-repayment total. Shares that round to
// zero are skipped and the dust stays unattributed.
func (c *DeterministicCore) distributeFlashFee(token types.Token, fee sdkmath.Int) ([]event.FeeShare, error) {
	if !fee.IsPositive() {
		return nil, nil
	}

	total := c.ledger.AvailableLiquidity(token)
	contributions := c.ledger.Contributions(token)
	shares := make([]event.FeeShare, 0, len(contributions))

	for _, pc := range contributions {
		share, err := fpmath.MulDivDown(fee, pc.Amount, total)
		if err != nil {
			return nil, types.ErrOverflow.Wrapf("flash fee share for pool %s: %v", pc.Pool, err)
		}
		if share.IsZero() {
			continue
		}

		side, err := c.registry.SideOf(pc.Pool, token)
		if err != nil {
			return nil, err
		}
		if err := c.ledger.Attribute(token, pc.Pool, share, ledger.JournalTypeFlashFeeDistribution); err != nil {
			return nil, err
		}
		if err := c.registry.Accrue(pc.Pool, side, share); err != nil {
			return nil, err
		}
		shares = append(shares, event.FeeShare{Pool: pc.Pool, Amount: share})
	}
	return shares, nil
}

// recordDefault commits a marker for a failed loan so the bumped default
// counter is covered by the hash chain and survives restart.
func (c *DeterministicCore) recordDefault(evt *event.FlashLoanRequested, outcome string) {
	marker := *evt
	marker.Outcome = outcome

	_ = c.atomic("flashLoanDefault", &marker, func() error {
		c.defaults[marker.Token]++
		c.tx.forceSnapshot = true
		return nil
	})

	c.logger.Info().
		Str("token", string(marker.Token)).
		Str("borrower", string(marker.Receiver)).
		Str("outcome", outcome).
		Uint64("default_history", c.defaults[marker.Token]).
		Msg("flash loan defaulted")
}
