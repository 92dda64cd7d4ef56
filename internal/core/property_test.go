package core_test

import (
	"InsuranceLedger/internal/event"
	"InsuranceLedger/internal/feecalc"
	"InsuranceLedger/internal/types"
	"bytes"
	"errors"
	"testing"

	sdkmath "cosmossdk.io/math"
	"pgregory.net/rapid"
)

var providers = []types.Address{alice, bob, "0xcarol"}

// checkConservation asserts the ledger, registry and settlement agree.
func checkConservation(t *rapid.T, h *harness) {
	t.Helper()
	view, err := h.core.Pool(poolID)
	if err != nil {
		t.Fatalf("Pool failed: %v", err)
	}
	for side, token := range []types.Token{token0, token1} {
		funds := h.core.TotalFunds(token)
		sum := sdkmath.ZeroInt()
		for _, pc := range h.core.Contributions(token) {
			sum = sum.Add(pc.Amount)
		}
		if sum.GT(funds) {
			t.Fatalf("%s: contributions %s exceed totalFunds %s", token, sum, funds)
		}
		if !view.TotalContributions[side].Equal(h.core.Contribution(token, poolID)) {
			t.Fatalf("%s: registry total %s, ledger %s", token, view.TotalContributions[side], h.core.Contribution(token, poolID))
		}
		if !h.bank.Balance(token, lender).Equal(funds) {
			t.Fatalf("%s: lender holds %s, ledger says %s", token, h.bank.Balance(token, lender), funds)
		}

		owed := sdkmath.ZeroInt()
		for _, p := range providers {
			pending, _ := pendingFor(h, p)
			owed = owed.Add(pending[side])
		}
		if owed.GT(view.TotalContributions[side]) {
			t.Fatalf("%s: providers are owed %s but the pool holds %s", token, owed, view.TotalContributions[side])
		}
	}
}

func pendingFor(h *harness, provider types.Address) ([2]sdkmath.Int, error) {
	p0, p1, err := h.core.GetClaimableInsuranceFees(poolID, provider)
	return [2]sdkmath.Int{p0, p1}, err
}

// randomStep applies one drawn operation. Rejections are fine; the engine
// must stay consistent either way.
func randomStep(t *rapid.T, h *harness) {
	provider := rapid.SampledFrom(providers).Draw(t, "provider")
	token := rapid.SampledFrom([]types.Token{token0, token1}).Draw(t, "token")

	switch rapid.IntRange(0, 5).Draw(t, "op") {
	case 0, 1:
		amount := sdkmath.NewInt(rapid.Int64Range(1, 1_000_000_000).Draw(t, "trade"))
		h.swap(t, token, amount)
	case 2:
		units := sdkmath.NewInt(rapid.Int64Range(1, 10_000).Draw(t, "units"))
		h.addLiquidity(t, provider, units)
	case 3:
		units := sdkmath.NewInt(rapid.Int64Range(1, 10_000).Draw(t, "remove"))
		_, _, _ = h.core.OnLiquidityRemoved(ctx, &event.LiquidityRemoved{LiquidityChange: h.liquidityChange(provider, units)})
	case 4:
		_, _, _ = h.core.ClaimInsuranceFees(ctx, provider, poolID, provider)
	case 5:
		available := h.core.MaxFlashLoan(token)
		if !available.IsPositive() {
			return
		}
		b := h.borrower()
		b.SkipApprove = rapid.Bool().Draw(t, "default")
		fee, err := h.core.FlashFee(token, available)
		if err != nil {
			t.Fatalf("FlashFee failed: %v", err)
		}
		if fee.IsPositive() {
			h.mint(t, token, borrower, fee)
		}
		_, _ = h.core.FlashLoan(ctx, bob, b, token, available, nil)
		// Any leftover fee money is swept so it cannot fund a later loan.
		if left := h.bank.Balance(token, borrower); left.IsPositive() {
			_ = h.bank.Transfer(token, borrower, "0xsink", left)
			h.bank.Commit()
		}
	}
}

func TestProperty_Conservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := newHarness(t, feecalc.NewFixed(uint32(rapid.IntRange(0, 500).Draw(t, "insBps")), 9))

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			randomStep(t, h)
			checkConservation(t, h)
		}
	})
}

func TestProperty_FailedOperationsLeaveNoTrace(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := newHarness(t, feecalc.NewFixed(100, 9))
		for i := rapid.IntRange(0, 10).Draw(t, "warmup"); i > 0; i-- {
			randomStep(t, h)
		}
		drainOutputs(h.persist)

		before := h.core.StateDigest()
		hash := h.core.GetStateHash()

		var err error
		switch rapid.IntRange(0, 4).Draw(t, "failure") {
		case 0:
			_, _, err = h.core.OnSwap(ctx, h.swapEvent("0xccc", sdkmath.NewInt(1_000)))
		case 1:
			_, _, err = h.core.ClaimInsuranceFees(ctx, trader, poolID, alice)
		case 2:
			_, _, err = h.core.OnWithdrawLiquidity(ctx, alice, poolID, alice, sdkmath.NewInt(-1))
		case 3:
			tooMuch := h.core.MaxFlashLoan(token0).AddRaw(1)
			_, err = h.core.FlashLoan(ctx, bob, h.borrower(), token0, tooMuch, nil)
		case 4:
			evt := h.swapEvent(token1, sdkmath.NewInt(1_000))
			evt.Trader = "0xbroke"
			_, _, err = h.core.OnSwap(ctx, evt)
		}
		if err == nil {
			t.Fatal("expected the operation to fail")
		}
		if errors.Is(err, types.ErrCallbackFailed) || errors.Is(err, types.ErrRepaymentFailed) {
			t.Fatalf("unexpected counterparty failure: %v", err)
		}

		if !bytes.Equal(before, h.core.StateDigest()) || hash != h.core.GetStateHash() {
			t.Fatal("failed operation changed state")
		}
		if n := len(drainOutputs(h.persist)); n != 0 {
			t.Fatalf("failed operation emitted %d outputs", n)
		}
	})
}
