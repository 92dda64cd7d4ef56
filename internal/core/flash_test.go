package core_test

import (
	"InsuranceLedger/internal/core"
	"InsuranceLedger/internal/event"
	"InsuranceLedger/internal/feecalc"
	"InsuranceLedger/internal/ledger"
	"InsuranceLedger/internal/testutil"
	"InsuranceLedger/internal/types"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdkmath "cosmossdk.io/math"
)

// newFundedHarness collects 10e18 of token0 into poolID with alice as the
// sole provider.
func newFundedHarness(t *testing.T, calc feecalc.Calculator) *harness {
	t.Helper()
	h := newHarness(t, calc)
	h.addLiquidity(t, alice, e18(10))
	h.swap(t, token0, e18(1_000))
	drainOutputs(h.persist)
	return h
}

func (h *harness) borrower() *testutil.Borrower {
	return &testutil.Borrower{Addr: borrower, Lender: lender, Bank: h.bank}
}

// ============================================================================
// Test: Successful flash loan
// ============================================================================

func TestFlashLoan_RepaidAndFeeDistributed(t *testing.T) {
	h := newFundedHarness(t, feecalc.NewFixed(100, 10))
	if got := h.core.TotalFunds(token0); !got.Equal(e18(10)) {
		t.Fatalf("setup: totalFunds %s, want 10e18", got)
	}

	// The borrower needs the fee on top of the principal.
	h.mint(t, token0, borrower, e15(1))
	b := h.borrower()

	ok, err := h.core.FlashLoan(ctx, bob, b, token0, e18(1), []byte("arb"))
	if err != nil || !ok {
		t.Fatalf("FlashLoan failed: ok=%v err=%v", ok, err)
	}
	if b.Calls != 1 || !b.LastFee.Equal(e15(1)) {
		t.Errorf("callback: calls %d fee %s", b.Calls, b.LastFee)
	}

	total := e18(10).Add(e15(1))
	share := e15(1).Mul(e18(10)).Quo(total)

	if got := h.core.TotalFunds(token0); !got.Equal(total) {
		t.Errorf("totalFunds: got %s, want %s", got, total)
	}
	if got := h.core.Contribution(token0, poolID); !got.Equal(e18(10).Add(share)) {
		t.Errorf("pool contribution: got %s, want %s", got, e18(10).Add(share))
	}
	if got := h.bank.Balance(token0, lender); !got.Equal(total) {
		t.Errorf("lender balance: got %s", got)
	}
	if got := h.bank.Balance(token0, borrower); !got.IsZero() {
		t.Errorf("borrower balance: got %s, want 0", got)
	}
	if got := h.bank.Allowance(token0, borrower, lender); !got.IsZero() {
		t.Errorf("allowance left over: %s", got)
	}

	// Alice is the sole provider and receives the share.
	c0, _, _ := h.core.GetClaimableInsuranceFees(poolID, alice)
	if !c0.Equal(e18(10).Add(share)) {
		t.Errorf("alice claimable: got %s", c0)
	}

	outputs := drainOutputs(h.persist)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	out := outputs[0]
	if out.Snapshot == nil {
		t.Error("flash loan output must carry a snapshot")
	} else if out.Snapshot.StateHash != out.Envelope.StateHash {
		t.Error("snapshot hash should match the envelope")
	}

	wantJournals := []ledger.JournalType{
		ledger.JournalTypeFlashDisburse,
		ledger.JournalTypeFlashRepay,
		ledger.JournalTypeFlashFeeDistribution,
	}
	if len(out.Batch.Journals) != len(wantJournals) {
		t.Fatalf("journals: got %d, want %d", len(out.Batch.Journals), len(wantJournals))
	}
	for i, jt := range wantJournals {
		if out.Batch.Journals[i].JournalType != jt {
			t.Errorf("journal %d: got %s, want %s", i, out.Batch.Journals[i].JournalType, jt)
		}
	}

	executed, ok := out.Emitted[0].(event.FlashLoanExecuted)
	if !ok {
		t.Fatalf("unexpected emitted event: %+v", out.Emitted)
	}
	if executed.Borrower != borrower || executed.Initiator != bob || !executed.Fee.Equal(e15(1)) {
		t.Errorf("unexpected FlashLoanExecuted: %+v", executed)
	}
	if len(executed.Shares) != 1 || !executed.Shares[0].Amount.Equal(share) {
		t.Errorf("shares: %+v", executed.Shares)
	}

	var payload event.FlashLoanRequested
	if err := json.Unmarshal(out.Envelope.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Outcome != event.FlashOutcomeSuccess || !payload.Fee.Equal(e15(1)) {
		t.Errorf("payload outcome %q fee %s", payload.Outcome, payload.Fee)
	}
}

func TestFlashLoan_ZeroFee(t *testing.T) {
	h := newFundedHarness(t, feecalc.NewFixed(100, 0))
	b := h.borrower()

	if ok, err := h.core.FlashLoan(ctx, bob, b, token0, e18(10), nil); err != nil || !ok {
		t.Fatalf("FlashLoan failed: %v", err)
	}
	if got := h.core.TotalFunds(token0); !got.Equal(e18(10)) {
		t.Errorf("totalFunds: got %s", got)
	}
}

// ============================================================================
// Test: Rejected before disbursement
// ============================================================================

func TestFlashLoan_Rejections(t *testing.T) {
	cases := []struct {
		name     string
		token    types.Token
		amount   sdkmath.Int
		expected error
	}{
		{"exceeds liquidity", token0, e18(10).AddRaw(1), types.ErrInsufficientLiquidity},
		{"unsupported token", token1, e18(1), types.ErrUnsupportedToken},
		{"zero amount", token0, sdkmath.ZeroInt(), types.ErrInvalidAmount},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newFundedHarness(t, feecalc.NewFixed(100, 10))
			b := h.borrower()
			before := h.core.StateDigest()
			seq := h.core.GetSequence()

			ok, err := h.core.FlashLoan(ctx, bob, b, tc.token, tc.amount, nil)
			if ok || !errors.Is(err, tc.expected) {
				t.Fatalf("got ok=%v err=%v, want %v", ok, err, tc.expected)
			}
			if b.Calls != 0 {
				t.Error("callback must not run")
			}
			if !bytes.Equal(before, h.core.StateDigest()) || h.core.GetSequence() != seq {
				t.Error("rejected loan changed state")
			}
			if h.core.DefaultHistory(tc.token) != 0 {
				t.Error("rejection is not a default")
			}
			if n := len(drainOutputs(h.persist)); n != 0 {
				t.Errorf("rejected loan emitted %d outputs", n)
			}
		})
	}
}

func TestFlashLoan_InsufficientLiquidityDetails(t *testing.T) {
	h := newFundedHarness(t, feecalc.NewFixed(100, 10))

	_, err := h.core.FlashLoan(ctx, bob, h.borrower(), token0, e18(11), nil)
	var liq *types.InsufficientLiquidityError
	if !errors.As(err, &liq) {
		t.Fatalf("expected InsufficientLiquidityError, got %v", err)
	}
	if !liq.Requested.Equal(e18(11)) || !liq.Available.Equal(e18(10)) {
		t.Errorf("details: requested %s available %s", liq.Requested, liq.Available)
	}
}

func TestFlashLoan_MissingReceiver(t *testing.T) {
	h := newFundedHarness(t, feecalc.NewFixed(100, 10))

	if _, err := h.core.FlashLoan(ctx, bob, nil, token0, e18(1), nil); !errors.Is(err, types.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

// ============================================================================
// Test: Counterparty failures
// ============================================================================

func TestFlashLoan_CounterpartyFailures(t *testing.T) {
	wrong := [32]byte{0x01}

	cases := []struct {
		name     string
		setup    func(h *harness, b *testutil.Borrower)
		expected error
		outcome  string
	}{
		{
			name:     "wrong sentinel",
			setup:    func(h *harness, b *testutil.Borrower) { b.Returned = &wrong },
			expected: types.ErrCallbackFailed,
			outcome:  event.FlashOutcomeCallbackFailed,
		},
		{
			name:     "callback error",
			setup:    func(h *harness, b *testutil.Borrower) { b.Err = errors.New("strategy reverted") },
			expected: types.ErrCallbackFailed,
			outcome:  event.FlashOutcomeCallbackFailed,
		},
		{
			name: "callback panics",
			setup: func(h *harness, b *testutil.Borrower) {
				b.During = func(context.Context, types.Token, sdkmath.Int, sdkmath.Int) error {
					panic("strategy blew up")
				}
			},
			expected: types.ErrCallbackFailed,
			outcome:  event.FlashOutcomeCallbackFailed,
		},
		{
			name:     "no allowance",
			setup:    func(h *harness, b *testutil.Borrower) { b.SkipApprove = true },
			expected: types.ErrRepaymentFailed,
			outcome:  event.FlashOutcomeRepaymentFailed,
		},
		{
			name:     "cannot pay fee",
			setup:    func(h *harness, b *testutil.Borrower) {},
			expected: types.ErrRepaymentFailed,
			outcome:  event.FlashOutcomeRepaymentFailed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newFundedHarness(t, feecalc.NewFixed(100, 10))
			b := h.borrower()
			tc.setup(h, b)

			funds := h.core.TotalFunds(token0)
			contribution := h.core.Contribution(token0, poolID)
			lenderBalance := h.bank.Balance(token0, lender)

			ok, err := h.core.FlashLoan(ctx, bob, b, token0, e18(1), nil)
			if ok || !errors.Is(err, tc.expected) {
				t.Fatalf("got ok=%v err=%v, want %v", ok, err, tc.expected)
			}
			if types.Kind(err) != types.KindCounterparty {
				t.Errorf("kind: got %s", types.Kind(err))
			}

			if !h.core.TotalFunds(token0).Equal(funds) || !h.core.Contribution(token0, poolID).Equal(contribution) {
				t.Error("failed loan changed the ledger")
			}
			if !h.bank.Balance(token0, lender).Equal(lenderBalance) {
				t.Error("failed loan changed the lender balance")
			}
			if !h.bank.Balance(token0, borrower).IsZero() {
				t.Error("borrower kept the principal")
			}
			if got := h.core.DefaultHistory(token0); got != 1 {
				t.Errorf("default history: got %d, want 1", got)
			}

			outputs := drainOutputs(h.persist)
			if len(outputs) != 1 {
				t.Fatalf("expected a single default marker, got %d outputs", len(outputs))
			}
			marker := outputs[0]
			if len(marker.Batch.Journals) != 0 || len(marker.Transfers) != 0 {
				t.Errorf("marker moved funds: %d journals %d transfers", len(marker.Batch.Journals), len(marker.Transfers))
			}
			if marker.Snapshot == nil || marker.Snapshot.Defaults[token0] != 1 {
				t.Error("marker must snapshot the default counter")
			}
			var payload event.FlashLoanRequested
			if err := json.Unmarshal(marker.Envelope.Payload, &payload); err != nil {
				t.Fatalf("payload: %v", err)
			}
			if payload.Outcome != tc.outcome {
				t.Errorf("outcome: got %q, want %q", payload.Outcome, tc.outcome)
			}
		})
	}
}

func TestFlashLoan_CallbackErrorIsWrapped(t *testing.T) {
	h := newFundedHarness(t, feecalc.NewFixed(100, 10))
	cause := errors.New("slippage")
	b := h.borrower()
	b.Err = cause

	_, err := h.core.FlashLoan(ctx, bob, b, token0, e18(1), nil)
	var cbErr *types.CallbackError
	if !errors.As(err, &cbErr) || cbErr.Borrower != borrower {
		t.Fatalf("expected CallbackError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("callback cause should be reachable")
	}
}

// ============================================================================
// Test: Callbacks that call back into the engine
// ============================================================================

func TestFlashLoan_ReentryRejected(t *testing.T) {
	h := newFundedHarness(t, feecalc.NewFixed(100, 10))
	h.mint(t, token0, borrower, e15(1))

	claimable0, _, err := h.core.GetClaimableInsuranceFees(poolID, alice)
	if err != nil {
		t.Fatalf("GetClaimableInsuranceFees failed: %v", err)
	}

	var nestedLoan, nestedClaim, nestedRemoval error
	b := h.borrower()
	b.During = func(ctx context.Context, token types.Token, amount, fee sdkmath.Int) error {
		inner := &testutil.Borrower{Addr: "0xinner", Lender: lender, Bank: h.bank}
		_, nestedLoan = h.core.FlashLoan(ctx, borrower, inner, token, amt(1), nil)
		_, _, nestedClaim = h.core.ClaimInsuranceFees(ctx, alice, poolID, alice)
		removal := &event.LiquidityRemoved{LiquidityChange: h.liquidityChange(alice, e18(10))}
		_, _, nestedRemoval = h.core.OnLiquidityRemoved(ctx, removal)
		return nil
	}

	ok, err := h.core.FlashLoan(ctx, bob, b, token0, e18(1), nil)
	if err != nil || !ok {
		t.Fatalf("outer loan failed: %v", err)
	}
	if !errors.Is(nestedLoan, types.ErrReentrancy) {
		t.Errorf("nested flash loan: expected ErrReentrancy, got %v", nestedLoan)
	}
	if !errors.Is(nestedClaim, types.ErrReentrancy) {
		t.Errorf("nested claim: expected ErrReentrancy, got %v", nestedClaim)
	}
	if !errors.Is(nestedRemoval, types.ErrReentrancy) {
		t.Errorf("nested liquidity removal: expected ErrReentrancy, got %v", nestedRemoval)
	}
	if !h.bank.Balance(token0, alice).IsZero() {
		t.Error("nested removal paid out during the loan")
	}
	if claimable, _, _ := h.core.GetClaimableInsuranceFees(poolID, alice); claimable.LT(claimable0) {
		t.Errorf("claimable dropped from %s to %s", claimable0, claimable)
	}
	if h.core.DefaultHistory(token0) != 0 {
		t.Error("rejected reentry is not a default")
	}
}

func TestFlashLoan_PanickingBorrowerLeavesEngineUsable(t *testing.T) {
	h := newFundedHarness(t, feecalc.NewFixed(100, 10))
	h.mint(t, token0, borrower, e15(1))

	before := h.core.StateDigest()
	bad := h.borrower()
	bad.During = func(context.Context, types.Token, sdkmath.Int, sdkmath.Int) error {
		panic("nil strategy")
	}

	ok, err := h.core.FlashLoan(ctx, bob, bad, token0, e18(1), nil)
	if ok || !errors.Is(err, types.ErrCallbackFailed) {
		t.Fatalf("got ok=%v err=%v, want ErrCallbackFailed", ok, err)
	}
	if h.core.DefaultHistory(token0) != 1 {
		t.Errorf("default history: got %d, want 1", h.core.DefaultHistory(token0))
	}
	if !h.core.TotalFunds(token0).Equal(e18(10)) {
		t.Errorf("funds: got %s, want %s", h.core.TotalFunds(token0), e18(10))
	}
	if bytes.Equal(before, h.core.StateDigest()) {
		t.Error("digest should cover the bumped default counter")
	}
	if h.core.InTransaction() {
		t.Error("transaction left open after panic")
	}

	// The guard was released and the next loan goes through.
	ok, err = h.core.FlashLoan(ctx, bob, h.borrower(), token0, e18(1), nil)
	if err != nil || !ok {
		t.Fatalf("follow-up loan failed: %v", err)
	}
}

func TestFlashLoan_SwapInsideCallbackCommitsOnce(t *testing.T) {
	h := newFundedHarness(t, feecalc.NewFixed(100, 10))
	h.mint(t, token0, borrower, e15(1))
	h.mint(t, token0, trader, e18(100))

	b := h.borrower()
	b.During = func(ctx context.Context, token types.Token, amount, fee sdkmath.Int) error {
		_, _, err := h.core.OnSwap(ctx, h.swapEvent(token0, e18(100)))
		return err
	}

	if ok, err := h.core.FlashLoan(ctx, bob, b, token0, e18(1), nil); err != nil || !ok {
		t.Fatalf("FlashLoan failed: %v", err)
	}

	// 10e18 + 1e18 swap fee + 1e15 flash fee.
	want := e18(11).Add(e15(1))
	if got := h.core.TotalFunds(token0); !got.Equal(want) {
		t.Errorf("totalFunds: got %s, want %s", got, want)
	}

	outputs := drainOutputs(h.persist)
	if len(outputs) != 1 {
		t.Fatalf("nested swap should commit with the loan, got %d outputs", len(outputs))
	}
	var kinds []event.EmittedKind
	for _, e := range outputs[0].Emitted {
		kinds = append(kinds, e.Kind())
	}
	if len(kinds) != 2 || kinds[0] != event.KindInsuranceFeeCollected || kinds[1] != event.KindFlashLoanExecuted {
		t.Errorf("emitted: %v", kinds)
	}
}

func TestFlashLoan_FailedCallbackRevertsNestedSwap(t *testing.T) {
	h := newFundedHarness(t, feecalc.NewFixed(100, 10))
	h.mint(t, token0, trader, e18(100))

	b := h.borrower()
	b.During = func(ctx context.Context, token types.Token, amount, fee sdkmath.Int) error {
		if _, _, err := h.core.OnSwap(ctx, h.swapEvent(token0, e18(100))); err != nil {
			return err
		}
		return errors.New("give up")
	}

	if _, err := h.core.FlashLoan(ctx, bob, b, token0, e18(1), nil); !errors.Is(err, types.ErrCallbackFailed) {
		t.Fatalf("expected ErrCallbackFailed, got %v", err)
	}
	if got := h.core.TotalFunds(token0); !got.Equal(e18(10)) {
		t.Errorf("nested swap survived the rollback: totalFunds %s", got)
	}
	if got := h.bank.Balance(token0, trader); !got.Equal(e18(100)) {
		t.Errorf("trader balance: got %s", got)
	}
}

// ============================================================================
// Test: Quotes
// ============================================================================

func TestFlashFeeAndMaxFlashLoan(t *testing.T) {
	h := newFundedHarness(t, feecalc.NewFixed(100, 10))

	if got := h.core.MaxFlashLoan(token0); !got.Equal(e18(10)) {
		t.Errorf("MaxFlashLoan: got %s", got)
	}
	if got := h.core.MaxFlashLoan(token1); !got.IsZero() {
		t.Errorf("MaxFlashLoan for empty token: got %s", got)
	}

	fee, err := h.core.FlashFee(token0, e18(2))
	if err != nil || !fee.Equal(e15(2)) {
		t.Errorf("FlashFee: got %s (%v), want 2e15", fee, err)
	}
	if _, err := h.core.FlashFee(token1, e18(1)); !errors.Is(err, types.ErrUnsupportedToken) {
		t.Errorf("expected ErrUnsupportedToken, got %v", err)
	}
	if _, err := h.core.FlashFee(token0, e18(11)); !errors.Is(err, types.ErrInsufficientLiquidity) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestFlashFee_RisesAfterDefault(t *testing.T) {
	calc, err := feecalc.NewDynamic(feecalc.DefaultDynamicConfig())
	if err != nil {
		t.Fatalf("NewDynamic failed: %v", err)
	}
	h := newFundedHarness(t, calc)
	if !h.core.TotalFunds(token0).IsPositive() {
		t.Fatal("setup: no funds collected")
	}
	amount := h.core.MaxFlashLoan(token0).QuoRaw(2)

	before, err := h.core.FlashFee(token0, amount)
	if err != nil {
		t.Fatalf("FlashFee failed: %v", err)
	}

	b := h.borrower()
	b.SkipApprove = true
	if _, err := h.core.FlashLoan(ctx, bob, b, token0, amount, nil); !errors.Is(err, types.ErrRepaymentFailed) {
		t.Fatalf("expected ErrRepaymentFailed, got %v", err)
	}

	after, err := h.core.FlashFee(token0, amount)
	if err != nil {
		t.Fatalf("FlashFee failed: %v", err)
	}
	if !after.GT(before) {
		t.Errorf("fee should rise after a default: before %s after %s", before, after)
	}
}

var _ core.FlashBorrower = (*testutil.Borrower)(nil)
