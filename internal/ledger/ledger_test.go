package ledger_test

import (
	"InsuranceLedger/internal/ledger"
	"InsuranceLedger/internal/types"
	"errors"
	"reflect"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"pgregory.net/rapid"
)

const (
	tokenA = types.Token("0xA0")
	tokenB = types.Token("0xB0")
	poolP  = types.PoolID("0xpool-p")
	poolQ  = types.PoolID("0xpool-q")
	trader = types.Address("0xtrader")
)

func amt(v int64) sdkmath.Int { return sdkmath.NewInt(v) }

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_Paths(t *testing.T) {
	cases := []struct {
		key  ledger.AccountKey
		want string
	}{
		{ledger.NewFundsAccountKey(tokenA), "funds:0xA0"},
		{ledger.NewPoolAccountKey(tokenA, poolP), "pool:0xpool-p:0xA0"},
		{ledger.NewExternalAccountKey(tokenA, trader), "external:0xtrader:0xA0"},
	}

	for _, tc := range cases {
		if got := tc.key.AccountPath(); got != tc.want {
			t.Errorf("got %q, want %q", got, tc.want)
		}
	}
}

func TestAccountKey_Internal(t *testing.T) {
	if !ledger.NewFundsAccountKey(tokenA).Internal() {
		t.Error("funds account should be internal")
	}
	if !ledger.NewPoolAccountKey(tokenA, poolP).Internal() {
		t.Error("pool account should be internal")
	}
	if ledger.NewExternalAccountKey(tokenA, trader).Internal() {
		t.Error("external account should not be internal")
	}
}

// ============================================================================
// Test: TokenLedger credit / debit
// ============================================================================

func TestTokenLedger_UnknownTokenUnsupported(t *testing.T) {
	l := ledger.NewTokenLedger()

	if l.IsSupported(tokenA) {
		t.Error("empty ledger should not support any token")
	}
	if !l.AvailableLiquidity(tokenA).IsZero() {
		t.Errorf("available liquidity: got %s, want 0", l.AvailableLiquidity(tokenA))
	}
}

func TestTokenLedger_CreditDebit(t *testing.T) {
	l := ledger.NewTokenLedger()

	if err := l.Credit(tokenA, amt(1_000), trader, ledger.JournalTypeAdjustment); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if !l.IsSupported(tokenA) {
		t.Error("token should be supported after credit")
	}

	if err := l.Debit(tokenA, amt(400), trader, ledger.JournalTypeAdjustment); err != nil {
		t.Fatalf("Debit failed: %v", err)
	}
	if got := l.AvailableLiquidity(tokenA); !got.Equal(amt(600)) {
		t.Errorf("total funds: got %s, want 600", got)
	}
}

func TestTokenLedger_DebitInsufficientFunds(t *testing.T) {
	l := ledger.NewTokenLedger()
	_ = l.Credit(tokenA, amt(100), trader, ledger.JournalTypeAdjustment)

	err := l.Debit(tokenA, amt(101), trader, ledger.JournalTypeAdjustment)
	if !errors.Is(err, types.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	var typed *types.InsufficientFundsError
	if !errors.As(err, &typed) {
		t.Fatalf("expected *InsufficientFundsError, got %T", err)
	}
	if !typed.Requested.Equal(amt(101)) || !typed.Available.Equal(amt(100)) {
		t.Errorf("error amounts: requested %s available %s", typed.Requested, typed.Available)
	}
	if types.Kind(err) != types.KindResources {
		t.Errorf("kind: got %s, want resources", types.Kind(err))
	}

	if got := l.AvailableLiquidity(tokenA); !got.Equal(amt(100)) {
		t.Errorf("failed debit changed funds: %s", got)
	}
}

func TestTokenLedger_RejectsNonPositiveAmounts(t *testing.T) {
	l := ledger.NewTokenLedger()

	for _, a := range []sdkmath.Int{sdkmath.ZeroInt(), amt(-5)} {
		err := l.Credit(tokenA, a, trader, ledger.JournalTypeAdjustment)
		if !errors.Is(err, types.ErrInvalidAmount) {
			t.Errorf("amount %s: expected ErrInvalidAmount, got %v", a, err)
		}
	}
}

// ============================================================================
// Test: Pool contributions
// ============================================================================

func TestTokenLedger_ContributeAndRelease(t *testing.T) {
	l := ledger.NewTokenLedger()

	if err := l.Contribute(tokenA, poolP, amt(700), trader, ledger.JournalTypeInsuranceFee); err != nil {
		t.Fatalf("Contribute failed: %v", err)
	}
	if err := l.Contribute(tokenA, poolQ, amt(300), trader, ledger.JournalTypeInsuranceFee); err != nil {
		t.Fatalf("Contribute failed: %v", err)
	}

	if got := l.AvailableLiquidity(tokenA); !got.Equal(amt(1_000)) {
		t.Errorf("total funds: got %s, want 1000", got)
	}

	contribs := l.Contributions(tokenA)
	if len(contribs) != 2 || contribs[0].Pool != poolP || contribs[1].Pool != poolQ {
		t.Fatalf("contributions not sorted by pool: %+v", contribs)
	}

	err := l.Release(tokenA, poolQ, amt(301), trader, ledger.JournalTypeInsuranceClaim)
	var typed *types.InsufficientFundsError
	if !errors.As(err, &typed) || typed.Pool != poolQ {
		t.Fatalf("expected pool-scoped InsufficientFundsError, got %v", err)
	}

	if err := l.Release(tokenA, poolQ, amt(300), trader, ledger.JournalTypeInsuranceClaim); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if !l.Contribution(tokenA, poolQ).IsZero() {
		t.Errorf("pool Q contribution should be zero after full release")
	}
	if len(l.Contributions(tokenA)) != 1 {
		t.Errorf("zero contributions should be dropped")
	}
}

func TestTokenLedger_AttributeKeepsTotal(t *testing.T) {
	l := ledger.NewTokenLedger()
	_ = l.Credit(tokenA, amt(500), trader, ledger.JournalTypeFlashRepay)

	if err := l.Attribute(tokenA, poolP, amt(200), ledger.JournalTypeFlashFeeDistribution); err != nil {
		t.Fatalf("Attribute failed: %v", err)
	}

	if got := l.AvailableLiquidity(tokenA); !got.Equal(amt(500)) {
		t.Errorf("attribution changed total: got %s, want 500", got)
	}
	if got := l.Contribution(tokenA, poolP); !got.Equal(amt(200)) {
		t.Errorf("contribution: got %s, want 200", got)
	}
}

// ============================================================================
// Test: Checkpoint / RevertTo / Drain
// ============================================================================

func TestTokenLedger_RevertRestoresIdenticalState(t *testing.T) {
	l := ledger.NewTokenLedger()
	_ = l.Contribute(tokenA, poolP, amt(1_000), trader, ledger.JournalTypeInsuranceFee)
	l.Drain("setup", 1, 0)
	before := l.Snapshot()

	cp := l.Checkpoint()
	_ = l.Debit(tokenA, amt(900), trader, ledger.JournalTypeFlashDisburse)
	_ = l.Contribute(tokenB, poolQ, amt(5), trader, ledger.JournalTypeInsuranceFee)
	_ = l.Release(tokenA, poolP, amt(50), trader, ledger.JournalTypeInsuranceClaim)
	l.RevertTo(cp)

	if !reflect.DeepEqual(before, l.Snapshot()) {
		t.Errorf("state differs after revert:\nbefore: %+v\nafter:  %+v", before, l.Snapshot())
	}
	if l.IsSupported(tokenB) {
		t.Error("token created inside reverted span should be gone")
	}
}

func TestTokenLedger_NestedCheckpoints(t *testing.T) {
	l := ledger.NewTokenLedger()

	outer := l.Checkpoint()
	_ = l.Credit(tokenA, amt(10), trader, ledger.JournalTypeAdjustment)

	inner := l.Checkpoint()
	_ = l.Credit(tokenA, amt(5), trader, ledger.JournalTypeAdjustment)
	l.RevertTo(inner)

	if got := l.AvailableLiquidity(tokenA); !got.Equal(amt(10)) {
		t.Errorf("after inner revert: got %s, want 10", got)
	}

	l.RevertTo(outer)
	if l.IsSupported(tokenA) {
		t.Error("outer revert should remove all funds")
	}
}

func TestTokenLedger_DrainStampsBatch(t *testing.T) {
	l := ledger.NewTokenLedger()
	_ = l.Contribute(tokenA, poolP, amt(10), trader, ledger.JournalTypeInsuranceFee)
	_ = l.Debit(tokenA, amt(4), trader, ledger.JournalTypeFlashDisburse)

	batch := l.Drain("swap:1", 42, 1_700_000_000)

	if len(batch.Journals) != 2 {
		t.Fatalf("journals: got %d, want 2", len(batch.Journals))
	}
	for _, j := range batch.Journals {
		if j.BatchID != batch.BatchID || j.Sequence != 42 || j.EventRef != "swap:1" {
			t.Errorf("journal not stamped: %+v", j)
		}
	}
	if err := batch.Validate(); err != nil {
		t.Errorf("drained batch invalid: %v", err)
	}
	if l.Checkpoint() != 0 {
		t.Error("drain should clear pending entries")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID: uuid.New(),
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       uuid.New(),
			DebitAccount:  ledger.NewPoolAccountKey(tokenA, poolP),
			CreditAccount: ledger.NewExternalAccountKey(tokenA, trader),
			Token:         tokenA,
			Amount:        amt(1),
		}},
	}

	if err := batch.Validate(); err == nil {
		t.Error("expected error for mismatched batch_id")
	}
}

func TestBatchValidate_CrossTokenEntry_Fails(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.NewPoolAccountKey(tokenA, poolP),
			CreditAccount: ledger.NewExternalAccountKey(tokenB, trader),
			Token:         tokenA,
			Amount:        amt(1),
		}},
	}

	if err := batch.Validate(); err == nil {
		t.Error("expected error for entry moving between tokens")
	}
}

// ============================================================================
// Test: Invariants (property)
// ============================================================================

func TestTokenLedger_ContributionsNeverExceedTotal(t *testing.T) {
	pools := []types.PoolID{poolP, poolQ, "0xpool-r"}

	rapid.Check(t, func(t *rapid.T) {
		l := ledger.NewTokenLedger()
		v := ledger.NewInvariantValidator(l)

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			pool := pools[rapid.IntRange(0, len(pools)-1).Draw(t, "pool")]
			a := amt(rapid.Int64Range(1, 1_000_000).Draw(t, "amount"))

			// Failed operations are rejected without side effects, so the
			// error is irrelevant to the invariant.
			switch rapid.IntRange(0, 4).Draw(t, "op") {
			case 0:
				_ = l.Contribute(tokenA, pool, a, trader, ledger.JournalTypeInsuranceFee)
			case 1:
				_ = l.Release(tokenA, pool, a, trader, ledger.JournalTypeInsuranceClaim)
			case 2:
				_ = l.Credit(tokenA, a, trader, ledger.JournalTypeFlashRepay)
			case 3:
				_ = l.Attribute(tokenA, pool, a, ledger.JournalTypeFlashFeeDistribution)
			case 4:
				// A disbursement that is always repaid within the same step,
				// the way a flash loan settles.
				cp := l.Checkpoint()
				if err := l.Debit(tokenA, a, trader, ledger.JournalTypeFlashDisburse); err == nil {
					if rapid.Bool().Draw(t, "repay") {
						_ = l.Credit(tokenA, a, trader, ledger.JournalTypeFlashRepay)
					} else {
						l.RevertTo(cp)
					}
				}
			}

			if err := v.ValidateAll(); err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
		}
	})
}
