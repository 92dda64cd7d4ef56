package core_test

import (
	"InsuranceLedger/internal/core"
	"InsuranceLedger/internal/event"
	"InsuranceLedger/internal/feecalc"
	"InsuranceLedger/internal/observability"
	"InsuranceLedger/internal/settlement"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

type stubDBChecker struct {
	known map[string]bool
	err   error
	calls int
}

func (s *stubDBChecker) IsDuplicate(eventType, key string) (bool, error) {
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	return s.known[core.CompositeKey(eventType, key)], nil
}

// ============================================================================
// Test: two-tier dedup
// ============================================================================

func TestIdempotencyChecker_Tiers(t *testing.T) {
	db := &stubDBChecker{known: map[string]bool{core.CompositeKey("SwapExecuted", "old"): true}}
	ic := core.NewIdempotencyChecker(8, db)

	var tiers []string
	ic.OnDuplicate(func(_, tier string) { tiers = append(tiers, tier) })

	if !ic.IsDuplicate("SwapExecuted", "old") {
		t.Fatal("postgres hit not reported")
	}
	if !ic.IsDuplicate("SwapExecuted", "old") {
		t.Fatal("lru hit not reported")
	}
	if db.calls != 1 {
		t.Errorf("postgres lookups: got %d, want 1", db.calls)
	}
	if len(tiers) != 2 || tiers[0] != "postgres" || tiers[1] != "lru" {
		t.Errorf("tiers = %v", tiers)
	}

	ic.MarkProcessed("SwapExecuted", "new")
	if !ic.IsDuplicate("SwapExecuted", "new") {
		t.Error("marked key not reported")
	}
	if ic.IsDuplicate("LiquidityAdded", "new") {
		t.Error("keys are scoped by event type")
	}
}

func TestIdempotencyChecker_LookupErrorIsNotDuplicate(t *testing.T) {
	ic := core.NewIdempotencyChecker(8, &stubDBChecker{err: errors.New("connection refused")})

	var failed []string
	ic.OnLookupError(func(eventType string) { failed = append(failed, eventType) })

	if ic.IsDuplicate("SwapExecuted", "k") {
		t.Error("lookup error reported as duplicate")
	}
	if len(failed) != 1 || failed[0] != "SwapExecuted" {
		t.Errorf("lookup errors = %v", failed)
	}
}

// ============================================================================
// Test: failed Postgres lookups are counted and do not block the core
// ============================================================================

func TestProcessEvent_CountsLookupErrors(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	c, err := core.NewDeterministicCore(core.Config{
		Host:   host,
		Lender: lender,
	}, core.Deps{
		Calculator: feecalc.NewFixed(100, 10),
		Bank:       settlement.NewMemoryBank(),
		DBChecker:  &stubDBChecker{err: errors.New("connection refused")},
		Metrics:    metrics,
	})
	if err != nil {
		t.Fatalf("NewDeterministicCore failed: %v", err)
	}

	h := &harness{core: c}
	if err := c.ProcessEvent(ctx, h.poolInitialized(token0, token1, 3000)); err != nil {
		t.Fatalf("PoolInitialized failed: %v", err)
	}
	got := promtest.ToFloat64(metrics.IdempotencyLookupErrors.WithLabelValues(event.EventTypePoolInitialized.String()))
	if got != 1 {
		t.Errorf("lookup errors = %v, want 1", got)
	}
}
