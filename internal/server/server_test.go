package server

import (
	"InsuranceLedger/internal/core"
	"InsuranceLedger/internal/event"
	"InsuranceLedger/internal/feecalc"
	"InsuranceLedger/internal/ingestion"
	"InsuranceLedger/internal/observability"
	"InsuranceLedger/internal/query"
	"InsuranceLedger/internal/settlement"
	"InsuranceLedger/internal/types"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	host   = types.Address("0xhost")
	lender = types.Address("0xlender")
	trader = types.Address("0xtrader")
	alice  = types.Address("0xalice")
	token0 = types.Token("0xaaa")
	token1 = types.Token("0xbbb")
)

var (
	poolID = types.PoolKey{Token0: token0, Token1: token1, FeeTier: 3000}.ID()
	epoch  = time.Unix(1_700_000_000, 0).UTC()
)

// fixture is a running core with one pool, alice holding all liquidity,
// and one 1,000,000 token0 swap charged at 100 bps.
type fixture struct {
	runner *core.Runner
	bank   *settlement.MemoryBank
	cancel context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bank := settlement.NewMemoryBank()
	c, err := core.NewDeterministicCore(core.Config{
		Host:   host,
		Lender: lender,
		Clock:  func() time.Time { return epoch },
	}, core.Deps{
		Calculator:  feecalc.NewFixed(100, 9),
		Bank:        bank,
		PersistChan: make(chan core.CoreOutput, 64),
	})
	if err != nil {
		t.Fatalf("NewDeterministicCore failed: %v", err)
	}

	ctx := context.Background()
	events := []event.Event{
		&event.PoolInitialized{NotificationID: uuid.New(), Host: host, Token0: token0, Token1: token1, FeeTier: 3000, HostSequence: 0, Timestamp: epoch},
		&event.LiquidityAdded{LiquidityChange: event.LiquidityChange{
			NotificationID: uuid.New(), Host: host, Pool: poolID, Provider: alice,
			Amount0: sdkmath.ZeroInt(), Amount1: sdkmath.ZeroInt(), LiquidityDelta: sdkmath.NewInt(1_000),
			HostSequence: 1, Timestamp: epoch,
		}},
		&event.SwapExecuted{
			NotificationID: uuid.New(), Host: host, Pool: poolID, Trader: trader, InputToken: token0,
			TradeAmount: sdkmath.NewInt(1_000_000), PoolLiquidity: sdkmath.NewInt(1_000), Price: sdkmath.NewInt(1),
			HostSequence: 2, Timestamp: epoch,
		},
	}
	if err := bank.Mint(token0, trader, sdkmath.NewInt(1_000_000)); err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	for _, evt := range events {
		if err := c.ProcessEvent(ctx, evt); err != nil {
			t.Fatalf("%s failed: %v", evt.EventType(), err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	runner := core.NewRunner(c, 16)
	go runner.Run(runCtx)
	t.Cleanup(cancel)
	return &fixture{runner: runner, bank: bank, cancel: cancel}
}

func request(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("NewStruct failed: %v", err)
	}
	return s
}

func str(s *structpb.Struct, field string) string {
	return s.GetFields()[field].GetStringValue()
}

type stubIngester struct {
	eventType string
	payload   []byte
	result    *ingestion.IngestResult
	err       error
}

func (s *stubIngester) Ingest(_ context.Context, eventType string, payload []byte) (*ingestion.IngestResult, error) {
	s.eventType = eventType
	s.payload = payload
	return s.result, s.err
}

type stubProjections struct {
	claims []query.ClaimHistoryEntry
	limit  int
	pool   *string
}

func (s *stubProjections) GetPool(_ context.Context, id string) (*query.PoolResponse, error) {
	return nil, fmt.Errorf("pool %s: %w", id, query.ErrNotFound)
}

func (s *stubProjections) GetClaimHistory(_ context.Context, _ string, poolID *string, limit int, _ *int64) ([]query.ClaimHistoryEntry, error) {
	s.limit = limit
	s.pool = poolID
	return s.claims, nil
}

func (s *stubProjections) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: true}, nil
}

// ============================================================================
// Test: live reads from the core
// ============================================================================

func TestService_LiveReads(t *testing.T) {
	f := newFixture(t)
	svc := NewInsuranceService(f.runner, nil, nil)
	ctx := context.Background()

	ledger, err := svc.GetTokenLedger(ctx, request(t, map[string]any{"token": string(token0)}))
	if err != nil {
		t.Fatalf("GetTokenLedger failed: %v", err)
	}
	if str(ledger, "total_funds") != "10000" || str(ledger, "unattributed") != "0" {
		t.Errorf("unexpected ledger %v", ledger)
	}
	if got := ledger.GetFields()["as_of_sequence"].GetNumberValue(); got != 2 {
		t.Errorf("as_of_sequence: got %v, want 2", got)
	}

	pool, err := svc.GetPool(ctx, request(t, map[string]any{"pool_id": string(poolID)}))
	if err != nil {
		t.Fatalf("GetPool failed: %v", err)
	}
	if str(pool, "contributions0") != "10000" || str(pool, "liquidity") != "1000" {
		t.Errorf("unexpected pool %v", pool)
	}

	claimable, err := svc.GetClaimableInsuranceFees(ctx, request(t, map[string]any{
		"pool_id":  string(poolID),
		"provider": string(alice),
	}))
	if err != nil {
		t.Fatalf("GetClaimableInsuranceFees failed: %v", err)
	}
	if str(claimable, "fees0") != "10000" || str(claimable, "fees1") != "0" {
		t.Errorf("unexpected claimable %v", claimable)
	}

	maxLoan, err := svc.MaxFlashLoan(ctx, request(t, map[string]any{"token": string(token0)}))
	if err != nil {
		t.Fatalf("MaxFlashLoan failed: %v", err)
	}
	if str(maxLoan, "amount") != "10000" {
		t.Errorf("max flash loan: got %s", str(maxLoan, "amount"))
	}

	fee, err := svc.FlashFee(ctx, request(t, map[string]any{"token": string(token0), "amount": "10000"}))
	if err != nil {
		t.Fatalf("FlashFee failed: %v", err)
	}
	if str(fee, "fee") != "9" {
		t.Errorf("flash fee: got %s, want 9", str(fee, "fee"))
	}
}

// ============================================================================
// Test: claims go through the core and pay the provider
// ============================================================================

func TestService_ClaimInsuranceFees(t *testing.T) {
	f := newFixture(t)
	svc := NewInsuranceService(f.runner, nil, nil)
	ctx := context.Background()

	_, err := svc.ClaimInsuranceFees(ctx, request(t, map[string]any{
		"caller":   "0xmallory",
		"pool_id":  string(poolID),
		"provider": string(alice),
	}))
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("stranger claim: got %v, want PermissionDenied", err)
	}

	resp, err := svc.ClaimInsuranceFees(ctx, request(t, map[string]any{
		"caller":  string(alice),
		"pool_id": string(poolID),
	}))
	if err != nil {
		t.Fatalf("ClaimInsuranceFees failed: %v", err)
	}
	if str(resp, "fees0") != "10000" || str(resp, "provider") != string(alice) {
		t.Errorf("unexpected claim %v", resp)
	}
	if got := f.bank.Balance(token0, alice); !got.Equal(sdkmath.NewInt(10_000)) {
		t.Errorf("alice balance: got %s", got)
	}

	_, err = svc.ClaimInsuranceFees(ctx, request(t, map[string]any{
		"caller":  string(alice),
		"pool_id": string(poolID),
	}))
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("second claim: got %v, want FailedPrecondition", err)
	}
}

// ============================================================================
// Test: argument and lookup errors
// ============================================================================

func TestService_Errors(t *testing.T) {
	f := newFixture(t)
	svc := NewInsuranceService(f.runner, &stubProjections{}, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		want codes.Code
	}{
		{"missing token", func() error {
			_, err := svc.GetTokenLedger(ctx, request(t, map[string]any{}))
			return err
		}, codes.InvalidArgument},
		{"unknown token", func() error {
			_, err := svc.GetTokenLedger(ctx, request(t, map[string]any{"token": "0xccc"}))
			return err
		}, codes.NotFound},
		{"unknown pool", func() error {
			_, err := svc.GetPool(ctx, request(t, map[string]any{"pool_id": "0xnope"}))
			return err
		}, codes.NotFound},
		{"projected pool missing", func() error {
			_, err := svc.GetPool(ctx, request(t, map[string]any{"pool_id": "0xnope", "source": "projection"}))
			return err
		}, codes.NotFound},
		{"numeric amount", func() error {
			_, err := svc.FlashFee(ctx, request(t, map[string]any{"token": string(token0), "amount": 5.0}))
			return err
		}, codes.InvalidArgument},
		{"loan above funds", func() error {
			_, err := svc.FlashFee(ctx, request(t, map[string]any{"token": string(token0), "amount": "10001"}))
			return err
		}, codes.FailedPrecondition},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := status.Code(tc.call()); got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{types.ErrInvalidAmount, codes.InvalidArgument},
		{&types.InsufficientLiquidityError{Token: token0}, codes.FailedPrecondition},
		{types.ErrCallbackFailed.Wrap("boom"), codes.Aborted},
		{types.ErrReentrancy, codes.PermissionDenied},
		{core.ErrRunnerStopped, codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{fmt.Errorf("wrapped: %w", query.ErrNotFound), codes.NotFound},
		{errors.New("disk on fire"), codes.Internal},
	}
	for _, tc := range tests {
		if got := status.Code(toStatus(tc.err)); got != tc.want {
			t.Errorf("toStatus(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

// ============================================================================
// Test: hook ingestion and projections
// ============================================================================

func TestService_IngestHookEvent(t *testing.T) {
	ing := &stubIngester{result: &ingestion.IngestResult{EventType: "ClaimRequested", IdempotencyKey: "k-1"}}
	svc := NewInsuranceService(nil, nil, ing)

	resp, err := svc.IngestHookEvent(context.Background(), request(t, map[string]any{
		"event_type": "ClaimRequested",
		"payload":    map[string]any{"caller": "0xalice"},
	}))
	if err != nil {
		t.Fatalf("IngestHookEvent failed: %v", err)
	}
	if str(resp, "idempotency_key") != "k-1" || ing.eventType != "ClaimRequested" {
		t.Errorf("unexpected response %v", resp)
	}
	var payload map[string]string
	if err := json.Unmarshal(ing.payload, &payload); err != nil || payload["caller"] != "0xalice" {
		t.Errorf("payload: got %s (%v)", ing.payload, err)
	}

	ing.result = &ingestion.IngestResult{Retry: true}
	ing.err = &core.SequenceError{Gap: true}
	_, err = svc.IngestHookEvent(context.Background(), request(t, map[string]any{
		"event_type": "SwapExecuted",
		"payload":    map[string]any{},
	}))
	if status.Code(err) != codes.Unavailable {
		t.Errorf("gap: got %v, want Unavailable", err)
	}
}

func TestService_ListClaimHistory(t *testing.T) {
	proj := &stubProjections{claims: []query.ClaimHistoryEntry{
		{Sequence: 4, PoolID: "0xpool", Provider: "0xalice", Fees0: "10", Fees1: "0"},
	}}
	svc := NewInsuranceService(nil, proj, nil)

	resp, err := svc.ListClaimHistory(context.Background(), request(t, map[string]any{
		"provider": "0xalice",
		"pool_id":  "0xpool",
		"limit":    20.0,
	}))
	if err != nil {
		t.Fatalf("ListClaimHistory failed: %v", err)
	}
	claims := resp.GetFields()["claims"].GetListValue().GetValues()
	if len(claims) != 1 || claims[0].GetStructValue().GetFields()["fees0"].GetStringValue() != "10" {
		t.Errorf("unexpected claims %v", resp)
	}
	if proj.limit != 20 || proj.pool == nil || *proj.pool != "0xpool" {
		t.Errorf("filters: limit %d pool %v", proj.limit, proj.pool)
	}

	if _, err := NewInsuranceService(nil, nil, nil).ListClaimHistory(context.Background(), request(t, map[string]any{"provider": "0xalice"})); status.Code(err) != codes.Unavailable {
		t.Errorf("standalone: got %v, want Unavailable", err)
	}
}

// ============================================================================
// Test: REST gateway
// ============================================================================

func TestGateway(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	srv := NewGRPCServer("127.0.0.1:0", "127.0.0.1:0", &ServerDeps{
		Runner:        f.runner,
		Metrics:       metrics,
		HealthChecker: observability.NewHealthChecker(),
		Logger:        zerolog.Nop(),
	})
	handler, err := srv.Handler()
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}
	ts := httptest.NewServer(handler)
	defer ts.Close()

	get := func(path string) (int, map[string]any) {
		t.Helper()
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		return resp.StatusCode, body
	}

	code, body := get("/v1/tokens/" + string(token0) + "/flash-fee?amount=10000")
	if code != http.StatusOK || body["fee"] != "9" {
		t.Errorf("flash fee: %d %v", code, body)
	}

	code, body = get("/v1/pools/" + string(poolID) + "/providers/" + string(alice) + "/claimable")
	if code != http.StatusOK || body["fees0"] != "10000" {
		t.Errorf("claimable: %d %v", code, body)
	}

	code, _ = get("/v1/tokens/0xccc/ledger")
	if code != http.StatusNotFound {
		t.Errorf("unknown token: got %d, want 404", code)
	}

	resp, err := http.Post(ts.URL+"/v1/pools/"+string(poolID)+"/providers/"+string(alice)+"/claim",
		"application/json", strings.NewReader(`{"caller":"0xalice"}`))
	if err != nil {
		t.Fatalf("POST claim: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("claim: got %d", resp.StatusCode)
	}

	if got := promtest.ToFloat64(metrics.QueryRequests.WithLabelValues("FlashFee")); got != 1 {
		t.Errorf("FlashFee requests: got %v, want 1", got)
	}
	if got := promtest.ToFloat64(metrics.QueryErrors.WithLabelValues("GetTokenLedger", codes.NotFound.String())); got != 1 {
		t.Errorf("GetTokenLedger NotFound errors: got %v, want 1", got)
	}

	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz before recovery: got %d, want 503", resp.StatusCode)
	}
}
