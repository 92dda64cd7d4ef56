package server

import (
	"InsuranceLedger/internal/core"
	"InsuranceLedger/internal/ingestion"
	"InsuranceLedger/internal/query"
	"InsuranceLedger/internal/types"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "insurance.v1.InsuranceService"

// InsuranceServiceServer is the query and claim API. Requests and
// responses are structpb.Struct so the service needs no generated code;
// field names are the snake_case keys documented on each method.
type InsuranceServiceServer interface {
	// GetTokenLedger: token → total_funds, available, unattributed, defaults, contributions.
	GetTokenLedger(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// GetPool: pool_id → pool totals and liquidity.
	GetPool(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// GetClaimableInsuranceFees: pool_id, provider → fees0, fees1.
	GetClaimableInsuranceFees(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// ClaimInsuranceFees: caller, pool_id, provider → fees0, fees1, sequence.
	ClaimInsuranceFees(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// FlashFee: token, amount → fee.
	FlashFee(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// MaxFlashLoan: token → amount.
	MaxFlashLoan(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// IngestHookEvent: event_type, payload (notification object) → idempotency_key.
	IngestHookEvent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// ListClaimHistory: provider, optional pool_id, limit, before_sequence.
	ListClaimHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// VerifyIntegrity: no fields.
	VerifyIntegrity(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// CoreRunner runs a function on the core goroutine. *core.Runner
// implements it.
type CoreRunner interface {
	Do(ctx context.Context, fn func(*core.DeterministicCore) error) error
}

// Ingester is the synchronous notification intake.
type Ingester interface {
	Ingest(ctx context.Context, eventType string, payload []byte) (*ingestion.IngestResult, error)
}

// Projections is the read model. *query.QueryService implements it.
type Projections interface {
	GetPool(ctx context.Context, poolID string) (*query.PoolResponse, error)
	GetClaimHistory(ctx context.Context, provider string, poolID *string, limit int, beforeSequence *int64) ([]query.ClaimHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// insuranceService answers live reads and claims from the core and
// history from the projections. Projections may be nil in standalone
// mode.
type insuranceService struct {
	runner      CoreRunner
	projections Projections
	ingest      Ingester
}

// NewInsuranceService wires the service implementation.
func NewInsuranceService(runner CoreRunner, projections Projections, ingest Ingester) InsuranceServiceServer {
	return &insuranceService{runner: runner, projections: projections, ingest: ingest}
}

func (s *insuranceService) GetTokenLedger(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token, err := requireString(req, "token")
	if err != nil {
		return nil, err
	}

	var out map[string]any
	err = s.runner.Do(ctx, func(c *core.DeterministicCore) error {
		t := types.Token(token)
		if !c.IsSupported(t) {
			return status.Errorf(codes.NotFound, "token %s has no insurance funds", token)
		}
		contributions := make([]any, 0)
		attributed := sdkmath.ZeroInt()
		for _, pc := range c.Contributions(t) {
			attributed = attributed.Add(pc.Amount)
			contributions = append(contributions, map[string]any{
				"pool_id": string(pc.Pool),
				"amount":  pc.Amount.String(),
			})
		}
		total := c.TotalFunds(t)
		out = map[string]any{
			"token":          token,
			"total_funds":    total.String(),
			"available":      c.MaxFlashLoan(t).String(),
			"unattributed":   total.Sub(attributed).String(),
			"defaults":       float64(c.DefaultHistory(t)),
			"contributions":  contributions,
			"as_of_sequence": float64(c.GetSequence() - 1),
		}
		return nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(out)
}

func (s *insuranceService) GetPool(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	poolID, err := requireString(req, "pool_id")
	if err != nil {
		return nil, err
	}

	if optionalString(req, "source") == "projection" {
		if s.projections == nil {
			return nil, status.Error(codes.Unavailable, "projections are not available")
		}
		p, err := s.projections.GetPool(ctx, poolID)
		if err != nil {
			return nil, toStatus(err)
		}
		return toStruct(p)
	}

	var out map[string]any
	err = s.runner.Do(ctx, func(c *core.DeterministicCore) error {
		view, err := c.Pool(types.PoolID(poolID))
		if err != nil {
			return err
		}
		out = map[string]any{
			"pool_id":           string(view.ID),
			"token0":            string(view.Token0),
			"token1":            string(view.Token1),
			"fee_tier":          float64(view.FeeTier),
			"contributions0":    view.TotalContributions[0].String(),
			"contributions1":    view.TotalContributions[1].String(),
			"fee_growth0":       view.FeeGrowthGlobal[0].String(),
			"fee_growth1":       view.FeeGrowthGlobal[1].String(),
			"liquidity":         view.Liquidity.String(),
			"initialized_at_us": float64(view.InitializedAt),
			"as_of_sequence":    float64(c.GetSequence() - 1),
		}
		return nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(out)
}

func (s *insuranceService) GetClaimableInsuranceFees(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	poolID, err := requireString(req, "pool_id")
	if err != nil {
		return nil, err
	}
	provider, err := requireString(req, "provider")
	if err != nil {
		return nil, err
	}

	var fees0, fees1 sdkmath.Int
	var asOf int64
	err = s.runner.Do(ctx, func(c *core.DeterministicCore) error {
		var err error
		fees0, fees1, err = c.GetClaimableInsuranceFees(types.PoolID(poolID), types.Address(provider))
		asOf = c.GetSequence() - 1
		return err
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"pool_id":        poolID,
		"provider":       provider,
		"fees0":          fees0.String(),
		"fees1":          fees1.String(),
		"as_of_sequence": float64(asOf),
	})
}

func (s *insuranceService) ClaimInsuranceFees(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := requireString(req, "caller")
	if err != nil {
		return nil, err
	}
	poolID, err := requireString(req, "pool_id")
	if err != nil {
		return nil, err
	}
	provider := optionalString(req, "provider")
	if provider == "" {
		provider = caller
	}

	var fees0, fees1 sdkmath.Int
	var seq int64
	err = s.runner.Do(ctx, func(c *core.DeterministicCore) error {
		var err error
		fees0, fees1, err = c.ClaimInsuranceFees(ctx, types.Address(caller), types.PoolID(poolID), types.Address(provider))
		seq = c.GetSequence() - 1
		return err
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"pool_id":  poolID,
		"provider": provider,
		"fees0":    fees0.String(),
		"fees1":    fees1.String(),
		"sequence": float64(seq),
	})
}

func (s *insuranceService) FlashFee(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token, err := requireString(req, "token")
	if err != nil {
		return nil, err
	}
	amount, err := requireAmount(req, "amount")
	if err != nil {
		return nil, err
	}

	var fee sdkmath.Int
	err = s.runner.Do(ctx, func(c *core.DeterministicCore) error {
		var err error
		fee, err = c.FlashFee(types.Token(token), amount)
		return err
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"token":  token,
		"amount": amount.String(),
		"fee":    fee.String(),
	})
}

func (s *insuranceService) MaxFlashLoan(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token, err := requireString(req, "token")
	if err != nil {
		return nil, err
	}

	var available sdkmath.Int
	err = s.runner.Do(ctx, func(c *core.DeterministicCore) error {
		available = c.MaxFlashLoan(types.Token(token))
		return nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"token":  token,
		"amount": available.String(),
	})
}

func (s *insuranceService) IngestHookEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	eventType, err := requireString(req, "event_type")
	if err != nil {
		return nil, err
	}
	payload, ok := req.GetFields()["payload"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "payload is required")
	}
	data, err := payload.MarshalJSON()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "payload: %v", err)
	}

	res, err := s.ingest.Ingest(ctx, eventType, data)
	if err != nil {
		if res != nil && res.Retry {
			return nil, status.Errorf(codes.Unavailable, "notification arrived early, retry: %v", err)
		}
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"event_type":      res.EventType,
		"idempotency_key": res.IdempotencyKey,
		"accepted":        true,
	})
}

func (s *insuranceService) ListClaimHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.projections == nil {
		return nil, status.Error(codes.Unavailable, "projections are not available")
	}
	provider, err := requireString(req, "provider")
	if err != nil {
		return nil, err
	}

	var poolID *string
	if p := optionalString(req, "pool_id"); p != "" {
		poolID = &p
	}
	var before *int64
	if v, ok := req.GetFields()["before_sequence"]; ok {
		seq := int64(v.GetNumberValue())
		before = &seq
	}
	limit := int(req.GetFields()["limit"].GetNumberValue())

	entries, err := s.projections.GetClaimHistory(ctx, provider, poolID, limit, before)
	if err != nil {
		return nil, toStatus(err)
	}
	if entries == nil {
		entries = []query.ClaimHistoryEntry{}
	}
	return toStruct(map[string]any{"claims": entries})
}

func (s *insuranceService) VerifyIntegrity(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.projections == nil {
		return nil, status.Error(codes.Unavailable, "projections are not available")
	}
	report, err := s.projections.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(report)
}

// ============================================================================
// Request and response helpers
// ============================================================================

func requireString(req *structpb.Struct, field string) (string, error) {
	v := optionalString(req, field)
	if v == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	return v, nil
}

func optionalString(req *structpb.Struct, field string) string {
	return req.GetFields()[field].GetStringValue()
}

// requireAmount reads a decimal string amount. Numbers are rejected: a
// JSON number loses precision past 2^53.
func requireAmount(req *structpb.Struct, field string) (sdkmath.Int, error) {
	s, err := requireString(req, field)
	if err != nil {
		return sdkmath.Int{}, err
	}
	v, ok := sdkmath.NewIntFromString(s)
	if !ok {
		return sdkmath.Int{}, status.Errorf(codes.InvalidArgument, "%s: %q is not an integer", field, s)
	}
	return v, nil
}

// toStruct converts a JSON-tagged response type to a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// toStatus maps engine and service errors to gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, core.ErrRunnerStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ingestion.ErrInvalidNotification):
		return status.Error(codes.InvalidArgument, err.Error())
	}

	var seqErr *core.SequenceError
	if errors.As(err, &seqErr) {
		return status.Error(codes.FailedPrecondition, err.Error())
	}

	switch types.Kind(err) {
	case types.KindValidation:
		if errors.Is(err, types.ErrPoolNotFound) {
			return status.Error(codes.NotFound, err.Error())
		}
		return status.Error(codes.InvalidArgument, err.Error())
	case types.KindResources:
		return status.Error(codes.FailedPrecondition, err.Error())
	case types.KindCounterparty:
		return status.Error(codes.Aborted, err.Error())
	case types.KindAuthorization:
		return status.Error(codes.PermissionDenied, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// ============================================================================
// Service descriptor
// ============================================================================

type unaryMethod func(InsuranceServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

var methods = map[string]unaryMethod{
	"GetTokenLedger":            InsuranceServiceServer.GetTokenLedger,
	"GetPool":                   InsuranceServiceServer.GetPool,
	"GetClaimableInsuranceFees": InsuranceServiceServer.GetClaimableInsuranceFees,
	"ClaimInsuranceFees":        InsuranceServiceServer.ClaimInsuranceFees,
	"FlashFee":                  InsuranceServiceServer.FlashFee,
	"MaxFlashLoan":              InsuranceServiceServer.MaxFlashLoan,
	"IngestHookEvent":           InsuranceServiceServer.IngestHookEvent,
	"ListClaimHistory":          InsuranceServiceServer.ListClaimHistory,
	"VerifyIntegrity":           InsuranceServiceServer.VerifyIntegrity,
}

// methodNames fixes the descriptor order.
var methodNames = []string{
	"GetTokenLedger",
	"GetPool",
	"GetClaimableInsuranceFees",
	"ClaimInsuranceFees",
	"FlashFee",
	"MaxFlashLoan",
	"IngestHookEvent",
	"ListClaimHistory",
	"VerifyIntegrity",
}

func unaryHandler(name string, fn unaryMethod) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := fmt.Sprintf("/%s/%s", serviceName, name)
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv.(InsuranceServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(srv.(InsuranceServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes InsuranceService for grpc.Server.RegisterService.
var ServiceDesc = func() grpc.ServiceDesc {
	desc := grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*InsuranceServiceServer)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "insurance/v1/insurance.proto",
	}
	for _, name := range methodNames {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    unaryHandler(name, methods[name]),
		})
	}
	return desc
}()

// InsuranceServiceClient calls InsuranceService over a client connection.
type InsuranceServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewInsuranceServiceClient(cc grpc.ClientConnInterface) *InsuranceServiceClient {
	return &InsuranceServiceClient{cc: cc}
}

// Call invokes method with req.
func (c *InsuranceServiceClient) Call(ctx context.Context, method string, req map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := c.cc.Invoke(ctx, fmt.Sprintf("/%s/%s", serviceName, method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
