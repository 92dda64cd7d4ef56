package ingestion

import (
	"InsuranceLedger/internal/event"
	"InsuranceLedger/internal/types"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// ErrInvalidNotification marks a notification that could not be parsed.
var ErrInvalidNotification = errors.New("invalid notification")

// ParseRawEvent converts a raw host notification into a typed event.Event.
// Only notifications the host sends are accepted here; withdrawals and
// flash loans are direct calls through the API.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "PoolInitialized":
		return parsePoolInitialized(raw.Data)
	case "LiquidityAdded":
		change, err := parseLiquidityChange(raw.Data, eventType)
		if err != nil {
			return nil, err
		}
		return &event.LiquidityAdded{LiquidityChange: change}, nil
	case "LiquidityRemoved":
		change, err := parseLiquidityChange(raw.Data, eventType)
		if err != nil {
			return nil, err
		}
		return &event.LiquidityRemoved{LiquidityChange: change}, nil
	case "SwapExecuted":
		return parseSwapExecuted(raw.Data)
	case "ClaimRequested":
		return parseClaimRequested(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// EventTypeFromSubject maps "insurance.hooks.<type>.<host>" to <type>.
func EventTypeFromSubject(subject string) (string, error) {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != "insurance" || parts[1] != "hooks" {
		return "", fmt.Errorf("unexpected subject %q", subject)
	}
	return parts[2], nil
}

// --- JSON wire formats ---
// Field names use snake_case to match the host. Token amounts are decimal
// strings since they routinely exceed 64 bits.

type poolInitializedJSON struct {
	NotificationID string `json:"notification_id"`
	Host           string `json:"host"`
	PoolID         string `json:"pool_id"`
	Token0         string `json:"token0"`
	Token1         string `json:"token1"`
	FeeTier        uint32 `json:"fee_tier"`
	HostSequence   int64  `json:"host_sequence"`
	TimestampUs    int64  `json:"timestamp_us"`
}

func parsePoolInitialized(data []byte) (*event.PoolInitialized, error) {
	var j poolInitializedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PoolInitialized: %w", err)
	}
	id, err := uuid.Parse(j.NotificationID)
	if err != nil {
		return nil, fmt.Errorf("parse notification_id: %w", err)
	}
	if err := requireFields(map[string]string{"host": j.Host, "token0": j.Token0, "token1": j.Token1}); err != nil {
		return nil, fmt.Errorf("parse PoolInitialized: %w", err)
	}

	return &event.PoolInitialized{
		NotificationID: id,
		Host:           types.Address(j.Host),
		Pool:           types.PoolID(j.PoolID),
		Token0:         types.Token(j.Token0),
		Token1:         types.Token(j.Token1),
		FeeTier:        j.FeeTier,
		HostSequence:   j.HostSequence,
		Timestamp:      time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type liquidityChangeJSON struct {
	NotificationID string `json:"notification_id"`
	Host           string `json:"host"`
	PoolID         string `json:"pool_id"`
	Provider       string `json:"provider"`
	Amount0        string `json:"amount0"`
	Amount1        string `json:"amount1"`
	LiquidityDelta string `json:"liquidity_delta"`
	HostSequence   int64  `json:"host_sequence"`
	TimestampUs    int64  `json:"timestamp_us"`
}

func parseLiquidityChange(data []byte, eventType string) (event.LiquidityChange, error) {
	var j liquidityChangeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return event.LiquidityChange{}, fmt.Errorf("parse %s: %w", eventType, err)
	}
	id, err := uuid.Parse(j.NotificationID)
	if err != nil {
		return event.LiquidityChange{}, fmt.Errorf("parse notification_id: %w", err)
	}
	if err := requireFields(map[string]string{"host": j.Host, "pool_id": j.PoolID, "provider": j.Provider}); err != nil {
		return event.LiquidityChange{}, fmt.Errorf("parse %s: %w", eventType, err)
	}

	amounts := make([]sdkmath.Int, 3)
	for i, field := range []struct{ name, value string }{
		{"amount0", j.Amount0},
		{"amount1", j.Amount1},
		{"liquidity_delta", j.LiquidityDelta},
	} {
		if amounts[i], err = parseAmount(field.name, field.value); err != nil {
			return event.LiquidityChange{}, err
		}
	}

	return event.LiquidityChange{
		NotificationID: id,
		Host:           types.Address(j.Host),
		Pool:           types.PoolID(j.PoolID),
		Provider:       types.Address(j.Provider),
		Amount0:        amounts[0],
		Amount1:        amounts[1],
		LiquidityDelta: amounts[2],
		HostSequence:   j.HostSequence,
		Timestamp:      time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type swapExecutedJSON struct {
	NotificationID string `json:"notification_id"`
	Host           string `json:"host"`
	PoolID         string `json:"pool_id"`
	Trader         string `json:"trader"`
	InputToken     string `json:"input_token"`
	TradeAmount    string `json:"trade_amount"`
	PoolLiquidity  string `json:"pool_liquidity"`
	Price          string `json:"price"`
	HostSequence   int64  `json:"host_sequence"`
	TimestampUs    int64  `json:"timestamp_us"`
}

func parseSwapExecuted(data []byte) (*event.SwapExecuted, error) {
	var j swapExecutedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SwapExecuted: %w", err)
	}
	id, err := uuid.Parse(j.NotificationID)
	if err != nil {
		return nil, fmt.Errorf("parse notification_id: %w", err)
	}
	if err := requireFields(map[string]string{
		"host": j.Host, "pool_id": j.PoolID, "trader": j.Trader, "input_token": j.InputToken,
	}); err != nil {
		return nil, fmt.Errorf("parse SwapExecuted: %w", err)
	}

	tradeAmount, err := parseAmount("trade_amount", j.TradeAmount)
	if err != nil {
		return nil, err
	}
	liquidity, err := parseAmount("pool_liquidity", j.PoolLiquidity)
	if err != nil {
		return nil, err
	}
	price, err := parseAmount("price", j.Price)
	if err != nil {
		return nil, err
	}

	return &event.SwapExecuted{
		NotificationID: id,
		Host:           types.Address(j.Host),
		Pool:           types.PoolID(j.PoolID),
		Trader:         types.Address(j.Trader),
		InputToken:     types.Token(j.InputToken),
		TradeAmount:    tradeAmount,
		PoolLiquidity:  liquidity,
		Price:          price,
		HostSequence:   j.HostSequence,
		Timestamp:      time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type claimRequestedJSON struct {
	RequestID   string `json:"request_id"`
	Caller      string `json:"caller"`
	PoolID      string `json:"pool_id"`
	Provider    string `json:"provider"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseClaimRequested(data []byte) (*event.ClaimRequested, error) {
	var j claimRequestedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClaimRequested: %w", err)
	}
	id, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	if err := requireFields(map[string]string{"caller": j.Caller, "pool_id": j.PoolID}); err != nil {
		return nil, fmt.Errorf("parse ClaimRequested: %w", err)
	}

	provider := j.Provider
	if provider == "" {
		provider = j.Caller
	}
	return &event.ClaimRequested{
		RequestID: id,
		Caller:    types.Address(j.Caller),
		Pool:      types.PoolID(j.PoolID),
		Provider:  types.Address(provider),
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

// parseAmount accepts a non-negative base-10 integer. An empty string is
// zero.
func parseAmount(field, s string) (sdkmath.Int, error) {
	if s == "" {
		return sdkmath.ZeroInt(), nil
	}
	v, ok := sdkmath.NewIntFromString(s)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("parse %s: %q is not an integer", field, s)
	}
	if v.IsNegative() {
		return sdkmath.Int{}, fmt.Errorf("parse %s: %s is negative", field, s)
	}
	return v, nil
}

func requireFields(fields map[string]string) error {
	var missing []string
	for name, value := range fields {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("missing %s", strings.Join(missing, ", "))
}
