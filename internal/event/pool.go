package event

import (
	"InsuranceLedger/internal/types"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// PoolInitialized is the host's afterInitialize hook notification.
// Idempotency key: notification_id.
type PoolInitialized struct {
	NotificationID uuid.UUID
	Host           types.Address
	Pool           types.PoolID // derived from the key when empty
	Token0         types.Token
	Token1         types.Token
	FeeTier        uint32
	HostSequence   int64
	Timestamp      time.Time
}

// Key returns the pool key. Pool, when set, must match Key().ID().
func (e *PoolInitialized) Key() types.PoolKey {
	return types.PoolKey{Token0: e.Token0, Token1: e.Token1, FeeTier: e.FeeTier}
}

func (e *PoolInitialized) IdempotencyKey() string { return e.NotificationID.String() }
func (e *PoolInitialized) EventType() EventType   { return EventTypePoolInitialized }
func (e *PoolInitialized) Partition() string      { return HostPartition(e.Host) }
func (e *PoolInitialized) SourceSequence() int64  { return e.HostSequence }
func (e *PoolInitialized) EventTime() time.Time   { return e.Timestamp }

func (e *PoolInitialized) PoolID() *types.PoolID {
	if e.Pool == "" {
		return poolRef(e.Key().ID())
	}
	return poolRef(e.Pool)
}

// LiquidityChange is the payload shared by the add and remove liquidity
// hooks. LiquidityDelta is optional; when zero the engine derives units
// from the amounts.
type LiquidityChange struct {
	NotificationID uuid.UUID
	Host           types.Address
	Pool           types.PoolID
	Provider       types.Address
	Amount0        sdkmath.Int
	Amount1        sdkmath.Int
	LiquidityDelta sdkmath.Int
	HostSequence   int64
	Timestamp      time.Time
}

func (e *LiquidityChange) IdempotencyKey() string { return e.NotificationID.String() }
func (e *LiquidityChange) PoolID() *types.PoolID  { return poolRef(e.Pool) }
func (e *LiquidityChange) Partition() string      { return HostPartition(e.Host) }
func (e *LiquidityChange) SourceSequence() int64  { return e.HostSequence }
func (e *LiquidityChange) EventTime() time.Time   { return e.Timestamp }

// LiquidityAdded is the host's afterAddLiquidity hook notification.
type LiquidityAdded struct {
	LiquidityChange
}

func (e *LiquidityAdded) EventType() EventType { return EventTypeLiquidityAdded }

// LiquidityRemoved is the host's afterRemoveLiquidity hook notification.
type LiquidityRemoved struct {
	LiquidityChange
}

func (e *LiquidityRemoved) EventType() EventType { return EventTypeLiquidityRemoved }
