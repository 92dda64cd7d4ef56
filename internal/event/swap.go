package event

import (
	"InsuranceLedger/internal/types"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// SwapExecuted is the host's beforeSwap hook notification. The insurance
// fee is taken from TradeAmount of InputToken.
// Idempotency key: notification_id.
type SwapExecuted struct {
	NotificationID uuid.UUID
	Host           types.Address
	Pool           types.PoolID
	Trader         types.Address
	InputToken     types.Token
	TradeAmount    sdkmath.Int
	PoolLiquidity  sdkmath.Int
	Price          sdkmath.Int
	HostSequence   int64
	Timestamp      time.Time
}

func (e *SwapExecuted) IdempotencyKey() string { return e.NotificationID.String() }
func (e *SwapExecuted) EventType() EventType   { return EventTypeSwapExecuted }
func (e *SwapExecuted) PoolID() *types.PoolID  { return poolRef(e.Pool) }
func (e *SwapExecuted) Partition() string      { return HostPartition(e.Host) }
func (e *SwapExecuted) SourceSequence() int64  { return e.HostSequence }
func (e *SwapExecuted) EventTime() time.Time   { return e.Timestamp }
