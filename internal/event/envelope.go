package event

import (
	"InsuranceLedger/internal/types"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePoolInitialized
	EventTypeLiquidityAdded
	EventTypeLiquidityRemoved
	EventTypeSwapExecuted
	EventTypeClaimRequested
	EventTypeWithdrawRequested
	EventTypeFlashLoanRequested
)

// EventEnvelope wraps every committed operation in the log.
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Pool context (nil for token-wide operations such as flash loans)
	PoolID *types.PoolID

	// Versioned input timestamp, never wall-clock
	Timestamp time.Time

	// Upstream sequence for ordering validation (0 when unsequenced)
	SourceSequence int64

	// JSON-encoded input event
	Payload []byte

	// SHA-256 of state after applying this event
	StateHash [32]byte

	// Previous event's state hash
	PrevHash [32]byte

	// Rejection is the engine's reason for refusing a sequenced
	// notification. Such entries change no state and exist so the source
	// sequence stays consumed across restarts. Empty for applied events.
	Rejection string
}

// Event is the interface all inbound payloads implement.
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// PoolID returns the pool context (nil for token-wide operations)
	PoolID() *types.PoolID

	// Partition names the ordered stream the event belongs to. Events with
	// an empty partition are not sequence-checked.
	Partition() string

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64

	// EventTime returns the versioned input timestamp
	EventTime() time.Time
}

func (et EventType) String() string {
	switch et {
	case EventTypePoolInitialized:
		return "PoolInitialized"
	case EventTypeLiquidityAdded:
		return "LiquidityAdded"
	case EventTypeLiquidityRemoved:
		return "LiquidityRemoved"
	case EventTypeSwapExecuted:
		return "SwapExecuted"
	case EventTypeClaimRequested:
		return "ClaimRequested"
	case EventTypeWithdrawRequested:
		return "WithdrawRequested"
	case EventTypeFlashLoanRequested:
		return "FlashLoanRequested"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, bool) {
	for et := EventTypePoolInitialized; et <= EventTypeFlashLoanRequested; et++ {
		if et.String() == s {
			return et, true
		}
	}
	return EventTypeUnknown, false
}

// HostPartition is the ordering partition for a host's hook notifications.
func HostPartition(host types.Address) string {
	return "host:" + string(host)
}

func poolRef(id types.PoolID) *types.PoolID {
	return &id
}
