package event

import (
	"encoding/json"
	"fmt"
)

// DecodePayload rebuilds the input event stored in an envelope payload.
func DecodePayload(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypePoolInitialized:
		evt = &PoolInitialized{}
	case EventTypeLiquidityAdded:
		evt = &LiquidityAdded{}
	case EventTypeLiquidityRemoved:
		evt = &LiquidityRemoved{}
	case EventTypeSwapExecuted:
		evt = &SwapExecuted{}
	case EventTypeClaimRequested:
		evt = &ClaimRequested{}
	case EventTypeWithdrawRequested:
		evt = &WithdrawRequested{}
	case EventTypeFlashLoanRequested:
		evt = &FlashLoanRequested{}
	default:
		return nil, fmt.Errorf("unknown event type %d", et)
	}

	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", et, err)
	}
	return evt, nil
}
