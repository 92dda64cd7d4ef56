package core

import (
	"InsuranceLedger/internal/event"
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrReplayUnsupported is returned for log entries that can only be
// recovered from a snapshot.
var ErrReplayUnsupported = errors.New("event cannot be replayed")

// ProcessEvent is the inbound pipeline for host notifications and claim
// requests: dedup, source sequence check, dispatch, mark processed.
//
// A sequenced notification the engine rejects still consumes its source
// sequence: the rejection is logged with its own sequence so the partition
// cursor survives a restart, and one bad notification does not wedge the
// host. A cancelled or expired ctx consumes nothing and the notification
// can be retried. Duplicates return nil without touching state.
func (c *DeterministicCore) ProcessEvent(ctx context.Context, evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	if err := ctx.Err(); err != nil {
		c.reject(eventType, "canceled")
		return err
	}

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation for partitioned sources
	partition := evt.Partition()
	if partition != "" {
		if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), isDuplicate); err != nil {
			c.recordSequenceError(err)
			c.reject(eventType, "sequence")
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		c.reject(eventType, "duplicate")
		return nil
	}

	// Step 3: Dispatch
	if err := c.dispatch(ctx, evt); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.reject(eventType, "canceled")
			return err
		}
		c.reject(eventType, "engine")
		if partition != "" && !c.InTransaction() {
			c.sequenceValidator.Observe(partition, evt.SourceSequence())
			c.idempotency.MarkProcessed(eventType, idempotencyKey)
			output := c.chainRejection(evt, err.Error())
			c.recordCommitMetrics(output)
			c.publish(output)
		}
		return err
	}

	// Step 4: Advance the partition and mark as processed
	if partition != "" {
		c.sequenceValidator.Observe(partition, evt.SourceSequence())
	}
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType, "applied").Inc()
		c.metrics.IngestToApply.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.Size()))
	}
	return nil
}

func (c *DeterministicCore) dispatch(ctx context.Context, evt event.Event) error {
	var err error
	switch e := evt.(type) {
	case *event.PoolInitialized:
		_, err = c.OnPoolInitialized(ctx, e)
	case *event.LiquidityAdded:
		_, err = c.OnLiquidityAdded(ctx, e)
	case *event.LiquidityRemoved:
		_, _, err = c.OnLiquidityRemoved(ctx, e)
	case *event.SwapExecuted:
		_, _, err = c.OnSwap(ctx, e)
	case *event.ClaimRequested:
		_, err = c.claim(ctx, e)
	case *event.WithdrawRequested:
		_, err = c.withdraw(ctx, e)
	case *event.FlashLoanRequested:
		err = fmt.Errorf("flash loans need a borrower and cannot be submitted as events")
	default:
		err = fmt.Errorf("unknown event type: %T", evt)
	}
	return err
}

func (c *DeterministicCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *DeterministicCore) recordSequenceError(err error) {
	var seqErr *SequenceError
	if c.metrics == nil || !errors.As(err, &seqErr) {
		return
	}
	if seqErr.Gap {
		c.metrics.EventSequenceGap.WithLabelValues(seqErr.Partition).Inc()
	} else {
		c.metrics.EventOutOfOrder.WithLabelValues(seqErr.Partition).Inc()
	}
}

// Replay re-applies a committed envelope during recovery and checks that
// the engine reproduces its state hash. Logged rejections only advance
// the sequence, the partition cursor and the hash chain. Nothing is
// published.
func (c *DeterministicCore) Replay(ctx context.Context, env *event.EventEnvelope) error {
	if env.Sequence != c.sequence {
		return fmt.Errorf("replay: expected sequence %d, got %d", c.sequence, env.Sequence)
	}
	if env.EventType == event.EventTypeFlashLoanRequested {
		return fmt.Errorf("replay sequence %d: %w", env.Sequence, ErrReplayUnsupported)
	}

	evt, err := event.DecodePayload(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
	}

	if partition := evt.Partition(); partition != "" {
		c.sequenceValidator.Observe(partition, evt.SourceSequence())
	}

	if env.Rejection != "" {
		replayed := c.chainRejection(evt, env.Rejection)
		if replayed.Envelope.StateHash != env.StateHash {
			return fmt.Errorf("replay sequence %d: state hash mismatch: recorded %x, computed %x",
				env.Sequence, env.StateHash, replayed.Envelope.StateHash)
		}
		c.idempotency.MarkProcessed(env.EventType.String(), env.IdempotencyKey)
		return nil
	}

	c.replaying = true
	err = c.dispatch(ctx, evt)
	c.replaying = false
	if err != nil {
		return fmt.Errorf("replay sequence %d diverged: %w", env.Sequence, err)
	}

	if got := c.GetStateHash(); got != env.StateHash {
		return fmt.Errorf("replay sequence %d: state hash mismatch: recorded %x, computed %x",
			env.Sequence, env.StateHash, got)
	}
	c.idempotency.MarkProcessed(env.EventType.String(), env.IdempotencyKey)
	return nil
}
