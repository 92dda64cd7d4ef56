package ingestion

import (
	"InsuranceLedger/internal/core"
	"InsuranceLedger/internal/event"
	"InsuranceLedger/internal/observability"
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Submitter runs an event through the core. *core.Runner implements it.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) error
}

// Verdict is what happens to a message once the core has seen it.
type Verdict int

const (
	VerdictAck Verdict = iota
	// VerdictRetry redelivers the message after gapDelay.
	VerdictRetry
)

// gapDelay gives an earlier notification time to arrive before a gapped
// one is redelivered.
const gapDelay = 500 * time.Millisecond

// Classify decides whether a core result should be acked. Only a sequence
// gap or a core that stopped before applying the event are retried; every
// other rejection is final and retrying would only repeat it.
func Classify(err error) Verdict {
	if err == nil {
		return VerdictAck
	}
	var seqErr *core.SequenceError
	if errors.As(err, &seqErr) && seqErr.Gap {
		return VerdictRetry
	}
	if errors.Is(err, core.ErrRunnerStopped) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return VerdictRetry
	}
	return VerdictAck
}

// Dispatcher parses raw messages and applies them to the core one at a
// time. A message is acked only after the core has processed it.
type Dispatcher struct {
	core    Submitter
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDispatcher(core Submitter, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{core: core, metrics: metrics, logger: logger}
}

// Run drains rawChan until ctx is cancelled or the channel is closed.
func (d *Dispatcher) Run(ctx context.Context, rawChan <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and settles it.
func (d *Dispatcher) Handle(ctx context.Context, raw RawEvent) {
	evt, err := ParseRawEvent(raw, raw.EventType)
	if err != nil {
		// Unparseable messages never become valid; ack so they are not redelivered.
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event failed")
		d.record("invalid")
		raw.AckFunc()
		return
	}

	err = d.core.Submit(ctx, evt)
	switch Classify(err) {
	case VerdictRetry:
		d.logger.Warn().Err(err).
			Str("type", raw.EventType).
			Str("key", evt.IdempotencyKey()).
			Msg("event deferred for redelivery")
		d.record("retry")
		raw.NakFunc(gapDelay)
	default:
		if err != nil {
			d.logger.Info().Err(err).
				Str("type", raw.EventType).
				Str("key", evt.IdempotencyKey()).
				Msg("event rejected by core")
			d.record("rejected")
		} else {
			d.record("applied")
		}
		raw.AckFunc()
	}
}

func (d *Dispatcher) record(result string) {
	if d.metrics != nil {
		d.metrics.IngestMessages.WithLabelValues("nats", result).Inc()
	}
}
