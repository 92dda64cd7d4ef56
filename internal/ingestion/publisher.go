package ingestion

import (
	"InsuranceLedger/internal/core"
	"InsuranceLedger/internal/event"
	"InsuranceLedger/internal/observability"
	"InsuranceLedger/internal/settlement"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// SubjectTransferInstructions carries the transfers a host must execute
// when the engine runs in host settlement mode.
const SubjectTransferInstructions = "insurance.events.TransferInstructions"

// jsPublisher is the part of jetstream.JetStream the publisher uses.
type jsPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed engine events to
// insurance.events.<kind>. Each message carries a JetStream message id
// derived from its sequence, so a republish after restart is deduplicated
// by the stream.
type OutboundPublisher struct {
	js               jsPublisher
	inputChan        <-chan core.CoreOutput
	publishTransfers bool
	metrics          *observability.Metrics
	logger           zerolog.Logger
}

// PublishableEvent is the outbound wire format.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	Kind           string          `json:"kind"`
	SourceType     string          `json:"source_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	PoolID         *string         `json:"pool_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// TransferInstruction is one transfer for the host to execute.
type TransferInstruction struct {
	Token   string `json:"token"`
	From    string `json:"from"`
	To      string `json:"to"`
	Spender string `json:"spender,omitempty"`
	Amount  string `json:"amount"`
}

func NewOutboundPublisher(
	js jsPublisher,
	inputChan <-chan core.CoreOutput,
	publishTransfers bool,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *OutboundPublisher {
	return &OutboundPublisher{
		js:               js,
		inputChan:        inputChan,
		publishTransfers: publishTransfers,
		metrics:          metrics,
		logger:           logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.Publish(ctx, output); err != nil {
				// Non-fatal: downstream consumers can read the event log.
				op.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

// Publish sends every emitted event of one output, then its transfer
// instructions when enabled.
func (op *OutboundPublisher) Publish(ctx context.Context, output core.CoreOutput) error {
	env := output.Envelope
	var poolID *string
	if env.PoolID != nil {
		id := string(*env.PoolID)
		poolID = &id
	}

	for i, e := range output.Emitted {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", e.Kind(), err)
		}
		msg := PublishableEvent{
			Sequence:       env.Sequence,
			Kind:           string(e.Kind()),
			SourceType:     env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			PoolID:         poolID,
			Payload:        payload,
			StateHash:      hex.EncodeToString(env.StateHash[:]),
			Timestamp:      env.Timestamp,
		}
		if err := op.send(ctx, EventSubject(e.Kind()), fmt.Sprintf("%d-%d", env.Sequence, i), msg); err != nil {
			return err
		}
	}

	if op.publishTransfers && len(output.Transfers) > 0 {
		msg := struct {
			Sequence  int64                 `json:"sequence"`
			Transfers []TransferInstruction `json:"transfers"`
		}{Sequence: env.Sequence, Transfers: instructions(output.Transfers)}
		if err := op.send(ctx, SubjectTransferInstructions, fmt.Sprintf("%d-transfers", env.Sequence), msg); err != nil {
			return err
		}
	}
	return nil
}

func (op *OutboundPublisher) send(ctx context.Context, subject, msgID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := op.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if op.metrics != nil {
		op.metrics.PublishedEvents.WithLabelValues(subject).Inc()
	}
	return nil
}

// EventSubject is the outbound subject for an emitted event kind.
func EventSubject(kind event.EmittedKind) string {
	return "insurance.events." + string(kind)
}

func instructions(transfers []settlement.Transfer) []TransferInstruction {
	out := make([]TransferInstruction, len(transfers))
	for i, t := range transfers {
		out[i] = TransferInstruction{
			Token:   string(t.Token),
			From:    string(t.From),
			To:      string(t.To),
			Spender: string(t.Spender),
			Amount:  t.Amount.String(),
		}
	}
	return out
}
