package ingestion

import (
	"InsuranceLedger/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// GRPCIngestService accepts the same notifications as the NATS consumers,
// for admin use and hosts without a JetStream connection. Unlike NATS it
// is synchronous: the caller gets the core's verdict.
type GRPCIngestService struct {
	core    Submitter
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewGRPCIngestService(core Submitter, metrics *observability.Metrics, logger zerolog.Logger) *GRPCIngestService {
	return &GRPCIngestService{core: core, metrics: metrics, logger: logger}
}

// IngestResult reports what the core did with an injected notification.
type IngestResult struct {
	EventType      string
	IdempotencyKey string
	// Retry is set when the notification arrived ahead of its source
	// sequence and should be sent again.
	Retry bool
}

// Ingest parses a snake_case JSON notification of the given type and
// applies it.
func (s *GRPCIngestService) Ingest(ctx context.Context, eventType string, payload []byte) (*IngestResult, error) {
	evt, err := ParseRawEvent(RawEvent{
		Subject:   "grpc",
		EventType: eventType,
		Data:      payload,
		Timestamp: time.Now(),
	}, eventType)
	if err != nil {
		s.record("invalid")
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}

	result := &IngestResult{EventType: eventType, IdempotencyKey: evt.IdempotencyKey()}
	err = s.core.Submit(ctx, evt)
	if err != nil {
		result.Retry = Classify(err) == VerdictRetry
		s.record("rejected")
		s.logger.Info().Err(err).Str("type", eventType).Str("key", result.IdempotencyKey).Msg("injected event rejected")
		return result, err
	}
	s.record("applied")
	return result, nil
}

func (s *GRPCIngestService) record(result string) {
	if s.metrics != nil {
		s.metrics.IngestMessages.WithLabelValues("grpc", result).Inc()
	}
}
