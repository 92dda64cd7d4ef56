package ingestion

import (
	"InsuranceLedger/internal/core"
	"InsuranceLedger/internal/event"
	"InsuranceLedger/internal/types"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type stubSubmitter struct {
	err       error
	submitted []event.Event
}

func (s *stubSubmitter) Submit(_ context.Context, evt event.Event) error {
	s.submitted = append(s.submitted, evt)
	return s.err
}

type settled struct {
	acked  int
	nacked int
	delay  time.Duration
}

func (s *settled) raw(eventType string, data string) RawEvent {
	return RawEvent{
		Subject:   "insurance.hooks." + eventType + ".0xhost",
		EventType: eventType,
		Data:      []byte(data),
		AckFunc:   func() { s.acked++ },
		NakFunc:   func(d time.Duration) { s.nacked++; s.delay = d },
	}
}

const claimJSON = `{"request_id":"550e8400-e29b-41d4-a716-446655440000","caller":"0xalice","pool_id":"0xpool"}`

// ============================================================================
// Test: Classify retries only what can succeed later
// ============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Verdict
	}{
		{"applied", nil, VerdictAck},
		{"gap", fmt.Errorf("sequence validation failed: %w", &core.SequenceError{Gap: true}), VerdictRetry},
		{"out of order", &core.SequenceError{Expected: 5, Got: 2}, VerdictAck},
		{"runner stopped", core.ErrRunnerStopped, VerdictRetry},
		{"cancelled", context.Canceled, VerdictRetry},
		{"engine rejection", types.ErrNoFeesToClaim.Wrap("nothing owed"), VerdictAck},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

// ============================================================================
// Test: messages are settled after the core has processed them
// ============================================================================

func TestDispatcher_Handle(t *testing.T) {
	t.Run("applied is acked", func(t *testing.T) {
		sub := &stubSubmitter{}
		s := &settled{}
		NewDispatcher(sub, nil, zerolog.Nop()).Handle(context.Background(), s.raw("ClaimRequested", claimJSON))

		if len(sub.submitted) != 1 || s.acked != 1 || s.nacked != 0 {
			t.Errorf("submitted %d, acked %d, nacked %d", len(sub.submitted), s.acked, s.nacked)
		}
	})

	t.Run("gap is redelivered later", func(t *testing.T) {
		sub := &stubSubmitter{err: &core.SequenceError{Partition: "host:0xhost", Expected: 1, Got: 3, Gap: true}}
		s := &settled{}
		NewDispatcher(sub, nil, zerolog.Nop()).Handle(context.Background(), s.raw("ClaimRequested", claimJSON))

		if s.nacked != 1 || s.acked != 0 {
			t.Errorf("acked %d, nacked %d", s.acked, s.nacked)
		}
		if s.delay != gapDelay {
			t.Errorf("delay: got %v, want %v", s.delay, gapDelay)
		}
	})

	t.Run("rejection is final", func(t *testing.T) {
		sub := &stubSubmitter{err: types.ErrUnauthorized}
		s := &settled{}
		NewDispatcher(sub, nil, zerolog.Nop()).Handle(context.Background(), s.raw("ClaimRequested", claimJSON))

		if s.acked != 1 || s.nacked != 0 {
			t.Errorf("acked %d, nacked %d", s.acked, s.nacked)
		}
	})

	t.Run("garbage never reaches the core", func(t *testing.T) {
		sub := &stubSubmitter{}
		s := &settled{}
		NewDispatcher(sub, nil, zerolog.Nop()).Handle(context.Background(), s.raw("SwapExecuted", `{not json`))

		if len(sub.submitted) != 0 || s.acked != 1 {
			t.Errorf("submitted %d, acked %d", len(sub.submitted), s.acked)
		}
	})
}

func TestDispatcher_RunStopsOnClose(t *testing.T) {
	sub := &stubSubmitter{}
	s := &settled{}
	in := make(chan RawEvent, 2)
	in <- s.raw("ClaimRequested", claimJSON)
	close(in)

	if err := NewDispatcher(sub, nil, zerolog.Nop()).Run(context.Background(), in); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if s.acked != 1 {
		t.Errorf("acked %d, want 1", s.acked)
	}
}

// ============================================================================
// Test: gRPC ingest reports the verdict to the caller
// ============================================================================

func TestGRPCIngest(t *testing.T) {
	sub := &stubSubmitter{}
	svc := NewGRPCIngestService(sub, nil, zerolog.Nop())

	res, err := svc.Ingest(context.Background(), "ClaimRequested", []byte(claimJSON))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if res.IdempotencyKey != "550e8400-e29b-41d4-a716-446655440000" || res.Retry {
		t.Errorf("unexpected result %+v", res)
	}

	if _, err := svc.Ingest(context.Background(), "ClaimRequested", []byte(`{}`)); !errors.Is(err, ErrInvalidNotification) {
		t.Errorf("expected ErrInvalidNotification, got %v", err)
	}

	sub.err = &core.SequenceError{Gap: true}
	res, err = svc.Ingest(context.Background(), "ClaimRequested", []byte(claimJSON))
	if err == nil || !res.Retry {
		t.Errorf("gap: got %+v, %v", res, err)
	}
}
