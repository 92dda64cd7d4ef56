package persistence

import (
	"InsuranceLedger/internal/event"
	"InsuranceLedger/internal/ledger"
	"InsuranceLedger/internal/settlement"
	"InsuranceLedger/internal/types"
	"context"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

const (
	tokenA = types.Token("0xaaa")
	lpAddr = types.Address("0xalice")
)

func testEnvelope(seq int64) *event.EventEnvelope {
	pool := types.PoolID("pool-1")
	env := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: uuid.NewString(),
		EventType:      event.EventTypeSwapExecuted,
		PoolID:         &pool,
		Timestamp:      time.Unix(1_700_000_000+seq, 0).UTC(),
		SourceSequence: seq,
		Payload:        []byte(`{"x":1}`),
	}
	env.StateHash[0] = byte(seq + 1)
	env.PrevHash[0] = byte(seq)
	return env
}

func testBatch(seq int64) *ledger.Batch {
	return &ledger.Batch{
		BatchID:  uuid.New(),
		EventRef: "swap",
		Sequence: seq,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			Sequence:      seq,
			DebitAccount:  ledger.NewPoolAccountKey(tokenA, "pool-1"),
			CreditAccount: ledger.NewExternalAccountKey(tokenA, "0xtrader"),
			Token:         tokenA,
			Amount:        sdkmath.NewInt(1_000),
			JournalType:   ledger.JournalTypeInsuranceFee,
		}},
	}
}

// ============================================================================
// Test: placeholders numbers every column across rows
// ============================================================================

func TestPlaceholders(t *testing.T) {
	if got := placeholders(2, 3); got != "($1, $2, $3), ($4, $5, $6)" {
		t.Errorf("placeholders(2, 3) = %q", got)
	}
	if got := placeholders(0, 3); got != "" {
		t.Errorf("placeholders(0, 3) = %q, want empty", got)
	}
}

// ============================================================================
// Test: stored rows convert back into the same envelope
// ============================================================================

func TestEventRow_EnvelopeRoundTrip(t *testing.T) {
	env := testEnvelope(7)
	got, err := NewEventRow(env).Envelope()
	if err != nil {
		t.Fatalf("Envelope failed: %v", err)
	}

	if got.Sequence != 7 || got.EventType != event.EventTypeSwapExecuted {
		t.Errorf("got sequence %d type %s", got.Sequence, got.EventType)
	}
	if got.StateHash != env.StateHash || got.PrevHash != env.PrevHash {
		t.Error("hashes changed")
	}
	if got.PoolID == nil || *got.PoolID != *env.PoolID {
		t.Errorf("pool id: got %v", got.PoolID)
	}
}

func TestEventRow_RejectionRoundTrip(t *testing.T) {
	env := testEnvelope(3)
	env.Rejection = "pool not found"
	row := NewEventRow(env)
	if row.Rejection == nil || *row.Rejection != "pool not found" {
		t.Fatalf("row rejection: got %v", row.Rejection)
	}
	got, err := row.Envelope()
	if err != nil {
		t.Fatalf("Envelope failed: %v", err)
	}
	if got.Rejection != "pool not found" {
		t.Errorf("rejection: got %q", got.Rejection)
	}

	if NewEventRow(testEnvelope(4)).Rejection != nil {
		t.Error("applied envelope stored with a rejection")
	}
}

func TestEventRow_RejectsCorruptRows(t *testing.T) {
	row := NewEventRow(testEnvelope(1))
	row.EventType = "Liquidated"
	if _, err := row.Envelope(); err == nil {
		t.Error("expected error for unknown event type")
	}

	row = NewEventRow(testEnvelope(1))
	row.StateHash = row.StateHash[:16]
	if _, err := row.Envelope(); err == nil {
		t.Error("expected error for short hash")
	}
}

func TestNewTransferRows_SpenderOptional(t *testing.T) {
	rows := NewTransferRows(4, []settlement.Transfer{
		{Token: tokenA, From: "0xlender", To: lpAddr, Amount: sdkmath.NewInt(5)},
		{Token: tokenA, From: "0xborrower", To: "0xlender", Spender: "0xlender", Amount: sdkmath.NewInt(6)},
	})

	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Spender != nil {
		t.Error("direct transfer should have no spender")
	}
	if rows[1].Spender == nil || *rows[1].Spender != "0xlender" {
		t.Errorf("pull transfer spender: %v", rows[1].Spender)
	}
	if rows[1].Ordinal != 1 || rows[1].Sequence != 4 || rows[1].Amount != "6" {
		t.Errorf("unexpected row %+v", rows[1])
	}
}

// ============================================================================
// Test: batch writes are one multi-row INSERT each
// ============================================================================

func TestEventLogWriter_WriteBatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	defer db.Close()

	w := NewEventLogWriter(db)
	ctx := context.Background()

	events := []EventRow{NewEventRow(testEnvelope(0)), NewEventRow(testEnvelope(1))}
	mock.ExpectExec(`INSERT INTO event_log\.events .* ON CONFLICT \(sequence\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	journals := NewJournalRows(testBatch(1))
	mock.ExpectExec(`INSERT INTO event_log\.journal`).
		WithArgs(
			journals[0].JournalID, journals[0].BatchID, journals[0].EventRef, int64(1),
			"pool:pool-1:0xaaa", "external:0xtrader:0xaaa", "0xaaa", "1000",
			int32(ledger.JournalTypeInsuranceFee), int64(0),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := w.WriteEventBatch(ctx, db, events); err != nil {
		t.Fatalf("WriteEventBatch failed: %v", err)
	}
	if err := w.WriteJournalBatch(ctx, db, journals); err != nil {
		t.Fatalf("WriteJournalBatch failed: %v", err)
	}

	// Empty batches never reach the database.
	if err := w.WriteTransferBatch(ctx, db, nil); err != nil {
		t.Fatalf("WriteTransferBatch failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
