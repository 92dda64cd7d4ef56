package persistence

import (
	"InsuranceLedger/internal/event"
	"InsuranceLedger/internal/ledger"
	"InsuranceLedger/internal/settlement"
	"InsuranceLedger/internal/types"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes envelopes, journal entries and settlement
// transfers using multi-row INSERTs. Every write is idempotent on its
// primary key so a retried batch is harmless.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	PoolID         *string
	Payload        []byte // JSON-encoded input event
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
	Rejection      *string // set for notifications the engine refused
}

// JournalRow represents a row in event_log.journal. Amount is a decimal
// string so it fits NUMERIC(78,0) without loss.
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Token         string
	Amount        string
	JournalType   int32
	Timestamp     int64
}

// TransferRow represents a row in event_log.transfers
type TransferRow struct {
	Sequence int64
	Ordinal  int
	Token    string
	From     string
	To       string
	Spender  *string
	Amount   string
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// NewEventRow converts a committed envelope.
func NewEventRow(env *event.EventEnvelope) EventRow {
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
	if env.PoolID != nil {
		id := string(*env.PoolID)
		row.PoolID = &id
	}
	if env.Rejection != "" {
		reason := env.Rejection
		row.Rejection = &reason
	}
	return row
}

// Envelope converts a stored row back for replay.
func (r EventRow) Envelope() (*event.EventEnvelope, error) {
	et, ok := event.ParseEventType(r.EventType)
	if !ok {
		return nil, fmt.Errorf("sequence %d: unknown event type %q", r.Sequence, r.EventType)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("sequence %d: malformed hash", r.Sequence)
	}

	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      et,
		Timestamp:      r.Timestamp,
		SourceSequence: r.SourceSequence,
		Payload:        r.Payload,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	if r.PoolID != nil {
		id := types.PoolID(*r.PoolID)
		env.PoolID = &id
	}
	if r.Rejection != nil {
		env.Rejection = *r.Rejection
	}
	return env, nil
}

// NewJournalRows converts a committed batch.
func NewJournalRows(batch *ledger.Batch) []JournalRow {
	if batch == nil {
		return nil
	}
	rows := make([]JournalRow, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Token:         string(j.Token),
			Amount:        j.Amount.String(),
			JournalType:   int32(j.JournalType),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}

// NewTransferRows converts the settlement transfers of one commit.
func NewTransferRows(sequence int64, transfers []settlement.Transfer) []TransferRow {
	rows := make([]TransferRow, 0, len(transfers))
	for i, t := range transfers {
		row := TransferRow{
			Sequence: sequence,
			Ordinal:  i,
			Token:    string(t.Token),
			From:     string(t.From),
			To:       string(t.To),
			Amount:   t.Amount.String(),
		}
		if t.Spender != "" {
			spender := string(t.Spender)
			row.Spender = &spender
		}
		rows = append(rows, row)
	}
	return rows
}

// WriteEventBatch writes a batch of envelopes to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	args := make([]any, 0, len(events)*10)
	for _, e := range events {
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.PoolID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
			e.Rejection,
		)
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, pool_id, payload, state_hash, prev_hash, timestamp, source_sequence, rejection)
		VALUES ` + placeholders(len(events), 10) + ` ON CONFLICT (sequence) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	args := make([]any, 0, len(journals)*10)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Token, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, token, amount, journal_type, timestamp)
		VALUES ` + placeholders(len(journals), 10) + ` ON CONFLICT (journal_id) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteTransferBatch writes settlement transfers to event_log.transfers.
func (w *EventLogWriter) WriteTransferBatch(ctx context.Context, ex execer, transfers []TransferRow) error {
	if len(transfers) == 0 {
		return nil
	}

	args := make([]any, 0, len(transfers)*7)
	for _, t := range transfers {
		args = append(args, t.Sequence, t.Ordinal, t.Token, t.From, t.To, t.Spender, t.Amount)
	}

	query := `INSERT INTO event_log.transfers
		(sequence, ordinal, token, sender, receiver, spender, amount)
		VALUES ` + placeholders(len(transfers), 7) + ` ON CONFLICT (sequence, ordinal) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders builds "($1, $2), ($3, $4)" for rows of width columns.
func placeholders(rows, width int) string {
	var b strings.Builder
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := 0; j < width; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*width+j+1)
		}
		b.WriteByte(')')
	}
	return b.String()
}
