package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/UnlockdFinance/unlockd-ledger/internal/core"
)

// Execer is satisfied by both *sql.DB and *sql.Tx so batch writes can run
// inside the worker's flush transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventRow is one row in event_log.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	ReserveAsset   *string // nil for global events
	Payload        []byte  // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      int64 // versioned event time, unix seconds
	SourceSequence int64
}

// JournalRow is one row in event_log.journal. Amounts are wad or scaled
// units depending on the plane and exceed int64, so they travel as decimal
// text into a NUMERIC column.
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       int16
	Plane         int16
	Amount        string
	JournalType   int32
	Timestamp     int64
}

// RowsFromOutput flattens a core output into its storage rows. The batch is
// nil for transitions that move no cash (price ticks, config updates).
func RowsFromOutput(out core.CoreOutput) (EventRow, []JournalRow) {
	env := out.Envelope
	ev := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		ReserveAsset:   env.ReserveAsset,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp.Unix(),
		SourceSequence: env.SourceSequence,
	}

	if out.Batch == nil {
		return ev, nil
	}

	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			AssetID:       int16(j.AssetID),
			Plane:         int16(j.Plane),
			Amount:        j.Amount.String(),
			JournalType:   int32(j.JournalType),
			Timestamp:     j.Timestamp,
		})
	}
	return ev, journals
}

// EventLogWriter batch-writes events and journals to Postgres with
// multi-row INSERT. Writes are idempotent on conflict, so a replayed batch
// after a crash is harmless.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

func (w *EventLogWriter) DB() *sql.DB {
	return w.db
}

// WriteEventBatch inserts event rows through ex (a transaction during
// normal operation).
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex Execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, reserve_asset, payload, state_hash, prev_hash, event_time, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.ReserveAsset,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch inserts journal rows through ex.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex Execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset_id, plane, amount, journal_type, event_time)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*11)

	for i, j := range journals {
		base := i * 11
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
			base+7, base+8, base+9, base+10, base+11,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.AssetID, j.Plane,
			j.Amount, j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
