package persistence

import (
	"ListingLedger/internal/core"
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes committed commands and their transfers to Postgres
// using multi-row INSERTs. Writes are idempotent on the primary keys, so a
// retried batch is harmless.
type EventLogWriter struct {
	db *sql.DB
}

// CommandRow represents a row in event_log.commands
type CommandRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	ListingKey     string
	Payload        []byte // JSON-encoded command
	StateHash      []byte
	PrevHash       []byte
	Deleted        bool
	Timestamp      time.Time
}

// TransferRow represents a row in event_log.transfers
type TransferRow struct {
	TransferID   string
	SettlementID string
	Sequence     int64
	Operation    string
	ListingKey   string
	FromAccount  string
	ToAccount    string
	Unit         string
	AssetID      int64
	Amount       decimal.Decimal // NUMERIC(20,0); amounts use the full uint64 range
	TransferType string
	Outbound     bool
	Timestamp    time.Time
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput flattens one committed command into event log rows.
func RowsFromOutput(out core.CoreOutput) (CommandRow, []TransferRow) {
	env, s := out.Envelope, out.Settlement

	cmd := CommandRow{
		Sequence:       int64(env.Sequence),
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		ListingKey:     env.Listing.String(),
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Deleted:        s.Deleted,
		Timestamp:      env.Timestamp,
	}
	if len(cmd.Payload) == 0 {
		cmd.Payload = []byte("{}")
	}

	transfers := make([]TransferRow, 0, len(s.Transfers))
	for _, t := range s.Transfers {
		transfers = append(transfers, TransferRow{
			TransferID:   t.TransferID.String(),
			SettlementID: s.SettlementID.String(),
			Sequence:     int64(s.Sequence),
			Operation:    s.Operation.String(),
			ListingKey:   s.Key.String(),
			FromAccount:  t.From.AccountPath(),
			ToAccount:    t.To.AccountPath(),
			Unit:         t.Unit().String(),
			AssetID:      int64(t.AssetID()),
			Amount:       decimal.NewFromBigInt(new(big.Int).SetUint64(t.Amount), 0),
			TransferType: t.TransferType.String(),
			Outbound:     t.Outbound(),
			Timestamp:    env.Timestamp,
		})
	}
	return cmd, transfers
}

// WriteCommandBatch writes a batch of commands to event_log.commands.
func (w *EventLogWriter) WriteCommandBatch(ctx context.Context, ex execer, commands []CommandRow) error {
	if len(commands) == 0 {
		return nil
	}

	const cols = 9
	query := `INSERT INTO event_log.commands
		(sequence, command_type, idempotency_key, listing_key, payload, state_hash, prev_hash, deleted, timestamp)
		VALUES `

	values := make([]string, 0, len(commands))
	args := make([]any, 0, len(commands)*cols)

	for i, c := range commands {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			c.Sequence, c.CommandType, c.IdempotencyKey, c.ListingKey,
			c.Payload, c.StateHash, c.PrevHash, c.Deleted, c.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteTransferBatch writes a batch of transfers to event_log.transfers.
func (w *EventLogWriter) WriteTransferBatch(ctx context.Context, ex execer, transfers []TransferRow) error {
	if len(transfers) == 0 {
		return nil
	}

	const cols = 13
	query := `INSERT INTO event_log.transfers
		(transfer_id, settlement_id, sequence, operation, listing_key, from_account, to_account,
		 unit, asset_id, amount, transfer_type, outbound, timestamp)
		VALUES `

	values := make([]string, 0, len(transfers))
	args := make([]any, 0, len(transfers)*cols)

	for i, t := range transfers {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			t.TransferID, t.SettlementID, t.Sequence, t.Operation, t.ListingKey,
			t.FromAccount, t.ToAccount, t.Unit, t.AssetID, t.Amount,
			t.TransferType, t.Outbound, t.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (transfer_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}
