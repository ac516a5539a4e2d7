package persistence_test

import (
	"ListingLedger/internal/command"
	"ListingLedger/internal/core"
	"ListingLedger/internal/ledger"
	"ListingLedger/internal/listing"
	"ListingLedger/internal/observability"
	"ListingLedger/internal/persistence"
	"ListingLedger/internal/query"
	"ListingLedger/internal/store"
	"ListingLedger/internal/testutil"
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ============================================================================
// Helpers
// ============================================================================

var (
	seller = listing.Address{0xa1}
	bidder = listing.Address{0xb1}
	asset  = listing.Asset{ID: 3}
)

type step struct {
	ct  command.CommandType
	key string
	run func() (*ledger.Settlement, error)
}

func openLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	l, err := ledger.New(st, zerolog.Nop())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l
}

// outputs runs create, bid, accept against a fresh ledger and wraps each
// settlement the way the processor does.
func outputs(t *testing.T) ([]core.CoreOutput, store.ChainTip) {
	t.Helper()
	l := openLedger(t)
	steps := []step{
		{command.CommandTypeCreateListing, "c-1", func() (*ledger.Settlement, error) {
			return l.CreateListing(seller, asset, 1, 10, 50, listing.EscrowFee)
		}},
		{command.CommandTypeBid, "b-1", func() (*ledger.Settlement, error) {
			return l.Bid(seller, asset, 1, bidder, 4, 20, 80)
		}},
		{command.CommandTypeAcceptBid, "a-1", func() (*ledger.Settlement, error) {
			return l.AcceptBid(seller, asset, 1)
		}},
	}
	return runSteps(t, steps), l.Tip()
}

func runSteps(t *testing.T, steps []step) []core.CoreOutput {
	t.Helper()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var outs []core.CoreOutput
	for _, step := range steps {
		s, err := step.run()
		if err != nil {
			t.Fatalf("%s: %v", step.ct, err)
		}
		outs = append(outs, core.CoreOutput{
			Envelope: &command.Envelope{
				Sequence:       s.Sequence,
				IdempotencyKey: step.key,
				CommandType:    step.ct,
				Listing:        s.Key,
				Timestamp:      now,
				StateHash:      s.StateHash,
				PrevHash:       s.PrevHash,
			},
			Settlement: s,
		})
	}
	return outs
}

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	m := persistence.NewMigrator(db, testutil.MigrationsDir(t), zerolog.Nop())
	if err := m.Up(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func persistAll(t *testing.T, db *sql.DB, outs []core.CoreOutput) {
	t.Helper()
	in := make(chan core.CoreOutput, len(outs))
	for _, o := range outs {
		in <- o
	}
	close(in)

	w := persistence.NewPersistenceWorker(db, in, 2, 5*time.Millisecond,
		observability.NewMetrics(prometheus.NewRegistry()), zerolog.Nop())
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("worker: %v", err)
	}
}

// ============================================================================
// Row mapping
// ============================================================================

func TestRowsFromOutput(t *testing.T) {
	outs, _ := outputs(t)
	accept := outs[2]

	cmd, transfers := persistence.RowsFromOutput(accept)
	if cmd.Sequence != int64(accept.Settlement.Sequence) {
		t.Errorf("sequence: got %d, want %d", cmd.Sequence, accept.Settlement.Sequence)
	}
	if cmd.CommandType != "accept_bid" || cmd.IdempotencyKey != "a-1" {
		t.Errorf("unexpected command row %+v", cmd)
	}
	if string(cmd.Payload) != "{}" {
		t.Errorf("empty payload should be stored as {}, got %q", cmd.Payload)
	}
	if len(cmd.StateHash) != 32 || len(cmd.PrevHash) != 32 {
		t.Error("hashes should be 32 bytes")
	}

	if len(transfers) != len(accept.Settlement.Transfers) {
		t.Fatalf("expected %d transfer rows, got %d", len(accept.Settlement.Transfers), len(transfers))
	}
	for i, row := range transfers {
		src := accept.Settlement.Transfers[i]
		if row.TransferID != src.TransferID.String() {
			t.Errorf("row %d: transfer id mismatch", i)
		}
		if row.Amount.String() == "0" || row.Amount.BigInt().Uint64() != src.Amount {
			t.Errorf("row %d: amount %s, want %d", i, row.Amount, src.Amount)
		}
		if row.Outbound != src.Outbound() {
			t.Errorf("row %d: outbound flag mismatch", i)
		}
	}
}

func TestRowsFromOutput_MaxAmount(t *testing.T) {
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	l, err := ledger.New(st, zerolog.Nop())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	s, err := l.CreateListing(seller, asset, 9, ^uint64(0), 1, listing.EscrowFee)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, transfers := persistence.RowsFromOutput(core.CoreOutput{
		Envelope:   &command.Envelope{Sequence: s.Sequence, CommandType: command.CommandTypeCreateListing},
		Settlement: s,
	})

	var found bool
	for _, row := range transfers {
		if row.TransferType == ledger.TransferTypeAssetDeposit.String() {
			found = true
			if row.Amount.String() != "18446744073709551615" {
				t.Errorf("amount should keep the full uint64 range, got %s", row.Amount)
			}
		}
	}
	if !found {
		t.Fatal("asset deposit row missing")
	}
}

func TestNewCheckpoint(t *testing.T) {
	tip := store.ChainTip{Sequence: 7}
	tip.StateHash[0] = 0xff

	// Totals may exceed a uint64.
	held, _ := decimal.NewFromString("36893488147419103232")
	cp := persistence.NewCheckpoint(tip, 2, map[ledger.Unit]decimal.Decimal{
		ledger.UnitCurrency: decimal.NewFromInt(60),
		ledger.UnitAsset:    held,
	}, time.Unix(0, 0))

	if cp.Sequence != 7 || cp.LiveListings != 2 {
		t.Errorf("unexpected checkpoint %+v", cp)
	}
	if cp.StateHash[:2] != "ff" || len(cp.StateHash) != 64 {
		t.Errorf("state hash should be hex, got %s", cp.StateHash)
	}
	if cp.Escrow["currency"] != "60" {
		t.Errorf("currency escrow: got %q", cp.Escrow["currency"])
	}
	if cp.Escrow["asset"] != "36893488147419103232" {
		t.Errorf("asset escrow: got %q", cp.Escrow["asset"])
	}
}

// ============================================================================
// Postgres integration (INTEGRATION_TEST=1)
// ============================================================================

func TestIntegration_WorkerWritesEventLog(t *testing.T) {
	db := setupDB(t)
	outs, tip := outputs(t)
	persistAll(t, db, outs)

	var commands, transfers int
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_log.commands`).Scan(&commands); err != nil {
		t.Fatalf("count commands: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_log.transfers`).Scan(&transfers); err != nil {
		t.Fatalf("count transfers: %v", err)
	}
	if commands != 3 {
		t.Errorf("expected 3 commands, got %d", commands)
	}
	want := 0
	for _, o := range outs {
		want += len(o.Settlement.Transfers)
	}
	if transfers != want {
		t.Errorf("expected %d transfers, got %d", want, transfers)
	}

	// Re-persisting is a no-op.
	persistAll(t, db, outs)
	db.QueryRow(`SELECT COUNT(*) FROM event_log.commands`).Scan(&commands)
	if commands != 3 {
		t.Errorf("rewrite should be idempotent, got %d commands", commands)
	}

	cm := persistence.NewCheckpointManager(db)
	latest, err := cm.LatestSequence(context.Background())
	if err != nil || latest != tip.Sequence {
		t.Errorf("latest sequence: got (%d, %v), want %d", latest, err, tip.Sequence)
	}
}

func TestIntegration_IdempotencyChecker(t *testing.T) {
	db := setupDB(t)
	outs, _ := outputs(t)
	persistAll(t, db, outs)

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate("bid", "b-1")
	if err != nil || !dup {
		t.Errorf("b-1 should be a duplicate, got (%v, %v)", dup, err)
	}
	dup, err = checker.IsDuplicate("withdraw", "b-1")
	if err != nil || dup {
		t.Errorf("key is scoped by command type, got (%v, %v)", dup, err)
	}

	keys, err := persistence.LoadRecentIdempotencyKeys(context.Background(), db, 2)
	if err != nil {
		t.Fatalf("load keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "bid:b-1" || keys[1] != "accept_bid:a-1" {
		t.Errorf("expected [bid:b-1 accept_bid:a-1], got %v", keys)
	}
}

func TestIntegration_VerifyTip(t *testing.T) {
	db := setupDB(t)
	outs, tip := outputs(t)
	persistAll(t, db, outs)
	ctx := context.Background()
	cm := persistence.NewCheckpointManager(db)

	if err := cm.VerifyTip(ctx, tip); err != nil {
		t.Fatalf("matching tip: %v", err)
	}

	if err := cm.SaveCheckpoint(ctx, persistence.NewCheckpoint(tip, 1, nil, time.Now())); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	behind := store.ChainTip{Sequence: tip.Sequence - 1, StateHash: outs[1].Settlement.StateHash}
	if err := cm.VerifyTip(ctx, behind); !errors.Is(err, persistence.ErrTipBehind) {
		t.Errorf("expected ErrTipBehind, got %v", err)
	}

	forged := tip
	forged.StateHash[0] ^= 0xff
	if err := cm.VerifyTip(ctx, forged); !errors.Is(err, persistence.ErrChainDiverged) {
		t.Errorf("expected ErrChainDiverged, got %v", err)
	}
}

func TestIntegration_IntegrityAfterForfeit(t *testing.T) {
	db := setupDB(t)
	l := openLedger(t)
	tenths := listing.Asset{ID: 3, Decimals: 1}

	// The accept settles one unit for floor(0.7) = 0 and forfeits 1.
	outs := runSteps(t, []step{
		{command.CommandTypeCreateListing, "c-1", func() (*ledger.Settlement, error) {
			return l.CreateListing(seller, tenths, 1, 1, 10, listing.EscrowFee)
		}},
		{command.CommandTypeBid, "b-1", func() (*ledger.Settlement, error) {
			return l.Bid(seller, tenths, 1, bidder, 3, 7, 2)
		}},
		{command.CommandTypeAcceptBid, "a-1", func() (*ledger.Settlement, error) {
			return l.AcceptBid(seller, tenths, 1)
		}},
		{command.CommandTypeWithdraw, "w-1", func() (*ledger.Settlement, error) {
			return l.Withdraw(seller, tenths, 1)
		}},
	})
	persistAll(t, db, outs)

	var forfeited int
	err := db.QueryRow(`SELECT COUNT(*) FROM event_log.transfers WHERE to_account = 'forfeit:currency'`).Scan(&forfeited)
	if err != nil || forfeited != 1 {
		t.Fatalf("forfeit rows: got (%d, %v), want 1", forfeited, err)
	}

	report, err := query.NewQueryService(l, nil, db).VerifyIntegrity(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.IsHealthy || len(report.EscrowImbalances) != 0 {
		t.Errorf("closed listing reported unbalanced: %+v", report.EscrowImbalances)
	}
}
