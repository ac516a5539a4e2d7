package persistence

import (
	"ListingLedger/internal/ledger"
	"ListingLedger/internal/store"
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrTipBehind means the local store is older than a checkpoint the
	// ledger already published: the data directory was lost or restored.
	ErrTipBehind = errors.New("local chain tip behind checkpoint")
	// ErrChainDiverged means the local chain and the event log disagree on
	// the state hash at the same sequence.
	ErrChainDiverged = errors.New("state hash chain diverged")
)

// CheckpointManager records periodic chain checkpoints in Postgres and
// verifies the local store against them at startup.
type CheckpointManager struct {
	db *sql.DB
}

// Checkpoint is the chain tip plus escrow totals at a point in time.
type Checkpoint struct {
	Sequence     uint64            `json:"sequence"`
	StateHash    string            `json:"state_hash"` // hex
	LiveListings int               `json:"live_listings"`
	Escrow       map[string]string `json:"escrow"` // unit -> amount held
	CreatedAt    time.Time         `json:"created_at"`
}

// NewCheckpoint builds a checkpoint of the given tip.
func NewCheckpoint(tip store.ChainTip, liveListings int, totals map[ledger.Unit]decimal.Decimal, at time.Time) *Checkpoint {
	escrow := make(map[string]string, len(totals))
	for unit, held := range totals {
		escrow[unit.String()] = held.String()
	}
	return &Checkpoint{
		Sequence:     tip.Sequence,
		StateHash:    hex.EncodeToString(tip.StateHash[:]),
		LiveListings: liveListings,
		Escrow:       escrow,
		CreatedAt:    at.UTC(),
	}
}

func NewCheckpointManager(db *sql.DB) *CheckpointManager {
	return &CheckpointManager{db: db}
}

// SaveCheckpoint persists a checkpoint. Re-saving a sequence overwrites it.
func (cm *CheckpointManager) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	hash, err := hex.DecodeString(cp.StateHash)
	if err != nil {
		return fmt.Errorf("checkpoint state hash: %w", err)
	}

	_, err = cm.db.ExecContext(ctx, `
		INSERT INTO event_log.checkpoints
			(checkpoint_id, sequence, state_hash, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sequence) DO UPDATE SET data = $4, state_hash = $3
	`, uuid.New(), int64(cp.Sequence), hash, data, cp.CreatedAt)
	return err
}

// LatestCheckpoint loads the most recent checkpoint, or nil if none exists.
func (cm *CheckpointManager) LatestCheckpoint(ctx context.Context) (*Checkpoint, error) {
	row := cm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.checkpoints
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// LatestSequence returns the highest sequence in the command log.
func (cm *CheckpointManager) LatestSequence(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	err := cm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.commands
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// StateHashAt returns the logged state hash of a sequence; found is false
// when the event log has not caught up to it.
func (cm *CheckpointManager) StateHashAt(ctx context.Context, sequence uint64) (hash []byte, found bool, err error) {
	err = cm.db.QueryRowContext(ctx, `
		SELECT state_hash FROM event_log.commands WHERE sequence = $1
	`, int64(sequence)).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return hash, true, nil
}

// VerifyTip checks the local chain tip against the latest checkpoint and
// the event log row at the same sequence. The event log may lag the local
// store; it may never be ahead with a different history.
func (cm *CheckpointManager) VerifyTip(ctx context.Context, tip store.ChainTip) error {
	cp, err := cm.LatestCheckpoint(ctx)
	if err != nil {
		return err
	}
	if cp != nil {
		if cp.Sequence > tip.Sequence {
			return fmt.Errorf("%w: checkpoint %d, local %d", ErrTipBehind, cp.Sequence, tip.Sequence)
		}
		if cp.Sequence == tip.Sequence && cp.StateHash != hex.EncodeToString(tip.StateHash[:]) {
			return fmt.Errorf("%w: at checkpoint %d", ErrChainDiverged, cp.Sequence)
		}
	}

	if tip.Sequence == 0 {
		return nil
	}
	logged, found, err := cm.StateHashAt(ctx, tip.Sequence)
	if err != nil {
		return fmt.Errorf("load logged state hash: %w", err)
	}
	if found && !bytes.Equal(logged, tip.StateHash[:]) {
		return fmt.Errorf("%w: event log at %d", ErrChainDiverged, tip.Sequence)
	}
	return nil
}
