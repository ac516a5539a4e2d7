package store

import (
	"ListingLedger/internal/listing"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// -------------------- State --------------------

type OutboxState uint8

const (
	OutboxNew OutboxState = iota
	OutboxFailed
)

func (s OutboxState) String() string {
	switch s {
	case OutboxNew:
		return "NEW"
	case OutboxFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// -------------------- Record --------------------

// OutboxRecord is one outbound transfer instruction awaiting delivery.
type OutboxRecord struct {
	Sequence    uint64 // settlement sequence
	Index       uint16 // position within the settlement
	State       OutboxState
	Retries     uint32
	LastAttempt int64
	Payload     []byte
}

// binary encoding: [state:1][retries:4][lastAttempt:8][payload...]
func encodeOutbox(r OutboxRecord) []byte {
	buf := make([]byte, 13+len(r.Payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	copy(buf[13:], r.Payload)
	return buf
}

func decodeOutbox(b []byte) (OutboxRecord, error) {
	if len(b) < 13 {
		return OutboxRecord{}, fmt.Errorf("%w: outbox record length %d", listing.ErrRecordCorrupt, len(b))
	}
	return OutboxRecord{
		State:       OutboxState(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Payload:     append([]byte(nil), b[13:]...),
	}, nil
}

func outboxKey(seq uint64, idx uint16) []byte {
	buf := make([]byte, 1+8+2)
	buf[0] = outboxPrefix
	binary.BigEndian.PutUint64(buf[1:9], seq)
	binary.BigEndian.PutUint16(buf[9:11], idx)
	return buf
}

func parseOutboxKey(b []byte) (uint64, uint16, error) {
	if len(b) != 11 || b[0] != outboxPrefix {
		return 0, 0, fmt.Errorf("%w: outbox key length %d", listing.ErrRecordCorrupt, len(b))
	}
	return binary.BigEndian.Uint64(b[1:9]), binary.BigEndian.Uint16(b[9:11]), nil
}

// -------------------- API --------------------

// ScanOutbox visits pending entries in settlement order, at most limit of
// them (limit <= 0 means no limit).
func (s *Store) ScanOutbox(limit int, fn func(OutboxRecord) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{outboxPrefix},
		UpperBound: []byte{outboxPrefix + 1},
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && n >= limit {
			break
		}
		seq, idx, err := parseOutboxKey(iter.Key())
		if err != nil {
			return err
		}
		rec, err := decodeOutbox(iter.Value())
		if err != nil {
			return err
		}
		rec.Sequence, rec.Index = seq, idx

		if err := fn(rec); err != nil {
			return err
		}
		n++
	}
	return iter.Error()
}

// AckOutbox removes a delivered entry.
func (s *Store) AckOutbox(seq uint64, idx uint16) error {
	return s.db.Delete(outboxKey(seq, idx), pebble.Sync)
}

// FailOutbox records a failed delivery attempt.
func (s *Store) FailOutbox(rec OutboxRecord, at time.Time) error {
	rec.State = OutboxFailed
	rec.Retries++
	rec.LastAttempt = at.UnixNano()
	return s.db.Set(outboxKey(rec.Sequence, rec.Index), encodeOutbox(rec), pebble.Sync)
}

// OutboxLen counts pending entries.
func (s *Store) OutboxLen() (int, error) {
	n := 0
	err := s.ScanOutbox(0, func(OutboxRecord) error {
		n++
		return nil
	})
	return n, err
}
