package store

import (
	"ListingLedger/internal/listing"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Key space:
//
//	0x00 "tip"                          chain tip (sequence + state hash)
//	0x01 seller|asset|nonce             64-byte listing record
//	0x02 sequence(8)|index(2)           outbox entry
const (
	metaPrefix   byte = 0x00
	outboxPrefix byte = 0x02
)

var tipKey = []byte{metaPrefix, 't', 'i', 'p'}

// ChainTip is the last committed settlement position.
type ChainTip struct {
	Sequence  uint64
	StateHash [32]byte
}

// Store persists listing records in pebble. Every Commit is a single
// synced batch, so a record mutation, its outbox rows and the chain tip
// become visible together or not at all.
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) a store under dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a store backed by an in-memory filesystem.
func OpenInMemory() (*Store, error) {
	db, err := pebble.Open("ledger", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("open in-memory pebble: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// reader is the read surface shared by the live DB and its snapshots.
type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

// Get returns the listing stored under key.
func (s *Store) Get(key listing.Key) (listing.Listing, error) {
	return getListing(s.db, key)
}

func getListing(r reader, key listing.Key) (listing.Listing, error) {
	val, closer, err := r.Get(key.Bytes())
	if errors.Is(err, pebble.ErrNotFound) {
		return listing.Listing{}, fmt.Errorf("%w: %s", listing.ErrRecordNotFound, key)
	}
	if err != nil {
		return listing.Listing{}, fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()

	l, err := listing.Decode(val)
	if err != nil {
		return listing.Listing{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return l, nil
}

// Exists reports whether a record is stored under key.
func (s *Store) Exists(key listing.Key) (bool, error) {
	_, closer, err := s.db.Get(key.Bytes())
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	closer.Close()
	return true, nil
}

// Commit describes one atomic write.
type Commit struct {
	Key    listing.Key
	Record listing.Listing
	Delete bool // delete Key instead of writing Record
	Outbox [][]byte
	Tip    ChainTip
}

// Apply writes c in one synced batch.
func (s *Store) Apply(c *Commit) error {
	b := s.db.NewBatch()
	defer b.Close()

	if c.Delete {
		if err := b.Delete(c.Key.Bytes(), nil); err != nil {
			return fmt.Errorf("batch delete %s: %w", c.Key, err)
		}
	} else {
		rec := listing.Encode(c.Record)
		if err := b.Set(c.Key.Bytes(), rec[:], nil); err != nil {
			return fmt.Errorf("batch set %s: %w", c.Key, err)
		}
	}

	for i, payload := range c.Outbox {
		val := encodeOutbox(OutboxRecord{State: OutboxNew, Payload: payload})
		if err := b.Set(outboxKey(c.Tip.Sequence, uint16(i)), val, nil); err != nil {
			return fmt.Errorf("batch outbox: %w", err)
		}
	}

	if err := b.Set(tipKey, encodeTip(c.Tip), nil); err != nil {
		return fmt.Errorf("batch tip: %w", err)
	}

	return b.Commit(pebble.Sync)
}

// LoadTip returns the committed chain tip, or the zero tip on a new store.
func (s *Store) LoadTip() (ChainTip, error) {
	return loadTip(s.db)
}

func loadTip(r reader) (ChainTip, error) {
	val, closer, err := r.Get(tipKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return ChainTip{}, nil
	}
	if err != nil {
		return ChainTip{}, fmt.Errorf("get tip: %w", err)
	}
	defer closer.Close()
	return decodeTip(val)
}

// Scan calls fn for every listing in key order. A seller filter of nil
// scans all sellers.
func (s *Store) Scan(seller *listing.Address, fn func(listing.Key, listing.Listing) error) error {
	return scanListings(s.db, seller, fn)
}

func scanListings(r reader, seller *listing.Address, fn func(listing.Key, listing.Listing) error) error {
	lower := []byte{listing.KeyPrefix}
	upper := []byte{listing.KeyPrefix + 1}
	if seller != nil {
		lower = append([]byte{listing.KeyPrefix}, seller[:]...)
		upper = prefixEnd(lower)
	}

	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key, err := listing.ParseKey(iter.Key())
		if err != nil {
			return err
		}
		l, err := listing.Decode(iter.Value())
		if err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if err := fn(key, l); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Snapshot is a consistent point-in-time view: its records and its tip
// come from the same committed batch. Close it when done.
type Snapshot struct {
	snap *pebble.Snapshot
}

// Snapshot opens a view of the store as of now.
func (s *Store) Snapshot() *Snapshot {
	return &Snapshot{snap: s.db.NewSnapshot()}
}

func (sn *Snapshot) Get(key listing.Key) (listing.Listing, error) {
	return getListing(sn.snap, key)
}

func (sn *Snapshot) Scan(seller *listing.Address, fn func(listing.Key, listing.Listing) error) error {
	return scanListings(sn.snap, seller, fn)
}

// Tip returns the chain tip the view was taken at.
func (sn *Snapshot) Tip() (ChainTip, error) {
	return loadTip(sn.snap)
}

func (sn *Snapshot) Close() error {
	return sn.snap.Close()
}

func encodeTip(t ChainTip) []byte {
	buf := make([]byte, 8+32)
	binary.BigEndian.PutUint64(buf[0:8], t.Sequence)
	copy(buf[8:], t.StateHash[:])
	return buf
}

func decodeTip(b []byte) (ChainTip, error) {
	if len(b) != 40 {
		return ChainTip{}, fmt.Errorf("%w: tip length %d", listing.ErrRecordCorrupt, len(b))
	}
	var t ChainTip
	t.Sequence = binary.BigEndian.Uint64(b[0:8])
	copy(t.StateHash[:], b[8:])
	return t, nil
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
