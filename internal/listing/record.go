package listing

import (
	"encoding/binary"
	"fmt"
)

// RecordSize is the persisted width of a listing.
const RecordSize = 64

// Field offsets within the record.
const (
	offQuantity     = 0
	offUnitPrice    = 8
	offBidder       = 16
	offBidQuantity  = 48
	offBidUnitPrice = 56
)

// Bid is the at-most-one standing bid embedded in a listing.
// Active == false means no bid; the other fields are then zero.
type Bid struct {
	Active    bool
	Bidder    Address
	Quantity  uint64
	UnitPrice uint64
}

// NoBid returns the empty bid state.
func NoBid() Bid {
	return Bid{}
}

// ActiveBid returns a standing bid. A zero bidder yields NoBid.
func ActiveBid(bidder Address, quantity, unitPrice uint64) Bid {
	if bidder.IsZero() {
		return NoBid()
	}
	return Bid{Active: true, Bidder: bidder, Quantity: quantity, UnitPrice: unitPrice}
}

// Listing is the decoded 64-byte record.
type Listing struct {
	Quantity  uint64
	UnitPrice uint64
	Bid       Bid
}

// New returns a freshly created listing without a bid.
func New(quantity, unitPrice uint64) Listing {
	return Listing{Quantity: quantity, UnitPrice: unitPrice, Bid: NoBid()}
}

// Encode writes the fixed layout. Integers are big-endian.
func Encode(l Listing) [RecordSize]byte {
	var buf [RecordSize]byte
	binary.BigEndian.PutUint64(buf[offQuantity:], l.Quantity)
	binary.BigEndian.PutUint64(buf[offUnitPrice:], l.UnitPrice)
	if l.Bid.Active {
		copy(buf[offBidder:offBidQuantity], l.Bid.Bidder[:])
		binary.BigEndian.PutUint64(buf[offBidQuantity:], l.Bid.Quantity)
		binary.BigEndian.PutUint64(buf[offBidUnitPrice:], l.Bid.UnitPrice)
	}
	return buf
}

// Decode parses a stored record. Anything other than exactly RecordSize
// bytes is ErrRecordCorrupt. Bid fields behind a sentinel bidder are ignored.
func Decode(b []byte) (Listing, error) {
	if len(b) != RecordSize {
		return Listing{}, fmt.Errorf("%w: want %d bytes, got %d", ErrRecordCorrupt, RecordSize, len(b))
	}

	l := Listing{
		Quantity:  binary.BigEndian.Uint64(b[offQuantity:]),
		UnitPrice: binary.BigEndian.Uint64(b[offUnitPrice:]),
	}

	var bidder Address
	copy(bidder[:], b[offBidder:offBidQuantity])
	l.Bid = ActiveBid(
		bidder,
		binary.BigEndian.Uint64(b[offBidQuantity:]),
		binary.BigEndian.Uint64(b[offBidUnitPrice:]),
	)
	return l, nil
}

// HasBid reports whether a bidder currently holds funds in escrow.
func (l Listing) HasBid() bool {
	return l.Bid.Active
}

// CurrentBidPrice is the price a new bid must beat: zero without a bid.
func (l Listing) CurrentBidPrice() uint64 {
	if !l.Bid.Active {
		return 0
	}
	return l.Bid.UnitPrice
}
