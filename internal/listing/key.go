package listing

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// AddressSize is the width of a party identity.
const AddressSize = 32

// Address identifies a seller, buyer or bidder. The zero value is the
// sentinel "no bidder".
type Address [AddressSize]byte

// ZeroAddress is the sentinel identity.
var ZeroAddress Address

func (a Address) IsZero() bool {
	return a == ZeroAddress
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress decodes a 64-character hex identity.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("parse address: %w", err)
	}
	if len(b) != AddressSize {
		return a, fmt.Errorf("parse address: want %d bytes, got %d", AddressSize, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// MaxDecimals is the largest precision for which 10^decimals fits in 64 bits.
const MaxDecimals = 19

// Asset is the fungible asset held under a listing. Decimals is supplied by
// the caller and scales unit prices (price per whole unit = unit_price / 10^Decimals).
type Asset struct {
	ID       uint64
	Decimals uint8
}

// KeyPrefix namespaces listing records in the store.
const KeyPrefix byte = 0x01

// KeySize is the encoded key length: prefix + seller + asset id + nonce.
const KeySize = 1 + AddressSize + 8 + 8

// Key addresses one listing. The nonce lets a seller run several listings
// of the same asset at once.
type Key struct {
	Seller  Address
	AssetID uint64
	Nonce   uint64
}

// Bytes returns prefix || seller || asset_id (BE) || nonce (BE).
func (k Key) Bytes() []byte {
	buf := make([]byte, KeySize)
	buf[0] = KeyPrefix
	copy(buf[1:1+AddressSize], k.Seller[:])
	binary.BigEndian.PutUint64(buf[1+AddressSize:], k.AssetID)
	binary.BigEndian.PutUint64(buf[1+AddressSize+8:], k.Nonce)
	return buf
}

// ParseKey is the inverse of Key.Bytes.
func ParseKey(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize || b[0] != KeyPrefix {
		return k, fmt.Errorf("%w: bad key length %d", ErrRecordCorrupt, len(b))
	}
	copy(k.Seller[:], b[1:1+AddressSize])
	k.AssetID = binary.BigEndian.Uint64(b[1+AddressSize:])
	k.Nonce = binary.BigEndian.Uint64(b[1+AddressSize+8:])
	return k, nil
}

// String returns the path used in logs and the event log.
func (k Key) String() string {
	return fmt.Sprintf("listing:%s:%d:%d", k.Seller, k.AssetID, k.Nonce)
}

// EscrowFee is the currency deposit covering storage of one record:
// 2500 base + 400 per byte of the 64-byte record. Refunded on withdraw.
const EscrowFee uint64 = 2500 + 400*RecordSize
