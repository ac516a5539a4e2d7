package math

import (
	"ListingLedger/internal/listing"
	"fmt"
	"math/bits"
)

// ErrInvalidDecimals is returned when 10^decimals does not fit in 64 bits.
var ErrInvalidDecimals = fmt.Errorf("%w: asset decimals above %d", listing.ErrInvalidTransfer, listing.MaxDecimals)

var pow10 = func() [listing.MaxDecimals + 1]uint64 {
	var t [listing.MaxDecimals + 1]uint64
	t[0] = 1
	for i := 1; i < len(t); i++ {
		t[i] = t[i-1] * 10
	}
	return t
}()

// Pow10 returns 10^decimals.
func Pow10(decimals uint8) (uint64, error) {
	if int(decimals) > listing.MaxDecimals {
		return 0, ErrInvalidDecimals
	}
	return pow10[decimals], nil
}

// ScaledPrice computes floor(quantity * unitPrice / 10^decimals).
//
// The product is formed in 128 bits and divided as a 128/64 division. The
// quotient must fit in 64 bits; otherwise the amount would be truncated and
// ErrArithmeticOverflow is returned. Any remainder is dropped.
func ScaledPrice(quantity, unitPrice uint64, decimals uint8) (uint64, error) {
	scale, err := Pow10(decimals)
	if err != nil {
		return 0, err
	}

	hi, lo := bits.Mul64(quantity, unitPrice)

	// quotient high word = hi / scale
	if hi >= scale {
		return 0, fmt.Errorf("%w: %d * %d / 10^%d", listing.ErrArithmeticOverflow, quantity, unitPrice, decimals)
	}

	quo, _ := bits.Div64(hi, lo, scale)
	return quo, nil
}

// AddQuantity returns a + b or ErrArithmeticOverflow.
func AddQuantity(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: %d + %d", listing.ErrArithmeticOverflow, a, b)
	}
	return sum, nil
}

// SubQuantity returns a - b or ErrArithmeticOverflow on underflow.
func SubQuantity(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, fmt.Errorf("%w: %d - %d", listing.ErrArithmeticOverflow, a, b)
	}
	return diff, nil
}

// MinQuantity returns the smaller of a and b.
func MinQuantity(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
