package listing

import "errors"

// Precondition failures. An operation returning one of these has not
// touched the store.
var (
	ErrDuplicateListing   = errors.New("listing already exists")
	ErrRecordNotFound     = errors.New("listing not found")
	ErrRecordCorrupt      = errors.New("listing record corrupt")
	ErrInvalidTransfer    = errors.New("invalid transfer")
	ErrPaymentMismatch    = errors.New("payment does not match amount due")
	ErrBidTooLow          = errors.New("bid does not exceed current bid")
	ErrArithmeticOverflow = errors.New("arithmetic overflow")

	ErrInsufficientInventory = errors.New("insufficient escrowed inventory")
	ErrNoActiveBid           = errors.New("listing has no active bid")
	ErrBidNotAcceptable      = errors.New("posted price does not exceed bid price")

	// ErrInvariantViolation means the operation would leave escrow out of
	// balance with the record. It is a ledger bug, not a caller error.
	ErrInvariantViolation = errors.New("escrow invariant violated")
)

// Reason maps an error to a short label for metrics and API responses.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDuplicateListing):
		return "duplicate_listing"
	case errors.Is(err, ErrRecordNotFound):
		return "record_not_found"
	case errors.Is(err, ErrRecordCorrupt):
		return "record_corrupt"
	case errors.Is(err, ErrInvalidTransfer):
		return "invalid_transfer"
	case errors.Is(err, ErrPaymentMismatch):
		return "payment_mismatch"
	case errors.Is(err, ErrBidTooLow):
		return "bid_too_low"
	case errors.Is(err, ErrArithmeticOverflow):
		return "arithmetic_overflow"
	case errors.Is(err, ErrInsufficientInventory):
		return "insufficient_inventory"
	case errors.Is(err, ErrNoActiveBid):
		return "no_active_bid"
	case errors.Is(err, ErrBidNotAcceptable):
		return "bid_not_acceptable"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	default:
		return "internal"
	}
}
