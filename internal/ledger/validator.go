package ledger

import "fmt"

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *EscrowTracker
}

func NewInvariantValidator(tracker *EscrowTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateSettlement verifies the settlement is well-formed and returns the
// listing's escrow balance after it.
func (v *InvariantValidator) ValidateSettlement(s *Settlement) (EscrowBalance, error) {
	return v.tracker.Preview(s)
}

// ValidateEscrow checks a previewed balance against the record s leaves
// behind. A live listing escrows exactly its quantity and, once priced,
// exactly cover in currency. A deleted listing holds nothing.
func (v *InvariantValidator) ValidateEscrow(s *Settlement, after EscrowBalance, cover uint64) error {
	if s.Deleted {
		if after.Asset != 0 {
			return fmt.Errorf("listing %s deleted with %d asset units still escrowed", s.Key, after.Asset)
		}
		if v.tracker.Priced(s.Key) && after.Currency != 0 {
			return fmt.Errorf("listing %s deleted with %d currency still escrowed", s.Key, after.Currency)
		}
		return nil
	}
	if after.Asset != s.Listing.Quantity {
		return fmt.Errorf("listing %s escrows %d asset units but records quantity %d", s.Key, after.Asset, s.Listing.Quantity)
	}
	if v.tracker.Priced(s.Key) && after.Currency != cover {
		return fmt.Errorf("listing %s holds %d currency, needs %d", s.Key, after.Currency, cover)
	}
	return nil
}
