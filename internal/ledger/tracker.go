package ledger

import (
	"ListingLedger/internal/listing"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// EscrowBalance is what one listing holds. Both sides are bounded: Asset
// equals the listing quantity and Currency equals the escrow fee plus the
// live bid's value, so neither can outgrow a uint64.
type EscrowBalance struct {
	Asset    uint64
	Currency uint64
}

func (b EscrowBalance) get(unit Unit) uint64 {
	if unit == UnitAsset {
		return b.Asset
	}
	return b.Currency
}

func (b *EscrowBalance) set(unit Unit, v uint64) {
	if unit == UnitAsset {
		b.Asset = v
	} else {
		b.Currency = v
	}
}

// EscrowTracker maintains the net escrow balance of every live listing.
// Party accounts are not tracked; their lifetime flows are unbounded.
// Not thread-safe; the ledger only touches it under its own lock.
type EscrowTracker struct {
	balances map[listing.Key]EscrowBalance

	// listings whose currency escrow has not been priced since open
	unpriced map[listing.Key]struct{}
}

func NewEscrowTracker() *EscrowTracker {
	return &EscrowTracker{
		balances: make(map[listing.Key]EscrowBalance),
		unpriced: make(map[listing.Key]struct{}),
	}
}

// Seed registers a listing that existed before tracking started. The
// escrowed asset equals its quantity. Its currency escrow depends on asset
// decimals the record does not carry; Price fills it in on first use.
func (et *EscrowTracker) Seed(key listing.Key, quantity uint64) {
	et.balances[key] = EscrowBalance{Asset: quantity}
	et.unpriced[key] = struct{}{}
}

// Priced reports whether the listing's currency escrow is known.
func (et *EscrowTracker) Priced(key listing.Key) bool {
	_, skip := et.unpriced[key]
	return !skip
}

// Price sets the currency escrow of a seeded listing.
func (et *EscrowTracker) Price(key listing.Key, currency uint64) {
	if et.Priced(key) {
		return
	}
	b := et.balances[key]
	b.Currency = currency
	et.balances[key] = b
	delete(et.unpriced, key)
}

// Balance returns what a listing holds.
func (et *EscrowTracker) Balance(key listing.Key) EscrowBalance {
	return et.balances[key]
}

// Preview returns the listing's balance after s without changing the
// tracker. Escrow debits are applied before credits. It fails when escrow
// would go negative or overflow, or when s touches another listing.
func (et *EscrowTracker) Preview(s *Settlement) (EscrowBalance, error) {
	if err := s.Validate(); err != nil {
		return EscrowBalance{}, fmt.Errorf("invalid settlement: %w", err)
	}

	b := et.balances[s.Key]
	for _, t := range s.Transfers {
		if !t.From.IsEscrow() {
			continue
		}
		if t.From.ListingKey() != s.Key {
			return EscrowBalance{}, fmt.Errorf("transfer %s debits foreign escrow %s", t.TransferID, t.From.AccountPath())
		}
		held := b.get(t.Unit())
		if t.Amount > held {
			return EscrowBalance{}, fmt.Errorf("escrow %s overdrawn: holds %d, pays %d", t.From.AccountPath(), held, t.Amount)
		}
		b.set(t.Unit(), held-t.Amount)
	}
	for _, t := range s.Transfers {
		if !t.To.IsEscrow() {
			continue
		}
		if t.To.ListingKey() != s.Key {
			return EscrowBalance{}, fmt.Errorf("transfer %s credits foreign escrow %s", t.TransferID, t.To.AccountPath())
		}
		held := b.get(t.Unit())
		if t.Amount > ^uint64(0)-held {
			return EscrowBalance{}, fmt.Errorf("escrow %s overflows: holds %d, receives %d", t.To.AccountPath(), held, t.Amount)
		}
		b.set(t.Unit(), held+t.Amount)
	}
	return b, nil
}

// Set records a committed balance.
func (et *EscrowTracker) Set(key listing.Key, b EscrowBalance) {
	et.balances[key] = b
}

// Forget drops a deleted listing.
func (et *EscrowTracker) Forget(key listing.Key) {
	delete(et.balances, key)
	delete(et.unpriced, key)
}

// Totals sums escrow per unit across live listings. Currency covers only
// priced listings. The sums can exceed a uint64.
func (et *EscrowTracker) Totals() map[Unit]decimal.Decimal {
	asset, currency := new(big.Int), new(big.Int)
	var v big.Int
	for key, b := range et.balances {
		asset.Add(asset, v.SetUint64(b.Asset))
		if et.Priced(key) {
			currency.Add(currency, v.SetUint64(b.Currency))
		}
	}
	return map[Unit]decimal.Decimal{
		UnitAsset:    decimal.NewFromBigInt(asset, 0),
		UnitCurrency: decimal.NewFromBigInt(currency, 0),
	}
}
