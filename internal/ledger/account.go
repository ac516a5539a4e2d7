package ledger

import (
	"ListingLedger/internal/listing"
	"fmt"
)

// AccountScope separates external parties from listing escrow and from
// value the ledger retains.
type AccountScope uint8

const (
	AccountScopeParty AccountScope = iota
	AccountScopeEscrow
	AccountScopeForfeit
)

// Unit is the kind of value an account holds.
type Unit uint8

const (
	UnitCurrency Unit = iota
	UnitAsset
)

func (u Unit) String() string {
	switch u {
	case UnitCurrency:
		return "currency"
	case UnitAsset:
		return "asset"
	default:
		return "unknown"
	}
}

// AccountKey identifies one balance. Party accounts are keyed by address;
// escrow accounts by listing. AssetID is meaningful for UnitAsset and for
// escrow accounts (it is part of the listing key).
type AccountKey struct {
	Scope   AccountScope
	Owner   listing.Address
	AssetID uint64
	Nonce   uint64
	Unit    Unit
}

// PartyCurrency is a party's native currency account.
func PartyCurrency(owner listing.Address) AccountKey {
	return AccountKey{Scope: AccountScopeParty, Owner: owner, Unit: UnitCurrency}
}

// PartyAsset is a party's holding of one asset.
func PartyAsset(owner listing.Address, assetID uint64) AccountKey {
	return AccountKey{Scope: AccountScopeParty, Owner: owner, AssetID: assetID, Unit: UnitAsset}
}

// EscrowAccount is the value a listing holds in the given unit.
func EscrowAccount(key listing.Key, unit Unit) AccountKey {
	return AccountKey{
		Scope:   AccountScopeEscrow,
		Owner:   key.Seller,
		AssetID: key.AssetID,
		Nonce:   key.Nonce,
		Unit:    unit,
	}
}

// ForfeitAccount collects rounding remainders no party is owed.
func ForfeitAccount(unit Unit) AccountKey {
	return AccountKey{Scope: AccountScopeForfeit, Unit: unit}
}

// ListingKey returns the listing an escrow account belongs to.
func (k AccountKey) ListingKey() listing.Key {
	return listing.Key{Seller: k.Owner, AssetID: k.AssetID, Nonce: k.Nonce}
}

// IsEscrow reports whether the account is held by the ledger.
func (k AccountKey) IsEscrow() bool {
	return k.Scope == AccountScopeEscrow
}

// IsParty reports whether the account belongs to an external party.
func (k AccountKey) IsParty() bool {
	return k.Scope == AccountScopeParty
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeParty:
		if k.Unit == UnitAsset {
			return fmt.Sprintf("party:%s:asset:%d", k.Owner, k.AssetID)
		}
		return fmt.Sprintf("party:%s:currency", k.Owner)
	case AccountScopeEscrow:
		return fmt.Sprintf("escrow:%s:%d:%d:%s", k.Owner, k.AssetID, k.Nonce, k.Unit)
	case AccountScopeForfeit:
		return "forfeit:" + k.Unit.String()
	}
	return "unknown"
}
