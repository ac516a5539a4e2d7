package ledger

import (
	"ListingLedger/internal/listing"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Operation names a ledger operation.
type Operation int32

const (
	OpUnknown Operation = iota
	OpCreateListing
	OpDeposit
	OpSetPrice
	OpBuy
	OpBid
	OpAcceptBid
	OpWithdraw
)

func (o Operation) String() string {
	switch o {
	case OpCreateListing:
		return "CreateListing"
	case OpDeposit:
		return "Deposit"
	case OpSetPrice:
		return "SetPrice"
	case OpBuy:
		return "Buy"
	case OpBid:
		return "Bid"
	case OpAcceptBid:
		return "AcceptBid"
	case OpWithdraw:
		return "Withdraw"
	default:
		return "Unknown"
	}
}

// TransferType represents the purpose of a transfer
type TransferType int32

const (
	TransferTypeEscrowFee TransferType = iota
	TransferTypeAssetDeposit
	TransferTypePurchasePayment
	TransferTypePurchaseDelivery
	TransferTypeBidEscrow
	TransferTypeBidRefund
	TransferTypeBidSettlement
	TransferTypeBidDelivery
	TransferTypeAssetReturn
	TransferTypeEscrowFeeRefund
	TransferTypeForfeit
)

func (t TransferType) String() string {
	switch t {
	case TransferTypeEscrowFee:
		return "escrow_fee"
	case TransferTypeAssetDeposit:
		return "asset_deposit"
	case TransferTypePurchasePayment:
		return "purchase_payment"
	case TransferTypePurchaseDelivery:
		return "purchase_delivery"
	case TransferTypeBidEscrow:
		return "bid_escrow"
	case TransferTypeBidRefund:
		return "bid_refund"
	case TransferTypeBidSettlement:
		return "bid_settlement"
	case TransferTypeBidDelivery:
		return "bid_delivery"
	case TransferTypeAssetReturn:
		return "asset_return"
	case TransferTypeEscrowFeeRefund:
		return "escrow_fee_refund"
	case TransferTypeForfeit:
		return "forfeit"
	default:
		return "unknown"
	}
}

// Transfer moves Amount of one unit from one account to another.
//
// Inbound transfers (into escrow) and direct party-to-party payments were
// already executed and validated by the caller; they are recorded for
// audit. Outbound transfers (out of escrow to a party) are instructions
// the caller must execute. Forfeits stay with the ledger.
type Transfer struct {
	TransferID   uuid.UUID
	From         AccountKey
	To           AccountKey
	Amount       uint64 // ALWAYS positive
	TransferType TransferType
}

// Outbound reports whether the transfer pays out of escrow to a party.
func (t Transfer) Outbound() bool {
	return t.From.IsEscrow() && t.To.IsParty()
}

// Unit of value moved.
func (t Transfer) Unit() Unit {
	return t.From.Unit
}

// AssetID of the asset moved (zero for currency).
func (t Transfer) AssetID() uint64 {
	if t.Unit() == UnitCurrency {
		return 0
	}
	return t.From.AssetID
}

// Settlement is the committed result of one ledger operation.
type Settlement struct {
	SettlementID uuid.UUID
	Operation    Operation
	Key          listing.Key
	Sequence     uint64
	StateHash    [32]byte
	PrevHash     [32]byte

	// Listing is the record after the operation; zero when Deleted.
	Listing listing.Listing
	Deleted bool

	Transfers []Transfer
}

// Outbound returns the transfer instructions the caller must execute.
func (s *Settlement) Outbound() []Transfer {
	out := make([]Transfer, 0, len(s.Transfers))
	for _, t := range s.Transfers {
		if t.Outbound() {
			out = append(out, t)
		}
	}
	return out
}

// Validate ensures the settlement is well-formed. Each transfer is a
// balanced move of a single positive amount between two distinct accounts
// of the same unit.
func (s *Settlement) Validate() error {
	for _, t := range s.Transfers {
		if t.Amount == 0 {
			return fmt.Errorf("transfer %s has zero amount", t.TransferID)
		}
		if t.From == t.To {
			return fmt.Errorf("transfer %s has same source and destination", t.TransferID)
		}
		if t.From.Unit != t.To.Unit {
			return fmt.Errorf("transfer %s mixes %s and %s", t.TransferID, t.From.Unit, t.To.Unit)
		}
		if t.Unit() == UnitAsset && t.From.AssetID != t.To.AssetID {
			return fmt.Errorf("transfer %s mixes assets %d and %d", t.TransferID, t.From.AssetID, t.To.AssetID)
		}
		if !t.From.IsEscrow() && !t.To.IsEscrow() && t.From.Owner == t.To.Owner {
			return fmt.Errorf("transfer %s is a self-payment", t.TransferID)
		}
	}
	return nil
}

var (
	settlementNamespace = uuid.MustParse("8f0e3c6a-4b1d-5e2f-9a7c-1d2e3f405162")
	transferNamespace   = uuid.MustParse("2c9b7a10-6e5d-5f4c-8b3a-0f1e2d3c4b5a")
)

// settlementID is derived from the sequence so replays reproduce it.
func settlementID(seq uint64) uuid.UUID {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return uuid.NewSHA1(settlementNamespace, buf[:])
}

func transferID(seq uint64, idx int) uuid.UUID {
	var buf [10]byte
	binary.BigEndian.PutUint64(buf[0:8], seq)
	binary.BigEndian.PutUint16(buf[8:10], uint16(idx))
	return uuid.NewSHA1(transferNamespace, buf[:])
}
