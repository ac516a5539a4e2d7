package ledger

import (
	"ListingLedger/internal/listing"
	"encoding/json"
)

// TransferGenerator collects the transfers of one operation. Zero amounts
// are dropped; a transfer of nothing is not a transfer.
type TransferGenerator struct {
	key       listing.Key
	transfers []Transfer
}

func NewTransferGenerator(key listing.Key) *TransferGenerator {
	return &TransferGenerator{key: key}
}

func (g *TransferGenerator) add(from, to AccountKey, amount uint64, typ TransferType) {
	if amount == 0 {
		return
	}
	g.transfers = append(g.transfers, Transfer{
		From:         from,
		To:           to,
		Amount:       amount,
		TransferType: typ,
	})
}

// EscrowFee moves the fee from the seller into listing escrow.
func (g *TransferGenerator) EscrowFee(seller listing.Address, amount uint64) {
	g.add(PartyCurrency(seller), EscrowAccount(g.key, UnitCurrency), amount, TransferTypeEscrowFee)
}

// AssetDeposit moves asset units from the seller into listing escrow.
func (g *TransferGenerator) AssetDeposit(quantity uint64) {
	g.add(PartyAsset(g.key.Seller, g.key.AssetID), EscrowAccount(g.key, UnitAsset), quantity, TransferTypeAssetDeposit)
}

// Purchase pays the seller directly and delivers escrowed units to the buyer.
func (g *TransferGenerator) Purchase(buyer listing.Address, quantity, payment uint64) {
	g.add(PartyCurrency(buyer), PartyCurrency(g.key.Seller), payment, TransferTypePurchasePayment)
	g.add(EscrowAccount(g.key, UnitAsset), PartyAsset(buyer, g.key.AssetID), quantity, TransferTypePurchaseDelivery)
}

// BidEscrow moves a bid's value from the bidder into escrow.
func (g *TransferGenerator) BidEscrow(bidder listing.Address, amount uint64) {
	g.add(PartyCurrency(bidder), EscrowAccount(g.key, UnitCurrency), amount, TransferTypeBidEscrow)
}

// BidRefund returns an escrowed bid to its bidder.
func (g *TransferGenerator) BidRefund(bidder listing.Address, amount uint64) {
	g.add(EscrowAccount(g.key, UnitCurrency), PartyCurrency(bidder), amount, TransferTypeBidRefund)
}

// BidSettlement pays the seller from escrowed bid funds and delivers the
// settled units to the bidder.
func (g *TransferGenerator) BidSettlement(bidder listing.Address, quantity, payment uint64) {
	g.add(EscrowAccount(g.key, UnitCurrency), PartyCurrency(g.key.Seller), payment, TransferTypeBidSettlement)
	g.add(EscrowAccount(g.key, UnitAsset), PartyAsset(bidder, g.key.AssetID), quantity, TransferTypeBidDelivery)
}

// Forfeit moves a rounding remainder out of the listing's currency escrow.
func (g *TransferGenerator) Forfeit(amount uint64) {
	g.add(EscrowAccount(g.key, UnitCurrency), ForfeitAccount(UnitCurrency), amount, TransferTypeForfeit)
}

// Close returns the remaining asset and the escrow fee to the seller.
func (g *TransferGenerator) Close(quantity, fee uint64) {
	g.add(EscrowAccount(g.key, UnitAsset), PartyAsset(g.key.Seller, g.key.AssetID), quantity, TransferTypeAssetReturn)
	g.add(EscrowAccount(g.key, UnitCurrency), PartyCurrency(g.key.Seller), fee, TransferTypeEscrowFeeRefund)
}

func (g *TransferGenerator) Transfers() []Transfer {
	return g.transfers
}

// Instruction is the wire form of an outbound transfer, written to the
// outbox and relayed to the executor.
type Instruction struct {
	TransferID   string `json:"transfer_id"`
	SettlementID string `json:"settlement_id"`
	Sequence     uint64 `json:"sequence"`
	Operation    string `json:"operation"`
	Listing      string `json:"listing"`
	Type         string `json:"type"`
	Unit         string `json:"unit"`
	AssetID      uint64 `json:"asset_id,omitempty"`
	Receiver     string `json:"receiver"`
	Amount       uint64 `json:"amount"`
}

// NewInstruction describes the outbound transfer t of settlement s.
func NewInstruction(s *Settlement, t Transfer) Instruction {
	return Instruction{
		TransferID:   t.TransferID.String(),
		SettlementID: s.SettlementID.String(),
		Sequence:     s.Sequence,
		Operation:    s.Operation.String(),
		Listing:      s.Key.String(),
		Type:         t.TransferType.String(),
		Unit:         t.Unit().String(),
		AssetID:      t.AssetID(),
		Receiver:     t.To.Owner.String(),
		Amount:       t.Amount,
	}
}

// DecodeInstruction parses an outbox payload.
func DecodeInstruction(payload []byte) (Instruction, error) {
	var in Instruction
	err := json.Unmarshal(payload, &in)
	return in, err
}
