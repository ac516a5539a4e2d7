package query

import (
	"time"

	"github.com/shopspring/decimal"
)

// ListingView is a listing as served by the query API. Raw fields are base
// units; *_display fields are scaled by the asset and currency decimals.
type ListingView struct {
	Seller           string   `json:"seller"`
	AssetID          uint64   `json:"asset_id"`
	AssetSymbol      string   `json:"asset_symbol,omitempty"`
	Nonce            uint64   `json:"nonce"`
	Quantity         uint64   `json:"quantity"`
	QuantityDisplay  string   `json:"quantity_display"`
	UnitPrice        uint64   `json:"unit_price"`
	UnitPriceDisplay string   `json:"unit_price_display"` // currency per whole asset unit
	Bid              *BidView `json:"bid,omitempty"`
	AsOfSequence     uint64   `json:"as_of_sequence"`
}

// BidView is the live bid on a listing.
type BidView struct {
	Bidder           string `json:"bidder"`
	Quantity         uint64 `json:"quantity"`
	QuantityDisplay  string `json:"quantity_display"`
	UnitPrice        uint64 `json:"unit_price"`
	UnitPriceDisplay string `json:"unit_price_display"`
	Value            uint64 `json:"value"` // currency held in escrow for the bid
	ValueDisplay     string `json:"value_display"`
}

// TransferEntry represents a logged transfer for API queries.
type TransferEntry struct {
	TransferID   string          `json:"transfer_id"`
	SettlementID string          `json:"settlement_id"`
	Sequence     int64           `json:"sequence"`
	Operation    string          `json:"operation"`
	ListingKey   string          `json:"listing"`
	FromAccount  string          `json:"from_account"`
	ToAccount    string          `json:"to_account"`
	Unit         string          `json:"unit"`
	AssetID      int64           `json:"asset_id"`
	Amount       decimal.Decimal `json:"amount"`
	TransferType string          `json:"transfer_type"`
	Outbound     bool            `json:"outbound"`
	Timestamp    time.Time       `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	EscrowImbalances []EscrowImbalance `json:"escrow_imbalances,omitempty"`
	LoggedSequence   int64             `json:"logged_sequence"`
	LedgerSequence   uint64            `json:"ledger_sequence"`
	EventLogLagging  bool              `json:"event_log_lagging"`
}

// EscrowImbalance is a listing whose logged escrow flows went negative, or
// did not return to zero when the listing closed.
type EscrowImbalance struct {
	ListingKey string          `json:"listing"`
	Unit       string          `json:"unit"`
	Net        decimal.Decimal `json:"net"`
	Closed     bool            `json:"closed"`
}
