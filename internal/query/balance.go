package query

import (
	"ListingLedger/internal/listing"
	fpmath "ListingLedger/internal/math"
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// EscrowResponse is what the ledger holds for one listing, derived from
// the record: every unlisted unit plus the storage fee and the live bid.
type EscrowResponse struct {
	Listing         string `json:"listing"`
	Asset           uint64 `json:"asset"`
	AssetDisplay    string `json:"asset_display"`
	Currency        uint64 `json:"currency"`
	CurrencyDisplay string `json:"currency_display"`
	EscrowFee       uint64 `json:"escrow_fee"`
	BidValue        uint64 `json:"bid_value"`
	AsOfSequence    uint64 `json:"as_of_sequence"`
}

// GetEscrow returns the escrow held by one listing.
func (qs *QueryService) GetEscrow(ctx context.Context, key listing.Key) (*EscrowResponse, error) {
	rec, tip, err := qs.read(key)
	if err != nil {
		return nil, err
	}
	info, err := qs.assetInfo(key.AssetID)
	if err != nil {
		return nil, err
	}

	var bidValue uint64
	if rec.HasBid() {
		bidValue, err = fpmath.ScaledPrice(rec.Bid.Quantity, rec.Bid.UnitPrice, info.Decimals)
		if err != nil {
			return nil, fmt.Errorf("bid value: %w", err)
		}
	}
	currency, err := fpmath.AddQuantity(listing.EscrowFee, bidValue)
	if err != nil {
		return nil, fmt.Errorf("escrow currency: %w", err)
	}

	_, currencyDecimals := qs.assets.Currency()
	return &EscrowResponse{
		Listing:         key.String(),
		Asset:           rec.Quantity,
		AssetDisplay:    formatUnits(rec.Quantity, info.Decimals),
		Currency:        currency,
		CurrencyDisplay: formatUnits(currency, currencyDecimals),
		EscrowFee:       listing.EscrowFee,
		BidValue:        bidValue,
		AsOfSequence:    tip.Sequence,
	}, nil
}

// formatUnits renders raw base units with the given number of decimals.
func formatUnits(raw uint64, decimals uint8) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(decimals)).StringFixed(int32(decimals))
}
