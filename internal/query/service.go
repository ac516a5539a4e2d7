package query

import (
	"ListingLedger/internal/asset"
	"ListingLedger/internal/listing"
	fpmath "ListingLedger/internal/math"
	"ListingLedger/internal/store"
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrEventLogUnavailable is returned by history queries when the service
// runs without Postgres.
var ErrEventLogUnavailable = errors.New("event log not configured")

// ListingReader is the read side of the ledger. Listing reads go through
// a snapshot so a record and its as_of_sequence agree.
type ListingReader interface {
	Snapshot() *store.Snapshot
	Tip() store.ChainTip
}

// AssetCatalog supplies decimals and symbols for display.
type AssetCatalog interface {
	Get(id uint64) (asset.Info, bool)
	Currency() (string, uint8)
}

// QueryService provides read-only access to listings and the event log.
// Listing state is read from the local store and is always current; history
// comes from Postgres and may lag by one persistence batch. Every listing
// response carries as_of_sequence, the sequence of the last settlement the
// response reflects.
type QueryService struct {
	listings ListingReader
	assets   AssetCatalog
	db       *sql.DB
}

// NewQueryService wires the service; db may be nil.
func NewQueryService(listings ListingReader, assets AssetCatalog, db *sql.DB) *QueryService {
	return &QueryService{listings: listings, assets: assets, db: db}
}

// GetListing returns one listing.
func (qs *QueryService) GetListing(ctx context.Context, key listing.Key) (*ListingView, error) {
	rec, tip, err := qs.read(key)
	if err != nil {
		return nil, err
	}
	view, err := qs.view(key, rec)
	if err != nil {
		return nil, err
	}
	view.AsOfSequence = tip.Sequence
	return view, nil
}

// read loads one record and the tip it was committed under.
func (qs *QueryService) read(key listing.Key) (listing.Listing, store.ChainTip, error) {
	snap := qs.listings.Snapshot()
	defer snap.Close()

	rec, err := snap.Get(key)
	if err != nil {
		return listing.Listing{}, store.ChainTip{}, err
	}
	tip, err := snap.Tip()
	if err != nil {
		return listing.Listing{}, store.ChainTip{}, err
	}
	return rec, tip, nil
}

// ListListings returns every listing, or one seller's, in key order.
func (qs *QueryService) ListListings(ctx context.Context, seller *listing.Address, limit int) ([]ListingView, error) {
	snap := qs.listings.Snapshot()
	defer snap.Close()
	tip, err := snap.Tip()
	if err != nil {
		return nil, err
	}
	asOf := tip.Sequence
	views := make([]ListingView, 0)
	errStop := errors.New("limit reached")

	err = snap.Scan(seller, func(key listing.Key, rec listing.Listing) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if limit > 0 && len(views) >= limit {
			return errStop
		}
		view, err := qs.view(key, rec)
		if err != nil {
			return err
		}
		view.AsOfSequence = asOf
		views = append(views, *view)
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	return views, nil
}

func (qs *QueryService) view(key listing.Key, rec listing.Listing) (*ListingView, error) {
	info, err := qs.assetInfo(key.AssetID)
	if err != nil {
		return nil, err
	}
	_, currencyDecimals := qs.assets.Currency()

	v := &ListingView{
		Seller:           key.Seller.String(),
		AssetID:          key.AssetID,
		AssetSymbol:      info.Symbol,
		Nonce:            key.Nonce,
		Quantity:         rec.Quantity,
		QuantityDisplay:  formatUnits(rec.Quantity, info.Decimals),
		UnitPrice:        rec.UnitPrice,
		UnitPriceDisplay: formatUnits(rec.UnitPrice, currencyDecimals),
	}
	if rec.HasBid() {
		value, err := fpmath.ScaledPrice(rec.Bid.Quantity, rec.Bid.UnitPrice, info.Decimals)
		if err != nil {
			return nil, fmt.Errorf("bid value of %s: %w", key, err)
		}
		v.Bid = &BidView{
			Bidder:           rec.Bid.Bidder.String(),
			Quantity:         rec.Bid.Quantity,
			QuantityDisplay:  formatUnits(rec.Bid.Quantity, info.Decimals),
			UnitPrice:        rec.Bid.UnitPrice,
			UnitPriceDisplay: formatUnits(rec.Bid.UnitPrice, currencyDecimals),
			Value:            value,
			ValueDisplay:     formatUnits(value, currencyDecimals),
		}
	}
	return v, nil
}

func (qs *QueryService) assetInfo(id uint64) (asset.Info, error) {
	info, ok := qs.assets.Get(id)
	if !ok {
		return asset.Info{}, fmt.Errorf("%w: %d", asset.ErrUnknownAsset, id)
	}
	return info, nil
}

// GetListingTransfers returns a listing's logged transfers, newest first.
// Pass the last seen sequence as afterSequence to page backwards.
func (qs *QueryService) GetListingTransfers(
	ctx context.Context,
	key listing.Key,
	limit int,
	afterSequence *int64,
) ([]TransferEntry, error) {
	return qs.transfers(ctx, "listing_key = $1", key.String(), limit, afterSequence)
}

// GetAccountTransfers returns transfers paid to or from a party, newest
// first.
func (qs *QueryService) GetAccountTransfers(
	ctx context.Context,
	party listing.Address,
	limit int,
	afterSequence *int64,
) ([]TransferEntry, error) {
	prefix := fmt.Sprintf("party:%s:%%", party)
	return qs.transfers(ctx, "(from_account LIKE $1 OR to_account LIKE $1)", prefix, limit, afterSequence)
}

func (qs *QueryService) transfers(
	ctx context.Context,
	filter string,
	arg any,
	limit int,
	afterSequence *int64,
) ([]TransferEntry, error) {
	if qs.db == nil {
		return nil, ErrEventLogUnavailable
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT transfer_id, settlement_id, sequence, operation, listing_key,
		       from_account, to_account, unit, asset_id, amount, transfer_type, outbound, timestamp
		FROM event_log.transfers
		WHERE ` + filter
	args := []any{arg}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, transfer_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]TransferEntry, 0)
	for rows.Next() {
		var e TransferEntry
		if err := rows.Scan(
			&e.TransferID, &e.SettlementID, &e.Sequence, &e.Operation, &e.ListingKey,
			&e.FromAccount, &e.ToAccount, &e.Unit, &e.AssetID, &e.Amount,
			&e.TransferType, &e.Outbound, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the logged hash chain and per-listing escrow
// conservation.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	if qs.db == nil {
		return nil, ErrEventLogUnavailable
	}
	report := &IntegrityReport{LedgerSequence: qs.listings.Tip().Sequence}

	// Hash chain continuity
	rows, err := qs.db.QueryContext(ctx, `
		SELECT c1.sequence
		FROM event_log.commands c1
		JOIN event_log.commands c2 ON c2.sequence = c1.sequence - 1
		WHERE c1.prev_hash <> c2.state_hash
		ORDER BY c1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Escrow never goes negative and a closed listing holds nothing.
	escrowRows, err := qs.db.QueryContext(ctx, `
		WITH flows AS (
			SELECT listing_key, unit,
			       SUM(CASE WHEN to_account LIKE 'escrow:%' THEN amount ELSE 0 END)
			     - SUM(CASE WHEN from_account LIKE 'escrow:%' THEN amount ELSE 0 END) AS net
			FROM event_log.transfers
			GROUP BY listing_key, unit
		), latest AS (
			SELECT DISTINCT ON (listing_key) listing_key, deleted
			FROM event_log.commands
			ORDER BY listing_key, sequence DESC
		)
		SELECT f.listing_key, f.unit, f.net, l.deleted
		FROM flows f
		JOIN latest l USING (listing_key)
		WHERE f.net < 0 OR (l.deleted AND f.net <> 0)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer escrowRows.Close()

	for escrowRows.Next() {
		var im EscrowImbalance
		if err := escrowRows.Scan(&im.ListingKey, &im.Unit, &im.Net, &im.Closed); err != nil {
			return nil, err
		}
		report.EscrowImbalances = append(report.EscrowImbalances, im)
	}
	if err := escrowRows.Err(); err != nil {
		return nil, err
	}

	var logged sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.commands`).Scan(&logged); err != nil {
		return nil, err
	}
	report.LoggedSequence = logged.Int64
	report.EventLogLagging = uint64(logged.Int64) < report.LedgerSequence

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.EscrowImbalances) == 0
	return report, nil
}
