package ledger

import (
	"ListingLedger/internal/listing"
	fpmath "ListingLedger/internal/math"
	"ListingLedger/internal/store"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Ledger owns the listing store and applies the seven listing operations.
// Operations are serialized: each one reads the current record, checks its
// preconditions and commits the new record, its outbound transfer
// instructions and the chain tip in one batch. A failed precondition or
// escrow check leaves the store untouched.
type Ledger struct {
	mu        sync.Mutex
	store     *store.Store
	tracker   *EscrowTracker
	validator *InvariantValidator
	tip       store.ChainTip
	logger    zerolog.Logger
}

// New opens a ledger over st, resuming from its committed tip and seeding
// the escrow tracker from the listings already stored.
func New(st *store.Store, logger zerolog.Logger) (*Ledger, error) {
	tip, err := st.LoadTip()
	if err != nil {
		return nil, fmt.Errorf("load tip: %w", err)
	}
	if tip.Sequence == 0 {
		tip.StateHash = GenesisHash()
	}

	tracker := NewEscrowTracker()
	count := 0
	err = st.Scan(nil, func(key listing.Key, l listing.Listing) error {
		tracker.Seed(key, l.Quantity)
		count++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rebuild escrow: %w", err)
	}

	logger.Info().
		Uint64("sequence", tip.Sequence).
		Hex("state_hash", tip.StateHash[:]).
		Int("listings", count).
		Msg("ledger opened")

	return &Ledger{
		store:     st,
		tracker:   tracker,
		validator: NewInvariantValidator(tracker),
		tip:       tip,
		logger:    logger,
	}, nil
}

// Tip returns the last committed sequence and state hash.
func (l *Ledger) Tip() store.ChainTip {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tip
}

// Get returns the stored listing for key.
func (l *Ledger) Get(key listing.Key) (listing.Listing, error) {
	return l.store.Get(key)
}

// Scan visits stored listings in key order, optionally for one seller.
func (l *Ledger) Scan(seller *listing.Address, fn func(listing.Key, listing.Listing) error) error {
	return l.store.Scan(seller, fn)
}

// Snapshot opens a consistent view of the stored listings and tip.
func (l *Ledger) Snapshot() *store.Snapshot {
	return l.store.Snapshot()
}

// EscrowTotals sums what live listings hold in escrow, per unit.
func (l *Ledger) EscrowTotals() map[Unit]decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.Totals()
}

// CreateListing opens a listing holding initialQuantity units at unitPrice.
// The seller must have paid exactly listing.EscrowFee into escrow.
func (l *Ledger) CreateListing(
	seller listing.Address,
	asset listing.Asset,
	nonce, initialQuantity, unitPrice, escrowFeePaid uint64,
) (*Settlement, error) {
	key := listing.Key{Seller: seller, AssetID: asset.ID, Nonce: nonce}
	if seller.IsZero() {
		return nil, fmt.Errorf("%w: zero seller", listing.ErrInvalidTransfer)
	}
	if initialQuantity == 0 {
		return nil, fmt.Errorf("%w: initial quantity is zero", listing.ErrInvalidTransfer)
	}
	if escrowFeePaid != listing.EscrowFee {
		return nil, fmt.Errorf("%w: escrow fee %d, want %d", listing.ErrInvalidTransfer, escrowFeePaid, listing.EscrowFee)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	exists, err := l.store.Exists(key)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", listing.ErrDuplicateListing, key)
	}

	rec := listing.New(initialQuantity, unitPrice)

	gen := NewTransferGenerator(key)
	gen.AssetDeposit(initialQuantity)
	gen.EscrowFee(seller, escrowFeePaid)

	return l.commit(OpCreateListing, key, rec, false, gen.Transfers(), listing.EscrowFee)
}

// Deposit adds quantity units to an existing listing.
func (l *Ledger) Deposit(seller listing.Address, asset listing.Asset, nonce, quantity uint64) (*Settlement, error) {
	key := listing.Key{Seller: seller, AssetID: asset.ID, Nonce: nonce}
	if quantity == 0 {
		return nil, fmt.Errorf("%w: deposit quantity is zero", listing.ErrInvalidTransfer)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.load(key, asset.Decimals)
	if err != nil {
		return nil, err
	}
	if rec.Quantity, err = fpmath.AddQuantity(rec.Quantity, quantity); err != nil {
		return nil, fmt.Errorf("deposit %d into %s: %w", quantity, key, err)
	}
	cover, err := bidCoverage(rec, asset.Decimals)
	if err != nil {
		return nil, err
	}

	gen := NewTransferGenerator(key)
	gen.AssetDeposit(quantity)

	return l.commit(OpDeposit, key, rec, false, gen.Transfers(), cover)
}

// SetPrice replaces the listing's unit price. It is allowed regardless of
// any live bid.
func (l *Ledger) SetPrice(seller listing.Address, asset listing.Asset, nonce, unitPrice uint64) (*Settlement, error) {
	key := listing.Key{Seller: seller, AssetID: asset.ID, Nonce: nonce}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.load(key, asset.Decimals)
	if err != nil {
		return nil, err
	}
	rec.UnitPrice = unitPrice
	cover, err := bidCoverage(rec, asset.Decimals)
	if err != nil {
		return nil, err
	}

	return l.commit(OpSetPrice, key, rec, false, nil, cover)
}

// Buy purchases quantity units at the posted price. The buyer has paid the
// seller directly; payment must equal the scaled price of the purchase.
func (l *Ledger) Buy(
	seller listing.Address,
	asset listing.Asset,
	nonce uint64,
	buyer listing.Address,
	quantity, payment uint64,
) (*Settlement, error) {
	key := listing.Key{Seller: seller, AssetID: asset.ID, Nonce: nonce}
	if quantity == 0 {
		return nil, fmt.Errorf("%w: purchase quantity is zero", listing.ErrInvalidTransfer)
	}
	if buyer.IsZero() || buyer == seller {
		return nil, fmt.Errorf("%w: invalid buyer %s", listing.ErrInvalidTransfer, buyer)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.load(key, asset.Decimals)
	if err != nil {
		return nil, err
	}
	due, err := fpmath.ScaledPrice(quantity, rec.UnitPrice, asset.Decimals)
	if err != nil {
		return nil, fmt.Errorf("price %d units of %s: %w", quantity, key, err)
	}
	if payment != due {
		return nil, fmt.Errorf("%w: paid %d, due %d", listing.ErrPaymentMismatch, payment, due)
	}
	if quantity > rec.Quantity {
		return nil, fmt.Errorf("%w: want %d, have %d", listing.ErrInsufficientInventory, quantity, rec.Quantity)
	}
	rec.Quantity -= quantity
	cover, err := bidCoverage(rec, asset.Decimals)
	if err != nil {
		return nil, err
	}

	gen := NewTransferGenerator(key)
	gen.Purchase(buyer, quantity, payment)

	return l.commit(OpBuy, key, rec, false, gen.Transfers(), cover)
}

// Bid replaces the current bid with a strictly higher one. The bidder has
// paid the bid's scaled value into escrow; the previous bid, if any, is
// refunded in full.
func (l *Ledger) Bid(
	seller listing.Address,
	asset listing.Asset,
	nonce uint64,
	bidder listing.Address,
	quantity, unitPrice, payment uint64,
) (*Settlement, error) {
	key := listing.Key{Seller: seller, AssetID: asset.ID, Nonce: nonce}
	if quantity == 0 {
		return nil, fmt.Errorf("%w: bid quantity is zero", listing.ErrInvalidTransfer)
	}
	if bidder.IsZero() || bidder == seller {
		return nil, fmt.Errorf("%w: invalid bidder %s", listing.ErrInvalidTransfer, bidder)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.load(key, asset.Decimals)
	if err != nil {
		return nil, err
	}
	if unitPrice <= rec.CurrentBidPrice() {
		return nil, fmt.Errorf("%w: %d <= %d", listing.ErrBidTooLow, unitPrice, rec.CurrentBidPrice())
	}
	due, err := fpmath.ScaledPrice(quantity, unitPrice, asset.Decimals)
	if err != nil {
		return nil, fmt.Errorf("price bid on %s: %w", key, err)
	}
	if due == 0 {
		return nil, fmt.Errorf("%w: bid value rounds to zero", listing.ErrInvalidTransfer)
	}
	if payment != due {
		return nil, fmt.Errorf("%w: paid %d, due %d", listing.ErrPaymentMismatch, payment, due)
	}

	gen := NewTransferGenerator(key)
	gen.BidEscrow(bidder, payment)
	if rec.HasBid() {
		refund, err := fpmath.ScaledPrice(rec.Bid.Quantity, rec.Bid.UnitPrice, asset.Decimals)
		if err != nil {
			return nil, fmt.Errorf("price refund on %s: %w", key, err)
		}
		gen.BidRefund(rec.Bid.Bidder, refund)
	}

	rec.Bid = listing.ActiveBid(bidder, quantity, unitPrice)
	cover, err := bidCoverage(rec, asset.Decimals)
	if err != nil {
		return nil, err
	}

	return l.commit(OpBid, key, rec, false, gen.Transfers(), cover)
}

// AcceptBid settles min(quantity, bid quantity) units at the bid price.
// The seller is paid from escrowed bid funds and the bidder receives the
// units. The bid is cleared once fully filled.
func (l *Ledger) AcceptBid(seller listing.Address, asset listing.Asset, nonce uint64) (*Settlement, error) {
	key := listing.Key{Seller: seller, AssetID: asset.ID, Nonce: nonce}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.load(key, asset.Decimals)
	if err != nil {
		return nil, err
	}
	if !rec.HasBid() {
		return nil, fmt.Errorf("%w: %s", listing.ErrNoActiveBid, key)
	}
	if rec.UnitPrice <= rec.Bid.UnitPrice {
		return nil, fmt.Errorf("%w: price %d, bid %d", listing.ErrBidNotAcceptable, rec.UnitPrice, rec.Bid.UnitPrice)
	}

	settle := fpmath.MinQuantity(rec.Quantity, rec.Bid.Quantity)
	if settle == 0 {
		return nil, fmt.Errorf("%w: %s is empty", listing.ErrInsufficientInventory, key)
	}
	payment, err := fpmath.ScaledPrice(settle, rec.Bid.UnitPrice, asset.Decimals)
	if err != nil {
		return nil, fmt.Errorf("price settlement on %s: %w", key, err)
	}
	escrowed, err := fpmath.ScaledPrice(rec.Bid.Quantity, rec.Bid.UnitPrice, asset.Decimals)
	if err != nil {
		return nil, fmt.Errorf("price bid on %s: %w", key, err)
	}

	bidder := rec.Bid.Bidder
	rec.Quantity -= settle
	rec.Bid.Quantity -= settle
	if rec.Bid.Quantity == 0 {
		rec.Bid = listing.NoBid()
	}
	cover, err := bidCoverage(rec, asset.Decimals)
	if err != nil {
		return nil, err
	}

	// floor(a) + floor(b) <= floor(a+b): whatever the payment and the
	// remaining bid value leave behind is forfeited.
	residue, err := fpmath.SubQuantity(escrowed, payment)
	if err == nil {
		residue, err = fpmath.SubQuantity(residue, cover-listing.EscrowFee)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: settle %s: %v", listing.ErrInvariantViolation, key, err)
	}

	gen := NewTransferGenerator(key)
	gen.BidSettlement(bidder, settle, payment)
	gen.Forfeit(residue)

	return l.commit(OpAcceptBid, key, rec, false, gen.Transfers(), cover)
}

// Withdraw closes a listing: any live bid is refunded, the remaining units
// and the escrow fee go back to the seller, and the record is deleted.
func (l *Ledger) Withdraw(seller listing.Address, asset listing.Asset, nonce uint64) (*Settlement, error) {
	key := listing.Key{Seller: seller, AssetID: asset.ID, Nonce: nonce}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.load(key, asset.Decimals)
	if err != nil {
		return nil, err
	}

	gen := NewTransferGenerator(key)
	if rec.HasBid() {
		refund, err := fpmath.ScaledPrice(rec.Bid.Quantity, rec.Bid.UnitPrice, asset.Decimals)
		if err != nil {
			return nil, fmt.Errorf("price refund on %s: %w", key, err)
		}
		gen.BidRefund(rec.Bid.Bidder, refund)
	}
	gen.Close(rec.Quantity, listing.EscrowFee)

	return l.commit(OpWithdraw, key, listing.Listing{}, true, gen.Transfers(), 0)
}

// load reads the freshest record and prices its currency escrow if the
// tracker has not seen it since open. Caller holds l.mu.
func (l *Ledger) load(key listing.Key, decimals uint8) (listing.Listing, error) {
	rec, err := l.store.Get(key)
	if err != nil {
		return listing.Listing{}, err
	}
	if !l.tracker.Priced(key) {
		cover, err := bidCoverage(rec, decimals)
		if err != nil {
			return listing.Listing{}, fmt.Errorf("price escrow of %s: %w", key, err)
		}
		l.tracker.Price(key, cover)
	}
	return rec, nil
}

// bidCoverage is the currency a live listing must keep in escrow.
func bidCoverage(rec listing.Listing, decimals uint8) (uint64, error) {
	if !rec.HasBid() {
		return listing.EscrowFee, nil
	}
	value, err := fpmath.ScaledPrice(rec.Bid.Quantity, rec.Bid.UnitPrice, decimals)
	if err != nil {
		return 0, err
	}
	return fpmath.AddQuantity(listing.EscrowFee, value)
}

// commit assigns the next sequence, checks the escrow the settlement
// leaves behind against the record, chains the state hash and writes the
// batch. Caller holds l.mu.
func (l *Ledger) commit(
	op Operation,
	key listing.Key,
	rec listing.Listing,
	deleted bool,
	transfers []Transfer,
	cover uint64,
) (*Settlement, error) {
	seq := l.tip.Sequence + 1
	for i := range transfers {
		transfers[i].TransferID = transferID(seq, i)
	}

	s := &Settlement{
		SettlementID: settlementID(seq),
		Operation:    op,
		Key:          key,
		Sequence:     seq,
		PrevHash:     l.tip.StateHash,
		Listing:      rec,
		Deleted:      deleted,
		Transfers:    transfers,
	}
	after, err := l.validator.ValidateSettlement(s)
	if err == nil {
		err = l.validator.ValidateEscrow(s, after, cover)
	}
	if err != nil {
		l.logger.Error().Err(err).
			Str("operation", op.String()).
			Str("listing", key.String()).
			Msg("settlement rejected by escrow check")
		return nil, fmt.Errorf("%w: %s on %s: %v", listing.ErrInvariantViolation, op, key, err)
	}
	s.StateHash = ComputeHash(s.PrevHash, seq, settlementDigest(s))

	outbound := s.Outbound()
	outbox := make([][]byte, 0, len(outbound))
	for _, t := range outbound {
		payload, err := json.Marshal(NewInstruction(s, t))
		if err != nil {
			return nil, fmt.Errorf("encode instruction: %w", err)
		}
		outbox = append(outbox, payload)
	}

	tip := store.ChainTip{Sequence: seq, StateHash: s.StateHash}
	err = l.store.Apply(&store.Commit{
		Key:    key,
		Record: rec,
		Delete: deleted,
		Outbox: outbox,
		Tip:    tip,
	})
	if err != nil {
		return nil, fmt.Errorf("commit %s on %s: %w", op, key, err)
	}
	l.tip = tip
	if deleted {
		l.tracker.Forget(key)
	} else {
		l.tracker.Set(key, after)
	}

	l.logger.Debug().
		Str("operation", op.String()).
		Str("listing", key.String()).
		Uint64("sequence", seq).
		Int("transfers", len(transfers)).
		Int("outbound", len(outbound)).
		Msg("settlement committed")

	return s, nil
}
