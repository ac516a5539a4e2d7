package ledger_test

import (
	"ListingLedger/internal/ledger"
	"ListingLedger/internal/listing"
	fpmath "ListingLedger/internal/math"
	"ListingLedger/internal/store"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
)

var testAsset = listing.Asset{ID: 7, Decimals: 0}

func openTestLedger(t *testing.T) (*ledger.Ledger, *store.Store) {
	t.Helper()
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	l, err := ledger.New(st, zerolog.Nop())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l, st
}

func addr(b byte) listing.Address {
	var a listing.Address
	a[0] = b
	a[31] = b
	return a
}

var (
	alice = addr(0xa1)
	bob   = addr(0xb0)
	carol = addr(0xc0)
)

func mustCreate(t *testing.T, l *ledger.Ledger, nonce, qty, price uint64) listing.Key {
	t.Helper()
	if _, err := l.CreateListing(alice, testAsset, nonce, qty, price, listing.EscrowFee); err != nil {
		t.Fatalf("create: %v", err)
	}
	return listing.Key{Seller: alice, AssetID: testAsset.ID, Nonce: nonce}
}

func mustGet(t *testing.T, l *ledger.Ledger, key listing.Key) listing.Listing {
	t.Helper()
	rec, err := l.Get(key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	return rec
}

// escrowNet sums the net flow into the listing's escrow in unit across
// settlements.
func escrowNet(t *testing.T, key listing.Key, unit ledger.Unit, settlements ...*ledger.Settlement) uint64 {
	t.Helper()
	acc := ledger.EscrowAccount(key, unit)
	var in, out uint64
	for _, s := range settlements {
		for _, tr := range s.Transfers {
			if tr.To == acc {
				in += tr.Amount
			}
			if tr.From == acc {
				out += tr.Amount
			}
		}
	}
	if out > in {
		t.Fatalf("escrow %s overdrawn: in %d out %d", acc.AccountPath(), in, out)
	}
	return in - out
}

// ============================================================================
// Test: CreateListing
// ============================================================================

func TestCreateListing(t *testing.T) {
	l, _ := openTestLedger(t)

	s, err := l.CreateListing(alice, testAsset, 1, 100, 10, listing.EscrowFee)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if s.Sequence != 1 {
		t.Errorf("sequence: got %d, want 1", s.Sequence)
	}
	if s.PrevHash != ledger.GenesisHash() {
		t.Error("first settlement should chain from genesis")
	}
	if len(s.Transfers) != 2 {
		t.Fatalf("transfers: got %d, want 2", len(s.Transfers))
	}
	if len(s.Outbound()) != 0 {
		t.Errorf("create should not pay out, got %d outbound", len(s.Outbound()))
	}

	rec := mustGet(t, l, s.Key)
	if rec.Quantity != 100 || rec.UnitPrice != 10 || rec.HasBid() {
		t.Errorf("got %+v", rec)
	}
	if got := escrowNet(t, s.Key, ledger.UnitCurrency, s); got != listing.EscrowFee {
		t.Errorf("escrowed fee: got %d, want %d", got, listing.EscrowFee)
	}
}

func TestCreateListing_Duplicate(t *testing.T) {
	l, _ := openTestLedger(t)
	key := mustCreate(t, l, 1, 100, 10)

	_, err := l.CreateListing(alice, testAsset, 1, 5, 99, listing.EscrowFee)
	if !errors.Is(err, listing.ErrDuplicateListing) {
		t.Fatalf("got %v, want ErrDuplicateListing", err)
	}

	rec := mustGet(t, l, key)
	if rec.Quantity != 100 || rec.UnitPrice != 10 {
		t.Errorf("original listing changed: %+v", rec)
	}
	if l.Tip().Sequence != 1 {
		t.Errorf("failed create advanced the sequence to %d", l.Tip().Sequence)
	}
}

func TestCreateListing_InvalidTransfer(t *testing.T) {
	l, st := openTestLedger(t)

	cases := []struct {
		name string
		qty  uint64
		fee  uint64
	}{
		{"zero quantity", 0, listing.EscrowFee},
		{"short fee", 10, listing.EscrowFee - 1},
		{"excess fee", 10, listing.EscrowFee + 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.CreateListing(alice, testAsset, 1, tc.qty, 10, tc.fee)
			if !errors.Is(err, listing.ErrInvalidTransfer) {
				t.Fatalf("got %v, want ErrInvalidTransfer", err)
			}
		})
	}

	ok, err := st.Exists(listing.Key{Seller: alice, AssetID: testAsset.ID, Nonce: 1})
	if err != nil || ok {
		t.Errorf("rejected create left a record: %v %v", ok, err)
	}
}

// ============================================================================
// Test: Deposit / SetPrice
// ============================================================================

func TestDeposit(t *testing.T) {
	l, _ := openTestLedger(t)
	key := mustCreate(t, l, 1, 100, 10)

	s, err := l.Deposit(alice, testAsset, 1, 50)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := mustGet(t, l, key).Quantity; got != 150 {
		t.Errorf("quantity: got %d, want 150", got)
	}
	if len(s.Transfers) != 1 || s.Transfers[0].TransferType != ledger.TransferTypeAssetDeposit {
		t.Errorf("unexpected transfers %+v", s.Transfers)
	}

	if _, err := l.Deposit(alice, testAsset, 1, 0); !errors.Is(err, listing.ErrInvalidTransfer) {
		t.Errorf("zero deposit: got %v", err)
	}
	if _, err := l.Deposit(alice, testAsset, 2, 5); !errors.Is(err, listing.ErrRecordNotFound) {
		t.Errorf("missing listing: got %v", err)
	}
}

func TestDeposit_Overflow(t *testing.T) {
	l, _ := openTestLedger(t)
	key := mustCreate(t, l, 1, math.MaxUint64, 1)

	_, err := l.Deposit(alice, testAsset, 1, 1)
	if !errors.Is(err, listing.ErrArithmeticOverflow) {
		t.Fatalf("got %v, want ErrArithmeticOverflow", err)
	}
	if got := mustGet(t, l, key).Quantity; got != math.MaxUint64 {
		t.Errorf("quantity changed to %d", got)
	}
}

func TestSetPrice(t *testing.T) {
	l, _ := openTestLedger(t)
	key := mustCreate(t, l, 1, 100, 10)

	s, err := l.SetPrice(alice, testAsset, 1, 25)
	if err != nil {
		t.Fatalf("set price: %v", err)
	}
	if len(s.Transfers) != 0 {
		t.Errorf("set price moved value: %+v", s.Transfers)
	}
	if got := mustGet(t, l, key).UnitPrice; got != 25 {
		t.Errorf("price: got %d, want 25", got)
	}

	if _, err := l.SetPrice(alice, testAsset, 9, 1); !errors.Is(err, listing.ErrRecordNotFound) {
		t.Errorf("missing listing: got %v", err)
	}
}

// ============================================================================
// Test: Buy
// ============================================================================

func TestBuy(t *testing.T) {
	l, _ := openTestLedger(t)
	key := mustCreate(t, l, 1, 10, 7)

	s, err := l.Buy(alice, testAsset, 1, bob, 3, 21)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if got := mustGet(t, l, key).Quantity; got != 7 {
		t.Errorf("quantity: got %d, want 7", got)
	}

	out := s.Outbound()
	if len(out) != 1 {
		t.Fatalf("outbound: got %d, want 1", len(out))
	}
	if out[0].To != ledger.PartyAsset(bob, testAsset.ID) || out[0].Amount != 3 {
		t.Errorf("delivery: got %+v", out[0])
	}

	var payment *ledger.Transfer
	for i := range s.Transfers {
		if s.Transfers[i].TransferType == ledger.TransferTypePurchasePayment {
			payment = &s.Transfers[i]
		}
	}
	if payment == nil || payment.From != ledger.PartyCurrency(bob) || payment.To != ledger.PartyCurrency(alice) || payment.Amount != 21 {
		t.Errorf("payment: got %+v", payment)
	}
}

func TestBuy_ScaledByDecimals(t *testing.T) {
	l, _ := openTestLedger(t)
	asset := listing.Asset{ID: 3, Decimals: 6}
	if _, err := l.CreateListing(alice, asset, 1, 10, 250000, listing.EscrowFee); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := l.Buy(alice, asset, 1, bob, 10, 3); !errors.Is(err, listing.ErrPaymentMismatch) {
		t.Fatalf("overpayment: got %v", err)
	}
	if _, err := l.Buy(alice, asset, 1, bob, 10, 2); err != nil {
		t.Fatalf("buy: %v", err)
	}
}

func TestBuy_Rejections(t *testing.T) {
	l, _ := openTestLedger(t)
	key := mustCreate(t, l, 1, 10, 7)

	cases := []struct {
		name    string
		buyer   listing.Address
		qty     uint64
		payment uint64
		want    error
	}{
		{"short payment", bob, 3, 20, listing.ErrPaymentMismatch},
		{"excess payment", bob, 3, 22, listing.ErrPaymentMismatch},
		{"over inventory", bob, 11, 77, listing.ErrInsufficientInventory},
		{"zero quantity", bob, 0, 0, listing.ErrInvalidTransfer},
		{"seller buys", alice, 1, 7, listing.ErrInvalidTransfer},
		{"zero buyer", listing.ZeroAddress, 1, 7, listing.ErrInvalidTransfer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Buy(alice, testAsset, 1, tc.buyer, tc.qty, tc.payment)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}

	if got := mustGet(t, l, key).Quantity; got != 10 {
		t.Errorf("rejected buys changed quantity to %d", got)
	}
}

// ============================================================================
// Test: Bid
// ============================================================================

func TestBid_FirstBid(t *testing.T) {
	l, _ := openTestLedger(t)
	key := mustCreate(t, l, 1, 100, 10)

	s, err := l.Bid(alice, testAsset, 1, bob, 4, 5, 20)
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	if len(s.Outbound()) != 0 {
		t.Errorf("first bid should refund nothing, got %+v", s.Outbound())
	}

	rec := mustGet(t, l, key)
	want := listing.ActiveBid(bob, 4, 5)
	if rec.Bid != want {
		t.Errorf("bid: got %+v, want %+v", rec.Bid, want)
	}
}

func TestBid_ZeroPriceRejected(t *testing.T) {
	l, _ := openTestLedger(t)
	mustCreate(t, l, 1, 100, 10)

	_, err := l.Bid(alice, testAsset, 1, bob, 4, 0, 0)
	if !errors.Is(err, listing.ErrBidTooLow) {
		t.Fatalf("got %v, want ErrBidTooLow", err)
	}
}

func TestBid_OutbidRefundsPrevious(t *testing.T) {
	l, _ := openTestLedger(t)
	key := mustCreate(t, l, 1, 100, 10)

	first, err := l.Bid(alice, testAsset, 1, bob, 4, 5, 20)
	if err != nil {
		t.Fatalf("first bid: %v", err)
	}

	if _, err := l.Bid(alice, testAsset, 1, carol, 10, 5, 50); !errors.Is(err, listing.ErrBidTooLow) {
		t.Fatalf("equal price: got %v, want ErrBidTooLow", err)
	}
	if got := mustGet(t, l, key).Bid; got != listing.ActiveBid(bob, 4, 5) {
		t.Fatalf("rejected bid replaced the current one: %+v", got)
	}

	second, err := l.Bid(alice, testAsset, 1, carol, 2, 6, 12)
	if err != nil {
		t.Fatalf("second bid: %v", err)
	}

	out := second.Outbound()
	if len(out) != 1 {
		t.Fatalf("outbound: got %d, want 1", len(out))
	}
	if out[0].To != ledger.PartyCurrency(bob) || out[0].Amount != 20 || out[0].TransferType != ledger.TransferTypeBidRefund {
		t.Errorf("refund: got %+v", out[0])
	}

	held := escrowNet(t, key, ledger.UnitCurrency, first, second)
	if held != 12 {
		t.Errorf("escrowed bid funds: got %d, want 12", held)
	}
}

func TestBid_Rejections(t *testing.T) {
	l, _ := openTestLedger(t)
	mustCreate(t, l, 1, 100, 10)

	cases := []struct {
		name    string
		bidder  listing.Address
		qty     uint64
		price   uint64
		payment uint64
		want    error
	}{
		{"payment mismatch", bob, 4, 5, 19, listing.ErrPaymentMismatch},
		{"zero quantity", bob, 0, 5, 0, listing.ErrInvalidTransfer},
		{"seller bids", alice, 4, 5, 20, listing.ErrInvalidTransfer},
		{"zero bidder", listing.ZeroAddress, 4, 5, 20, listing.ErrInvalidTransfer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Bid(alice, testAsset, 1, tc.bidder, tc.qty, tc.price, tc.payment)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}

	if _, err := l.Bid(alice, testAsset, 2, bob, 1, 1, 1); !errors.Is(err, listing.ErrRecordNotFound) {
		t.Errorf("missing listing: got %v", err)
	}
}

func TestBid_MonotonicPrices(t *testing.T) {
	l, _ := openTestLedger(t)
	key := mustCreate(t, l, 1, 100, 1000)

	prices := []uint64{3, 1, 5, 5, 8, 2, 9}
	accepted := []uint64{}
	for i, p := range prices {
		bidder := bob
		if i%2 == 1 {
			bidder = carol
		}
		if _, err := l.Bid(alice, testAsset, 1, bidder, 1, p, p); err == nil {
			accepted = append(accepted, p)
		} else if !errors.Is(err, listing.ErrBidTooLow) {
			t.Fatalf("bid %d: %v", p, err)
		}
	}

	want := []uint64{3, 5, 8, 9}
	if len(accepted) != len(want) {
		t.Fatalf("accepted %v, want %v", accepted, want)
	}
	for i := range want {
		if accepted[i] != want[i] {
			t.Fatalf("accepted %v, want %v", accepted, want)
		}
	}
	if got := mustGet(t, l, key).Bid.UnitPrice; got != 9 {
		t.Errorf("final bid price %d, want 9", got)
	}
}

// ============================================================================
// Test: AcceptBid
// ============================================================================

func TestAcceptBid_FullFill(t *testing.T) {
	l, _ := openTestLedger(t)
	key := mustCreate(t, l, 1, 100, 10)
	if _, err := l.Bid(alice, testAsset, 1, bob, 60, 8, 480); err != nil {
		t.Fatalf("bid: %v", err)
	}

	s, err := l.AcceptBid(alice, testAsset, 1)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	rec := mustGet(t, l, key)
	if rec.Quantity != 40 || rec.HasBid() {
		t.Errorf("got %+v, want quantity 40 and no bid", rec)
	}

	out := s.Outbound()
	if len(out) != 2 {
		t.Fatalf("outbound: got %d, want 2", len(out))
	}
	for _, tr := range out {
		switch tr.TransferType {
		case ledger.TransferTypeBidSettlement:
			if tr.To != ledger.PartyCurrency(alice) || tr.Amount != 480 {
				t.Errorf("seller payment: got %+v", tr)
			}
		case ledger.TransferTypeBidDelivery:
			if tr.To != ledger.PartyAsset(bob, testAsset.ID) || tr.Amount != 60 {
				t.Errorf("bidder delivery: got %+v", tr)
			}
		default:
			t.Errorf("unexpected transfer %s", tr.TransferType)
		}
	}
}

func TestAcceptBid_PartialFill(t *testing.T) {
	l, _ := openTestLedger(t)
	key := mustCreate(t, l, 1, 40, 10)
	if _, err := l.Bid(alice, testAsset, 1, bob, 60, 8, 480); err != nil {
		t.Fatalf("bid: %v", err)
	}

	if _, err := l.AcceptBid(alice, testAsset, 1); err != nil {
		t.Fatalf("accept: %v", err)
	}

	rec := mustGet(t, l, key)
	if rec.Quantity != 0 {
		t.Errorf("quantity: got %d, want 0", rec.Quantity)
	}
	if rec.Bid != listing.ActiveBid(bob, 20, 8) {
		t.Errorf("remaining bid: got %+v", rec.Bid)
	}

	if _, err := l.AcceptBid(alice, testAsset, 1); !errors.Is(err, listing.ErrInsufficientInventory) {
		t.Errorf("accept on empty listing: got %v", err)
	}
}

func TestAcceptBid_Rejections(t *testing.T) {
	l, _ := openTestLedger(t)
	mustCreate(t, l, 1, 100, 10)

	if _, err := l.AcceptBid(alice, testAsset, 1); !errors.Is(err, listing.ErrNoActiveBid) {
		t.Errorf("no bid: got %v", err)
	}
	if _, err := l.AcceptBid(alice, testAsset, 2); !errors.Is(err, listing.ErrRecordNotFound) {
		t.Errorf("missing listing: got %v", err)
	}

	if _, err := l.Bid(alice, testAsset, 1, bob, 5, 8, 40); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if _, err := l.SetPrice(alice, testAsset, 1, 8); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if _, err := l.AcceptBid(alice, testAsset, 1); !errors.Is(err, listing.ErrBidNotAcceptable) {
		t.Errorf("price equal to bid: got %v", err)
	}
}

// ============================================================================
// Test: Withdraw
// ============================================================================

func TestWithdraw_ReturnsEverything(t *testing.T) {
	l, _ := openTestLedger(t)

	create, err := l.CreateListing(alice, testAsset, 1, 100, 10, listing.EscrowFee)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	key := create.Key
	bid, err := l.Bid(alice, testAsset, 1, bob, 4, 5, 20)
	if err != nil {
		t.Fatalf("bid: %v", err)
	}

	s, err := l.Withdraw(alice, testAsset, 1)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !s.Deleted {
		t.Error("withdraw should delete the listing")
	}

	paid := map[ledger.TransferType]ledger.Transfer{}
	for _, tr := range s.Outbound() {
		paid[tr.TransferType] = tr
	}
	if tr := paid[ledger.TransferTypeBidRefund]; tr.To != ledger.PartyCurrency(bob) || tr.Amount != 20 {
		t.Errorf("bid refund: got %+v", tr)
	}
	if tr := paid[ledger.TransferTypeAssetReturn]; tr.To != ledger.PartyAsset(alice, testAsset.ID) || tr.Amount != 100 {
		t.Errorf("asset return: got %+v", tr)
	}
	if tr := paid[ledger.TransferTypeEscrowFeeRefund]; tr.To != ledger.PartyCurrency(alice) || tr.Amount != listing.EscrowFee {
		t.Errorf("fee refund: got %+v", tr)
	}

	if got := escrowNet(t, key, ledger.UnitCurrency, create, bid, s); got != 0 {
		t.Errorf("currency left in escrow: %d", got)
	}
	if got := escrowNet(t, key, ledger.UnitAsset, create, bid, s); got != 0 {
		t.Errorf("asset left in escrow: %d", got)
	}

	if _, err := l.Get(key); !errors.Is(err, listing.ErrRecordNotFound) {
		t.Errorf("get after withdraw: got %v", err)
	}
	if _, err := l.Withdraw(alice, testAsset, 1); !errors.Is(err, listing.ErrRecordNotFound) {
		t.Errorf("second withdraw: got %v", err)
	}
}

func TestWithdraw_EmptyListingOmitsZeroTransfers(t *testing.T) {
	l, _ := openTestLedger(t)
	mustCreate(t, l, 1, 3, 7)
	if _, err := l.Buy(alice, testAsset, 1, bob, 3, 21); err != nil {
		t.Fatalf("buy: %v", err)
	}

	s, err := l.Withdraw(alice, testAsset, 1)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if len(s.Transfers) != 1 || s.Transfers[0].TransferType != ledger.TransferTypeEscrowFeeRefund {
		t.Errorf("got %+v, want only the fee refund", s.Transfers)
	}
}

func TestWithdraw_ThenRecreate(t *testing.T) {
	l, _ := openTestLedger(t)
	mustCreate(t, l, 1, 3, 7)
	if _, err := l.Withdraw(alice, testAsset, 1); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	mustCreate(t, l, 1, 5, 9)
}

// ============================================================================
// Test: Chain and outbox
// ============================================================================

func runScenario(t *testing.T, l *ledger.Ledger) []*ledger.Settlement {
	t.Helper()
	var out []*ledger.Settlement
	step := func(s *ledger.Settlement, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("scenario step %d: %v", len(out)+1, err)
		}
		out = append(out, s)
	}
	step(l.CreateListing(alice, testAsset, 1, 100, 10, listing.EscrowFee))
	step(l.Deposit(alice, testAsset, 1, 20))
	step(l.Buy(alice, testAsset, 1, bob, 5, 50))
	step(l.Bid(alice, testAsset, 1, carol, 30, 4, 120))
	step(l.Bid(alice, testAsset, 1, bob, 30, 6, 180))
	step(l.AcceptBid(alice, testAsset, 1))
	step(l.SetPrice(alice, testAsset, 1, 12))
	step(l.Withdraw(alice, testAsset, 1))
	return out
}

func TestChain_LinksAndDeterminism(t *testing.T) {
	l1, _ := openTestLedger(t)
	l2, _ := openTestLedger(t)

	a := runScenario(t, l1)
	b := runScenario(t, l2)

	prev := ledger.GenesisHash()
	for i := range a {
		if a[i].Sequence != uint64(i+1) {
			t.Errorf("settlement %d has sequence %d", i, a[i].Sequence)
		}
		if a[i].PrevHash != prev {
			t.Errorf("settlement %d does not chain from its predecessor", i)
		}
		prev = a[i].StateHash

		if a[i].StateHash != b[i].StateHash || a[i].SettlementID != b[i].SettlementID {
			t.Errorf("settlement %d differs between identical runs", i)
		}
	}

	tip := l1.Tip()
	if tip.Sequence != uint64(len(a)) || tip.StateHash != prev {
		t.Errorf("tip %+v does not match last settlement", tip)
	}
}

func TestChain_ConservesValue(t *testing.T) {
	l, _ := openTestLedger(t)
	settlements := runScenario(t, l)
	key := settlements[0].Key

	if got := escrowNet(t, key, ledger.UnitAsset, settlements...); got != 0 {
		t.Errorf("asset left after withdraw: %d", got)
	}
	if got := escrowNet(t, key, ledger.UnitCurrency, settlements...); got != 0 {
		t.Errorf("currency left after withdraw: %d", got)
	}
}

func TestFailedOperationLeavesTip(t *testing.T) {
	l, _ := openTestLedger(t)
	mustCreate(t, l, 1, 10, 7)
	before := l.Tip()

	if _, err := l.Buy(alice, testAsset, 1, bob, 3, 1); err == nil {
		t.Fatal("expected payment mismatch")
	}
	if l.Tip() != before {
		t.Errorf("tip moved on failure: %+v -> %+v", before, l.Tip())
	}
}

func TestOutbox_HoldsOutboundInstructions(t *testing.T) {
	l, st := openTestLedger(t)
	mustCreate(t, l, 1, 10, 7)

	if n, _ := st.OutboxLen(); n != 0 {
		t.Fatalf("create queued %d instructions", n)
	}

	s, err := l.Buy(alice, testAsset, 1, bob, 3, 21)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	var got []ledger.Instruction
	err = st.ScanOutbox(10, func(rec store.OutboxRecord) error {
		in, err := ledger.DecodeInstruction(rec.Payload)
		if err != nil {
			return err
		}
		got = append(got, in)
		return nil
	})
	if err != nil {
		t.Fatalf("scan outbox: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("outbox: got %d, want 1", len(got))
	}

	in := got[0]
	if in.Sequence != s.Sequence || in.SettlementID != s.SettlementID.String() {
		t.Errorf("instruction not tied to settlement: %+v", in)
	}
	if in.Receiver != bob.String() || in.Amount != 3 || in.Unit != "asset" || in.AssetID != testAsset.ID {
		t.Errorf("instruction: %+v", in)
	}
	if in.Type != "purchase_delivery" {
		t.Errorf("type: got %q", in.Type)
	}
}

func TestReopen_ResumesChainAndEscrow(t *testing.T) {
	l, st := openTestLedger(t)
	mustCreate(t, l, 1, 100, 10)
	if _, err := l.Bid(alice, testAsset, 1, bob, 4, 5, 20); err != nil {
		t.Fatalf("bid: %v", err)
	}
	tip := l.Tip()

	reopened, err := ledger.New(st, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Tip() != tip {
		t.Fatalf("tip: got %+v, want %+v", reopened.Tip(), tip)
	}

	if _, err := reopened.Deposit(alice, testAsset, 1, 5); err != nil {
		t.Fatalf("deposit after reopen: %v", err)
	}
	s, err := reopened.Withdraw(alice, testAsset, 1)
	if err != nil {
		t.Fatalf("withdraw after reopen: %v", err)
	}
	if s.Sequence != tip.Sequence+2 || s.PrevHash == tip.StateHash {
		t.Errorf("chain did not resume: seq %d", s.Sequence)
	}
}

// ============================================================================
// Test: Escrow bounds and rounding
// ============================================================================

func TestLargeQuantities_DoNotOverflowEscrow(t *testing.T) {
	l, _ := openTestLedger(t)

	key := mustCreate(t, l, 1, math.MaxUint64, 0)
	if _, err := l.Buy(alice, testAsset, 1, bob, math.MaxUint64, 0); err != nil {
		t.Fatalf("buy everything: %v", err)
	}
	if _, err := l.Deposit(alice, testAsset, 1, 1); err != nil {
		t.Fatalf("deposit after sell-out: %v", err)
	}
	if got := mustGet(t, l, key).Quantity; got != 1 {
		t.Errorf("quantity: got %d, want 1", got)
	}

	// Same seller, two listings of 2^63 units each.
	mustCreate(t, l, 2, 1<<63, 1)
	mustCreate(t, l, 3, 1<<63, 1)
	if got := l.Tip().Sequence; got != 5 {
		t.Errorf("tip sequence: got %d, want 5", got)
	}

	totals := l.EscrowTotals()
	if got := totals[ledger.UnitAsset].String(); got != "18446744073709551617" {
		t.Errorf("asset total: got %s", got)
	}
	if got := totals[ledger.UnitCurrency].String(); got != "84300" {
		t.Errorf("currency total: got %s", got)
	}
}

func TestAcceptBid_ForfeitsRoundingRemainder(t *testing.T) {
	l, _ := openTestLedger(t)
	tenths := listing.Asset{ID: 7, Decimals: 1}

	create, err := l.CreateListing(alice, tenths, 1, 1, 10, listing.EscrowFee)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	key := create.Key

	// 3 units at 7 per 10 units: escrow floor(2.1) = 2.
	bid, err := l.Bid(alice, tenths, 1, bob, 3, 7, 2)
	if err != nil {
		t.Fatalf("bid: %v", err)
	}

	// One unit pays floor(0.7) = 0; the 2 left are worth floor(1.4) = 1.
	accept, err := l.AcceptBid(alice, tenths, 1)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	var forfeit *ledger.Transfer
	for i, tr := range accept.Transfers {
		if tr.TransferType == ledger.TransferTypeForfeit {
			forfeit = &accept.Transfers[i]
		}
	}
	if forfeit == nil || forfeit.Amount != 1 || forfeit.To != ledger.ForfeitAccount(ledger.UnitCurrency) {
		t.Fatalf("forfeit transfer: got %+v", forfeit)
	}
	for _, tr := range accept.Outbound() {
		if tr.TransferType == ledger.TransferTypeForfeit {
			t.Error("forfeit must not be an outbound instruction")
		}
	}
	if rec := mustGet(t, l, key); rec.Bid != listing.ActiveBid(bob, 2, 7) {
		t.Errorf("remaining bid: got %+v", rec.Bid)
	}

	withdraw, err := l.Withdraw(alice, tenths, 1)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	for _, tr := range withdraw.Transfers {
		if tr.TransferType == ledger.TransferTypeBidRefund && tr.Amount != 1 {
			t.Errorf("refund: got %d, want 1", tr.Amount)
		}
	}

	all := []*ledger.Settlement{create, bid, accept, withdraw}
	if got := escrowNet(t, key, ledger.UnitCurrency, all...); got != 0 {
		t.Errorf("currency left in closed listing: %d", got)
	}
}

func TestEscrowCheck_RejectsBeforeCommit(t *testing.T) {
	l, st := openTestLedger(t)
	key := mustCreate(t, l, 1, 5, 10)

	// Rewrite the record behind the ledger's back.
	tampered := listing.New(7, 10)
	if err := st.Apply(&store.Commit{Key: key, Record: tampered, Tip: l.Tip()}); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	before := l.Tip()

	_, err := l.Deposit(alice, testAsset, 1, 1)
	if !errors.Is(err, listing.ErrInvariantViolation) {
		t.Fatalf("got %v, want ErrInvariantViolation", err)
	}
	if l.Tip() != before {
		t.Errorf("tip moved on rejected settlement")
	}
	if got := mustGet(t, l, key).Quantity; got != 7 {
		t.Errorf("record changed: quantity %d", got)
	}
	if n, _ := st.OutboxLen(); n != 0 {
		t.Errorf("outbox holds %d entries", n)
	}
}

// ============================================================================
// Test: Conservation under random operations
// ============================================================================

func TestConservation_AcrossDecimals(t *testing.T) {
	for dec := uint8(0); dec <= 6; dec++ {
		t.Run(fmt.Sprintf("decimals_%d", dec), func(t *testing.T) {
			checkConservation(t, int64(dec)*7919+1, dec, 400)
		})
	}
}

func FuzzConservation(f *testing.F) {
	f.Add(int64(1), uint8(0))
	f.Add(int64(7), uint8(3))
	f.Add(int64(42), uint8(6))

	f.Fuzz(func(t *testing.T, seed int64, dec uint8) {
		checkConservation(t, seed, dec%7, 120)
	})
}

// checkConservation drives random operations over three listings, then
// withdraws them all. Escrow must match every live record exactly, and
// what leaves escrow for parties plus what is forfeited must equal what
// entered it.
func checkConservation(t *testing.T, seed int64, dec uint8, steps int) {
	t.Helper()
	l, _ := openTestLedger(t)
	a := listing.Asset{ID: 7, Decimals: dec}
	rng := rand.New(rand.NewSource(seed))
	bidders := []listing.Address{bob, carol}

	var all []*ledger.Settlement
	record := func(s *ledger.Settlement, err error) {
		t.Helper()
		if err != nil {
			if errors.Is(err, listing.ErrInvariantViolation) || listing.Reason(err) == "internal" {
				t.Fatalf("seed %d: %v", seed, err)
			}
			return
		}
		all = append(all, s)
	}
	keyOf := func(nonce uint64) listing.Key {
		return listing.Key{Seller: alice, AssetID: a.ID, Nonce: nonce}
	}
	scaled := func(q, p uint64) uint64 {
		v, err := fpmath.ScaledPrice(q, p, dec)
		if err != nil {
			t.Fatalf("scaled price: %v", err)
		}
		return v
	}

	for i := 0; i < steps; i++ {
		nonce := uint64(rng.Intn(3) + 1)
		rec, err := l.Get(keyOf(nonce))
		if errors.Is(err, listing.ErrRecordNotFound) {
			record(l.CreateListing(alice, a, nonce, uint64(rng.Intn(50)+1), uint64(rng.Intn(5000)+1), listing.EscrowFee))
			continue
		}
		if err != nil {
			t.Fatalf("get: %v", err)
		}

		switch rng.Intn(8) {
		case 0:
			record(l.Deposit(alice, a, nonce, uint64(rng.Intn(20)+1)))
		case 1:
			record(l.SetPrice(alice, a, nonce, uint64(rng.Intn(5000)+1)))
		case 2:
			q := uint64(rng.Intn(int(rec.Quantity)+1) + 1)
			buyer := bidders[rng.Intn(2)]
			record(l.Buy(alice, a, nonce, buyer, q, scaled(q, rec.UnitPrice)))
		case 3, 4:
			q := uint64(rng.Intn(40) + 1)
			p := rec.CurrentBidPrice() + uint64(rng.Intn(500)+1)
			bidder := bidders[rng.Intn(2)]
			record(l.Bid(alice, a, nonce, bidder, q, p, scaled(q, p)))
		case 5, 6:
			record(l.AcceptBid(alice, a, nonce))
		case 7:
			record(l.Withdraw(alice, a, nonce))
		}

		rec, err = l.Get(keyOf(nonce))
		if errors.Is(err, listing.ErrRecordNotFound) {
			continue
		}
		want := listing.EscrowFee
		if rec.HasBid() {
			want += scaled(rec.Bid.Quantity, rec.Bid.UnitPrice)
		}
		if got := escrowNet(t, keyOf(nonce), ledger.UnitCurrency, all...); got != want {
			t.Fatalf("seed %d step %d: currency escrow %d, want %d", seed, i, got, want)
		}
		if got := escrowNet(t, keyOf(nonce), ledger.UnitAsset, all...); got != rec.Quantity {
			t.Fatalf("seed %d step %d: asset escrow %d, quantity %d", seed, i, got, rec.Quantity)
		}
	}

	for nonce := uint64(1); nonce <= 3; nonce++ {
		if _, err := l.Get(keyOf(nonce)); err == nil {
			record(l.Withdraw(alice, a, nonce))
		}
		for _, unit := range []ledger.Unit{ledger.UnitAsset, ledger.UnitCurrency} {
			if got := escrowNet(t, keyOf(nonce), unit, all...); got != 0 {
				t.Errorf("seed %d: listing %d left %d %s in escrow", seed, nonce, got, unit)
			}
		}
	}

	var in, paidOut, forfeited uint64
	for _, s := range all {
		for _, tr := range s.Transfers {
			if tr.Unit() != ledger.UnitCurrency {
				continue
			}
			switch {
			case tr.To.IsEscrow():
				in += tr.Amount
			case tr.Outbound():
				paidOut += tr.Amount
			case tr.TransferType == ledger.TransferTypeForfeit:
				forfeited += tr.Amount
			}
		}
	}
	if paidOut > in {
		t.Errorf("seed %d: paid out %d, took in %d", seed, paidOut, in)
	}
	if paidOut+forfeited != in {
		t.Errorf("seed %d: paid out %d + forfeited %d != taken in %d", seed, paidOut, forfeited, in)
	}
}
