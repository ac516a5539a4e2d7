package server

import (
	"ListingLedger/internal/asset"
	"ListingLedger/internal/core"
	"ListingLedger/internal/ingestion"
	"ListingLedger/internal/ledger"
	"ListingLedger/internal/listing"
	"ListingLedger/internal/query"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ============================================================================
// Messages
// ============================================================================

type ListingRequest struct {
	Seller  string `json:"seller"`
	AssetID uint64 `json:"asset_id"`
	Nonce   uint64 `json:"nonce"`
}

type ListListingsRequest struct {
	Seller string `json:"seller,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type ListListingsResponse struct {
	Listings []query.ListingView `json:"listings"`
}

// ListTransfersRequest selects either a listing (Seller, AssetID, Nonce)
// or a party (Party).
type ListTransfersRequest struct {
	Seller        string `json:"seller,omitempty"`
	AssetID       uint64 `json:"asset_id,omitempty"`
	Nonce         uint64 `json:"nonce,omitempty"`
	Party         string `json:"party,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	AfterSequence int64  `json:"after_sequence,omitempty"`
}

type ListTransfersResponse struct {
	Transfers []query.TransferEntry `json:"transfers"`
}

// SubmitRequest carries a command in its NATS wire form.
type SubmitRequest struct {
	CommandType string          `json:"command_type"`
	Command     json.RawMessage `json:"command"`
}

type SubmitResponse struct {
	SettlementID string            `json:"settlement_id"`
	Sequence     uint64            `json:"sequence"`
	StateHash    string            `json:"state_hash"`
	Listing      string            `json:"listing"`
	Deleted      bool              `json:"deleted"`
	Transfers    []TransferSummary `json:"transfers"`
}

type TransferSummary struct {
	TransferID string `json:"transfer_id"`
	Type       string `json:"type"`
	Unit       string `json:"unit"`
	From       string `json:"from"`
	To         string `json:"to"`
	Amount     uint64 `json:"amount"`
	Outbound   bool   `json:"outbound"`
}

type ListAssetsRequest struct{}

type ListAssetsResponse struct {
	Currency         string       `json:"currency"`
	CurrencyDecimals uint8        `json:"currency_decimals"`
	Assets           []asset.Info `json:"assets"`
}

type VerifyIntegrityRequest struct{}

// ============================================================================
// Service
// ============================================================================

// LedgerServer is listingledger.v1.LedgerService.
type LedgerServer interface {
	GetListing(context.Context, *ListingRequest) (*query.ListingView, error)
	ListListings(context.Context, *ListListingsRequest) (*ListListingsResponse, error)
	GetEscrow(context.Context, *ListingRequest) (*query.EscrowResponse, error)
	ListTransfers(context.Context, *ListTransfersRequest) (*ListTransfersResponse, error)
	ListAssets(context.Context, *ListAssetsRequest) (*ListAssetsResponse, error)
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
}

// AssetLister backs ListAssets.
type AssetLister interface {
	All() []asset.Info
	Currency() (string, uint8)
}

type ledgerService struct {
	qs     *query.QueryService
	cmds   *ingestion.CommandService
	assets AssetLister
}

func newLedgerService(qs *query.QueryService, cmds *ingestion.CommandService, assets AssetLister) *ledgerService {
	return &ledgerService{qs: qs, cmds: cmds, assets: assets}
}

func (s *ledgerService) GetListing(ctx context.Context, req *ListingRequest) (*query.ListingView, error) {
	key, err := req.key()
	if err != nil {
		return nil, err
	}
	v, err := s.qs.GetListing(ctx, key)
	if err != nil {
		return nil, toStatus(err)
	}
	return v, nil
}

func (s *ledgerService) ListListings(ctx context.Context, req *ListListingsRequest) (*ListListingsResponse, error) {
	var seller *listing.Address
	if req.Seller != "" {
		a, err := listing.ParseAddress(req.Seller)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "seller: %v", err)
		}
		seller = &a
	}
	limit := req.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	views, err := s.qs.ListListings(ctx, seller, limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListListingsResponse{Listings: views}, nil
}

func (s *ledgerService) GetEscrow(ctx context.Context, req *ListingRequest) (*query.EscrowResponse, error) {
	key, err := req.key()
	if err != nil {
		return nil, err
	}
	e, err := s.qs.GetEscrow(ctx, key)
	if err != nil {
		return nil, toStatus(err)
	}
	return e, nil
}

func (s *ledgerService) ListTransfers(ctx context.Context, req *ListTransfersRequest) (*ListTransfersResponse, error) {
	var after *int64
	if req.AfterSequence > 0 {
		after = &req.AfterSequence
	}

	var (
		entries []query.TransferEntry
		err     error
	)
	switch {
	case req.Party != "":
		party, perr := listing.ParseAddress(req.Party)
		if perr != nil {
			return nil, status.Errorf(codes.InvalidArgument, "party: %v", perr)
		}
		entries, err = s.qs.GetAccountTransfers(ctx, party, req.Limit, after)
	case req.Seller != "":
		key, kerr := (&ListingRequest{Seller: req.Seller, AssetID: req.AssetID, Nonce: req.Nonce}).key()
		if kerr != nil {
			return nil, kerr
		}
		entries, err = s.qs.GetListingTransfers(ctx, key, req.Limit, after)
	default:
		return nil, status.Error(codes.InvalidArgument, "seller or party is required")
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListTransfersResponse{Transfers: entries}, nil
}

func (s *ledgerService) ListAssets(ctx context.Context, _ *ListAssetsRequest) (*ListAssetsResponse, error) {
	symbol, decimals := s.assets.Currency()
	return &ListAssetsResponse{
		Currency:         symbol,
		CurrencyDecimals: decimals,
		Assets:           s.assets.All(),
	}, nil
}

func (s *ledgerService) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	return s.submit(ctx, req, "grpc")
}

func (s *ledgerService) submit(ctx context.Context, req *SubmitRequest, source string) (*SubmitResponse, error) {
	if req.CommandType == "" {
		return nil, status.Error(codes.InvalidArgument, "command_type is required")
	}
	if len(req.Command) == 0 {
		return nil, status.Error(codes.InvalidArgument, "command is required")
	}
	settlement, err := s.cmds.SubmitJSON(ctx, req.CommandType, req.Command, source)
	if err != nil {
		return nil, toStatus(err)
	}
	return newSubmitResponse(settlement), nil
}

func (s *ledgerService) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	report, err := s.qs.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}

// ============================================================================
// Helpers
// ============================================================================

func (r *ListingRequest) key() (listing.Key, error) {
	if r.Seller == "" {
		return listing.Key{}, status.Error(codes.InvalidArgument, "seller is required")
	}
	seller, err := listing.ParseAddress(r.Seller)
	if err != nil {
		return listing.Key{}, status.Errorf(codes.InvalidArgument, "seller: %v", err)
	}
	return listing.Key{Seller: seller, AssetID: r.AssetID, Nonce: r.Nonce}, nil
}

func newSubmitResponse(s *ledger.Settlement) *SubmitResponse {
	resp := &SubmitResponse{
		SettlementID: s.SettlementID.String(),
		Sequence:     s.Sequence,
		StateHash:    hex.EncodeToString(s.StateHash[:]),
		Listing:      s.Key.String(),
		Deleted:      s.Deleted,
		Transfers:    make([]TransferSummary, 0, len(s.Transfers)),
	}
	for _, t := range s.Transfers {
		resp.Transfers = append(resp.Transfers, TransferSummary{
			TransferID: t.TransferID.String(),
			Type:       t.TransferType.String(),
			Unit:       t.Unit().String(),
			From:       t.From.AccountPath(),
			To:         t.To.AccountPath(),
			Amount:     t.Amount,
			Outbound:   t.Outbound(),
		})
	}
	return resp
}

// toStatus maps ledger and service errors to gRPC codes. The ledger
// reason goes into the message so HTTP clients can branch on it.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}

	var code codes.Code
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, listing.ErrRecordNotFound):
		code = codes.NotFound
	case errors.Is(err, listing.ErrDuplicateListing),
		errors.Is(err, core.ErrDuplicateCommand):
		code = codes.AlreadyExists
	case errors.Is(err, listing.ErrInsufficientInventory),
		errors.Is(err, listing.ErrNoActiveBid),
		errors.Is(err, listing.ErrBidNotAcceptable),
		errors.Is(err, listing.ErrBidTooLow):
		code = codes.FailedPrecondition
	case errors.Is(err, listing.ErrInvalidTransfer),
		errors.Is(err, listing.ErrPaymentMismatch),
		errors.Is(err, listing.ErrArithmeticOverflow),
		errors.Is(err, ingestion.ErrUnknownCommand),
		errors.Is(err, ingestion.ErrMalformedCommand):
		code = codes.InvalidArgument
	case errors.Is(err, query.ErrEventLogUnavailable):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	msg := err.Error()
	if reason := listing.Reason(err); reason != "internal" {
		msg = reason + ": " + msg
	}
	return status.Error(code, msg)
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
