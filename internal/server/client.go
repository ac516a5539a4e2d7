package server

import (
	"ListingLedger/internal/query"
	"context"

	"google.golang.org/grpc"
)

// LedgerClient calls LedgerService over a gRPC connection using the JSON
// codec.
type LedgerClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerClient(cc grpc.ClientConnInterface) *LedgerClient {
	return &LedgerClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *LedgerClient, method string, req any, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append(opts, grpc.CallContentSubtype(JSONCodecName))
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) GetListing(ctx context.Context, in *ListingRequest, opts ...grpc.CallOption) (*query.ListingView, error) {
	return invoke[query.ListingView](ctx, c, "GetListing", in, opts...)
}

func (c *LedgerClient) ListListings(ctx context.Context, in *ListListingsRequest, opts ...grpc.CallOption) (*ListListingsResponse, error) {
	return invoke[ListListingsResponse](ctx, c, "ListListings", in, opts...)
}

func (c *LedgerClient) GetEscrow(ctx context.Context, in *ListingRequest, opts ...grpc.CallOption) (*query.EscrowResponse, error) {
	return invoke[query.EscrowResponse](ctx, c, "GetEscrow", in, opts...)
}

func (c *LedgerClient) ListTransfers(ctx context.Context, in *ListTransfersRequest, opts ...grpc.CallOption) (*ListTransfersResponse, error) {
	return invoke[ListTransfersResponse](ctx, c, "ListTransfers", in, opts...)
}

func (c *LedgerClient) ListAssets(ctx context.Context, in *ListAssetsRequest, opts ...grpc.CallOption) (*ListAssetsResponse, error) {
	return invoke[ListAssetsResponse](ctx, c, "ListAssets", in, opts...)
}

func (c *LedgerClient) Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	return invoke[SubmitResponse](ctx, c, "Submit", in, opts...)
}

func (c *LedgerClient) VerifyIntegrity(ctx context.Context, in *VerifyIntegrityRequest, opts ...grpc.CallOption) (*query.IntegrityReport, error) {
	return invoke[query.IntegrityReport](ctx, c, "VerifyIntegrity", in, opts...)
}
