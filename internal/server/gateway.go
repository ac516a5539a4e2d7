package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxCommandBody bounds POST /v1/commands bodies.
const maxCommandBody = 64 << 10

// routeHandler returns its error instead of writing it; instrument
// renders it.
type routeHandler func(http.ResponseWriter, *http.Request, map[string]string) error

type route struct {
	method   string
	pattern  string
	endpoint string
	handler  routeHandler
}

// newGateway builds the HTTP/JSON routes. They call the same service
// implementation as gRPC, in process.
func (s *GRPCServer) newGateway() (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []route{
		{"GET", "/v1/listings", "ListListings", s.httpListListings},
		{"GET", "/v1/listings/{seller}/{asset_id}/{nonce}", "GetListing", s.httpGetListing},
		{"GET", "/v1/listings/{seller}/{asset_id}/{nonce}/escrow", "GetEscrow", s.httpGetEscrow},
		{"GET", "/v1/listings/{seller}/{asset_id}/{nonce}/transfers", "ListTransfers", s.httpListingTransfers},
		{"GET", "/v1/accounts/{party}/transfers", "ListTransfers", s.httpAccountTransfers},
		{"GET", "/v1/assets", "ListAssets", s.httpListAssets},
		{"POST", "/v1/commands/{command_type}", "Submit", s.httpSubmit},
		{"GET", "/v1/admin/integrity", "VerifyIntegrity", s.httpVerifyIntegrity},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, s.instrument(r.endpoint, r.handler)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	if s.healthChecker != nil {
		if err := mux.HandlePath("GET", "/healthz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			s.healthChecker.LivenessHandler(w, r)
		}); err != nil {
			return nil, err
		}
		if err := mux.HandlePath("GET", "/readyz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			s.healthChecker.ReadinessHandler(w, r)
		}); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func (s *GRPCServer) instrument(endpoint string, h routeHandler) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		err := h(w, r, params)
		s.observe(endpoint, start, err)
		if err != nil {
			writeError(w, err)
		}
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (s *GRPCServer) httpGetListing(w http.ResponseWriter, r *http.Request, p map[string]string) error {
	req, err := listingRequestFromPath(p)
	if err != nil {
		return err
	}
	v, err := s.svc.GetListing(r.Context(), req)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, v)
}

func (s *GRPCServer) httpGetEscrow(w http.ResponseWriter, r *http.Request, p map[string]string) error {
	req, err := listingRequestFromPath(p)
	if err != nil {
		return err
	}
	e, err := s.svc.GetEscrow(r.Context(), req)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, e)
}

func (s *GRPCServer) httpListListings(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		return err
	}
	resp, err := s.svc.ListListings(r.Context(), &ListListingsRequest{Seller: q.Get("seller"), Limit: limit})
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, resp)
}

func (s *GRPCServer) httpListingTransfers(w http.ResponseWriter, r *http.Request, p map[string]string) error {
	key, err := listingRequestFromPath(p)
	if err != nil {
		return err
	}
	req, err := pageFromQuery(r)
	if err != nil {
		return err
	}
	req.Seller, req.AssetID, req.Nonce = key.Seller, key.AssetID, key.Nonce
	resp, err := s.svc.ListTransfers(r.Context(), req)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, resp)
}

func (s *GRPCServer) httpAccountTransfers(w http.ResponseWriter, r *http.Request, p map[string]string) error {
	req, err := pageFromQuery(r)
	if err != nil {
		return err
	}
	req.Party = p["party"]
	resp, err := s.svc.ListTransfers(r.Context(), req)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, resp)
}

func (s *GRPCServer) httpListAssets(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	resp, err := s.svc.ListAssets(r.Context(), &ListAssetsRequest{})
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, resp)
}

// httpSubmit takes the command's wire form as the request body.
func (s *GRPCServer) httpSubmit(w http.ResponseWriter, r *http.Request, p map[string]string) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody+1))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "read body: %v", err)
	}
	if len(body) > maxCommandBody {
		return status.Error(codes.InvalidArgument, "command body too large")
	}
	resp, err := s.svc.submit(r.Context(), &SubmitRequest{CommandType: p["command_type"], Command: body}, "http")
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, resp)
}

func (s *GRPCServer) httpVerifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) error {
	report, err := s.svc.VerifyIntegrity(r.Context(), &VerifyIntegrityRequest{})
	if err != nil {
		return err
	}
	code := http.StatusOK
	if !report.IsHealthy {
		code = http.StatusConflict
	}
	return writeJSON(w, code, report)
}

// ============================================================================
// Helpers
// ============================================================================

func listingRequestFromPath(p map[string]string) (*ListingRequest, error) {
	assetID, err := parseUint(p["asset_id"])
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "asset_id: %v", err)
	}
	nonce, err := parseUint(p["nonce"])
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "nonce: %v", err)
	}
	return &ListingRequest{Seller: p["seller"], AssetID: assetID, Nonce: nonce}, nil
}

func pageFromQuery(r *http.Request) (*ListTransfersRequest, error) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		return nil, err
	}
	var after int64
	if v := q.Get("after_sequence"); v != "" {
		after, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "after_sequence: %v", err)
		}
	}
	return &ListTransfersRequest{Limit: limit, AfterSequence: after}, nil
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "%q: %v", v, err)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError renders a status error with the HTTP code grpc-gateway uses
// for it.
func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(toStatus(err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
	json.NewEncoder(w).Encode(errorBody{Code: st.Code().String(), Message: st.Message()})
}
