package handler

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
	"github.com/rl1809/arbitrage-pipeline/internal/core/service"
)

// Messages travel as JSON; clients dial with
// grpc.WithDefaultCallOptions(grpc.CallContentSubtype(JSONCodecName)).
const JSONCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type SubmitRequest struct {
	SourceRef string `json:"source_ref"`
}

type ListingIDRequest struct {
	ListingID string `json:"listing_id"`
}

type ListFailedRequest struct {
	Limit int `json:"limit"`
}

type ListingReply struct {
	Listing ListingView `json:"listing"`
}

type ListFailedReply struct {
	Listings []ListingView `json:"listings"`
}

type QuotaRequest struct{}

type QuotaReply struct {
	Remaining int `json:"remaining"`
}

// OperatorServiceServer is the operator surface shared with the HTTP API.
type OperatorServiceServer interface {
	Submit(context.Context, *SubmitRequest) (*ListingReply, error)
	Retry(context.Context, *ListingIDRequest) (*ListingReply, error)
	ListFailed(context.Context, *ListFailedRequest) (*ListFailedReply, error)
	Quota(context.Context, *QuotaRequest) (*QuotaReply, error)
}

const operatorServiceName = "arbitrage.OperatorService"

func unaryHandler[Req any, Resp any](method string, call func(OperatorServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OperatorServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + operatorServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(OperatorServiceServer), ctx, req.(*Req))
		})
	}
}

var operatorServiceDesc = grpc.ServiceDesc{
	ServiceName: operatorServiceName,
	HandlerType: (*OperatorServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unaryHandler("Submit", OperatorServiceServer.Submit)},
		{MethodName: "Retry", Handler: unaryHandler("Retry", OperatorServiceServer.Retry)},
		{MethodName: "ListFailed", Handler: unaryHandler("ListFailed", OperatorServiceServer.ListFailed)},
		{MethodName: "Quota", Handler: unaryHandler("Quota", OperatorServiceServer.Quota)},
	},
	Metadata: "arbitrage/operator.proto",
}

func RegisterOperatorServiceServer(s grpc.ServiceRegistrar, srv OperatorServiceServer) {
	s.RegisterService(&operatorServiceDesc, srv)
}

// OperatorClient calls OperatorService over a connection using the JSON codec.
type OperatorClient struct {
	cc grpc.ClientConnInterface
}

func NewOperatorClient(cc grpc.ClientConnInterface) *OperatorClient {
	return &OperatorClient{cc: cc}
}

func (c *OperatorClient) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, "/"+operatorServiceName+"/"+method, in, out, grpc.CallContentSubtype(JSONCodecName))
}

func (c *OperatorClient) Submit(ctx context.Context, in *SubmitRequest) (*ListingReply, error) {
	out := new(ListingReply)
	return out, c.invoke(ctx, "Submit", in, out)
}

func (c *OperatorClient) Retry(ctx context.Context, in *ListingIDRequest) (*ListingReply, error) {
	out := new(ListingReply)
	return out, c.invoke(ctx, "Retry", in, out)
}

func (c *OperatorClient) ListFailed(ctx context.Context, in *ListFailedRequest) (*ListFailedReply, error) {
	out := new(ListFailedReply)
	return out, c.invoke(ctx, "ListFailed", in, out)
}

func (c *OperatorClient) Quota(ctx context.Context, in *QuotaRequest) (*QuotaReply, error) {
	out := new(QuotaReply)
	return out, c.invoke(ctx, "Quota", in, out)
}

type GRPCHandler struct {
	orchestrator *service.Orchestrator
}

func NewGRPCHandler(orchestrator *service.Orchestrator) *GRPCHandler {
	return &GRPCHandler{orchestrator: orchestrator}
}

func (h *GRPCHandler) Submit(ctx context.Context, req *SubmitRequest) (*ListingReply, error) {
	l, err := h.orchestrator.Submit(ctx, req.SourceRef)
	if err != nil {
		return nil, grpcError(err)
	}
	return &ListingReply{Listing: toListingView(l)}, nil
}

func (h *GRPCHandler) Retry(ctx context.Context, req *ListingIDRequest) (*ListingReply, error) {
	l, err := h.orchestrator.Retry(ctx, req.ListingID)
	if err != nil {
		return nil, grpcError(err)
	}
	return &ListingReply{Listing: toListingView(l)}, nil
}

func (h *GRPCHandler) ListFailed(ctx context.Context, req *ListFailedRequest) (*ListFailedReply, error) {
	listings, err := h.orchestrator.ListFailed(ctx, req.Limit)
	if err != nil {
		return nil, grpcError(err)
	}
	out := &ListFailedReply{Listings: make([]ListingView, 0, len(listings))}
	for i := range listings {
		out.Listings = append(out.Listings, toListingView(&listings[i]))
	}
	return out, nil
}

func (h *GRPCHandler) Quota(ctx context.Context, req *QuotaRequest) (*QuotaReply, error) {
	n, err := h.orchestrator.QuotaRemaining(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	return &QuotaReply{Remaining: n}, nil
}

func grpcError(err error) error {
	_, message := statusFor(err)
	switch {
	case errors.Is(err, service.ErrEmptySourceRef):
		return status.Error(codes.InvalidArgument, message)
	case errors.Is(err, domain.ErrListingNotFound):
		return status.Error(codes.NotFound, message)
	case errors.Is(err, service.ErrListingBusy), errors.Is(err, service.ErrNotRetryable):
		return status.Error(codes.FailedPrecondition, message)
	case errors.Is(err, service.ErrQueueFull):
		return status.Error(codes.ResourceExhausted, message)
	}
	return status.Error(codes.Internal, message)
}
