package server

import (
	"context"
	"encoding/json"
	"strings"

	"WingLedger/internal/core"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	LedgerServiceName = "wingledger.v1.Ledger"

	// ReporterMetadataKey carries the oracle caller identity on SubmitStatus.
	ReporterMetadataKey = "x-wing-reporter"
)

// LedgerServer is the gRPC surface of wingledger.v1.Ledger. Every message is
// a google.protobuf.Struct holding the JSON form of the request or response.
type LedgerServer interface {
	Deposit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Withdraw(context.Context, *structpb.Struct) (*structpb.Struct, error)
	BuyPolicy(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateCrowdFundPool(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Contribute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPool(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAPY(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetLPBalance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPolicy(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPoliciesByOwner(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPoliciesByFlight(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetDashboard(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type ledgerMethod func(LedgerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call ledgerMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + LedgerServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// LedgerServiceDesc registers LedgerServer without generated stubs.
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: LedgerServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Deposit", LedgerServer.Deposit),
		unaryHandler("Withdraw", LedgerServer.Withdraw),
		unaryHandler("BuyPolicy", LedgerServer.BuyPolicy),
		unaryHandler("CreateCrowdFundPool", LedgerServer.CreateCrowdFundPool),
		unaryHandler("Contribute", LedgerServer.Contribute),
		unaryHandler("SubmitStatus", LedgerServer.SubmitStatus),
		unaryHandler("GetPool", LedgerServer.GetPool),
		unaryHandler("GetAPY", LedgerServer.GetAPY),
		unaryHandler("GetLPBalance", LedgerServer.GetLPBalance),
		unaryHandler("GetPolicy", LedgerServer.GetPolicy),
		unaryHandler("ListPoliciesByOwner", LedgerServer.ListPoliciesByOwner),
		unaryHandler("ListPoliciesByFlight", LedgerServer.ListPoliciesByFlight),
		unaryHandler("GetDashboard", LedgerServer.GetDashboard),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "wingledger/v1/ledger.proto",
}

// RegisterLedgerServer registers srv on s.
func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&LedgerServiceDesc, srv)
}

// DecodeStruct fills v from the JSON form of in.
func DecodeStruct(in *structpb.Struct, v any) error {
	if in == nil {
		return nil
	}
	raw, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// EncodeStruct converts v, which must encode as a JSON object, to a Struct.
func EncodeStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

func unary[Req, Resp any](ctx context.Context, in *structpb.Struct, fn func(context.Context, Req) (Resp, error)) (*structpb.Struct, error) {
	var req Req
	if err := DecodeStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	resp, err := fn(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := EncodeStruct(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// ledgerGRPC adapts Service to LedgerServer.
type ledgerGRPC struct {
	svc *Service
}

func (g *ledgerGRPC) Deposit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, g.svc.Deposit)
}

func (g *ledgerGRPC) Withdraw(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, g.svc.Withdraw)
}

func (g *ledgerGRPC) BuyPolicy(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, g.svc.BuyPolicy)
}

func (g *ledgerGRPC) CreateCrowdFundPool(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, g.svc.CreateCrowdFundPool)
}

func (g *ledgerGRPC) Contribute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, g.svc.Contribute)
}

func (g *ledgerGRPC) SubmitStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	reporter := reporterFromMetadata(ctx)
	return unary(ctx, in, func(ctx context.Context, req StatusRequest) (*core.SettlementReport, error) {
		return g.svc.SubmitStatus(ctx, reporter, req)
	})
}

func (g *ledgerGRPC) GetPool(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, g.svc.GetPool)
}

func (g *ledgerGRPC) GetAPY(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, g.svc.GetAPY)
}

func (g *ledgerGRPC) GetLPBalance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, g.svc.GetLPBalance)
}

func (g *ledgerGRPC) GetPolicy(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, g.svc.GetPolicy)
}

func (g *ledgerGRPC) ListPoliciesByOwner(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, g.svc.ListPoliciesByOwner)
}

func (g *ledgerGRPC) ListPoliciesByFlight(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, g.svc.ListPoliciesByFlight)
}

func (g *ledgerGRPC) GetDashboard(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, g.svc.GetDashboard)
}

func reporterFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get(ReporterMetadataKey)
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

// methodName trims "/wingledger.v1.Ledger/Deposit" to "Deposit".
func methodName(fullMethod string) string {
	if i := strings.LastIndex(fullMethod, "/"); i >= 0 {
		return fullMethod[i+1:]
	}
	return fullMethod
}
