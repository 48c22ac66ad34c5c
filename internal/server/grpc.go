package server

import (
	"CreditLedger/internal/core"
	"CreditLedger/internal/credit"
	"CreditLedger/internal/observability"
	"CreditLedger/internal/query"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const (
	CreditServiceName = "creditledger.v1.CreditService"

	// IdentityMetadataKey names the caller on the internal gRPC transport.
	// Callers are trusted services; no token is checked.
	IdentityMetadataKey = "x-credit-identity"
)

// AmountRequest is the body of every amount-carrying RPC.
type AmountRequest struct {
	Amount         uint64 `json:"amount"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type InitializeRequest struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type CreditLineRequest struct{}

type PositionRequest struct{}

// CommandReply describes an applied command.
type CommandReply struct {
	Sequence       int64              `json:"sequence"`
	IdempotencyKey string             `json:"idempotency_key"`
	EventType      string             `json:"event_type"`
	Event          json.RawMessage    `json:"event"`
	Vault          *credit.Vault      `json:"vault,omitempty"`
	User           *credit.UserLedger `json:"user,omitempty"`
}

type CreditLineReply struct {
	User       string `json:"user"`
	CreditLine uint64 `json:"credit_line"`
}

// CreditServiceServer is implemented by creditService.
type CreditServiceServer interface {
	Initialize(ctx context.Context, req *InitializeRequest) (*CommandReply, error)
	Deposit(ctx context.Context, req *AmountRequest) (*CommandReply, error)
	Withdraw(ctx context.Context, req *AmountRequest) (*CommandReply, error)
	UseCredit(ctx context.Context, req *AmountRequest) (*CommandReply, error)
	RepayCredit(ctx context.Context, req *AmountRequest) (*CommandReply, error)
	GetCreditLine(ctx context.Context, req *CreditLineRequest) (*CreditLineReply, error)
	GetPosition(ctx context.Context, req *PositionRequest) (*query.PositionResponse, error)
}

func unaryHandler[Req any, Resp any](call func(CreditServiceServer, context.Context, *Req) (*Resp, error), method string) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
			}
			if interceptor == nil {
				return call(srv.(CreditServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + CreditServiceName + "/" + method,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(CreditServiceServer), ctx, req.(*Req))
			})
		},
	}
}

// creditServiceDesc is written by hand because the service speaks JSON
// and has no generated stubs.
var creditServiceDesc = grpc.ServiceDesc{
	ServiceName: CreditServiceName,
	HandlerType: (*CreditServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(CreditServiceServer.Initialize, "Initialize"),
		unaryHandler(CreditServiceServer.Deposit, "Deposit"),
		unaryHandler(CreditServiceServer.Withdraw, "Withdraw"),
		unaryHandler(CreditServiceServer.UseCredit, "UseCredit"),
		unaryHandler(CreditServiceServer.RepayCredit, "RepayCredit"),
		unaryHandler(CreditServiceServer.GetCreditLine, "GetCreditLine"),
		unaryHandler(CreditServiceServer.GetPosition, "GetPosition"),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "creditledger/v1/credit.json",
}

type creditService struct {
	ledger  CommandService
	queries *query.QueryService
}

func (s *creditService) Initialize(ctx context.Context, req *InitializeRequest) (*CommandReply, error) {
	return s.execute(ctx, core.OpInitialize, 0, req.IdempotencyKey)
}

func (s *creditService) Deposit(ctx context.Context, req *AmountRequest) (*CommandReply, error) {
	return s.execute(ctx, core.OpDeposit, req.Amount, req.IdempotencyKey)
}

func (s *creditService) Withdraw(ctx context.Context, req *AmountRequest) (*CommandReply, error) {
	return s.execute(ctx, core.OpWithdraw, req.Amount, req.IdempotencyKey)
}

func (s *creditService) UseCredit(ctx context.Context, req *AmountRequest) (*CommandReply, error) {
	return s.execute(ctx, core.OpUseCredit, req.Amount, req.IdempotencyKey)
}

func (s *creditService) RepayCredit(ctx context.Context, req *AmountRequest) (*CommandReply, error) {
	return s.execute(ctx, core.OpRepayCredit, req.Amount, req.IdempotencyKey)
}

func (s *creditService) GetCreditLine(ctx context.Context, _ *CreditLineRequest) (*CreditLineReply, error) {
	caller, _ := IdentityFromContext(ctx)
	line, err := s.ledger.CreditLine(ctx, caller)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CreditLineReply{User: string(caller), CreditLine: line}, nil
}

func (s *creditService) GetPosition(ctx context.Context, _ *PositionRequest) (*query.PositionResponse, error) {
	if s.queries == nil {
		return nil, status.Error(codes.Unimplemented, "position queries not configured")
	}
	caller, _ := IdentityFromContext(ctx)
	resp, err := s.queries.GetPosition(ctx, caller)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *creditService) execute(ctx context.Context, op core.Operation, amount uint64, key string) (*CommandReply, error) {
	caller, _ := IdentityFromContext(ctx)
	res, err := s.ledger.Execute(ctx, core.Command{
		Op:             op,
		Caller:         caller,
		Amount:         amount,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	payload, err := json.Marshal(res.Event)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode event: %v", err)
	}
	return &CommandReply{
		Sequence:       res.Sequence,
		IdempotencyKey: res.IdempotencyKey,
		EventType:      res.Event.EventType().String(),
		Event:          payload,
		Vault:          res.Vault,
		User:           res.User,
	}, nil
}

func toStatus(err error) error {
	return status.Error(grpcCode(err), publicMessage(err))
}

// identityInterceptor copies the caller from metadata into the context for
// credit service methods.
func identityInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if !strings.HasPrefix(info.FullMethod, "/"+CreditServiceName+"/") {
		return handler(ctx, req)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(IdentityMetadataKey)
	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return nil, status.Errorf(codes.Unauthenticated, "missing %s metadata", IdentityMetadataKey)
	}
	identity := credit.Identity(strings.TrimSpace(values[0]))
	return handler(WithIdentity(ctx, identity), req)
}

func metricsInterceptor(metrics *observability.Metrics, logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		if metrics != nil {
			metrics.RequestsTotal.WithLabelValues("grpc", info.FullMethod, code.String()).Inc()
			metrics.RequestDuration.WithLabelValues("grpc", info.FullMethod).Observe(time.Since(start).Seconds())
		}
		if code == codes.Internal || code == codes.Unknown {
			logger.Error().Err(err).Str("method", info.FullMethod).Msg("grpc request failed")
		}
		return resp, err
	}
}

// GRPCDeps holds what the gRPC server needs.
type GRPCDeps struct {
	Ledger  CommandService
	Queries *query.QueryService
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// GRPCServer serves the credit service, grpc.health.v1 and reflection.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	logger     zerolog.Logger
}

func NewGRPCServer(addr string, deps GRPCDeps) *GRPCServer {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		metricsInterceptor(deps.Metrics, deps.Logger),
		identityInterceptor,
	))
	grpcServer.RegisterService(&creditServiceDesc, &creditService{ledger: deps.Ledger, queries: deps.Queries})

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(CreditServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		addr:       addr,
		logger:     deps.Logger,
	}
}

// SetServing flips the health status of the server and the credit service.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(CreditServiceName, st)
}

// Serve blocks until ctx is canceled or the listener fails.
func (s *GRPCServer) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis. After ctx is canceled it returns only once
// GracefulStop has let the pending RPCs finish.
func (s *GRPCServer) ServeListener(ctx context.Context, lis net.Listener) error {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.logger.Info().Msg("grpc server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("grpc server listening")
	err := s.grpcServer.Serve(lis)
	if ctx.Err() != nil {
		<-stopped
		return nil
	}
	return err
}

// CreditClient calls the credit service over a JSON-coded connection.
type CreditClient struct {
	conn grpc.ClientConnInterface
}

func NewCreditClient(conn grpc.ClientConnInterface) *CreditClient {
	return &CreditClient{conn: conn}
}

// WithCaller attaches the caller identity to outgoing requests.
func WithCaller(ctx context.Context, identity credit.Identity) context.Context {
	return metadata.AppendToOutgoingContext(ctx, IdentityMetadataKey, string(identity))
}

func invoke[Resp any](ctx context.Context, c *CreditClient, method string, in interface{}) (*Resp, error) {
	out := new(Resp)
	err := c.conn.Invoke(ctx, "/"+CreditServiceName+"/"+method, in, out, grpc.CallContentSubtype(jsonCodecName))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CreditClient) Initialize(ctx context.Context, key string) (*CommandReply, error) {
	return invoke[CommandReply](ctx, c, "Initialize", &InitializeRequest{IdempotencyKey: key})
}

func (c *CreditClient) Execute(ctx context.Context, op core.Operation, amount uint64, key string) (*CommandReply, error) {
	var method string
	switch op {
	case core.OpInitialize:
		return c.Initialize(ctx, key)
	case core.OpDeposit:
		method = "Deposit"
	case core.OpWithdraw:
		method = "Withdraw"
	case core.OpUseCredit:
		method = "UseCredit"
	case core.OpRepayCredit:
		method = "RepayCredit"
	default:
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownOperation, op)
	}
	return invoke[CommandReply](ctx, c, method, &AmountRequest{Amount: amount, IdempotencyKey: key})
}

func (c *CreditClient) GetCreditLine(ctx context.Context) (*CreditLineReply, error) {
	return invoke[CreditLineReply](ctx, c, "GetCreditLine", &CreditLineRequest{})
}

func (c *CreditClient) GetPosition(ctx context.Context) (*query.PositionResponse, error) {
	return invoke[query.PositionResponse](ctx, c, "GetPosition", &PositionRequest{})
}
