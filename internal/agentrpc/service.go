package agentrpc

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	gerrors "github.com/devghori1264/greenops/internal/errors"
)

const (
	ServiceName = "greenops.v1.AgentService"

	RegisterMethod     = "/" + ServiceName + "/Register"
	HeartbeatMethod    = "/" + ServiceName + "/Heartbeat"
	PollCommandMethod  = "/" + ServiceName + "/PollCommand"
	ReportResultMethod = "/" + ServiceName + "/ReportResult"

	// AuthorizationKey is the metadata key carrying "Bearer <agent token>".
	AuthorizationKey = "authorization"
)

// AgentServiceServer is implemented by the lifecycle server.
type AgentServiceServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	PollCommand(context.Context, *PollCommandRequest) (*PollCommandResponse, error)
	ReportResult(context.Context, *ReportResultRequest) (*ReportResultResponse, error)
}

// RegisterAgentServiceServer registers srv on s.
func RegisterAgentServiceServer(s grpc.ServiceRegistrar, srv AgentServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes greenops.v1.AgentService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: registerHandler},
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
		{MethodName: "PollCommand", Handler: pollCommandHandler},
		{MethodName: "ReportResult", Handler: reportResultHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "greenops/v1/agent",
}

func registerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServiceServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RegisterMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServiceServer).Register(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func heartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServiceServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: HeartbeatMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServiceServer).Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func pollCommandHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PollCommandRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServiceServer).PollCommand(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PollCommandMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServiceServer).PollCommand(ctx, req.(*PollCommandRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func reportResultHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReportResultRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServiceServer).ReportResult(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ReportResultMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServiceServer).ReportResult(ctx, req.(*ReportResultRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// TokenFromContext extracts the bearer token of an incoming call.
func TokenFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get(AuthorizationKey) {
		if tok, found := strings.CutPrefix(v, "Bearer "); found {
			return strings.TrimSpace(tok)
		}
	}
	return ""
}

var codeToGRPC = map[gerrors.Code]codes.Code{
	gerrors.CodeUnauthorized:  codes.Unauthenticated,
	gerrors.CodeForbidden:     codes.PermissionDenied,
	gerrors.CodeInvalidSample: codes.InvalidArgument,
	gerrors.CodeConflict:      codes.Aborted,
	gerrors.CodeInvalidState:  codes.FailedPrecondition,
	gerrors.CodeNotFound:      codes.NotFound,
	gerrors.CodeInternal:      codes.Internal,
}

// ToStatus converts an engine error into a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := gerrors.CodeOf(err)
	return status.Error(codeToGRPC[code], gerrors.MessageOf(err))
}

// FromStatus converts a gRPC status error back into the error taxonomy.
// Transport failures (Unavailable, DeadlineExceeded, ...) stay as they are
// so callers can tell them apart from server decisions.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for code, grpcCode := range codeToGRPC {
		if st.Code() == grpcCode && code != gerrors.CodeInternal {
			return gerrors.Wrap(code, st.Message(), err)
		}
	}
	return err
}
