package server

import (
	"context"
	"net"
	"path"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/devghori1264/greenops/internal/agentrpc"
	"github.com/devghori1264/greenops/internal/models"
)

// agentService adapts the engine to greenops.v1.AgentService.
type agentService struct {
	s *Server
}

// RegisterGRPC registers the agent service and the standard health
// service on gs.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	agentrpc.RegisterAgentServiceServer(gs, &agentService{s: s})

	hs := health.NewServer()
	hs.SetServingStatus(agentrpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
}

// UnaryInterceptor maps engine errors to gRPC codes and records latency.
func (s *Server) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		err = agentrpc.ToStatus(err)

		code := status.Code(err)
		s.metrics.RequestDuration.
			WithLabelValues("grpc", path.Base(info.FullMethod), code.String()).
			Observe(time.Since(start).Seconds())
		if err != nil {
			s.logger.Debug("agent rpc failed",
				zap.String("method", info.FullMethod),
				zap.String("code", code.String()),
				zap.Error(err))
		}
		return resp, err
	}
}

// peerIP is the caller address, used when the agent did not report one.
func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return ""
	}
	return host
}

func (a *agentService) Register(ctx context.Context, req *agentrpc.RegisterRequest) (*agentrpc.RegisterResponse, error) {
	ip := req.IPAddress
	if ip == "" {
		ip = peerIP(ctx)
	}
	res, err := a.s.Register(ctx, RegisterInput{
		MACAddress:   req.MACAddress,
		Hostname:     req.Hostname,
		OSType:       req.OSType,
		OSVersion:    req.OSVersion,
		AgentVersion: req.AgentVersion,
		IPAddress:    ip,
	})
	if err != nil {
		return nil, err
	}
	return &agentrpc.RegisterResponse{
		MachineID: res.Machine.ID,
		Token:     res.Token,
		Created:   res.Created,
	}, nil
}

func (a *agentService) Heartbeat(ctx context.Context, req *agentrpc.HeartbeatRequest) (*agentrpc.HeartbeatResponse, error) {
	ack, err := a.s.IngestHeartbeat(ctx, HeartbeatInput{
		Token:           agentrpc.TokenFromContext(ctx),
		Timestamp:       req.Timestamp,
		IntervalSeconds: req.IntervalSeconds,
		IdleSeconds:     req.IdleSeconds,
		Idle:            req.Idle,
		CPUPercent:      req.CPUPercent,
		MemoryPercent:   req.MemoryPercent,
		IPAddress:       req.IPAddress,
	})
	if err != nil {
		return nil, err
	}
	return &agentrpc.HeartbeatResponse{
		MachineID:         ack.MachineID,
		Status:            string(ack.Status),
		EnergyKWh:         ack.EnergyKWh,
		HasPendingCommand: ack.HasPendingCommand,
		CommandID:         ack.CommandID,
	}, nil
}

func (a *agentService) PollCommand(ctx context.Context, _ *agentrpc.PollCommandRequest) (*agentrpc.PollCommandResponse, error) {
	cmd, err := a.s.PollCommand(ctx, agentrpc.TokenFromContext(ctx))
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return &agentrpc.PollCommandResponse{}, nil
	}
	return &agentrpc.PollCommandResponse{Command: &agentrpc.PendingCommand{
		CommandID:            cmd.ID,
		Type:                 string(cmd.Type),
		IdleThresholdMinutes: cmd.IdleThresholdMinutes,
		ExpiresAt:            cmd.ExpiresAt,
	}}, nil
}

func (a *agentService) ReportResult(ctx context.Context, req *agentrpc.ReportResultRequest) (*agentrpc.ReportResultResponse, error) {
	cmd, err := a.s.ReportResult(ctx, ResultInput{
		Token:       agentrpc.TokenFromContext(ctx),
		CommandID:   req.CommandID,
		Outcome:     models.CommandStatus(req.Outcome),
		Reason:      req.Reason,
		IdleMinutes: req.IdleMinutes,
	})
	if err != nil {
		return nil, err
	}
	return &agentrpc.ReportResultResponse{CommandID: cmd.ID, Status: string(cmd.Status)}, nil
}
