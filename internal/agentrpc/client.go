package agentrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Client calls greenops.v1.AgentService.
type Client struct {
	cc *grpc.ClientConn
}

// Dial creates a client for target. Extra dial options come after the
// defaults, so callers can override transport credentials.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	cc, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: cc}, nil
}

// NewClient wraps an existing connection. Calls still force the JSON
// content-subtype.
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

func (c *Client) Close() error {
	return c.cc.Close()
}

func withToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, AuthorizationKey, "Bearer "+token)
}

func (c *Client) invoke(ctx context.Context, method, token string, in, out any) error {
	err := c.cc.Invoke(withToken(ctx, token), method, in, out, grpc.CallContentSubtype(CodecName))
	return FromStatus(err)
}

func (c *Client) Register(ctx context.Context, in *RegisterRequest) (*RegisterResponse, error) {
	out := new(RegisterResponse)
	if err := c.invoke(ctx, RegisterMethod, "", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Heartbeat(ctx context.Context, token string, in *HeartbeatRequest) (*HeartbeatResponse, error) {
	out := new(HeartbeatResponse)
	if err := c.invoke(ctx, HeartbeatMethod, token, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PollCommand(ctx context.Context, token string) (*PollCommandResponse, error) {
	out := new(PollCommandResponse)
	if err := c.invoke(ctx, PollCommandMethod, token, &PollCommandRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ReportResult(ctx context.Context, token string, in *ReportResultRequest) (*ReportResultResponse, error) {
	out := new(ReportResultResponse)
	if err := c.invoke(ctx, ReportResultMethod, token, in, out); err != nil {
		return nil, err
	}
	return out, nil
}
