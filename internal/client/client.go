package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/procwatch/internal/model"
	"github.com/ppiankov/procwatch/internal/server"
)

// DefaultTimeout bounds each call when the caller's context has no deadline.
const DefaultTimeout = 5 * time.Second

// Client connects to a procwatch daemon.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// New creates a gRPC client for the daemon at addr. The connection is
// established lazily on the first call.
func New(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	return &Client{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
	}, nil
}

// Serving asks the standard health service whether the monitor serves.
func (c *Client) Serving(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	if err != nil {
		return false, fmt.Errorf("health check: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// CheckHealth returns the daemon's detailed health result.
func (c *Client) CheckHealth(ctx context.Context) (model.HealthResult, error) {
	var res model.HealthResult
	err := c.call(ctx, server.MethodCheckHealth, &res)
	return res, err
}

// Statistics returns the daemon's engine statistics.
func (c *Client) Statistics(ctx context.Context) (model.Statistics, error) {
	var st model.Statistics
	err := c.call(ctx, server.MethodGetStatistics, &st)
	return st, err
}

// Processes returns every node of the daemon's process tree.
func (c *Client) Processes(ctx context.Context) ([]model.ProcessNode, error) {
	var resp struct {
		Nodes []model.ProcessNode `json:"nodes"`
	}
	if err := c.call(ctx, server.MethodListProcesses, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call invokes a Monitor method and decodes its Struct reply into out.
func (c *Client) call(ctx context.Context, method string, out any) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	reply := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, server.FullMethod(method), &emptypb.Empty{}, reply); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	data, err := json.Marshal(reply.AsMap())
	if err != nil {
		return fmt.Errorf("%s: encode reply: %w", method, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode reply: %w", method, err)
	}
	return nil
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}
