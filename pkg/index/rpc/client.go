// Package rpc carries index range queries over gRPC, as the server-streaming
// method mako.index.v1.Index/FindObjects.
package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/TritonDataCenter/mako-gc-feeder/pkg/index"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	hv1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName       = "mako.index.v1.Index"
	findObjectsMethod = "/" + ServiceName + "/FindObjects"
)

var findObjectsStreamDesc = &grpc.StreamDesc{
	StreamName:    "FindObjects",
	ServerStreams: true,
}

// DefaultReadyInterval is how often WaitReady polls the health service.
const DefaultReadyInterval = 500 * time.Millisecond

type Client struct {
	conn   *grpc.ClientConn
	health hv1.HealthClient

	// How often to poll the health service while waiting for the shard to
	// become ready. Only parameterized for testing.
	ReadyInterval time.Duration
}

var _ index.Fetcher = (*Client)(nil)

// Dial connects to the index shard at addr. It doesn't block; call WaitReady
// for that. Extra options are appended to the defaults, so can override them.
func Dial(ctx context.Context, addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainStreamInterceptor(grpc_prometheus.StreamClientInterceptor),
		grpc.WithChainUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
	}, opts...)

	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	return NewClient(conn), nil
}

// NewClient wraps an existing connection. The client takes ownership of it.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{
		conn:          conn,
		health:        hv1.NewHealthClient(conn),
		ReadyInterval: DefaultReadyInterval,
	}
}

// WaitReady blocks until the shard's health service reports SERVING for the
// index service, or ctx is done.
func (c *Client) WaitReady(ctx context.Context) error {
	req := &hv1.HealthCheckRequest{Service: ServiceName}

	for {
		res, err := c.health.Check(ctx, req, grpc.WaitForReady(true))
		if err == nil && res.GetStatus() == hv1.HealthCheckResponse_SERVING {
			return nil
		}

		if err == nil {
			err = fmt.Errorf("status %s", res.GetStatus())
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("index not ready: %w (last: %v)", ctx.Err(), err)
		case <-time.After(c.ReadyInterval):
		}
	}
}

func (c *Client) FindObjects(ctx context.Context, req index.FindRequest) (index.RecordStream, error) {
	msg, err := requestToProto(req)
	if err != nil {
		return nil, err
	}

	cs, err := c.conn.NewStream(ctx, findObjectsStreamDesc, findObjectsMethod)
	if err != nil {
		return nil, err
	}

	if err := cs.SendMsg(msg); err != nil {
		return nil, err
	}

	if err := cs.CloseSend(); err != nil {
		return nil, err
	}

	return &recordStream{cs: cs}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

type recordStream struct {
	cs grpc.ClientStream
}

// Recv returns the next record. io.EOF is returned as-is at the end of the
// stream, so callers can compare against it.
func (s *recordStream) Recv() (index.Record, error) {
	m := &structpb.Struct{}
	if err := s.cs.RecvMsg(m); err != nil {
		return index.Record{}, err
	}

	return recordFromProto(m)
}
