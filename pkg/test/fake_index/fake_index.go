// Package fake_index provides an in-memory index shard, served over gRPC on an
// in-memory listener, for testing feeders against the real client.
package fake_index

import (
	"context"
	"net"
	"sort"
	"sync"
	"testing"

	"github.com/TritonDataCenter/mako-gc-feeder/pkg/api"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/filter"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/index"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/index/rpc"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/keyrange"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	hv1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// Failure makes the next query fail after sending After records.
type Failure struct {
	After int
	Err   error
}

type Index struct {
	srv      *grpc.Server
	hs       *health.Server
	listener *bufconn.Listener

	mu       sync.Mutex
	keys     map[string][]api.Key // bucket -> keys
	requests []index.FindRequest
	failures []Failure

	// Duplicates makes every query send each record twice, like an index
	// returning overlapping pages.
	Duplicates bool
}

// New starts a fake index, which is stopped when the test ends. It reports
// SERVING from the start; use SetServing to change that.
func New(t *testing.T) *Index {
	idx := &Index{
		srv:      grpc.NewServer(),
		hs:       health.NewServer(),
		listener: bufconn.Listen(1024 * 1024),
		keys:     map[string][]api.Key{},
	}

	idx.hs.SetServingStatus(rpc.ServiceName, hv1.HealthCheckResponse_SERVING)
	hv1.RegisterHealthServer(idx.srv, idx.hs)
	rpc.RegisterIndexServer(idx.srv, idx)

	go func() {
		// Returns an error after Stop, which is expected.
		_ = idx.srv.Serve(idx.listener)
	}()

	t.Cleanup(idx.srv.Stop)
	return idx
}

// Dial returns a real client connected to the fake.
func (idx *Index) Dial(ctx context.Context) (*rpc.Client, error) {
	c, err := rpc.Dial(ctx, "bufnet", grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return idx.listener.Dial()
	}))
	if err != nil {
		return nil, err
	}

	return c, nil
}

// test helpers

// Put adds keys to the bucket. Duplicate keys are stored once.
func (idx *Index) Put(bucket string, keys ...api.Key) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	seen := map[api.Key]struct{}{}
	for _, k := range idx.keys[bucket] {
		seen[k] = struct{}{}
	}

	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		idx.keys[bucket] = append(idx.keys[bucket], k)
	}

	sort.Slice(idx.keys[bucket], func(i, j int) bool {
		return idx.keys[bucket][i] < idx.keys[bucket][j]
	})
}

// Fail queues a failure, to be applied to the next query which doesn't
// already have one.
func (idx *Index) Fail(f Failure) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.failures = append(idx.failures, f)
}

// SetServing changes the health status reported for the index service.
func (idx *Index) SetServing(serving bool) {
	st := hv1.HealthCheckResponse_NOT_SERVING
	if serving {
		st = hv1.HealthCheckResponse_SERVING
	}
	idx.hs.SetServingStatus(rpc.ServiceName, st)
}

// Requests returns every query received so far.
func (idx *Index) Requests() []index.FindRequest {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	res := make([]index.FindRequest, len(idx.requests))
	copy(res, idx.requests)
	return res
}

// rpc.IndexServer

func (idx *Index) FindObjects(req index.FindRequest, stream rpc.RecordSender) error {
	f, err := filter.Parse(req.Filter)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid filter: %v", err)
	}

	if req.Sort.Attribute != "" && req.Sort.Attribute != keyrange.KeyAttribute {
		return status.Errorf(codes.InvalidArgument, "can only sort by %s", keyrange.KeyAttribute)
	}

	idx.mu.Lock()
	idx.requests = append(idx.requests, req)

	var fail *Failure
	if len(idx.failures) > 0 {
		fail = &idx.failures[0]
		idx.failures = idx.failures[1:]
	}

	matches := []api.Key{}
	for _, k := range idx.keys[req.Bucket] {
		if f.Matches(map[string]string{keyrange.KeyAttribute: string(k)}) {
			matches = append(matches, k)
		}
	}

	dupes := idx.Duplicates
	idx.mu.Unlock()

	if req.Sort.Order == index.Descending {
		for i, j := 0, len(matches)-1; i < j; i, j = i+1, j-1 {
			matches[i], matches[j] = matches[j], matches[i]
		}
	}

	if len(matches) > req.Limit {
		matches = matches[:req.Limit]
	}

	sent := 0
	for _, k := range matches {
		n := 1
		if dupes {
			n = 2
		}

		for i := 0; i < n; i++ {
			if fail != nil && sent >= fail.After {
				return fail.Err
			}

			if err := stream.Send(index.Record{Bucket: req.Bucket, Key: k}); err != nil {
				return err
			}
			sent++
		}
	}

	if fail != nil {
		return fail.Err
	}

	return nil
}
