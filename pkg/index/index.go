// Package index defines the contract for range queries against one shard of
// the metadata index, which is where instruction objects are listed.
package index

import (
	"context"

	"github.com/TritonDataCenter/mako-gc-feeder/pkg/api"
)

// SortOrder is the direction results are sorted in.
type SortOrder string

const (
	Ascending  SortOrder = "ASC"
	Descending SortOrder = "DESC"
)

// Sort orders the results of a query by a single attribute.
type Sort struct {
	Attribute string
	Order     SortOrder
}

// FindRequest is a bounded, filtered, sorted query for objects in a bucket.
type FindRequest struct {
	Bucket string

	// Filter in the syntax of pkg/filter.
	Filter string

	// Limit is the maximum number of records to return. Required.
	Limit int

	Sort Sort

	// NoCount asks the index not to compute the total number of matching
	// objects, which is expensive and which the feeder doesn't need.
	NoCount bool
}

// Record is a single object returned by a query.
type Record struct {
	Bucket string
	Key    api.Key
}

// RecordStream is the result of a query. Recv returns records in the order
// requested, then io.EOF. Any other error aborts the query.
type RecordStream interface {
	Recv() (Record, error)
}

// Fetcher executes range queries against a single shard.
type Fetcher interface {

	// WaitReady blocks until the shard is ready to serve queries, or the
	// context is done.
	WaitReady(ctx context.Context) error

	// FindObjects starts a query. The stream is only valid until ctx is done.
	FindObjects(ctx context.Context, req FindRequest) (RecordStream, error)

	Close() error
}
