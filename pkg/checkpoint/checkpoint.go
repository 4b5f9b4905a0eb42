package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/TritonDataCenter/mako-gc-feeder/pkg/api"
)

// ErrMalformed is returned by Load when a checkpoint record exists but has no
// marker. This should never happen, and resuming from an unknown position
// isn't safe, so callers must treat it as fatal.
var ErrMalformed = errors.New("checkpoint record is missing marker")

// Marker is the durable record of how far a shard has been scanned.
type Marker struct {
	Timestamp time.Time
	Key       api.Key
}

// Store persists the scan position of a single shard. Implementations are
// used by one feeder at a time, and need not be safe for concurrent use.
type Store interface {

	// EnsureSchema creates the underlying table/bucket if it doesn't exist. It
	// must be safe to call on every startup.
	EnsureSchema() error

	// Load returns the marker, or nil if this is the first run for the shard.
	Load() (*Marker, error)

	// Init inserts the initial marker. It's only called when Load returned
	// nil, and fails if a marker has appeared since.
	Init(key api.Key) error

	// Save atomically overwrites the marker's key and timestamp. Callers must
	// only call this once every record up to and including key has been
	// durably written.
	Save(key api.Key) error

	// Close releases the underlying store.
	Close() error
}

// record is the persisted form of a Marker, shared by all backends:
//
//	{"timestamp": "2019-08-01T12:34:56.789Z", "marker": "/poseidon/stor/..."}
//
// Marker is a pointer so that a missing field can be told apart from an empty
// one.
type record struct {
	Timestamp string  `json:"timestamp"`
	Marker    *string `json:"marker"`
}

// timestampLayout is ISO-8601 with milliseconds, in UTC.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Encode returns the persisted form of a marker.
func Encode(m Marker) ([]byte, error) {
	k := string(m.Key)
	return json.Marshal(record{
		Timestamp: m.Timestamp.UTC().Format(timestampLayout),
		Marker:    &k,
	})
}

// Decode parses the persisted form of a marker. Returns ErrMalformed (wrapped)
// if the marker field is absent.
func Decode(b []byte) (*Marker, error) {
	r := record{}
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("error decoding checkpoint record: %w", err)
	}

	if r.Marker == nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, b)
	}

	m := &Marker{Key: api.Key(*r.Marker)}

	// A bad timestamp is only informational, so isn't fatal.
	if ts, err := time.Parse(time.RFC3339Nano, r.Timestamp); err == nil {
		m.Timestamp = ts
	}

	return m, nil
}
