// Package consul stores checkpoints in Consul KV. Writes are check-and-set
// against the last ModifyIndex this store saw, so if some other process
// writes the same shard's checkpoint, the next Save fails rather than
// silently interleaving positions.
package consul

import (
	"fmt"
	"path"

	"github.com/TritonDataCenter/mako-gc-feeder/pkg/api"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/checkpoint"
	capi "github.com/hashicorp/consul/api"
	"github.com/jonboulle/clockwork"
)

// DefaultPrefix is the KV directory which checkpoints are stored under.
const DefaultPrefix = "mako-gc-feeder/checkpoints"

type Store struct {
	kv    *capi.KV
	key   string
	clock clockwork.Clock

	// ModifyIndex of the key when we last read or wrote it. Zero means that
	// the key didn't exist.
	modifyIndex uint64
}

var _ checkpoint.Store = (*Store)(nil)

func New(client *capi.Client, prefix, shard string, clock clockwork.Clock) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &Store{
		kv:    client.KV(),
		key:   path.Join(prefix, shard),
		clock: clock,
	}
}

// EnsureSchema checks that Consul is reachable. KV has no schema to create.
func (cs *Store) EnsureSchema() error {
	_, _, err := cs.kv.Get(cs.key, nil)
	if err != nil {
		return fmt.Errorf("consul: get %s: %w", cs.key, err)
	}

	return nil
}

func (cs *Store) Load() (*checkpoint.Marker, error) {
	kv, _, err := cs.kv.Get(cs.key, nil)
	if err != nil {
		return nil, fmt.Errorf("consul: get %s: %w", cs.key, err)
	}

	if kv == nil {
		cs.modifyIndex = 0
		return nil, nil
	}

	m, err := checkpoint.Decode(kv.Value)
	if err != nil {
		return nil, err
	}

	cs.modifyIndex = kv.ModifyIndex
	return m, nil
}

// Init creates the key. Uses CAS with index zero, which fails if the key
// already exists.
func (cs *Store) Init(key api.Key) error {
	cs.modifyIndex = 0
	return cs.put(key)
}

func (cs *Store) Save(key api.Key) error {
	return cs.put(key)
}

func (cs *Store) put(key api.Key) error {
	v, err := checkpoint.Encode(checkpoint.Marker{
		Timestamp: cs.clock.Now(),
		Key:       key,
	})
	if err != nil {
		return err
	}

	op := &capi.KVTxnOp{
		Verb:  capi.KVCAS,
		Key:   cs.key,
		Value: v,
		Index: cs.modifyIndex,
	}

	ok, res, _, err := cs.kv.Txn(capi.KVTxnOps{op}, nil)
	if err != nil {
		return fmt.Errorf("consul: txn %s: %w", cs.key, err)
	}
	if !ok {
		if res != nil && len(res.Errors) > 0 {
			return fmt.Errorf("consul: cas %s at index %d failed: %s", cs.key, cs.modifyIndex, res.Errors[0].What)
		}
		return fmt.Errorf("consul: cas %s at index %d failed", cs.key, cs.modifyIndex)
	}
	if len(res.Results) != 1 {
		return fmt.Errorf("consul: expected one result from txn, got %d", len(res.Results))
	}

	cs.modifyIndex = res.Results[0].ModifyIndex
	return nil
}

// Close is a no-op; the Consul client is owned by the caller.
func (cs *Store) Close() error {
	return nil
}
