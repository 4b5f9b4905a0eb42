package mock

import (
	"sync"

	"github.com/TritonDataCenter/mako-gc-feeder/pkg/api"
)

type MockDiscovery struct {
	shards     []api.Remote
	storageIDs []string

	// Returned by every method, if set.
	Err error

	sync.RWMutex
}

func New() *MockDiscovery {
	return &MockDiscovery{}
}

// interface

func (d *MockDiscovery) Shards() ([]api.Remote, error) {
	d.RLock()
	defer d.RUnlock()

	if d.Err != nil {
		return nil, d.Err
	}

	res := make([]api.Remote, len(d.shards))
	copy(res, d.shards)
	return res, nil
}

func (d *MockDiscovery) StorageIDs() ([]string, error) {
	d.RLock()
	defer d.RUnlock()

	if d.Err != nil {
		return nil, d.Err
	}

	res := make([]string, len(d.storageIDs))
	copy(res, d.storageIDs)
	return res, nil
}

// test helpers

func (d *MockDiscovery) AddShard(remote api.Remote) {
	d.Lock()
	defer d.Unlock()
	d.shards = append(d.shards, remote)
}

func (d *MockDiscovery) SetStorageIDs(ids ...string) {
	d.Lock()
	defer d.Unlock()
	d.storageIDs = ids
}
