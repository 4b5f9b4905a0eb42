// Package static provides discovery from fixed configuration, for deployments
// (and tests) without a Consul catalog.
package static

import (
	"fmt"

	"github.com/TritonDataCenter/mako-gc-feeder/pkg/api"
)

type Discovery struct {
	shards     []api.Remote
	storageIDs []string
}

func New(shards []api.Remote, storageIDs []string) *Discovery {
	return &Discovery{
		shards:     shards,
		storageIDs: storageIDs,
	}
}

// StorageIDRange returns the storage ids min..max (inclusive) named in the
// usual manner, e.g. "1.stor.orbit.example.com".
func StorageIDRange(min, max int, domain string) []string {
	ids := []string{}
	for i := min; i <= max; i++ {
		if domain == "" {
			ids = append(ids, fmt.Sprintf("%d.stor", i))
		} else {
			ids = append(ids, fmt.Sprintf("%d.stor.%s", i, domain))
		}
	}
	return ids
}

func (d *Discovery) Shards() ([]api.Remote, error) {
	res := make([]api.Remote, len(d.shards))
	copy(res, d.shards)
	return res, nil
}

func (d *Discovery) StorageIDs() ([]string, error) {
	if len(d.storageIDs) == 0 {
		return nil, fmt.Errorf("no storage ids configured")
	}

	res := make([]string, len(d.storageIDs))
	copy(res, d.storageIDs)
	return res, nil
}
