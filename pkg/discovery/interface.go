package discovery

import "github.com/TritonDataCenter/mako-gc-feeder/pkg/api"

// Discoverable finds the index shards and the storage nodes of a deployment.
//
// This is not a general-purpose service discovery interface! This is just the
// specific thing that the feeder needs, to avoid letting Consul details get
// all over the place. Callers look things up once at startup, so there is no
// watching or caching.
type Discoverable interface {

	// Shards returns every index shard. Ident is the shard name.
	Shards() ([]api.Remote, error)

	// StorageIDs returns the identifier of every storage node, in no
	// particular order. These are the ids embedded in instruction keys.
	StorageIDs() ([]string, error)
}

// Find returns the shard with the given name, or false.
func Find(shards []api.Remote, name string) (api.Remote, bool) {
	for _, s := range shards {
		if s.Ident == name {
			return s, true
		}
	}

	return api.Remote{}, false
}
