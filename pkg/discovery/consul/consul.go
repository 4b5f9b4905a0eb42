package consul

import (
	"fmt"

	"github.com/TritonDataCenter/mako-gc-feeder/pkg/api"
	consulapi "github.com/hashicorp/consul/api"
)

// StorageIDMetaKey is the service metadata key holding a storage node's id.
// Instances without it fall back to their service ID.
const StorageIDMetaKey = "storage_id"

type Discovery struct {
	consul *consulapi.Client

	// Catalog service names. e.g. "moray" and "mako".
	shardSvc   string
	storageSvc string
}

func New(client *consulapi.Client, shardService, storageService string) *Discovery {
	return &Discovery{
		consul:     client,
		shardSvc:   shardService,
		storageSvc: storageService,
	}
}

func (d *Discovery) Shards() ([]api.Remote, error) {
	res, _, err := d.consul.Catalog().Service(d.shardSvc, "", &consulapi.QueryOptions{})
	if err != nil {
		return nil, fmt.Errorf("consul: list service %q: %w", d.shardSvc, err)
	}

	output := make([]api.Remote, len(res))
	for i, r := range res {

		// Prefer the service address, and fall back to the node address, like
		// the DNS interface does.
		host := r.ServiceAddress
		if host == "" {
			host = r.Address // https://github.com/hashicorp/consul/issues/2076
		}

		output[i] = api.Remote{
			Ident: r.ServiceID,
			Host:  host,
			Port:  r.ServicePort,
		}
	}

	return output, nil
}

func (d *Discovery) StorageIDs() ([]string, error) {
	res, _, err := d.consul.Catalog().Service(d.storageSvc, "", &consulapi.QueryOptions{})
	if err != nil {
		return nil, fmt.Errorf("consul: list service %q: %w", d.storageSvc, err)
	}

	seen := map[string]struct{}{}
	output := []string{}

	for _, r := range res {
		id := r.ServiceMeta[StorageIDMetaKey]
		if id == "" {
			id = r.ServiceID
		}

		// Several instances (e.g. zones) can share a storage id.
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		output = append(output, id)
	}

	return output, nil
}
