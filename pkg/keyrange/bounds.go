package keyrange

import (
	"fmt"
	"strings"

	"github.com/TritonDataCenter/mako-gc-feeder/pkg/api"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/discovery"
)

// TopPadding is appended to the highest storage id to form the end of the
// window. The ASCII character '~' compares highest against all others which
// appear in instruction keys, so the padded string sorts after every
// instruction key for that storage id.
var TopPadding = strings.Repeat("~", 125)

// Layout describes where instruction objects live in the keyspace.
type Layout struct {

	// Root is the directory containing one subdirectory per storage id,
	// without a trailing slash. e.g. "/<poseidon_uuid>/stor/manta_gc/mako"
	Root string
}

// InstructionRoot returns the usual layout for the given poseidon account.
func InstructionRoot(poseidonUUID string) Layout {
	return Layout{Root: fmt.Sprintf("/%s/stor/manta_gc/mako", poseidonUUID)}
}

// Bounds returns the window covering every instruction key for every given
// storage id. The ids are compared as strings, since that's how the keys
// which embed them are ordered.
func Bounds(l Layout, storageIDs []string) (api.Window, error) {
	if len(storageIDs) == 0 {
		return api.Window{}, fmt.Errorf("no storage ids")
	}

	min, max := storageIDs[0], storageIDs[0]
	for _, id := range storageIDs {
		if id == "" || strings.Contains(id, "/") {
			return api.Window{}, fmt.Errorf("invalid storage id: %q", id)
		}
		if id < min {
			min = id
		}
		if id > max {
			max = id
		}
	}

	return api.Window{
		Start: api.Key(l.Root + "/" + min),
		End:   api.Key(l.Root + "/" + max + "/" + TopPadding),
	}, nil
}

// Resolver returns the window that a shard should be scanned over. It's called
// once, when a feeder starts.
type Resolver interface {
	Window() (api.Window, error)
}

// Static is a Resolver which returns a fixed window.
type Static api.Window

func (s Static) Window() (api.Window, error) {
	w := api.Window(s)
	if err := w.Validate(); err != nil {
		return api.Window{}, err
	}
	return w, nil
}

// Discovered is a Resolver which computes the window from the storage ids
// returned by discovery.
type Discovered struct {
	Disc   discovery.Discoverable
	Layout Layout
}

func (d Discovered) Window() (api.Window, error) {
	ids, err := d.Disc.StorageIDs()
	if err != nil {
		return api.Window{}, fmt.Errorf("error discovering storage ids: %w", err)
	}

	return Bounds(d.Layout, ids)
}
