package static

import (
	"testing"

	"github.com/TritonDataCenter/mako-gc-feeder/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageIDRange(t *testing.T) {
	assert.Equal(t, []string{"1.stor.orbit.example.com", "2.stor.orbit.example.com", "3.stor.orbit.example.com"}, StorageIDRange(1, 3, "orbit.example.com"))
	assert.Equal(t, []string{"7.stor"}, StorageIDRange(7, 7, ""))
	assert.Empty(t, StorageIDRange(3, 1, "x"))
}

func TestDiscovery(t *testing.T) {
	d := New([]api.Remote{{Ident: "1.moray", Host: "10.0.0.1", Port: 2020}}, nil)

	shards, err := d.Shards()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:2020", shards[0].Addr())

	_, err = d.StorageIDs()
	assert.Error(t, err)
}
