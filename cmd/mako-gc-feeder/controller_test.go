package main

import (
	"testing"

	"github.com/TritonDataCenter/mako-gc-feeder/pkg/config"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/test/fake_consul"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	consulapi "github.com/hashicorp/consul/api"
)

func consulConfig(t *testing.T, fc *fake_consul.Consul) config.Config {
	cfg := config.Defaults()
	cfg.PoseidonUUID = "ff30b6ca-566a-e73e-9b74-911b9fe9db45"
	cfg.OutputDir = t.TempDir()
	cfg.StateDir = t.TempDir()
	cfg.Discovery.Backend = config.BackendConsul
	cfg.Discovery.ConsulAddr = fc.Addr()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNewDiscoversEveryShard(t *testing.T) {
	fc := fake_consul.New(t)
	fc.AddService("moray", &consulapi.CatalogService{ServiceID: "1.moray.orbit.example.com", Address: "10.0.0.1", ServicePort: 2020})
	fc.AddService("moray", &consulapi.CatalogService{ServiceID: "2.moray.orbit.example.com", Address: "10.0.0.2", ServicePort: 2020})

	c, err := New(consulConfig(t, fc), nil, hclog.NewNullLogger(), prometheus.NewRegistry())
	require.NoError(t, err)

	names := []string{}
	for _, f := range c.feeders {
		names = append(names, f.Shard())
	}
	assert.Equal(t, []string{"1.moray.orbit.example.com", "2.moray.orbit.example.com"}, names)
}

func TestNewRejectsUnsafeDiscoveredShardName(t *testing.T) {
	fc := fake_consul.New(t)
	fc.AddService("moray", &consulapi.CatalogService{ServiceID: "../../etc", Address: "10.0.0.1", ServicePort: 2020})

	_, err := New(consulConfig(t, fc), nil, hclog.NewNullLogger(), prometheus.NewRegistry())
	assert.Error(t, err)
}

func TestNewStaticShards(t *testing.T) {
	cfg := config.Defaults()
	cfg.PoseidonUUID = "ff30b6ca-566a-e73e-9b74-911b9fe9db45"
	cfg.OutputDir = t.TempDir()
	cfg.StateDir = t.TempDir()
	cfg.StorageIDs = []string{"1.stor"}
	cfg.Shards = []config.Shard{
		{Name: "1.moray", Addr: "10.0.0.1"},
		{Name: "2.moray", Addr: "10.0.0.2:2021"},
	}
	require.NoError(t, cfg.Validate())

	c, err := New(cfg, []string{"2.moray"}, hclog.NewNullLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	require.Len(t, c.feeders, 1)
	assert.Equal(t, "2.moray", c.feeders[0].Shard())

	_, err = New(cfg, []string{"9.moray"}, hclog.NewNullLogger(), prometheus.NewRegistry())
	assert.Error(t, err)
}
