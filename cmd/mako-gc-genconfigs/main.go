// mako-gc-genconfigs splits the index shards between N feeder processes, by
// writing one config file per process from a template.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/TritonDataCenter/mako-gc-feeder/pkg/config"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/discovery/consul"
	"github.com/hashicorp/go-hclog"

	consulapi "github.com/hashicorp/consul/api"
)

func main() {
	tmplPath := flag.String("template", "etc/config.yaml.template", "path to template config")
	outDir := flag.String("out", "etc", "directory to write configs to")
	n := flag.Int("n", 1, "number of feeder processes")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "mako-gc-genconfigs",
		Output: os.Stderr,
	})

	if err := run(*tmplPath, *outDir, *n, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(tmplPath, outDir string, n int, logger hclog.Logger) error {
	tmpl, err := config.Load(tmplPath)
	if err != nil {
		return err
	}

	shards, err := listShards(tmpl)
	if err != nil {
		return err
	}

	logger.Info("partitioning shards", "shards", len(shards), "processes", n)

	cfgs, err := config.Partition(tmpl, shards, n)
	if err != nil {
		return err
	}

	for i, cfg := range cfgs {
		b, err := cfg.Marshal()
		if err != nil {
			return fmt.Errorf("error encoding config %d: %w", i, err)
		}

		path := filepath.Join(outDir, fmt.Sprintf("config-%d.yaml", i))
		if err := os.WriteFile(path, b, 0o644); err != nil {
			return fmt.Errorf("error writing config %d: %w", i, err)
		}

		logger.Info("wrote config", "path", path, "shards", len(cfg.Shards))
	}

	return nil
}

// listShards returns the shards listed in the template or, if there are none,
// every shard registered in Consul.
func listShards(tmpl config.Config) ([]config.Shard, error) {
	if len(tmpl.Shards) > 0 {
		return tmpl.Shards, nil
	}

	if tmpl.Discovery.Backend != config.BackendConsul {
		return nil, fmt.Errorf("template has no shards, and discovery backend is %s", tmpl.Discovery.Backend)
	}

	ccfg := consulapi.DefaultConfig()
	if tmpl.Discovery.ConsulAddr != "" {
		ccfg.Address = tmpl.Discovery.ConsulAddr
	}

	client, err := consulapi.NewClient(ccfg)
	if err != nil {
		return nil, fmt.Errorf("error creating consul client: %w", err)
	}

	remotes, err := consul.New(client, tmpl.Discovery.ShardService, tmpl.Discovery.StorageService).Shards()
	if err != nil {
		return nil, err
	}

	res := make([]config.Shard, len(remotes))
	for i, r := range remotes {
		if err := config.ValidShardName(r.Ident); err != nil {
			return nil, fmt.Errorf("discovered shard: %w", err)
		}
		res[i] = config.Shard{Name: r.Ident, Addr: r.Addr()}
	}

	return res, nil
}
