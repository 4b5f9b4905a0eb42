package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/TritonDataCenter/mako-gc-feeder/pkg/api"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/checkpoint"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/config"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/discovery"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/discovery/static"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/feeder"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/index"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/index/rpc"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/keyrange"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	boltcp "github.com/TritonDataCenter/mako-gc-feeder/pkg/checkpoint/bolt"
	consulcp "github.com/TritonDataCenter/mako-gc-feeder/pkg/checkpoint/consul"
	consuldisc "github.com/TritonDataCenter/mako-gc-feeder/pkg/discovery/consul"
	consulapi "github.com/hashicorp/consul/api"
)

type Controller struct {
	cfg    config.Config
	logger hclog.Logger

	disc    discovery.Discoverable
	consul  *consulapi.Client // nil unless a consul backend is configured
	clock   clockwork.Clock
	feeders []*feeder.Feeder
}

func New(cfg config.Config, shardNames []string, logger hclog.Logger, reg prometheus.Registerer) (*Controller, error) {
	c := &Controller{
		cfg:    cfg,
		logger: logger,
		clock:  clockwork.NewRealClock(),
	}

	if cfg.Discovery.Backend == config.BackendConsul || cfg.Checkpoint.Backend == config.BackendConsul {
		ccfg := consulapi.DefaultConfig()
		if cfg.Discovery.ConsulAddr != "" {
			ccfg.Address = cfg.Discovery.ConsulAddr
		}

		client, err := consulapi.NewClient(ccfg)
		if err != nil {
			return nil, fmt.Errorf("error creating consul client: %w", err)
		}

		c.consul = client
	}

	shards, err := cfg.Select(shardNames)
	if err != nil {
		return nil, err
	}

	var remotes []api.Remote
	switch cfg.Discovery.Backend {
	case config.BackendConsul:
		c.disc = consuldisc.New(c.consul, cfg.Discovery.ShardService, cfg.Discovery.StorageService)

		remotes, err = c.disc.Shards()
		if err != nil {
			return nil, fmt.Errorf("error discovering shards: %w", err)
		}

		// No shards configured means every registered one.
		if len(cfg.Shards) == 0 {
			for _, r := range remotes {
				if err := config.ValidShardName(r.Ident); err != nil {
					return nil, fmt.Errorf("discovered shard: %w", err)
				}
				shards = append(shards, config.Shard{Name: r.Ident})
			}
		}

	case config.BackendStatic:
		remotes, err = staticRemotes(shards)
		if err != nil {
			return nil, err
		}

		c.disc = static.New(remotes, storageIDs(cfg))
	}

	if len(shards) == 0 {
		return nil, fmt.Errorf("no shards to feed from")
	}

	res := c.resolver()
	fs := osfs.New(cfg.OutputDir)
	metrics := feeder.NewMetrics(reg)

	opts := feeder.Options{
		BatchSize:      cfg.BatchSize,
		Delay:          cfg.PollDelay,
		Jitter:         cfg.PollJitter,
		QueryTimeout:   cfg.QueryTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		Bucket:         cfg.Bucket,
		Fsync:          cfg.Fsync,
	}

	if cfg.Checkpoint.Backend == config.BackendBolt {
		if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			return nil, fmt.Errorf("error creating state dir: %w", err)
		}
	}

	for _, s := range shards {
		r, err := remoteFor(s, remotes)
		if err != nil {
			return nil, err
		}

		f, err := feeder.New(s.Name, opts, feeder.Deps{
			Resolver:       res,
			OpenCheckpoint: c.checkpointOpener(s.Name),
			Dial:           dialer(r.Addr()),
			Filesystem:     fs,
			Clock:          c.clock,
			Logger:         logger,
			Metrics:        metrics,
		})
		if err != nil {
			return nil, err
		}

		c.feeders = append(c.feeders, f)
	}

	return c, nil
}

func staticRemotes(shards []config.Shard) ([]api.Remote, error) {
	res := make([]api.Remote, 0, len(shards))

	for _, s := range shards {
		host, port, err := s.HostPort()
		if err != nil {
			return nil, fmt.Errorf("shard %s: %w", s.Name, err)
		}

		res = append(res, api.Remote{Ident: s.Name, Host: host, Port: port})
	}

	return res, nil
}

// storageIDs returns the configured storage ids, or nil if they should be
// discovered.
func storageIDs(cfg config.Config) []string {
	if r := cfg.StorageIDRange; r != nil {
		return static.StorageIDRange(r.Min, r.Max, cfg.Domain)
	}

	return cfg.StorageIDs
}

// resolver returns the window resolver shared by every feeder. Configured
// storage ids take precedence over discovered ones.
func (c *Controller) resolver() keyrange.Resolver {
	if w := c.cfg.Window; w != nil {
		return keyrange.Static(api.Window{Start: api.Key(w.Start), End: api.Key(w.End)})
	}

	layout := keyrange.InstructionRoot(c.cfg.PoseidonUUID)

	if ids := storageIDs(c.cfg); len(ids) > 0 {
		return keyrange.Discovered{Disc: static.New(nil, ids), Layout: layout}
	}

	return keyrange.Discovered{Disc: c.disc, Layout: layout}
}

// remoteFor returns the address of the shard, preferring the configured one.
func remoteFor(s config.Shard, remotes []api.Remote) (api.Remote, error) {
	if s.Addr != "" {
		host, port, err := s.HostPort()
		if err != nil {
			return api.Remote{}, fmt.Errorf("shard %s: %w", s.Name, err)
		}

		return api.Remote{Ident: s.Name, Host: host, Port: port}, nil
	}

	r, ok := discovery.Find(remotes, s.Name)
	if !ok {
		return api.Remote{}, fmt.Errorf("shard %s: not found in discovery", s.Name)
	}

	return r, nil
}

func (c *Controller) checkpointOpener(shard string) func() (checkpoint.Store, error) {
	switch c.cfg.Checkpoint.Backend {
	case config.BackendConsul:
		return func() (checkpoint.Store, error) {
			return consulcp.New(c.consul, c.cfg.Checkpoint.ConsulPrefix, shard, c.clock), nil
		}

	default:
		path := filepath.Join(c.cfg.StateDir, shard+".db")
		return func() (checkpoint.Store, error) {
			s, err := boltcp.Open(path, shard, c.clock)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
	}
}

func dialer(addr string) func(context.Context) (index.Fetcher, error) {
	return func(ctx context.Context) (index.Fetcher, error) {
		client, err := rpc.Dial(ctx, addr)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// Run runs every feeder until it finishes, fails, or ctx is cancelled. One
// shard failing doesn't stop the others. Returns an error if any shard
// failed, but not if they were merely stopped.
func (c *Controller) Run(ctx context.Context) error {
	var srv *http.Server
	if c.cfg.MetricsAddr != "" {
		srv = &http.Server{Addr: c.cfg.MetricsAddr, Handler: c.metricsHandler()}

		go func() {
			c.logger.Info("serving metrics", "addr", c.cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.logger.Error("error serving metrics", "error", err)
			}
		}()
	}

	g := errgroup.Group{}
	for _, f := range c.feeders {
		f := f
		g.Go(func() error {
			err := f.Run(ctx)
			if errors.Is(err, context.Canceled) {
				c.logger.Info("feeder stopped", "shard", f.Shard())
				return nil
			}
			return err
		})
	}

	err := g.Wait()

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if serr := srv.Shutdown(sctx); serr != nil {
			c.logger.Warn("error stopping metrics server", "error", serr)
		}
	}

	return err
}

func (c *Controller) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
