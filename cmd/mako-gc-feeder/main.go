package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/TritonDataCenter/mako-gc-feeder/pkg/config"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
)

// shardList collects repeated -shard flags.
type shardList []string

func (l *shardList) String() string {
	return strings.Join(*l, ",")
}

func (l *shardList) Set(s string) error {
	*l = append(*l, s)
	return nil
}

func main() {
	var shards shardList

	cfgPath := flag.String("config", "/opt/smartdc/mako-gc-feeder/etc/config.yaml", "path to config file")
	flag.Var(&shards, "shard", "name of shard to feed from; repeat for more (default: every configured shard)")
	logLevel := flag.String("log-level", "", "log level, overriding the config")
	metricsAddr := flag.String("metrics-addr", "", "address to serve /metrics on, overriding the config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "mako-gc-feeder",
		Level:      hclog.LevelFromString(cfg.LogLevel),
		JSONFormat: cfg.LogJSON,
		Output:     os.Stderr,
	})

	cmd, err := New(cfg, shards, logger, prometheus.DefaultRegisterer)
	if err != nil {
		exit(logger, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		s := <-sig
		logger.Info("stopping after current batches", "signal", s)
		cancel()
	}()

	err = cmd.Run(ctx)
	if err != nil {
		exit(logger, err)
	}
}

func exit(logger hclog.Logger, err error) {
	logger.Error("exiting", "error", err)
	os.Exit(1)
}
