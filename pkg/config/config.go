package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"
)

// DefaultIndexPort is the port index shards listen on, when a shard's address
// doesn't include one.
const DefaultIndexPort = 2020

// Discovery and checkpoint backends.
const (
	BackendStatic = "static"
	BackendConsul = "consul"
	BackendBolt   = "bolt"
)

// Config is the deployment-specific configuration of a feeder process. It's
// loaded from a YAML file, and every field not present in the file keeps its
// value from Defaults.
type Config struct {

	// Owner of the instruction objects, i.e. the first path segment of every
	// instruction key. Required unless Window is set.
	PoseidonUUID string `yaml:"poseidon_uuid"`

	// Deployment domain, used to expand StorageIDRange into storage ids.
	Domain string `yaml:"domain"`

	// Listings are written to {output_dir}/{shard}/{storage_id}.
	OutputDir string `yaml:"output_dir"`

	// Bolt checkpoint files are kept at {state_dir}/{shard}.db.
	StateDir string `yaml:"state_dir"`

	BatchSize      int           `yaml:"batch_size"`
	PollDelay      time.Duration `yaml:"poll_delay"`
	PollJitter     time.Duration `yaml:"poll_jitter"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Bucket         string        `yaml:"bucket"`
	Fsync          bool          `yaml:"fsync"`

	// Storage ids to compute the window from. At most one of StorageIDs and
	// StorageIDRange may be set. If neither is, they're discovered (which
	// requires the consul backend), unless Window is set.
	StorageIDs     []string `yaml:"storage_ids,omitempty"`
	StorageIDRange *Range   `yaml:"storage_id_range,omitempty"`

	// Window overrides the computed window for every shard.
	Window *Window `yaml:"window,omitempty"`

	Discovery  Discovery  `yaml:"discovery"`
	Checkpoint Checkpoint `yaml:"checkpoint"`

	// Shards to feed from. With static discovery every shard needs an
	// address. With consul discovery addresses are looked up, and an empty
	// list means every shard which is registered.
	Shards []Shard `yaml:"shards"`

	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
}

// Range is an inclusive range of storage node numbers, which are expanded to
// storage ids like "1.stor.{domain}".
type Range struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

type Window struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

type Discovery struct {
	Backend        string `yaml:"backend"`
	ConsulAddr     string `yaml:"consul_addr,omitempty"`
	ShardService   string `yaml:"shard_service"`
	StorageService string `yaml:"storage_service"`
}

type Checkpoint struct {
	Backend      string `yaml:"backend"`
	ConsulPrefix string `yaml:"consul_prefix"`
}

type Shard struct {
	Name string `yaml:"name"`
	Addr string `yaml:"addr,omitempty"`
}

func Defaults() Config {
	return Config{
		OutputDir:      "/var/tmp/mako_gc_inputs",
		StateDir:       "/var/db/mako-gc-feeder",
		BatchSize:      10000,
		PollDelay:      5 * time.Second,
		QueryTimeout:   60 * time.Second,
		ConnectTimeout: 30 * time.Second,
		Bucket:         "manta",
		Fsync:          true,
		Discovery: Discovery{
			Backend:        BackendStatic,
			ShardService:   "moray",
			StorageService: "mako",
		},
		Checkpoint: Checkpoint{
			Backend:      BackendBolt,
			ConsulPrefix: "mako-gc-feeder/checkpoints",
		},
		LogLevel: "info",
	}
}

// Load reads and validates the config file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("error reading config: %w", err)
	}

	cfg, err := Parse(b)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes and validates a config document. Unknown fields are an error,
// since they're probably typos.
func Parse(b []byte) (Config, error) {
	cfg := Defaults()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("error parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Marshal encodes the config as YAML, such that Parse returns it unchanged.
func (cfg Config) Marshal() ([]byte, error) {
	buf := &bytes.Buffer{}

	enc := yaml.NewEncoder(buf)
	enc.SetIndent(2)

	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}

	if err := enc.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (cfg Config) Validate() error {
	if cfg.Window == nil && cfg.PoseidonUUID == "" {
		return fmt.Errorf("missing: poseidon_uuid")
	}
	if cfg.OutputDir == "" {
		return fmt.Errorf("missing: output_dir")
	}
	if cfg.Bucket == "" {
		return fmt.Errorf("missing: bucket")
	}

	// Every batch after the first returns its starting key again, so a batch
	// size of one would never see the window as exhausted.
	if cfg.BatchSize < 2 {
		return fmt.Errorf("batch_size must be at least 2, got %d", cfg.BatchSize)
	}

	if cfg.PollDelay < 0 || cfg.PollJitter < 0 || cfg.ConnectTimeout < 0 {
		return fmt.Errorf("poll_delay, poll_jitter, and connect_timeout must not be negative")
	}
	if cfg.QueryTimeout <= 0 {
		return fmt.Errorf("query_timeout must be positive, got %s", cfg.QueryTimeout)
	}

	if hclog.LevelFromString(cfg.LogLevel) == hclog.NoLevel {
		return fmt.Errorf("invalid log_level: %q", cfg.LogLevel)
	}

	switch cfg.Discovery.Backend {
	case BackendStatic:
	case BackendConsul:
		if cfg.Discovery.ShardService == "" || cfg.Discovery.StorageService == "" {
			return fmt.Errorf("consul discovery requires shard_service and storage_service")
		}
	default:
		return fmt.Errorf("invalid discovery backend: %q", cfg.Discovery.Backend)
	}

	switch cfg.Checkpoint.Backend {
	case BackendBolt:
		if cfg.StateDir == "" {
			return fmt.Errorf("bolt checkpoints require state_dir")
		}
	case BackendConsul:
		if cfg.Checkpoint.ConsulPrefix == "" {
			return fmt.Errorf("consul checkpoints require consul_prefix")
		}
	default:
		return fmt.Errorf("invalid checkpoint backend: %q", cfg.Checkpoint.Backend)
	}

	if err := cfg.validateStorage(); err != nil {
		return err
	}

	return cfg.validateShards()
}

func (cfg Config) validateStorage() error {
	if cfg.Window != nil {
		if cfg.Window.Start == "" || cfg.Window.End == "" {
			return fmt.Errorf("window requires start and end")
		}
		if cfg.Window.Start > cfg.Window.End {
			return fmt.Errorf("window start %q is after end %q", cfg.Window.Start, cfg.Window.End)
		}
	}

	if cfg.StorageIDRange != nil {
		if len(cfg.StorageIDs) > 0 {
			return fmt.Errorf("only one of storage_ids and storage_id_range may be set")
		}
		if cfg.Domain == "" {
			return fmt.Errorf("storage_id_range requires domain")
		}
		if cfg.StorageIDRange.Min < 0 || cfg.StorageIDRange.Min > cfg.StorageIDRange.Max {
			return fmt.Errorf("invalid storage_id_range: %d-%d", cfg.StorageIDRange.Min, cfg.StorageIDRange.Max)
		}
	}

	for _, id := range cfg.StorageIDs {
		if id == "" || strings.Contains(id, "/") {
			return fmt.Errorf("invalid storage id: %q", id)
		}
	}

	if cfg.Window == nil && cfg.StorageIDRange == nil && len(cfg.StorageIDs) == 0 && cfg.Discovery.Backend != BackendConsul {
		return fmt.Errorf("one of window, storage_ids, or storage_id_range is required without consul discovery")
	}

	return nil
}

func (cfg Config) validateShards() error {
	if len(cfg.Shards) == 0 && cfg.Discovery.Backend == BackendStatic {
		return fmt.Errorf("static discovery requires at least one shard")
	}

	seen := map[string]struct{}{}
	for i, s := range cfg.Shards {
		if err := ValidShardName(s.Name); err != nil {
			return fmt.Errorf("shard %d: %w", i, err)
		}
		if _, ok := seen[s.Name]; ok {
			return fmt.Errorf("shard %d: duplicate name: %q", i, s.Name)
		}
		seen[s.Name] = struct{}{}

		if s.Addr == "" {
			if cfg.Discovery.Backend == BackendStatic {
				return fmt.Errorf("shard %s: static discovery requires addr", s.Name)
			}
			continue
		}

		if _, _, err := s.HostPort(); err != nil {
			return fmt.Errorf("shard %s: %w", s.Name, err)
		}
	}

	return nil
}

// ValidShardName returns an error if name can't be used as a shard name.
// Names become directory and file names under output_dir and state_dir.
func ValidShardName(name string) error {
	if name == "" {
		return fmt.Errorf("missing name")
	}

	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("invalid name: %q", name)
	}

	return nil
}

// HostPort splits the shard's address, defaulting the port to
// DefaultIndexPort.
func (s Shard) HostPort() (string, int, error) {
	host, port := s.Addr, ""

	if h, p, err := net.SplitHostPort(s.Addr); err == nil {
		host, port = h, p
	}

	if host == "" {
		return "", 0, fmt.Errorf("invalid addr: %q", s.Addr)
	}

	if port == "" {
		return host, DefaultIndexPort, nil
	}

	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return "", 0, fmt.Errorf("invalid port in addr: %q", s.Addr)
	}

	return host, n, nil
}

// Select returns the configured shards with the given names, in the order
// they're configured. An empty list selects every shard. Unknown names are
// an error.
func (cfg Config) Select(names []string) ([]Shard, error) {
	if len(names) == 0 {
		return cfg.Shards, nil
	}

	want := map[string]bool{}
	for _, n := range names {
		want[n] = false
	}

	res := []Shard{}
	for _, s := range cfg.Shards {
		if _, ok := want[s.Name]; ok {
			want[s.Name] = true
			res = append(res, s)
		}
	}

	for _, n := range names {
		if !want[n] {
			return nil, fmt.Errorf("no such shard in config: %s", n)
		}
	}

	return res, nil
}

// Partition splits shards round-robin between n copies of the template
// config, so that n processes between them feed from every shard once.
func Partition(tmpl Config, shards []Shard, n int) ([]Config, error) {
	if n < 1 {
		return nil, fmt.Errorf("can't partition into %d configs", n)
	}

	res := make([]Config, n)
	for i := range res {
		res[i] = tmpl
		res[i].Shards = []Shard{}
	}

	for i, s := range shards {
		res[i%n].Shards = append(res[i%n].Shards, s)
	}

	return res, nil
}
