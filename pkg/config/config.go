package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/sambigeara/nectar/pkg/types"
)

const (
	configFileName = "config.yaml"
	directoryPerm  = 0o700
	configFilePerm = 0o600
)

const (
	DefaultPort             = 7946
	DefaultSweepInterval    = 10 * time.Minute
	DefaultSweepJitter      = 0.1
	DefaultLedgerFlushDelay = 2 * time.Second
	DefaultRatePerSecond    = 50
	DefaultRateBurst        = 100
	DefaultBackend          = BackendDisk
)

type Backend string

const (
	BackendDisk   Backend = "disk"
	BackendSQLite Backend = "sqlite"
	BackendMemory Backend = "memory"
)

type RateLimit struct {
	PerSecond float64 `yaml:"perSecond,omitempty"`
	Burst     int     `yaml:"burst,omitempty"`
}

// Config is the node configuration stored as config.yaml in the data
// directory. Zero values mean "use the default".
type Config struct {
	Listen           string        `yaml:"listen,omitempty"`
	Backend          Backend       `yaml:"backend,omitempty"`
	LogLevel         string        `yaml:"logLevel,omitempty"`
	Peers            []string      `yaml:"peers,omitempty"`
	RateLimit        RateLimit     `yaml:"rateLimit,omitempty"`
	SweepInterval    time.Duration `yaml:"sweepInterval,omitempty"`
	SweepJitter      float64       `yaml:"sweepJitter,omitempty"`
	LedgerFlushDelay time.Duration `yaml:"ledgerFlushDelay,omitempty"`
}

func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, configFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(dir string, cfg *Config) error {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(dir, directoryPerm); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	encoded, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := renameio.WriteFile(filepath.Join(dir, configFileName), encoded, configFilePerm); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects negative tunables and unparseable peers, and rewrites the
// peer list into its canonical form.
func (c *Config) Validate() error {
	if c.SweepInterval < 0 {
		return errors.New("sweepInterval must be >= 0")
	}
	if c.LedgerFlushDelay < 0 {
		return errors.New("ledgerFlushDelay must be >= 0")
	}
	if c.SweepJitter < 0 || c.SweepJitter >= 1 {
		return errors.New("sweepJitter must be in [0, 1)")
	}
	if c.RateLimit.PerSecond < 0 {
		return errors.New("rateLimit.perSecond must be >= 0")
	}
	if c.RateLimit.Burst < 0 {
		return errors.New("rateLimit.burst must be >= 0")
	}

	switch c.Backend {
	case "", BackendDisk, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	peers := make([]string, 0, len(c.Peers))
	for _, p := range c.Peers {
		addr, err := NormalizePeerAddr(p)
		if err != nil {
			return err
		}
		if !slices.Contains(peers, addr) {
			peers = append(peers, addr)
		}
	}
	slices.Sort(peers)
	c.Peers = peers

	return nil
}

func orDefault[T comparable](v, fallback T) T {
	var zero T
	if v == zero {
		return fallback
	}
	return v
}

func (c *Config) ListenAddr() string {
	return orDefault(c.Listen, ":"+strconv.Itoa(DefaultPort))
}

func (c *Config) StorageBackend() Backend {
	return orDefault(c.Backend, DefaultBackend)
}

func (c *Config) SweepEvery() time.Duration {
	return orDefault(c.SweepInterval, DefaultSweepInterval)
}

func (c *Config) SweepJitterPercent() float64 {
	return orDefault(c.SweepJitter, DefaultSweepJitter)
}

func (c *Config) FlushDelay() time.Duration {
	return orDefault(c.LedgerFlushDelay, DefaultLedgerFlushDelay)
}

func (c *Config) RatePerSecond() float64 {
	return orDefault(c.RateLimit.PerSecond, DefaultRatePerSecond)
}

func (c *Config) RateBurst() int {
	return orDefault(c.RateLimit.Burst, DefaultRateBurst)
}

func (c *Config) PeerAddrs() []types.PeerAddr {
	out := make([]types.PeerAddr, 0, len(c.Peers))
	for _, p := range c.Peers {
		out = append(out, types.PeerAddr(p))
	}
	return out
}

// NormalizePeerAddr accepts "host:port" or a bare host, which gets the
// default port.
func NormalizePeerAddr(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", errors.New("peer address cannot be empty")
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr, nil
	}

	return net.JoinHostPort(addr, strconv.Itoa(DefaultPort)), nil
}
