package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sambigeara/nectar/pkg/auth"
	"github.com/sambigeara/nectar/pkg/config"
	"github.com/sambigeara/nectar/pkg/ledger"
	"github.com/sambigeara/nectar/pkg/observability/logging"
	"github.com/sambigeara/nectar/pkg/perm"
	"github.com/sambigeara/nectar/pkg/persist"
	"github.com/sambigeara/nectar/pkg/workspace"
)

const (
	stateDirName = "state"
	sqliteName   = "nectar.db"
)

type env struct {
	cfg *config.Config
	dir string
}

// loadEnv resolves the data directory, reads config.yaml, applies any
// network flags set on cmd and initialises logging.
func loadEnv(cmd *cobra.Command) (*env, error) {
	flagDir, _ := cmd.Flags().GetString("dir")
	dir, err := workspace.EnsureDir(flagDir)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("peer") {
		cfg.Peers, _ = flags.GetStringSlice("peer")
	}
	if flags.Changed("backend") {
		backend, _ := flags.GetString("backend")
		cfg.Backend = config.Backend(backend)
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.Init(cfg.LogLevel); err != nil {
		return nil, err
	}
	return &env{cfg: cfg, dir: dir}, nil
}

func addNetworkFlags(cmd *cobra.Command) {
	cmd.Flags().String("listen", "", "UDP listen address (default :7946)")
	cmd.Flags().StringSlice("peer", nil, "Peer address to flood to; repeatable")
}

func addStorageFlags(cmd *cobra.Command) {
	cmd.Flags().String("backend", "", "Ledger backend: disk, sqlite or memory (default disk)")
	cmd.Flags().String("log-level", "", "Log level (default info)")
}

type persistentMap interface {
	ledger.PersistentMap
	Close() error
}

type nopCloser struct {
	*persist.Memory
}

func (nopCloser) Close() error { return nil }

func (e *env) openStorage() (persistentMap, error) {
	switch e.cfg.StorageBackend() {
	case config.BackendSQLite:
		return persist.OpenSQLite(filepath.Join(e.dir, sqliteName))
	case config.BackendMemory:
		return nopCloser{persist.NewMemory()}, nil
	default:
		return persist.OpenDisk(filepath.Join(e.dir, stateDirName))
	}
}

func (e *env) openLedger(opts ...ledger.Option) (*ledger.Ledger, func() error, error) {
	pm, err := e.openStorage()
	if err != nil {
		return nil, nil, fmt.Errorf("open %s storage: %w", e.cfg.StorageBackend(), err)
	}

	opts = append([]ledger.Option{ledger.WithFlushDelay(e.cfg.FlushDelay())}, opts...)
	l, err := ledger.Load(pm, ledger.DefaultKey, opts...)
	if err != nil {
		_ = pm.Close()
		return nil, nil, fmt.Errorf("load ledger: %w", err)
	}

	closeFn := func() error {
		lerr := l.Close()
		if err := pm.Close(); err != nil && lerr == nil {
			lerr = err
		}
		return lerr
	}
	return l, closeFn, nil
}

// loadKeys returns the node key pair and opens the public half to the
// nectar group where one exists.
func (e *env) loadKeys() (auth.KeyPair, error) {
	kp, err := auth.LoadOrCreateKeyPair(e.dir)
	if err != nil {
		return auth.KeyPair{}, err
	}

	for _, fn := range []func() error{
		func() error { return perm.SetGroupDir(e.dir) },
		func() error { return perm.SetGroupDir(auth.KeysDir(e.dir)) },
		func() error { return perm.SetGroupReadable(auth.PublicKeyPath(e.dir)) },
	} {
		if err := fn(); err != nil {
			return auth.KeyPair{}, err
		}
	}
	return kp, nil
}
