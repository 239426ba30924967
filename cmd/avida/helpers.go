package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	avida "github.com/kelvinofficial/avida-sub001"
)

const probeTimeout = 5 * time.Second

// newLogger builds a zap logger for level. Debug switches to the
// human-readable development encoder.
func newLogger(level string) (*zap.Logger, error) {
	if level == "" {
		level = "warn"
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	if lvl.Level() == zapcore.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = lvl
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}

// storeDir returns the directory holding the offline store.
func storeDir(cfg *Config) (string, error) {
	if cfg.Offline.StoreDir != "" {
		return cfg.Offline.StoreDir, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "store"), nil
}

func clientOptions(cfg *Config, log *zap.Logger) []avida.ClientOption {
	opts := []avida.ClientOption{avida.WithLogger(log.Named("api"))}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, avida.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, avida.WithEnvironment(avida.Environment(cfg.Default.Environment)))
	}
	return opts
}

// session bundles everything a command needs to work with the offline layer.
type session struct {
	cfg     *Config
	log     *zap.Logger
	client  *avida.Client
	store   *avida.FileStore
	offline *avida.OfflineManager
}

// openSession loads the config and wires a client and an offline manager.
// The network monitor starts offline so nothing drains until a command asks
// for it. opts may carry extra offline settings; its Logger and Monitor are
// filled in here.
func openSession(opts *avida.OfflineOptions) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := newLogger(cfg.Offline.LogLevel)
	if err != nil {
		return nil, err
	}
	dir, err := storeDir(cfg)
	if err != nil {
		return nil, err
	}
	store, err := avida.NewFileStore(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open offline store: %w", err)
	}
	client := avida.NewClient(cfg.Default.APIKey, clientOptions(cfg, log)...)

	if opts == nil {
		opts = &avida.OfflineOptions{}
	}
	opts.Logger = log
	opts.Monitor = avida.NewNetworkMonitor(false, log.Named("network"))
	if opts.MaxRetries == 0 {
		opts.MaxRetries = cfg.Offline.MaxRetries
	}

	return &session{
		cfg:     cfg,
		log:     log,
		client:  client,
		store:   store,
		offline: avida.NewOfflineManager(store, client, opts),
	}, nil
}

func (s *session) close() {
	s.offline.Destroy()
	_ = s.log.Sync()
}

// probe checks reachability of the API once.
func (s *session) probe(ctx context.Context) avida.ConnectivitySignal {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return s.client.Probe(ctx)
}

// maskKey shows the first 6 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}
