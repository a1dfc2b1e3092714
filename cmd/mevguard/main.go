// Command mevguard runs the MEV protection engine behind its HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/eth2030/mevguard/api"
	"github.com/eth2030/mevguard/crypto"
	"github.com/eth2030/mevguard/log"
	"github.com/eth2030/mevguard/metrics"
	"github.com/eth2030/mevguard/protection"
	"github.com/eth2030/mevguard/storage"
	"github.com/eth2030/mevguard/txpool/batchpool"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// flagOverrides are the command-line settings that take precedence over the
// config file.
type flagOverrides struct {
	configPath string
	dataDir    string
	addr       string
	level      string
	ordering   string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	var flags flagOverrides

	root := &cobra.Command{
		Use:           "mevguard",
		Short:         "MEV protection engine",
		Long:          "mevguard shields DEX order flow with commit-reveal, a batching private mempool and sandwich/frontrun/backrun detection.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "path to YAML config file")
	pf.StringVar(&flags.dataDir, "datadir", "", "data directory (empty keeps state in memory)")
	pf.StringVar(&flags.addr, "addr", "", "HTTP API listen address")
	pf.StringVar(&flags.level, "level", "", "protection level (none, commit_reveal, encrypted, batched, full)")
	pf.StringVar(&flags.ordering, "ordering", "", "batch ordering strategy (fifo, random, fair_random, vdf)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log verbosity (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format (json, text)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Start the engine, scheduler and HTTP API",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadWithFlags(cmd, &flags)
				if err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return run(ctx, cfg)
			},
		},
		&cobra.Command{
			Use:   "config",
			Short: "Print the effective configuration as YAML",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadWithFlags(cmd, &flags)
				if err != nil {
					return err
				}
				out, err := cfg.Marshal()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "mevguard %s (commit %s, built %s)\n", Version, Commit, BuildTime)
			},
		},
	)
	return root
}

// loadWithFlags loads the config file and applies the flags the user set.
func loadWithFlags(cmd *cobra.Command, flags *flagOverrides) (*Config, error) {
	cfg, err := LoadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	changed := cmd.Flags().Changed
	if changed("datadir") {
		cfg.DataDir = flags.dataDir
	}
	if changed("addr") {
		cfg.API.Addr = flags.addr
	}
	if changed("level") {
		level, err := protection.ParseProtectionLevel(flags.level)
		if err != nil {
			return nil, err
		}
		cfg.Protection.Level = level
	}
	if changed("ordering") {
		strategy, err := batchpool.ParseStrategy(flags.ordering)
		if err != nil {
			return nil, err
		}
		cfg.Protection.Mempool.OrderingStrategy = strategy
	}
	if changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = flags.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// payloadCipher builds the cipher from the configured key. Without a key an
// ephemeral one is generated; payloads sealed under it cannot be opened
// after a restart.
func payloadCipher(cfg *Config, logger *log.Logger) (*crypto.PayloadCipher, error) {
	if cfg.PayloadKey != "" {
		return crypto.NewPayloadCipherHex(cfg.PayloadKey)
	}
	if !cfg.Protection.Mempool.EncryptionEnabled || !cfg.Protection.Level.Mempool() {
		return nil, nil
	}
	logger.Warn("no payload key configured, generating an ephemeral one", "env", payloadKeyEnv)
	key, err := crypto.GeneratePayloadKey()
	if err != nil {
		return nil, err
	}
	return crypto.NewPayloadCipher(key)
}

func run(ctx context.Context, cfg *Config) error {
	logger := log.NewWithWriter(os.Stderr, log.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	log.SetDefault(logger)

	var db storage.Database
	if cfg.DataDir != "" {
		ldb, err := storage.OpenLevelDB(filepath.Join(cfg.DataDir, "mevguard"))
		if err != nil {
			return err
		}
		defer ldb.Close()
		db = ldb
	}

	cipher, err := payloadCipher(cfg, logger)
	if err != nil {
		return err
	}

	metrics.EnableRates()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []protection.Option{
		protection.WithExecutor(newDryRunExecutor(logger)),
		protection.WithLogger(logger),
		protection.WithRegisterer(reg),
	}
	if cipher != nil {
		opts = append(opts, protection.WithCipher(cipher))
	}
	engine, err := protection.New(cfg.Protection, db, opts...)
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched := protection.NewScheduler(engine, cfg.SchedulerInterval)
	sched.Start(ctx)
	defer sched.Stop()

	stopCleanup := startCleanup(ctx, engine, cfg.CleanupInterval, cfg.CleanupMaxAge)
	defer stopCleanup()

	srv := api.NewServer(engine, cfg.API, reg, logger)
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	logger.Info("mevguard started", "version", Version, "addr", cfg.API.Addr, "datadir", cfg.DataDir)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errc:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

type cleaner interface {
	Cleanup(maxAge time.Duration) protection.CleanupResult
}

// startCleanup runs Cleanup every interval until ctx ends or the returned
// stop function is called. stop returns only after the loop has exited, so
// the store can be closed safely afterwards.
func startCleanup(ctx context.Context, c cleaner, every, maxAge time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		cleanupLoop(ctx, c, every, maxAge)
	}()
	return func() {
		cancel()
		<-done
	}
}

func cleanupLoop(ctx context.Context, c cleaner, every, maxAge time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup(maxAge)
		}
	}
}
