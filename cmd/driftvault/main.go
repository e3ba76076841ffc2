// driftvault is the storage lifecycle daemon for multi-tenant file storage.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driftvault/driftvault/internal/config"
	"github.com/driftvault/driftvault/internal/metrics"
	"github.com/driftvault/driftvault/internal/storage"
	"github.com/driftvault/driftvault/internal/svc"
	"github.com/driftvault/driftvault/pkg/bytesize"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Reconcile flags
	reconcileOwner string

	// Service mode flag (hidden, used when running as a service)
	serviceRun bool
)

func main() {
	// Check if running as a service (invoked by service manager)
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	rootCmd := &cobra.Command{
		Use:   "driftvault",
		Short: "DriftVault - storage lifecycle engine",
		Long: `DriftVault manages the storage backend of a multi-tenant file service:
resumable chunked uploads, per-owner quotas, trash/restore/purge
lifecycle, and streaming folder exports.

Examples:
  # Run the daemon
  driftvault serve --config /etc/driftvault/driftvault.yaml

  # One-shot quota reconciliation
  driftvault reconcile --config /etc/driftvault/driftvault.yaml

  # Install as system service
  sudo driftvault service install --config /etc/driftvault/driftvault.yaml`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	// Hidden service mode flag (used when running as a service)
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the storage daemon",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute quota counters from stored records",
		Long: `Recompute every owner's quota counter from the object records on disk
and overwrite the cached value. Use --owner to limit to one owner.`,
		RunE: runReconcile,
	}
	reconcileCmd.Flags().StringVar(&reconcileOwner, "owner", "", "reconcile a single owner")
	rootCmd.AddCommand(reconcileCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("driftvault %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Go:         %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
	rootCmd.AddCommand(versionCmd)

	rootCmd.AddCommand(newServiceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newEngine(cfg *config.Config) (*storage.Engine, error) {
	return storage.New(cfg.Storage.Root, storage.Options{
		DefaultQuotaBytes: cfg.Storage.DefaultQuota.Bytes(),
		MaxFileSizeBytes:  cfg.Storage.MaxFileSize.Bytes(),
		ChunkSizeHint:     cfg.Storage.ChunkSizeHint.Bytes(),
		MinVolumeHeadroom: cfg.Storage.MinVolumeHeadroom.Bytes(),
	})
}

// nolint:revive // args required by cobra.Command RunE signature
func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("shutting down...")
		cancel()
	}()

	return runServeWithContext(ctx, cfgFile)
}

// runServeWithContext runs the daemon until the context is canceled. Also the
// entry point when running under a service manager.
func runServeWithContext(ctx context.Context, configPath string) error {
	cfgFile = configPath
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyConfigLogLevel(cfg)

	eng, err := newEngine(cfg)
	if err != nil {
		return fmt.Errorf("init storage engine: %w", err)
	}
	storage.InitMetrics(metrics.Registry)

	log.Info().
		Str("root", eng.Root()).
		Str("default_quota", bytesize.Format(cfg.Storage.DefaultQuota.Bytes())).
		Str("max_file_size", bytesize.Format(cfg.Storage.MaxFileSize.Bytes())).
		Str("version", Version).
		Msg("storage engine ready")

	interval, err := cfg.SweepInterval()
	if err != nil {
		return err
	}
	maxAge, err := cfg.MaxSessionAge()
	if err != nil {
		return err
	}
	sweeper := storage.NewSweeper(eng, interval, maxAge)
	go sweeper.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Listen).Msg("metrics listener started")
		errChan <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics listener: %w", err)
	}
}

// nolint:revive // args required by cobra.Command RunE signature
func runReconcile(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, err := newEngine(cfg)
	if err != nil {
		return fmt.Errorf("init storage engine: %w", err)
	}

	owners := []string{reconcileOwner}
	if reconcileOwner == "" {
		owners, err = eng.Owners()
		if err != nil {
			return fmt.Errorf("list owners: %w", err)
		}
	}

	for _, owner := range owners {
		used, err := eng.Quota().Reconcile(owner)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", owner, err)
		}
		usage, err := eng.Quota().Usage(owner)
		if err != nil {
			return fmt.Errorf("read usage for %s: %w", owner, err)
		}
		if usage.LimitBytes == 0 {
			fmt.Printf("%s: %s used (unlimited)\n", owner, bytesize.Format(used))
			continue
		}
		fmt.Printf("%s: %s used of %s\n", owner, bytesize.Format(used), bytesize.Format(usage.LimitBytes))
	}
	return nil
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// setupServiceLogging configures logging for service mode. Writes directly to
// a file because launchd/kardianos-service may not redirect stderr.
func setupServiceLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logFile, err := os.OpenFile(svc.ServiceLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}

	multi := io.MultiWriter(logFile, os.Stderr)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: multi, TimeFormat: time.RFC3339})
}

// applyConfigLogLevel lets the config file raise or lower the level when the
// flag was left at its default.
func applyConfigLogLevel(cfg *config.Config) {
	if logLevel != "info" || cfg.LogLevel == "" {
		return
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
}
