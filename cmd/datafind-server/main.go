// Package main provides the datafind-server CLI entry point.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gwdatafind/datafind-server/internal/config"
	"github.com/gwdatafind/datafind-server/internal/metrics"
	"github.com/gwdatafind/datafind-server/internal/service"
	"github.com/gwdatafind/datafind-server/pkg/api"
	"github.com/gwdatafind/datafind-server/pkg/health"
	"github.com/gwdatafind/datafind-server/pkg/logging"
)

// Set at build time with -ldflags "-X main.version=..."
var (
	version = "dev"
	commit  = "unknown"
)

var (
	// Global flags
	configPath string
	envFiles   []string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "datafind-server",
		Short: "Serve gravitational-wave data discovery queries",
		Long: `datafind-server answers data discovery queries from an in-memory index
of a frame inventory file. The inventory and the optional access list are
re-read in the background whenever they change on disk.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().StringArrayVar(&envFiles, "env-file", nil, "Load environment from file before DATAFIND_* overrides (repeatable, default ./.env if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override global.log_level")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the YAML file, env files and DATAFIND_*
// variables, then validates the result.
func loadConfig() (*config.Configuration, error) {
	cfg := config.NewDefault()
	if configPath != "" {
		if err := cfg.LoadFromFile(configPath); err != nil {
			return nil, err
		}
	}
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Global.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Configuration) (zerolog.Logger, io.Closer, error) {
	return logging.New(logging.Config{
		Level:      cfg.Global.LogLevel,
		Format:     cfg.Global.LogFormat,
		File:       cfg.Global.LogFile,
		MaxSizeMB:  cfg.Global.LogMaxSizeMB,
		MaxBackups: cfg.Global.LogMaxBackups,
		Compress:   cfg.Global.LogCompress,
	})
}

func serveCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "", "Override server.address")
	return cmd
}

func serve(ctx context.Context, cfg *config.Configuration) error {
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Server.EnableMetrics,
		Path:      cfg.Server.MetricsPath,
		Namespace: "datafind",
	})
	if err != nil {
		return err
	}
	tracker := health.NewTracker(health.DefaultConfig())

	svc, err := service.New(cfg,
		service.WithLogger(logging.Component(logger, "store")),
		service.WithMetrics(collector),
		service.WithHealth(tracker),
	)
	if err != nil {
		return err
	}

	server := api.NewServer(api.ServerConfig{
		Address:       cfg.Server.Address,
		APIPrefix:     cfg.Server.APIPrefix,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		IdleTimeout:   cfg.Server.IdleTimeout,
		EnableCORS:    cfg.Server.EnableCORS,
		EnableMetrics: cfg.Server.EnableMetrics,
		MetricsPath:   cfg.Server.MetricsPath,
	}, svc,
		api.WithHealthTracker(tracker),
		api.WithMetrics(collector),
		api.WithLogger(logging.Component(logger, "api")),
		api.WithInfo(api.Info{
			Service: "datafind-server",
			Version: version,
			Started: time.Now(),
			Schemes: svc.Schemes(),
		}),
	)

	logger.Info().Str("version", version).Str("commit", commit).Msg("starting datafind-server")

	g, gctx := errgroup.WithContext(ctx)
	svc.Start(gctx)

	g.Go(server.Start)
	g.Go(func() error {
		tracker.StartHealthChecks(gctx, svc.Check)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		svc.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("datafind-server stopped with error")
		return err
	}
	logger.Info().Msg("datafind-server stopped")
	return nil
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Parse the inventory and access list once and report",
		Long: `check loads the configured inventory file (and access list, when enabled)
once, prints what was found and exits non-zero when the inventory cannot be
read or is rejected.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, closer, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()
			return check(cmd.Context(), cfg, logger, cmd.OutOrStdout())
		},
	}
}

func check(ctx context.Context, cfg *config.Configuration, logger zerolog.Logger, out io.Writer) error {
	svc, err := service.New(cfg, service.WithLogger(logger))
	if err != nil {
		return err
	}
	defer svc.Close()

	refreshErr := svc.Refresh(ctx)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STORE\tSTATE\tLINES\tENTRIES\tMALFORMED\tLAST ERROR")
	for _, st := range svc.StoreStats() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n", st.Name, st.State, st.Lines, st.Entries, st.Malformed, st.LastError)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if refreshErr != nil {
		return refreshErr
	}
	idx, err := svc.Index(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d series across extensions %v\n", idx.Len(), idx.Extensions())
	return nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err == nil {
				return fmt.Errorf("%s already exists", args[0])
			}
			if err := config.NewDefault().SaveToFile(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
			return nil
		},
	})

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "datafind-server %s (commit %s)\n", version, commit)
		},
	}
}
