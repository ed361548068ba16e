package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/visitorhub/dbcore/pkg/config"
	"github.com/visitorhub/dbcore/pkg/database"
	"github.com/visitorhub/dbcore/pkg/monitoring"
	"github.com/visitorhub/dbcore/pkg/pool"
)

var (
	// Global flags
	configFile string
	logLevel   string
	logFormat  string
	dsn        string
	opsPort    int

	// Build info (set by build system)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dbcored",
		Short: "Database resilience core for the visitor management backend",
		Long: `dbcored runs the pooled, retrying database core used by the office and
visitor management services, and exposes its health, performance and
Prometheus metrics over an ops HTTP endpoint.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		RunE:         runServer,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&logFormat, "log-format", "f", "", "log format (json, console)")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "database DSN")
	rootCmd.PersistentFlags().IntVarP(&opsPort, "port", "p", 0, "ops HTTP server port")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Connect the database and serve the ops endpoints",
		RunE:  runServer,
	})
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// loadConfig loads the configuration and applies command line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if dsn != "" {
		cfg.Database.DSN = dsn
	}
	if opsPort > 0 {
		cfg.Server.Port = opsPort
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg config.LoggingConfig, out io.Writer) (zerolog.Logger, io.Closer, error) {
	return monitoring.SetupLogging(monitoring.LoggingConfig{
		Level:      cfg.Level,
		Format:     monitoring.LogFormat(cfg.Format),
		OutputFile: cfg.OutputFile,
		Output:     out,
	})
}

func tracingConfig(cfg config.TracingConfig) monitoring.TracingConfig {
	tc := monitoring.DefaultTracingConfig()
	tc.Enabled = cfg.Enabled
	tc.Exporter = monitoring.TracingExporter(cfg.Exporter)
	tc.Endpoint = cfg.Endpoint
	tc.Insecure = cfg.Insecure
	tc.SamplingRatio = cfg.SamplingRatio
	tc.Environment = cfg.Environment
	tc.ServiceVersion = version
	if cfg.ServiceName != "" {
		tc.ServiceName = cfg.ServiceName
	}
	return tc
}

// openDatabase builds the facade without connecting it.
func openDatabase(cfg *config.Config, opts ...database.Option) (*database.DB, error) {
	if err := cfg.CreateDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	dbCfg, err := cfg.Database.ToDatabaseConfig()
	if err != nil {
		return nil, err
	}
	db, err := database.New(dbCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}
	return db, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, logCloser, err := setupLogging(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logCloser.Close()

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", date).
		Str("driver", cfg.Database.Driver).
		Bool("ops_enabled", cfg.Server.Enabled).
		Msg("Starting dbcored")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracing, err := monitoring.NewTracingManager(ctx, tracingConfig(cfg.Tracing))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Tracing shutdown failed")
		}
	}()

	db, err := openDatabase(cfg, database.WithTracer(tracing.Tracer()))
	if err != nil {
		return err
	}

	collector := monitoring.NewCollector(cfg.Server.MetricsNamespace)
	if err := collector.Attach(db); err != nil {
		return fmt.Errorf("failed to attach metrics: %w", err)
	}

	if err := db.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := db.Close(closeCtx); err != nil {
			logger.Error().Err(err).Msg("Database close failed")
		}
	}()

	var server *monitoring.Server
	if cfg.Server.Enabled {
		server = monitoring.NewServer(monitoring.ServerConfig{
			Address:      cfg.Server.Address,
			Port:         cfg.Server.Port,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}, db, collector, tracing, logger)
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start ops server: %w", err)
		}
	}

	<-ctx.Done()
	logger.Info().Msg("Received shutdown signal")

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Ops server shutdown failed")
		}
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

func newCheckCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Connect once, run a health check and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			_, logCloser, err := setupLogging(cfg.Logging, cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("failed to setup logging: %w", err)
			}
			defer logCloser.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close(context.Background())

			if err := db.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect database: %w", err)
			}

			health := db.HealthCheck(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(health); err != nil {
				return err
			}

			if health.Status == pool.HealthStatusUnhealthy {
				return fmt.Errorf("database is %s", health.Status)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall check timeout")
	return cmd
}

func newConfigCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()

			path := outputPath
			if path == "" {
				path = "dbcored.yaml"
			}

			if err := cfg.SaveConfig(path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Generated default configuration: %s\n", path)
			return nil
		},
	}
	generateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			redacted := cfg.Redacted()
			fmt.Fprintf(out, "Configuration is valid\n")
			fmt.Fprintf(out, "Driver: %s\n", redacted.Database.Driver)
			fmt.Fprintf(out, "DSN: %s\n", redacted.Database.DSN)
			fmt.Fprintf(out, "Pool: min %d, max %d\n", cfg.Database.Pool.Min, cfg.Database.Pool.Max)
			fmt.Fprintf(out, "Retry: %d retries, %s to %s\n", cfg.Database.Retry.MaxRetries, cfg.Database.Retry.BaseDelay, cfg.Database.Retry.MaxDelay)
			return nil
		},
	}

	cmd.AddCommand(generateCmd)
	cmd.AddCommand(validateCmd)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "dbcored\n")
			fmt.Fprintf(out, "Version: %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	}
}
