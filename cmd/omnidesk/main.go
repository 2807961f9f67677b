package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"omnidesk/internal/config"
	"omnidesk/internal/constants"
	"omnidesk/internal/database"
	"omnidesk/internal/models"
	"omnidesk/internal/retry"
	"omnidesk/internal/versioning"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	envFile    string
	verbose    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Error("omnidesk failed")
		stop()
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "omnidesk",
		Short:         "Multi-channel customer messaging hub with human handover",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnvFile(flags.envFile)
		},
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "config.yaml", "Path to configuration file (.yaml, .yml or .json)")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Optional dotenv file loaded before the configuration")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable verbose logging (includes sensitive information)")

	root.AddCommand(
		serveCmd(flags),
		migrateCmd(flags),
		channelCmd(flags),
		versionCmd(),
	)
	return root
}

// loadEnvFile loads a dotenv file without overriding variables already set.
// A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			info := versioning.NewBuildInfo(Version, GitCommit, BuildTime)
			fmt.Fprintf(cmd.OutOrStdout(), "omnidesk %s\nAPI Version: %s\nBuild Time: %s\nGit Commit: %s\nGo: %s\n",
				info.Version, info.API, info.BuildTime, info.Commit, info.GoVersion)
		},
	}
}

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook, API and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap(flags)
			if err != nil {
				return err
			}
			return run(cmd.Context(), flags, cfg, logger)
		},
	}
}

func migrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap(flags)
			if err != nil {
				return err
			}
			db, err := openDatabase(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			versions, err := db.SchemaVersions(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to read schema version: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Database %s is at schema versions %v\n", cfg.Database.Path, versions)
			return nil
		},
	}
}

// bootstrap loads the configuration and builds the process logger.
func bootstrap(flags *globalFlags) (*models.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, newLogger(cfg, flags.verbose), nil
}

func newLogger(cfg *models.Config, verbose bool) *logrus.Logger {
	logger := logrus.New()
	if cfg.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
		return logger
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// openDatabase opens the store with exponential backoff, since the volume
// holding it may not be mounted yet when the process starts.
func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	backoffConfig := retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	}

	var db *database.Database
	err := retry.NewBackoff(backoffConfig).Retry(ctx, func(ctx context.Context) error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path,
			database.WithEncryptionSecret(cfg.EncryptionSecret),
			database.WithLogger(logger),
			database.WithBackoff(backoffConfig),
		)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	if !db.EncryptionEnabled() {
		logger.Warn("Channel credentials are stored unencrypted; set " + config.EnvEncryptionSecret)
	}
	return db, nil
}
