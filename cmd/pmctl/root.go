package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/cobra"

	"pm-agent/internal/app"
	"pm-agent/internal/config"
	"pm-agent/internal/integrations/paramstore"
)

var (
	configPath string
	dbPath     string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "pmctl",
	Short: "Run pm-agent pipelines from the terminal",
	Long: `pmctl drives the meeting-to-task pipeline and the project assistant
against a local SQLite database.

Secrets are read from SSM Parameter Store with the default AWS credentials.
Configuration comes from --config and PMAGENT_* environment variables.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("PMAGENT_CONFIG"), "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides storage.sqlite_path)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log pipeline stages to stderr")

	rootCmd.AddCommand(meetingCmd)
	rootCmd.AddCommand(askCmd)
}

// loadConfig reads configuration with the sqlite driver as the default,
// since the Lambda default of dynamodb needs a table. Local audio files are
// admitted on top of the configured sources.
func loadConfig() (*config.Config, error) {
	if _, ok := os.LookupEnv(config.EnvPrefix + "_STORAGE_DRIVER"); !ok {
		if err := os.Setenv(config.EnvPrefix+"_STORAGE_DRIVER", config.DriverSQLite); err != nil {
			return nil, err
		}
	}
	if dbPath != "" {
		if err := os.Setenv(config.EnvPrefix+"_STORAGE_SQLITE_PATH", dbPath); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.OpenAI.AudioSources = append(cfg.OpenAI.AudioSources, string(filepath.Separator))
	return cfg, nil
}

// openServices builds both services. The returned cleanup closes storage.
func openServices(ctx context.Context) (*app.Services, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load AWS config: %w", err)
	}
	secrets, err := paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.Secrets.ParamPrefix)
	if err != nil {
		return nil, nil, err
	}
	storage, err := app.OpenStorage(cfg.Storage, awsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	cleanup := func() {
		if err := storage.Close(); err != nil {
			logger.Warn("close storage", "err", err)
		}
	}

	services, err := app.Build(cfg, app.Deps{Secrets: secrets, Storage: storage, Logger: logger})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return services, cleanup, nil
}
