package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/CrowdDotDev/crowd.dev-sub007/config"
)

var (
	envFiles  []string
	cfg       config.Config
	logger    ectologger.Logger
	zapLogger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Identity reconciliation engine",
	Long: `Merges and unmerges members and organizations and keeps the organization
affiliation of their activities up to date. Without a subcommand it runs the service.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(envFiles...); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if zapLogger, err = newZapLogger(cfg); err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		logger = zapadapter.NewZapEctoLogger(zapLogger, nil)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if zapLogger != nil {
			_ = zapLogger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, ".env files loaded before the environment")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newZapLogger(cfg config.Config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapCfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zapCfg.Level = level
	return zapCfg.Build(zap.Fields(zap.String("app", cfg.AppName), zap.String("version", cfg.Version)))
}
