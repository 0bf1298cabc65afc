package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chatter/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	userName string
	password string

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "chatter",
	Short: "Group chat with live sync over Postgres and Redis",
	Long: `chatter is a small group-messaging client.

Groups are identified by a 6-character code. Notes sync live while a group is
open, older history is paged on demand, and unread counts are tracked per group.

Configuration comes from the environment (DATABASE_URL, REDIS_URL, CHATTER_*).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		var err error
		logger, err = buildLogger(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func buildLogger(cfg config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.LogDev {
		zcfg = zap.NewDevelopmentConfig()
	}
	if level, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&userName, "user", "u", "", "account name")
	rootCmd.PersistentFlags().StringVarP(&password, "password", "p", "", "account password")

	rootCmd.AddCommand(registerCmd, migrateCmd, groupCmd, chatCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	groupCmd.AddCommand(groupCreateCmd, groupJoinCmd, groupLeaveCmd, groupListCmd, groupInfoCmd)

	registerCmd.Flags().String("confirm", "", "repeat the password (defaults to --password)")
	groupCreateCmd.Flags().String("code", "", "choose the group code instead of generating one")
	chatCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address while chatting")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
