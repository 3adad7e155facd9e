package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wadesk/syncd/internal/app"
	"github.com/wadesk/syncd/internal/config"
	"github.com/wadesk/syncd/internal/logging"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wadesk-sync",
		Short: "WhatsApp desk real-time sync client",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("rest-url", "", "Backend REST base URL")
	cmd.PersistentFlags().String("push-url", "", "Backend push channel URL")
	cmd.PersistentFlags().String("token", "", "Access token (overrides env)")
	cmd.PersistentFlags().String("tenant-id", "", "Tenant id (defaults to the token's tenant claim)")
	cmd.PersistentFlags().Int("max-attempts", defaults.GetInt("reconnect.max_attempts"), "Reconnect attempts before giving up")
	cmd.PersistentFlags().Duration("initial-delay", defaults.GetDuration("reconnect.initial_delay"), "First reconnect delay")
	cmd.PersistentFlags().Duration("max-delay", defaults.GetDuration("reconnect.max_delay"), "Reconnect delay ceiling")
	cmd.PersistentFlags().String("cache-path", defaults.GetString("cache.path"), "SQLite cache path (empty disables the cache)")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Local API listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed to call the local API")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")

	bindFlag(cmd, "backend.rest_url", "rest-url")
	bindFlag(cmd, "backend.push_url", "push-url")
	bindFlag(cmd, "auth.token", "token")
	bindFlag(cmd, "auth.tenant_id", "tenant-id")
	bindFlag(cmd, "reconnect.max_attempts", "max-attempts")
	bindFlag(cmd, "reconnect.initial_delay", "initial-delay")
	bindFlag(cmd, "reconnect.max_delay", "max-delay")
	bindFlag(cmd, "cache.path", "cache-path")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
		return err
	}

	return nil
}

func runClient(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	application, err := app.New(appConfig, logger, app.Overrides{})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("sync client starting",
		zap.String("tenant_id", application.Identity().TenantID()),
		zap.String("push_url", appConfig.PushURL))
	return application.Run(signalCtx)
}
