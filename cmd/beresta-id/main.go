package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/beresta/messenger/internal/auth"
	"github.com/beresta/messenger/internal/config"
	"github.com/beresta/messenger/internal/database"
	"github.com/beresta/messenger/internal/identity"
	"github.com/beresta/messenger/internal/logging"
	"github.com/beresta/messenger/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "beresta-id",
		Short: "Beresta ID account service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyIdentityDefaults(viper.GetViper())
	defaults := config.NewIdentityViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("schema", defaults.GetString("identity.schema"), "Table namespace for accounts and sessions")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "identity.schema", "schema")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.LoadIdentity(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, "beresta-id")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schema, err := identity.NewSchema(appConfig.Schema)
	if err != nil {
		return err
	}

	store, err := database.Open(signalCtx, database.Config(appConfig.Database), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if failed := database.EnsureSchema(store.DB(), logger, schema.Tables()...); len(failed) > 0 {
		logger.Warn("identity schema incomplete",
			zap.String("schema", schema.Name()),
			zap.Strings("tables", failed))
	}

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		AccessTTL:     appConfig.Auth.AccessTTL,
		RefreshTTL:    appConfig.Auth.RefreshTTL,
	})
	if err != nil {
		return err
	}

	accounts, err := identity.NewService(identity.ServiceConfig{
		Store:  store,
		Schema: schema,
		Tokens: tokens,
		Hasher: auth.NewPasswordHasher(appConfig.Auth.BcryptCost),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	limiters, closeLimiters, err := server.NewLimiters(signalCtx, appConfig.RateLimit, appConfig.Redis, "beresta-id:ratelimit:", logger)
	if err != nil {
		return err
	}
	defer closeLimiters() //nolint:errcheck

	handler, err := server.NewIdentityHandler(server.Dependencies{
		Health:     store,
		Identity:   accounts,
		Limiters:   limiters,
		CORSOrigin: appConfig.CORSOrigin,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server.Run(signalCtx, httpServer, logger)
}
