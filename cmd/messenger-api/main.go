package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/beresta/messenger/internal/auth"
	"github.com/beresta/messenger/internal/blobstore"
	"github.com/beresta/messenger/internal/config"
	"github.com/beresta/messenger/internal/database"
	"github.com/beresta/messenger/internal/identity"
	"github.com/beresta/messenger/internal/logging"
	"github.com/beresta/messenger/internal/media"
	"github.com/beresta/messenger/internal/messaging"
	"github.com/beresta/messenger/internal/recordstore"
	"github.com/beresta/messenger/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "messenger-api",
		Short: "Beresta messenger backend",
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
	config.ApplyMessengerDefaults(viper.GetViper())
	defaults := config.NewMessengerViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("messaging-store", defaults.GetString("messaging.store"), "Messaging store (sql, file)")
	cmd.PersistentFlags().String("store-path", defaults.GetString("store.path"), "Record store JSON document path")
	cmd.PersistentFlags().String("uploads-dir", defaults.GetString("uploads.dir"), "Attachment directory for local storage")
	cmd.PersistentFlags().String("storage-backend", defaults.GetString("storage.backend"), "Attachment storage (local, minio)")
	cmd.PersistentFlags().Bool("auth-enabled", defaults.GetBool("auth.enabled"), "Mount identity routes on this server")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "messaging.store", "messaging-store")
	bindFlag(cmd, "store.path", "store-path")
	bindFlag(cmd, "uploads.dir", "uploads-dir")
	bindFlag(cmd, "storage.backend", "storage-backend")
	bindFlag(cmd, "auth.enabled", "auth-enabled")
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
	appConfig, err := config.LoadMessenger(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, "messenger-api")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := database.Open(signalCtx, database.Config(appConfig.Database), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var health server.HealthChecker = store
	var repository messaging.Repository
	switch appConfig.MessagingStore {
	case config.MessagingStoreFile:
		records, err := recordstore.Open(recordstore.Config{Path: appConfig.StorePath, Logger: logger})
		if err != nil {
			return err
		}
		defer records.Close()
		if appConfig.BackupInterval > 0 {
			go records.RunBackups(signalCtx, appConfig.BackupInterval)
		}
		repository, health = records, records
	default:
		if failed := database.EnsureSchema(store.DB(), logger, messaging.Tables()...); len(failed) > 0 {
			logger.Warn("messaging schema incomplete", zap.Strings("tables", failed))
		}
		if err := database.ApplyMigrations(store.DB(), logger, messaging.Migrations()...); err != nil {
			return err
		}
		repository = messaging.NewSQLRepository(store)
	}

	blobs, err := openBlobStore(signalCtx, appConfig.Storage)
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	messagingService, err := messaging.NewService(messaging.ServiceConfig{
		Repository:  repository,
		Blobs:       blobs,
		Thumbnailer: thumbnailer(appConfig.Thumbnail, logger),
		Events:      dispatcher,
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	var accounts *identity.Service
	if appConfig.Auth.Enabled {
		accounts, err = identityService(store, appConfig.Auth, logger)
		if err != nil {
			return err
		}
	}

	limiters, closeLimiters, err := server.NewLimiters(signalCtx, appConfig.RateLimit, appConfig.Redis, "beresta:ratelimit:", logger)
	if err != nil {
		return err
	}
	defer closeLimiters() //nolint:errcheck

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Messaging:      messagingService,
		Health:         health,
		Realtime:       dispatcher,
		Identity:       accounts,
		Limiters:       limiters,
		CORSOrigin:     appConfig.CORSOrigin,
		MaxUploadBytes: appConfig.Storage.MaxUploadBytes,
		Logger:         logger,
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

func openBlobStore(ctx context.Context, cfg config.StorageConfig) (blobstore.Store, error) {
	if cfg.Backend == config.StorageMinIO {
		return blobstore.NewMinIOStore(ctx, blobstore.MinIOConfig(cfg.MinIO))
	}
	return blobstore.NewLocalStore(cfg.UploadDir)
}

// thumbnailer returns nil when ffmpeg is not installed; videos then upload
// without a preview.
func thumbnailer(cfg config.ThumbnailConfig, logger *zap.Logger) messaging.Thumbnailer {
	generator := media.NewThumbnailer(cfg.FFmpegPath, cfg.Width, cfg.Height)
	if _, err := exec.LookPath(generator.FFmpegPath); err != nil {
		logger.Warn("ffmpeg not found, video thumbnails disabled",
			zap.String("ffmpeg_path", generator.FFmpegPath),
			zap.Error(err))
		return nil
	}
	return generator
}

func identityService(store *database.Store, cfg config.AuthConfig, logger *zap.Logger) (*identity.Service, error) {
	schema, err := identity.NewSchema(identity.MessengerSchema)
	if err != nil {
		return nil, err
	}
	if failed := database.EnsureSchema(store.DB(), logger, schema.Tables()...); len(failed) > 0 {
		logger.Warn("identity schema incomplete", zap.Strings("tables", failed))
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.SigningSecret),
		AccessTTL:     cfg.AccessTTL,
		RefreshTTL:    cfg.RefreshTTL,
	})
	if err != nil {
		return nil, err
	}
	return identity.NewService(identity.ServiceConfig{
		Store:  store,
		Schema: schema,
		Tokens: tokens,
		Hasher: auth.NewPasswordHasher(cfg.BcryptCost),
		Logger: logger,
	})
}
