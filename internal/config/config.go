package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	MessengerEnvPrefix = "BERESTA"
	IdentityEnvPrefix  = "BERESTA_ID"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	MessagingStoreSQL  = "sql"
	MessagingStoreFile = "file"

	StorageLocal = "local"
	StorageMinIO = "minio"

	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"

	defaultMessengerPort   = 3000
	defaultIdentityPort    = 3001
	defaultLogLevel        = "info"
	defaultCORSOrigin      = "*"
	defaultMaxOpenConns    = 10
	defaultAcquireTimeout  = 5 * time.Second
	defaultIdleTimeout     = 30 * time.Second
	defaultConnectAttempts = 5
	defaultConnectDelay    = 5 * time.Second
	defaultAccessTTL       = 30 * 24 * time.Hour
	defaultRefreshTTL      = 90 * 24 * time.Hour
	defaultBcryptCost      = 10
	defaultMaxUploadBytes  = 100 << 20
	defaultRateWindow      = 15 * time.Minute
)

// DatabaseConfig describes the relational store connection and pool.
type DatabaseConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	AcquireTimeout  time.Duration
	IdleTimeout     time.Duration
	ConnectAttempts int
	ConnectDelay    time.Duration
}

// AuthConfig configures token issuance and password hashing.
type AuthConfig struct {
	Enabled       bool
	SigningSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	BcryptCost    int
}

// RateLimitRule is a request budget per client over a fixed window.
type RateLimitRule struct {
	Limit  int64
	Window time.Duration
}

// RateLimitConfig holds one rule per route class.
type RateLimitConfig struct {
	Backend string
	Auth    RateLimitRule
	API     RateLimitRule
	Upload  RateLimitRule
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// StorageConfig selects where attachments live.
type StorageConfig struct {
	Backend        string
	UploadDir      string
	MaxUploadBytes int64
	MinIO          MinIOConfig
}

type ThumbnailConfig struct {
	FFmpegPath string
	Width      int
	Height     int
}

// MessengerConfig captures runtime configuration for the messaging server.
type MessengerConfig struct {
	HTTPAddress    string
	CORSOrigin     string
	LogLevel       string
	Database       DatabaseConfig
	MessagingStore string
	StorePath      string
	BackupInterval time.Duration
	Storage        StorageConfig
	Thumbnail      ThumbnailConfig
	Auth           AuthConfig
	RateLimit      RateLimitConfig
	Redis          RedisConfig
}

// IdentityConfig captures runtime configuration for the identity service.
type IdentityConfig struct {
	HTTPAddress string
	CORSOrigin  string
	LogLevel    string
	Schema      string
	Database    DatabaseConfig
	Auth        AuthConfig
	RateLimit   RateLimitConfig
	Redis       RedisConfig
}

// NewMessengerViper returns a viper instance with messenger defaults and env bindings.
func NewMessengerViper() *viper.Viper {
	configViper := viper.New()
	ApplyMessengerDefaults(configViper)
	return configViper
}

// NewIdentityViper returns a viper instance with identity defaults and env bindings.
func NewIdentityViper() *viper.Viper {
	configViper := viper.New()
	ApplyIdentityDefaults(configViper)
	return configViper
}

// ApplyMessengerDefaults configures defaults and env bindings for the messaging server.
func ApplyMessengerDefaults(configViper *viper.Viper) {
	applyCommonDefaults(configViper, MessengerEnvPrefix, defaultMessengerPort, "messenger.db")

	configViper.SetDefault("messaging.store", MessagingStoreSQL)
	configViper.SetDefault("store.path", "data/database.json")
	configViper.SetDefault("store.backup_interval", 6*time.Hour)
	configViper.SetDefault("storage.backend", StorageLocal)
	configViper.SetDefault("uploads.dir", "uploads")
	configViper.SetDefault("uploads.max_bytes", int64(defaultMaxUploadBytes))
	configViper.SetDefault("minio.bucket", "attachments")
	configViper.SetDefault("minio.use_ssl", false)
	configViper.SetDefault("thumbnail.ffmpeg_path", "")
	configViper.SetDefault("thumbnail.width", 320)
	configViper.SetDefault("thumbnail.height", 240)
	configViper.SetDefault("auth.enabled", false)

	bindEnv(configViper, MessengerEnvPrefix, "uploads.dir", "UPLOAD_DIR")
	bindEnv(configViper, MessengerEnvPrefix, "store.path", "DB_PATH")
}

// ApplyIdentityDefaults configures defaults and env bindings for the identity service.
func ApplyIdentityDefaults(configViper *viper.Viper) {
	applyCommonDefaults(configViper, IdentityEnvPrefix, defaultIdentityPort, "beresta_id.db")
	configViper.SetDefault("identity.schema", "beresta_id")
	configViper.SetDefault("auth.enabled", true)
}

func applyCommonDefaults(configViper *viper.Viper, prefix string, port int, databasePath string) {
	configViper.SetEnvPrefix(prefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", "")
	configViper.SetDefault("http.port", port)
	configViper.SetDefault("cors.origin", defaultCORSOrigin)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("database.driver", DriverSQLite)
	configViper.SetDefault("database.dsn", databasePath)
	configViper.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	configViper.SetDefault("database.acquire_timeout", defaultAcquireTimeout)
	configViper.SetDefault("database.idle_timeout", defaultIdleTimeout)
	configViper.SetDefault("database.connect_attempts", defaultConnectAttempts)
	configViper.SetDefault("database.connect_delay", defaultConnectDelay)

	configViper.SetDefault("auth.access_ttl", defaultAccessTTL)
	configViper.SetDefault("auth.refresh_ttl", defaultRefreshTTL)
	configViper.SetDefault("auth.bcrypt_cost", defaultBcryptCost)

	configViper.SetDefault("ratelimit.backend", RateLimitMemory)
	configViper.SetDefault("ratelimit.auth.limit", 10)
	configViper.SetDefault("ratelimit.auth.window", defaultRateWindow)
	configViper.SetDefault("ratelimit.api.limit", 100)
	configViper.SetDefault("ratelimit.api.window", defaultRateWindow)
	configViper.SetDefault("ratelimit.upload.limit", 20)
	configViper.SetDefault("ratelimit.upload.window", defaultRateWindow)
	configViper.SetDefault("redis.address", "localhost:6379")
	configViper.SetDefault("redis.db", 0)

	bindEnv(configViper, prefix, "http.port", "PORT")
	bindEnv(configViper, prefix, "database.dsn", "DATABASE_URL")
	bindEnv(configViper, prefix, "auth.signing_secret", "JWT_SECRET")
	bindEnv(configViper, prefix, "cors.origin", "CORS_ORIGIN")
}

// bindEnv binds the prefixed variable first so it wins over the legacy names.
func bindEnv(configViper *viper.Viper, prefix, key string, legacy ...string) {
	prefixed := prefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	names := append([]string{key, prefixed}, legacy...)
	if err := configViper.BindEnv(names...); err != nil {
		panic(err)
	}
}

// LoadMessenger parses messaging server configuration from viper.
func LoadMessenger(configViper *viper.Viper) (MessengerConfig, error) {
	cfg := MessengerConfig{
		HTTPAddress:    listenAddress(configViper),
		CORSOrigin:     configViper.GetString("cors.origin"),
		LogLevel:       configViper.GetString("log.level"),
		Database:       loadDatabase(configViper),
		MessagingStore: strings.ToLower(strings.TrimSpace(configViper.GetString("messaging.store"))),
		StorePath:      configViper.GetString("store.path"),
		BackupInterval: configViper.GetDuration("store.backup_interval"),
		Storage: StorageConfig{
			Backend:        strings.ToLower(strings.TrimSpace(configViper.GetString("storage.backend"))),
			UploadDir:      configViper.GetString("uploads.dir"),
			MaxUploadBytes: configViper.GetInt64("uploads.max_bytes"),
			MinIO: MinIOConfig{
				Endpoint:  configViper.GetString("minio.endpoint"),
				AccessKey: configViper.GetString("minio.access_key"),
				SecretKey: configViper.GetString("minio.secret_key"),
				Bucket:    configViper.GetString("minio.bucket"),
				UseSSL:    configViper.GetBool("minio.use_ssl"),
			},
		},
		Thumbnail: ThumbnailConfig{
			FFmpegPath: configViper.GetString("thumbnail.ffmpeg_path"),
			Width:      configViper.GetInt("thumbnail.width"),
			Height:     configViper.GetInt("thumbnail.height"),
		},
		Auth:      loadAuth(configViper),
		RateLimit: loadRateLimit(configViper),
		Redis:     loadRedis(configViper),
	}

	if err := cfg.validate(); err != nil {
		return MessengerConfig{}, err
	}
	return cfg, nil
}

// LoadIdentity parses identity service configuration from viper.
func LoadIdentity(configViper *viper.Viper) (IdentityConfig, error) {
	cfg := IdentityConfig{
		HTTPAddress: listenAddress(configViper),
		CORSOrigin:  configViper.GetString("cors.origin"),
		LogLevel:    configViper.GetString("log.level"),
		Schema:      strings.TrimSpace(configViper.GetString("identity.schema")),
		Database:    loadDatabase(configViper),
		Auth:        loadAuth(configViper),
		RateLimit:   loadRateLimit(configViper),
		Redis:       loadRedis(configViper),
	}
	cfg.Auth.Enabled = true

	if err := cfg.validate(); err != nil {
		return IdentityConfig{}, err
	}
	return cfg, nil
}

func listenAddress(configViper *viper.Viper) string {
	if address := strings.TrimSpace(configViper.GetString("http.address")); address != "" {
		return address
	}
	return fmt.Sprintf("0.0.0.0:%d", configViper.GetInt("http.port"))
}

func loadDatabase(configViper *viper.Viper) DatabaseConfig {
	return DatabaseConfig{
		Driver:          strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DSN:             configViper.GetString("database.dsn"),
		MaxOpenConns:    configViper.GetInt("database.max_open_conns"),
		AcquireTimeout:  configViper.GetDuration("database.acquire_timeout"),
		IdleTimeout:     configViper.GetDuration("database.idle_timeout"),
		ConnectAttempts: configViper.GetInt("database.connect_attempts"),
		ConnectDelay:    configViper.GetDuration("database.connect_delay"),
	}
}

func loadAuth(configViper *viper.Viper) AuthConfig {
	return AuthConfig{
		Enabled:       configViper.GetBool("auth.enabled"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		AccessTTL:     configViper.GetDuration("auth.access_ttl"),
		RefreshTTL:    configViper.GetDuration("auth.refresh_ttl"),
		BcryptCost:    configViper.GetInt("auth.bcrypt_cost"),
	}
}

func loadRateLimit(configViper *viper.Viper) RateLimitConfig {
	rule := func(class string) RateLimitRule {
		return RateLimitRule{
			Limit:  configViper.GetInt64("ratelimit." + class + ".limit"),
			Window: configViper.GetDuration("ratelimit." + class + ".window"),
		}
	}
	return RateLimitConfig{
		Backend: strings.ToLower(strings.TrimSpace(configViper.GetString("ratelimit.backend"))),
		Auth:    rule("auth"),
		API:     rule("api"),
		Upload:  rule("upload"),
	}
}

func loadRedis(configViper *viper.Viper) RedisConfig {
	return RedisConfig{
		Address:  configViper.GetString("redis.address"),
		Password: configViper.GetString("redis.password"),
		DB:       configViper.GetInt("redis.db"),
	}
}

func (c MessengerConfig) validate() error {
	if err := c.Database.validate(); err != nil {
		return err
	}
	switch c.MessagingStore {
	case MessagingStoreSQL:
	case MessagingStoreFile:
		if strings.TrimSpace(c.StorePath) == "" {
			return fmt.Errorf("store.path is required when messaging.store is %q", MessagingStoreFile)
		}
	default:
		return fmt.Errorf("messaging.store must be %q or %q", MessagingStoreSQL, MessagingStoreFile)
	}
	switch c.Storage.Backend {
	case StorageLocal:
		if strings.TrimSpace(c.Storage.UploadDir) == "" {
			return fmt.Errorf("uploads.dir is required")
		}
	case StorageMinIO:
		if strings.TrimSpace(c.Storage.MinIO.Endpoint) == "" || strings.TrimSpace(c.Storage.MinIO.Bucket) == "" {
			return fmt.Errorf("minio.endpoint and minio.bucket are required")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q", StorageLocal, StorageMinIO)
	}
	if c.Storage.MaxUploadBytes <= 0 {
		return fmt.Errorf("uploads.max_bytes must be positive")
	}
	if c.Auth.Enabled {
		if err := c.Auth.validate(); err != nil {
			return err
		}
	}
	return c.RateLimit.validate(c.Redis)
}

func (c IdentityConfig) validate() error {
	if c.Schema == "" {
		return fmt.Errorf("identity.schema is required")
	}
	if err := c.Database.validate(); err != nil {
		return err
	}
	if err := c.Auth.validate(); err != nil {
		return err
	}
	return c.RateLimit.validate(c.Redis)
}

func (c DatabaseConfig) validate() error {
	if c.Driver != DriverSQLite && c.Driver != DriverPostgres {
		return fmt.Errorf("database.driver must be %q or %q", DriverSQLite, DriverPostgres)
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	return nil
}

func (c AuthConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return fmt.Errorf("auth.access_ttl and auth.refresh_ttl must be positive")
	}
	return nil
}

func (c RateLimitConfig) validate(redis RedisConfig) error {
	switch c.Backend {
	case RateLimitMemory:
	case RateLimitRedis:
		if strings.TrimSpace(redis.Address) == "" {
			return fmt.Errorf("redis.address is required for the redis rate limit backend")
		}
	default:
		return fmt.Errorf("ratelimit.backend must be %q or %q", RateLimitMemory, RateLimitRedis)
	}
	for name, rule := range map[string]RateLimitRule{"auth": c.Auth, "api": c.API, "upload": c.Upload} {
		if rule.Limit <= 0 || rule.Window <= 0 {
			return fmt.Errorf("ratelimit.%s limit and window must be positive", name)
		}
	}
	return nil
}
