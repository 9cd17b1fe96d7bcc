package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultMaxOpenConns    = 10
	defaultAcquireTimeout  = 5 * time.Second
	defaultIdleTimeout     = 30 * time.Second
	defaultConnectAttempts = 5
	defaultConnectDelay    = 5 * time.Second

	// pqUniqueViolation is the SQLSTATE postgres reports for duplicate keys.
	pqUniqueViolation = "23505"
)

var (
	// ErrNoRows is returned by Get when the query produced nothing.
	ErrNoRows = errors.New("database: no rows in result set")

	errMissingDSN = errors.New("database: dsn is required")
)

// Config describes how to reach the relational store.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	AcquireTimeout  time.Duration
	IdleTimeout     time.Duration
	ConnectAttempts int
	ConnectDelay    time.Duration
}

// Store is the query facade over a pooled gorm connection.
type Store struct {
	db             *gorm.DB
	acquireTimeout time.Duration
}

// Open connects to the configured engine, sizes the pool and waits for the
// first successful health check, retrying a fixed number of times.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = withDefaults(cfg)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errMissingDSN
	}

	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		DisableAutomaticPing: true,
		TranslateError:       true,
		Logger: gormlogger.New(log.New(os.Stderr, "", log.LstdFlags), gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	maxOpen := cfg.MaxOpenConns
	if cfg.Driver == DriverSQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		maxOpen = 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxOpen)
	sqlDB.SetConnMaxIdleTime(cfg.IdleTimeout)

	store := &Store{db: db, acquireTimeout: cfg.AcquireTimeout}

	var lastErr error
	for attempt := 1; attempt <= cfg.ConnectAttempts; attempt++ {
		if lastErr = store.Health(ctx); lastErr == nil {
			break
		}
		logger.Warn("database connectivity check failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.ConnectAttempts),
			zap.Error(lastErr))
		if attempt == cfg.ConnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			_ = sqlDB.Close()
			return nil, ctx.Err()
		case <-time.After(cfg.ConnectDelay):
		}
	}
	if lastErr != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database: unreachable after %d attempts: %w", cfg.ConnectAttempts, lastErr)
	}

	logger.Info("database connected",
		zap.String("driver", cfg.Driver),
		zap.Int("max_open_conns", maxOpen))
	return store, nil
}

func withDefaults(cfg Config) Config {
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = defaultConnectAttempts
	}
	if cfg.ConnectDelay < 0 {
		cfg.ConnectDelay = defaultConnectDelay
	}
	return cfg
}

func dialectorFor(cfg Config) (gorm.Dialector, error) {
	switch cfg.Driver {
	case DriverSQLite:
		return sqlite.Open(cfg.DSN), nil
	case DriverPostgres:
		return postgres.New(postgres.Config{DriverName: "postgres", DSN: cfg.DSN}), nil
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", cfg.Driver)
	}
}

// NewStore wraps an existing gorm handle, mostly for tests.
func NewStore(db *gorm.DB, acquireTimeout time.Duration) *Store {
	if acquireTimeout <= 0 {
		acquireTimeout = defaultAcquireTimeout
	}
	return &Store{db: db, acquireTimeout: acquireTimeout}
}

// DB exposes the gorm handle for query building.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Conn returns a gorm session bounded by the acquisition timeout.
// The wait for a pooled connection counts against the same deadline.
func (s *Store) Conn(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	bounded, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	return s.db.WithContext(bounded), cancel
}

// Exec runs one statement that returns no rows and reports affected rows.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	db, cancel := s.Conn(ctx)
	defer cancel()
	result := db.Exec(query, args...)
	return result.RowsAffected, result.Error
}

// Get scans the first row of query into dest.
func (s *Store) Get(ctx context.Context, dest any, query string, args ...any) error {
	db, cancel := s.Conn(ctx)
	defer cancel()
	result := db.Raw(query, args...).Scan(dest)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNoRows
	}
	return nil
}

// Select scans every row of query into dest, which must point to a slice.
func (s *Store) Select(ctx context.Context, dest any, query string, args ...any) error {
	db, cancel := s.Conn(ctx)
	defer cancel()
	return db.Raw(query, args...).Scan(dest).Error
}

// Transaction runs fn on one connection; a returned error rolls back.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	db, cancel := s.Conn(ctx)
	defer cancel()
	return db.Transaction(fn)
}

// Health runs a trivial query.
func (s *Store) Health(ctx context.Context) error {
	var one int
	return s.Get(ctx, &one, "SELECT 1")
}

// Healthy reports Health as a boolean.
func (s *Store) Healthy(ctx context.Context) bool {
	return s.Health(ctx) == nil
}

// Close drains the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsUniqueViolation reports a duplicate key from either engine. gorm only
// translates pgx errors, so lib/pq errors are matched on their SQLSTATE.
func IsUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
