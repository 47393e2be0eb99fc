// Package postgres implements the record store against PostgreSQL. Every
// operation runs in its own transaction scope acquired from the pool, is
// retried with a fixed delay while the failure looks transient, and brackets
// itself with progress announcements.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcache/internal/progress"
	"github.com/JakeFAU/crawlcache/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultTable           = "crawled_data"
	defaultMaxConnAttempts = 3
	defaultRetryDelay      = time.Second
	defaultConnectTimeout  = 10 * time.Second
)

// Config controls the Postgres connection pool and the retry budget.
type Config struct {
	DSN             string
	Table           string
	MaxConnAttempts int
	RetryDelay      time.Duration
	ConnectTimeout  time.Duration
	MaxConns        int32
	MinConns        int32
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.MaxConnAttempts <= 0 {
		c.MaxConnAttempts = defaultMaxConnAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	return c
}

// beginner is the slice of pgxpool.Pool the store needs; pgxmock satisfies it
// for tests.
type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store is the Postgres-backed record store.
type Store struct {
	pool     beginner
	table    string
	cfg      Config
	notifier progress.Notifier
	clock    store.Clock
	logger   *zap.Logger
}

// New creates a Store with its own connection pool.
func New(ctx context.Context, cfg Config, notifier progress.Notifier, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	cfg = cfg.withDefaults()
	if !validTableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newStore(pool, cfg, notifier, store.SystemClock{}, logger)
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewWithPool(
	pool beginner,
	cfg Config,
	notifier progress.Notifier,
	clock store.Clock,
	logger *zap.Logger,
) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newStore(pool, cfg.withDefaults(), notifier, clock, logger)
}

func newStore(
	pool beginner,
	cfg Config,
	notifier progress.Notifier,
	clock store.Clock,
	logger *zap.Logger,
) (*Store, error) {
	if !validTableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	if notifier == nil {
		notifier = progress.Nop{}
	}
	if clock == nil {
		clock = store.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:     pool,
		table:    cfg.Table,
		cfg:      cfg,
		notifier: notifier,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// run executes fn inside a fresh transaction, retrying transient failures up
// to the configured attempt budget with a fixed delay between attempts. The
// progress announcements bracket all attempts; the end announcement fires on
// every exit path.
func (s *Store) run(ctx context.Context, label string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	s.notifier.Announce(true, label)
	defer s.notifier.Announce(false, "")

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxConnAttempts; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		var terminal *terminalError
		if errors.As(err, &terminal) {
			return terminal.err
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err
		s.logger.Warn("store operation failed",
			zap.String("operation", label),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < s.cfg.MaxConnAttempts {
			select {
			case <-time.After(s.cfg.RetryDelay):
			case <-ctx.Done():
				return fmt.Errorf("retry wait: %w", ctx.Err())
			}
		}
	}
	return &store.StorageUnavailableError{Attempts: s.cfg.MaxConnAttempts, Err: lastErr}
}

// runOnce acquires a transaction, runs fn, and commits. The deferred rollback
// releases the transaction on every exit path; after a successful commit it
// is a no-op.
func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &connError{err: fmt.Errorf("begin transaction: %w", err)}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return &connError{err: fmt.Errorf("commit transaction: %w", err)}
	}
	return nil
}

// connError marks transaction lifecycle failures, which are always treated as
// transient.
type connError struct{ err error }

func (e *connError) Error() string { return e.err.Error() }
func (e *connError) Unwrap() error { return e.err }

// terminalError suppresses retries for failures that must not be re-run, such
// as an export that already emitted chunks to the caller's sink.
type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// isTransient reports whether err looks like a transient storage-layer
// failure worth retrying. Domain errors (serialization, unsupported format)
// and context cancellation surface immediately.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var serErr *store.SerializationError
	if errors.As(err, &serErr) {
		return false
	}
	var connErr *connError
	if errors.As(err, &connErr) {
		return true
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		// connection exceptions, insufficient resources, operator
		// intervention, and transaction rollbacks (serialization
		// failures, deadlocks) are retryable.
		case "08", "53", "57", "40":
			return true
		}
	}
	return false
}
