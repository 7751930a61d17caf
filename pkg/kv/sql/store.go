// Package sql provides a key/value store on a SQL table, for PostgreSQL or SQLite.
package sql

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/inteca/nuxeo/pkg/errors"
	"github.com/inteca/nuxeo/pkg/kv"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds SQL store configuration
type Config struct {
	Driver string
	DSN    string
	// Table is created if missing
	Table           string
	CleanupInterval time.Duration
	MaxOpenConns    int
}

// DefaultConfig returns an in-memory SQLite configuration
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		DSN:             "file::memory:?cache=shared",
		Table:           "kv",
		CleanupInterval: time.Minute,
	}
}

// Store keeps entries in a table (k, v, ttl) where ttl is the expiry in unix milliseconds, 0 for none
type Store struct {
	db     *sql.DB
	config Config
	logger *zap.Logger
	retry  *errors.RetryPolicy

	getQuery    string
	putQuery    string
	deleteQuery string
	sweepQuery  string

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewStore opens the database and creates the table
func NewStore(ctx context.Context, config Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Table == "" {
		config.Table = "kv"
	}
	if !tableName.MatchString(config.Table) {
		return nil, fmt.Errorf("invalid table name %q", config.Table)
	}
	if config.Driver != DriverPostgres && config.Driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported driver %q", config.Driver)
	}
	dsn := config.DSN
	if config.Driver == DriverSQLite && !strings.Contains(dsn, "busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(10000)"
	}
	db, err := sql.Open(config.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", config.Driver, err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.Driver == DriverSQLite {
		// one writer at a time, an in-memory database lives as long as a connection is open
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:     db,
		config: config,
		logger: logger,
		retry:  errors.DefaultRetryPolicy(),
		done:   make(chan struct{}),
	}
	s.retry.InitialBackoff = 50 * time.Millisecond
	s.retry.MaxBackoff = 500 * time.Millisecond
	s.prepareQueries()

	if err := s.createTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if config.CleanupInterval > 0 {
		s.wg.Add(1)
		go s.cleanupLoop(config.CleanupInterval)
	}
	logger.Info("SQL key/value store ready",
		zap.String("driver", config.Driver),
		zap.String("table", config.Table))
	return s, nil
}

func (s *Store) prepareQueries() {
	t := s.config.Table
	s.getQuery = s.rebind(fmt.Sprintf(`SELECT v, ttl FROM %s WHERE k = ?`, t))
	s.putQuery = s.rebind(fmt.Sprintf(
		`INSERT INTO %s (k, v, ttl) VALUES (?, ?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v, ttl = excluded.ttl`, t))
	s.deleteQuery = s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE k = ?`, t))
	s.sweepQuery = s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE ttl > 0 AND ttl < ?`, t))
}

// rebind turns ? placeholders into $n for PostgreSQL
func (s *Store) rebind(query string) string {
	if s.config.Driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (s *Store) createTable(ctx context.Context) error {
	blob := "BLOB"
	if s.config.Driver == DriverPostgres {
		blob = "BYTEA"
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			k VARCHAR(1024) PRIMARY KEY,
			v %s,
			ttl BIGINT NOT NULL DEFAULT 0
		)`, s.config.Table, blob)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_ttl ON %s (ttl)`, s.config.Table, s.config.Table)
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) error {
	result := s.retry.Execute(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
	return result.LastError
}

// Get returns nil when the key is absent or expired
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var ttl int64
	err := s.db.QueryRowContext(ctx, s.getQuery, key).Scan(&value, &ttl)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if ttl > 0 && time.Now().UnixMilli() > ttl {
		return nil, nil
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

// Put upserts a value, a zero ttl never expires
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiry int64
	if ttl > 0 {
		expiry = time.Now().Add(ttl).UnixMilli()
	}
	if value == nil {
		value = []byte{}
	}
	if err := s.exec(ctx, s.putQuery, key, value, expiry); err != nil {
		return fmt.Errorf("failed to put key %s: %w", key, err)
	}
	return nil
}

// Delete removes a key
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.exec(ctx, s.deleteQuery, key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Sweep removes expired entries and returns how many were deleted
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.sweepQuery, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired keys: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) cleanupLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			n, err := s.Sweep(context.Background())
			if err != nil {
				s.logger.Warn("Expiration sweep failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Debug("Cleaned up expired keys", zap.Int64("count", n))
			}
		}
	}
}

// Close stops the sweeper and closes the database
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

var _ kv.Store = (*Store)(nil)
