// Package sqlstore persists tenant configuration in a SQL database. SQLite and Postgres are
// supported; the schema is managed with embedded migrations.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cschleiden/go-taskrun/log"
	"github.com/cschleiden/go-taskrun/tenant"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed db/migrations
var migrationsFS embed.FS

type dialect string

const (
	dialectSqlite   dialect = "sqlite"
	dialectPostgres dialect = "postgres"
)

type Store struct {
	db             *sql.DB
	dialect        dialect
	ownsConnection bool
	logger         *slog.Logger

	mu        sync.RWMutex
	listeners []func(tenantID string)
}

var _ tenant.Service = (*Store)(nil)

type options struct {
	Logger *slog.Logger

	// ApplyMigrations automatically applies database migrations on startup.
	ApplyMigrations bool
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.Logger = logger
	}
}

// WithApplyMigrations controls whether database migrations are applied on startup.
func WithApplyMigrations(applyMigrations bool) Option {
	return func(o *options) {
		o.ApplyMigrations = applyMigrations
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{
		Logger:          slog.Default(),
		ApplyMigrations: true,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// NewSqliteStore opens the sqlite database at path.
func NewSqliteStore(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	return newStore(db, dialectSqlite, true, opts...)
}

// NewPostgresStore connects to the Postgres database identified by dsn using the pgx driver.
func NewPostgresStore(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}

	return newStore(db, dialectPostgres, true, opts...)
}

// NewPostgresStoreWithDB uses an existing connection. The store does not close it.
func NewPostgresStoreWithDB(db *sql.DB, opts ...Option) (*Store, error) {
	return newStore(db, dialectPostgres, false, opts...)
}

func newStore(db *sql.DB, d dialect, owns bool, opts ...Option) (*Store, error) {
	o := applyOptions(opts...)

	s := &Store{
		db:             db,
		dialect:        d,
		ownsConnection: owns,
		logger:         o.Logger,
	}

	if o.ApplyMigrations {
		if err := s.Migrate(); err != nil {
			if owns {
				db.Close()
			}

			return nil, err
		}
	}

	return s, nil
}

// Migrate applies any pending database migrations.
func (s *Store) Migrate() error {
	var (
		dbi database.Driver
		err error
	)

	switch s.dialect {
	case dialectSqlite:
		dbi, err = sqlite.WithInstance(s.db, &sqlite.Config{})
	case dialectPostgres:
		dbi, err = postgres.WithInstance(s.db, &postgres.Config{})
	}
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "db/migrations/"+string(s.dialect))
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, string(s.dialect), dbi)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	return nil
}

func (s *Store) Close() error {
	if !s.ownsConnection {
		return nil
	}

	return s.db.Close()
}

// OnChange registers fn to be called after a tenant's configuration was changed through this store.
func (s *Store) OnChange(fn func(tenantID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, fn)
}

func (s *Store) StorageConfiguration(ctx context.Context, tenantID string) (*tenant.StorageConfiguration, error) {
	row := s.db.QueryRowContext(ctx, s.bind("SELECT storage_type, storage_configuration FROM tenants WHERE id = ?"), tenantID)

	var (
		storageType string
		raw         string
	)
	if err := row.Scan(&storageType, &raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading tenant %q: %w", tenantID, err)
	}

	sc := &tenant.StorageConfiguration{Type: storageType}
	if err := json.Unmarshal([]byte(raw), &sc.Configuration); err != nil {
		return nil, fmt.Errorf("decoding storage configuration of tenant %q: %w", tenantID, err)
	}

	return sc, nil
}

// SetStorageConfiguration creates or replaces the storage configuration of a tenant.
func (s *Store) SetStorageConfiguration(ctx context.Context, tenantID string, sc tenant.StorageConfiguration) error {
	if err := tenant.ValidateID(tenantID); err != nil {
		return err
	}

	raw, err := json.Marshal(sc.Configuration)
	if err != nil {
		return fmt.Errorf("encoding storage configuration: %w", err)
	}

	if sc.Configuration == nil {
		raw = []byte("{}")
	}

	if _, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO tenants (id, storage_type, storage_configuration) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET storage_type = excluded.storage_type, storage_configuration = excluded.storage_configuration, updated_at = CURRENT_TIMESTAMP`),
		tenantID, sc.Type, string(raw),
	); err != nil {
		return fmt.Errorf("storing tenant %q: %w", tenantID, err)
	}

	s.logger.DebugContext(ctx, "updated tenant storage configuration", log.TenantIDKey, tenantID)
	s.notify(tenantID)

	return nil
}

// DeleteTenant removes the configuration of a tenant. Deleting an unknown tenant is not an error.
func (s *Store) DeleteTenant(ctx context.Context, tenantID string) error {
	if _, err := s.db.ExecContext(ctx, s.bind("DELETE FROM tenants WHERE id = ?"), tenantID); err != nil {
		return fmt.Errorf("deleting tenant %q: %w", tenantID, err)
	}

	s.notify(tenantID)

	return nil
}

func (s *Store) notify(tenantID string) {
	s.mu.RLock()
	listeners := append([]func(string){}, s.listeners...)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(tenantID)
	}
}

// bind rewrites ? placeholders to the dialect's positional form.
func (s *Store) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}

	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}

		out = append(out, query[i])
	}

	return string(out)
}
