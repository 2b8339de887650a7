package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cschleiden/go-taskrun/encryption"
	"github.com/cschleiden/go-taskrun/plugin"
	"github.com/cschleiden/go-taskrun/runcontext"
	"github.com/cschleiden/go-taskrun/storage"
	"github.com/cschleiden/go-taskrun/storage/local"
	"github.com/cschleiden/go-taskrun/storage/s3"
	"github.com/cschleiden/go-taskrun/tenant"
	"github.com/cschleiden/go-taskrun/tenant/sqlstore"
)

// NewLogger creates a logger writing to w in the configured format and level.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// TenantService returns the configured tenant lookup. The returned closer releases database
// connections, it is never nil.
func (c *Config) TenantService(logger *slog.Logger) (tenant.Service, io.Closer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := strings.TrimSpace(c.TenantDSN)

	switch {
	case dsn == "":
		return tenant.Static(c.Tenants), nopCloser{}, nil

	case strings.HasPrefix(dsn, "sqlite://"):
		s, err := sqlstore.NewSqliteStore(strings.TrimPrefix(dsn, "sqlite://"), sqlstore.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("opening tenant store: %w", err)
		}

		return s, s, nil

	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		s, err := sqlstore.NewPostgresStore(dsn, sqlstore.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("opening tenant store: %w", err)
		}

		return s, s, nil

	default:
		return nil, nil, fmt.Errorf("unsupported tenant dsn %q", dsn)
	}
}

// Storage creates the configured storage backend, instrumented with the given options.
func (c *Config) Storage(tenants tenant.Service, opts ...storage.Option) (storage.Storage, error) {
	switch c.Storage.Type {
	case StorageTypeLocal:
		ls, err := local.New(c.Storage.BasePath, local.WithTenantService(tenants), local.WithStorageOptions(opts...))
		if err != nil {
			return nil, fmt.Errorf("creating local storage: %w", err)
		}

		if store, ok := tenants.(*sqlstore.Store); ok {
			store.OnChange(ls.InvalidateTenant)
		}

		return storage.NewInstrumented(ls, StorageTypeLocal, opts...), nil

	case StorageTypeS3:
		s, err := s3.New(c.Storage.S3, s3.WithStorageOptions(opts...))
		if err != nil {
			return nil, fmt.Errorf("creating s3 storage: %w", err)
		}

		return storage.NewInstrumented(s, StorageTypeS3, opts...), nil

	default:
		return nil, fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
}

// Encrypter returns nil if no encryption key is configured.
func (c *Config) Encrypter() (encryption.Encrypter, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}

	e, err := encryption.NewAESGCMFromBase64(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("creating encrypter: %w", err)
	}

	return e, nil
}

func (c *Config) PluginResolver() (*plugin.Resolver, error) {
	return plugin.NewResolver(c.Plugins, 0)
}

// RunContextOptions returns the run context options derived from the configuration.
func (c *Config) RunContextOptions() ([]runcontext.Option, error) {
	opts := []runcontext.Option{runcontext.WithTempBase(c.TmpDir)}

	e, err := c.Encrypter()
	if err != nil {
		return nil, err
	}

	if e != nil {
		opts = append(opts, runcontext.WithEncrypter(e))
	}

	r, err := c.PluginResolver()
	if err != nil {
		return nil, err
	}

	return append(opts, runcontext.WithPluginResolver(r)), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
