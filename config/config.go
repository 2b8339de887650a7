// Package config loads the process configuration from the environment, an optional .env file, and
// an optional YAML file, and builds the configured components.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/cschleiden/go-taskrun/plugin"
	"github.com/cschleiden/go-taskrun/storage/s3"
	"github.com/cschleiden/go-taskrun/tenant"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StorageTypeLocal = "local"
	StorageTypeS3    = "s3"
)

type Config struct {
	Storage StorageConfig `yaml:"storage"`

	// TmpDir is the directory working directories are created in
	TmpDir string `yaml:"tmpDir"`

	Log LogConfig `yaml:"log"`

	// EncryptionKey is a base64 encoded AES key. Encryption is disabled when empty.
	EncryptionKey string `yaml:"encryptionKey"`

	// TenantDSN selects a SQL tenant store: sqlite://<path> or postgres://...
	TenantDSN string `yaml:"tenantDsn"`

	// Tenants holds static tenant storage configuration, used when no TenantDSN is set
	Tenants map[string]tenant.StorageConfiguration `yaml:"tenants"`

	Plugins []plugin.Configuration `yaml:"plugins"`
}

type StorageConfig struct {
	Type string `yaml:"type"`

	BasePath string `yaml:"basePath"`

	S3 s3.Config `yaml:"s3"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`

	// Format is text or json
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Type:     StorageTypeLocal,
			BasePath: "/tmp/taskrun/storage",
		},
		TmpDir: os.TempDir(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration. Values from the YAML file named by TASKRUN_CONFIG_FILE are applied
// first, environment variables take precedence. A .env file in the working directory is loaded
// into the environment if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if file := strings.TrimSpace(os.Getenv("TASKRUN_CONFIG_FILE")); file != "" {
		if err := cfg.loadFile(file); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", file, err)
	}

	return nil
}

func (c *Config) loadEnv() error {
	setString(&c.Storage.Type, "TASKRUN_STORAGE_TYPE")
	setString(&c.Storage.BasePath, "TASKRUN_STORAGE_BASE_PATH")
	setString(&c.TmpDir, "TASKRUN_TMP_DIR")
	setString(&c.Log.Level, "TASKRUN_LOG_LEVEL")
	setString(&c.Log.Format, "TASKRUN_LOG_FORMAT")
	setString(&c.EncryptionKey, "TASKRUN_ENCRYPTION_KEY")
	setString(&c.TenantDSN, "TASKRUN_TENANT_DSN")

	setString(&c.Storage.S3.Endpoint, "TASKRUN_S3_ENDPOINT")
	setString(&c.Storage.S3.Region, "TASKRUN_S3_REGION")
	setString(&c.Storage.S3.AccessKey, "TASKRUN_S3_ACCESS_KEY")
	setString(&c.Storage.S3.SecretKey, "TASKRUN_S3_SECRET_KEY")
	setString(&c.Storage.S3.Bucket, "TASKRUN_S3_BUCKET")

	if raw := strings.TrimSpace(os.Getenv("TASKRUN_S3_USE_SSL")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("parsing TASKRUN_S3_USE_SSL: %w", err)
		}

		c.Storage.S3.UseSSL = v
	}

	return nil
}

func setString(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func (c *Config) Validate() error {
	switch c.Storage.Type {
	case StorageTypeLocal:
		if c.Storage.BasePath == "" {
			return fmt.Errorf("storage base path is required for local storage")
		}
	case StorageTypeS3:
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			return fmt.Errorf("s3 endpoint and bucket are required for s3 storage")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}

	return nil
}

func parseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", level)
	}

	return l, nil
}
