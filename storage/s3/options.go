package s3

import (
	"time"

	"github.com/cschleiden/go-taskrun/storage"
)

type Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

type options struct {
	*storage.Options

	// MaxRetries is the number of retries for transient failures. Defaults to 3.
	MaxRetries uint64

	// InitialInterval is the first retry delay. Defaults to 100ms.
	InitialInterval time.Duration
}

type Option func(*options)

func WithMaxRetries(n uint64) Option {
	return func(o *options) {
		o.MaxRetries = n
	}
}

func WithInitialInterval(d time.Duration) Option {
	return func(o *options) {
		o.InitialInterval = d
	}
}

// WithStorageOptions allows to pass generic storage options.
func WithStorageOptions(opts ...storage.Option) Option {
	return func(o *options) {
		for _, opt := range opts {
			opt(o.Options)
		}
	}
}
