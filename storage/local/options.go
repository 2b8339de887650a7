package local

import (
	"github.com/cschleiden/go-taskrun/storage"
	"github.com/cschleiden/go-taskrun/tenant"
)

type options struct {
	*storage.Options

	// Tenants provides per-tenant storage configuration. If nil, every tenant is stored below the
	// global base path.
	Tenants tenant.Service

	// RootCacheCapacity bounds the number of tenant roots kept in memory. Defaults to 1024.
	RootCacheCapacity uint64
}

type Option func(*options)

func WithTenantService(tenants tenant.Service) Option {
	return func(o *options) {
		o.Tenants = tenants
	}
}

func WithRootCacheCapacity(capacity uint64) Option {
	return func(o *options) {
		o.RootCacheCapacity = capacity
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
