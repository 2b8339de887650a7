package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cschleiden/go-taskrun/internal/metrickeys"
	"github.com/cschleiden/go-taskrun/internal/paths"
	"github.com/cschleiden/go-taskrun/log"
	"github.com/cschleiden/go-taskrun/metrics"
	"github.com/cschleiden/go-taskrun/taskerrors"
	"github.com/cschleiden/go-taskrun/tenant"
	"github.com/jellydator/ttlcache/v3"
)

// roots resolves and caches the storage root directory of each tenant. Entries never expire; they
// are dropped on explicit invalidation or when the capacity is reached.
type roots struct {
	base    string
	tenants tenant.Service
	cache   *ttlcache.Cache[string, string]
	logger  *slog.Logger
	mc      metrics.Client

	// mu serializes resolving roots so overlapping roots are detected
	mu sync.Mutex
}

func newRoots(base string, tenants tenant.Service, capacity uint64, logger *slog.Logger, mc metrics.Client) *roots {
	c := ttlcache.New(
		ttlcache.WithCapacity[string, string](capacity),
		ttlcache.WithTTL[string, string](ttlcache.NoTTL),
	)

	c.OnEviction(func(ctx context.Context, er ttlcache.EvictionReason, i *ttlcache.Item[string, string]) {
		reason := ""
		switch er {
		case ttlcache.EvictionReasonExpired:
			reason = "expired"
		case ttlcache.EvictionReasonCapacityReached:
			reason = "capacity"
		case ttlcache.EvictionReasonDeleted:
			reason = "invalidated"
		}

		logger.Debug("evicted tenant root", log.TenantIDKey, i.Key(), "reason", reason)
	})

	return &roots{
		base:    base,
		tenants: tenants,
		cache:   c,
		logger:  logger,
		mc:      mc,
	}
}

// root returns the root directory of the given tenant, creating it if it does not exist. An empty
// tenant id selects the global base directory.
func (r *roots) root(ctx context.Context, tenantID string) (string, error) {
	if tenantID == "" {
		if err := ensureDir(r.base); err != nil {
			return "", taskerrors.NewIOFailure("resolveRoot", r.base, err)
		}

		return r.base, nil
	}

	if err := tenant.ValidateID(tenantID); err != nil {
		return "", taskerrors.New(taskerrors.InvalidArgument, "resolveRoot", tenantID, err)
	}

	if item := r.cache.Get(tenantID); item != nil {
		p := item.Value()

		// The directory might have been removed outside of this process
		if err := ensureDir(p); err != nil {
			return "", taskerrors.NewIOFailure("resolveRoot", p, err)
		}

		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if item := r.cache.Get(tenantID); item != nil {
		return item.Value(), nil
	}

	p, err := r.resolve(ctx, tenantID)
	if err != nil {
		return "", err
	}

	r.cache.Set(tenantID, p, ttlcache.DefaultTTL)
	r.mc.Counter(metrickeys.TenantRootResolved, metrics.Tags{}, 1)
	r.mc.Gauge(metrickeys.TenantRootCacheSize, metrics.Tags{}, int64(r.cache.Len()))

	return p, nil
}

func (r *roots) resolve(ctx context.Context, tenantID string) (string, error) {
	base := r.base

	if r.tenants != nil {
		sc, err := r.tenants.StorageConfiguration(ctx, tenantID)
		if err != nil {
			return "", taskerrors.NewIOFailure("resolveRoot", tenantID, fmt.Errorf("looking up tenant storage configuration: %w", err))
		}

		if override, ok := sc.BasePath(); ok {
			override, err = filepath.Abs(override)
			if err != nil {
				return "", taskerrors.NewIOFailure("resolveRoot", tenantID, err)
			}

			if err := ensureDir(override); err != nil {
				return "", taskerrors.NewIOFailure("resolveRoot", override, err)
			}

			base = override
		}
	}

	p := filepath.Join(base, tenantID)

	// An override pointing into the global base must not end up inside another tenant's root
	if base != r.base && paths.Within(r.base, p) && filepath.Dir(p) != r.base {
		return "", taskerrors.NewInvalidArgument("resolveRoot", p, fmt.Sprintf("storage root of tenant %q overlaps with another tenant", tenantID))
	}

	// Roots of other tenants must neither contain nor be nested in this one
	for other, item := range r.cache.Items() {
		if other == tenantID {
			continue
		}

		if op := item.Value(); paths.Within(op, p) || paths.Within(p, op) {
			return "", taskerrors.NewInvalidArgument("resolveRoot", p, fmt.Sprintf("storage root of tenant %q overlaps with tenant %q", tenantID, other))
		}
	}

	if err := ensureDir(p); err != nil {
		return "", taskerrors.NewIOFailure("resolveRoot", p, err)
	}

	r.logger.DebugContext(ctx, "resolved tenant storage root", log.TenantIDKey, tenantID, log.PathKey, p)

	return p, nil
}

// invalidate drops the cached root of a tenant, e.g. after its configuration changed.
func (r *roots) invalidate(tenantID string) {
	r.cache.Delete(tenantID)
}

// ensureDir creates dir and its parents if missing. Concurrent creation of the same directory is
// not an error.
func ensureDir(dir string) error {
	if fi, err := os.Stat(dir); err == nil {
		if !fi.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}

		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return os.MkdirAll(dir, 0o755)
}
