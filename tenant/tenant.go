package tenant

import (
	"context"
	"fmt"
	"strings"
)

// BasePathKey is the storage configuration entry overriding the base directory of a tenant.
const BasePathKey = "basePath"

// StorageConfiguration is the storage section of a tenant's configuration.
type StorageConfiguration struct {
	// Type is the storage backend type, e.g. "local"
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	Configuration map[string]any `json:"configuration,omitempty" yaml:"configuration,omitempty"`
}

// BasePath returns the base path override, if any.
func (sc *StorageConfiguration) BasePath() (string, bool) {
	if sc == nil || sc.Configuration == nil {
		return "", false
	}

	v, ok := sc.Configuration[BasePathKey].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}

	return v, true
}

// Service looks up tenant configuration. StorageConfiguration returns nil and no error for
// tenants without a storage configuration.
type Service interface {
	StorageConfiguration(ctx context.Context, tenantID string) (*StorageConfiguration, error)
}

// ValidateID ensures a tenant id can be used as a single directory name.
func ValidateID(tenantID string) error {
	switch {
	case tenantID == "":
		return fmt.Errorf("tenant id is required")
	case tenantID == "." || tenantID == "..":
		return fmt.Errorf("invalid tenant id %q", tenantID)
	case strings.ContainsAny(tenantID, `/\`+"\x00"):
		return fmt.Errorf("invalid tenant id %q: must not contain path separators", tenantID)
	}

	return nil
}

// Static is a Service backed by a fixed map, e.g. loaded from a configuration file.
type Static map[string]StorageConfiguration

var _ Service = Static(nil)

func (s Static) StorageConfiguration(_ context.Context, tenantID string) (*StorageConfiguration, error) {
	sc, ok := s[tenantID]
	if !ok {
		return nil, nil
	}

	return &sc, nil
}
