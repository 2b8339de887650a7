// Package plugin resolves the configuration values that apply to a plugin type for a tenant.
package plugin

import (
	"fmt"
	"maps"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Configuration is one block of plugin configuration.
//
// Type selects the plugin types the values apply to: either an exact type such as
// "io.kestra.plugin.scripts.Shell" or a prefix such as "io.kestra.plugin.scripts". An empty Type
// applies to every plugin. Tenant restricts the block to one tenant.
type Configuration struct {
	Type   string         `yaml:"type,omitempty" json:"type,omitempty"`
	Tenant string         `yaml:"tenant,omitempty" json:"tenant,omitempty"`
	Values map[string]any `yaml:"values" json:"values"`
}

// Resolver merges configuration blocks into the values for a (tenant, plugin type) pair.
//
// Blocks are layered: global blocks (no type, no tenant) first, then type blocks, then blocks of
// the tenant. Within a layer, blocks with a longer type prefix are applied later and win.
type Resolver struct {
	configurations []Configuration
	cache          *lru.Cache[string, map[string]any]
}

// NewResolver creates a resolver caching up to cacheSize resolved results.
func NewResolver(configurations []Configuration, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}

	cache, err := lru.New[string, map[string]any](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating plugin configuration cache: %w", err)
	}

	return &Resolver{
		configurations: append([]Configuration{}, configurations...),
		cache:          cache,
	}, nil
}

// Resolve returns the merged configuration. The returned map is owned by the caller.
func (r *Resolver) Resolve(tenantID, pluginType string) map[string]any {
	key := tenantID + "\x00" + pluginType
	if v, ok := r.cache.Get(key); ok {
		return maps.Clone(v)
	}

	var global, typed, tenant []Configuration
	for _, c := range r.configurations {
		if !matchesType(c.Type, pluginType) {
			continue
		}

		switch {
		case c.Tenant != "":
			if c.Tenant == tenantID {
				tenant = append(tenant, c)
			}
		case c.Type == "":
			global = append(global, c)
		default:
			typed = append(typed, c)
		}
	}

	values := map[string]any{}
	for _, layer := range [][]Configuration{global, typed, tenant} {
		sort.SliceStable(layer, func(i, j int) bool {
			return len(layer[i].Type) < len(layer[j].Type)
		})

		for _, c := range layer {
			maps.Copy(values, c.Values)
		}
	}

	r.cache.Add(key, values)

	return maps.Clone(values)
}

func matchesType(prefix, pluginType string) bool {
	if prefix == "" {
		return true
	}

	return pluginType == prefix || strings.HasPrefix(pluginType, prefix+".")
}
