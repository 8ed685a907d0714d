package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/ReplicateProxyAPI/internal/config"
)

// ModelInfo describes one public model alias.
type ModelInfo struct {
	// ID is the public alias clients send in "model".
	ID string `json:"id"`
	// Object is always "model".
	Object string `json:"object"`
	// Created is the unix timestamp reported in /v1/models.
	Created int64 `json:"created"`
	// OwnedBy is reported in /v1/models.
	OwnedBy string `json:"owned_by"`
	// ReplicateID is the backend model reference and is never exposed to clients.
	ReplicateID string `json:"-"`
	// DisplayName is a human-readable label, reported in /v1/models when set.
	DisplayName string `json:"display_name,omitempty"`
}

// ModelRegistry is a concurrency-safe alias table. Lookups are case-insensitive.
type ModelRegistry struct {
	mutex        sync.RWMutex
	models       map[string]*ModelInfo
	order        []string
	defaultAlias string
}

// NewModelRegistry builds a registry from the built-in definitions.
func NewModelRegistry() *ModelRegistry {
	r := &ModelRegistry{}
	r.replace(GetReplicateModels(), "")
	return r
}

// NewModelRegistryFromConfig builds a registry honoring config overrides.
func NewModelRegistryFromConfig(cfg *config.Config) *ModelRegistry {
	r := &ModelRegistry{}
	r.ApplyConfig(cfg)
	return r
}

// ApplyConfig swaps in the aliases and default model from cfg. An empty alias list
// restores the built-in definitions.
func (r *ModelRegistry) ApplyConfig(cfg *config.Config) {
	models := GetReplicateModels()
	defaultAlias := ""
	if cfg != nil {
		defaultAlias = cfg.DefaultModel
		if len(cfg.Models) > 0 {
			models = modelsFromAliases(cfg.Models)
		}
	}
	r.replace(models, defaultAlias)
}

func modelsFromAliases(aliases []config.ModelAlias) []*ModelInfo {
	created := time.Now().Unix()
	out := make([]*ModelInfo, 0, len(aliases))
	for _, a := range aliases {
		ownedBy := strings.TrimSpace(a.OwnedBy)
		if ownedBy == "" {
			ownedBy = ownerFromReplicateID(a.ReplicateID)
		}
		out = append(out, &ModelInfo{
			ID:          strings.TrimSpace(a.Alias),
			Object:      "model",
			Created:     created,
			OwnedBy:     ownedBy,
			ReplicateID: strings.TrimSpace(a.ReplicateID),
			DisplayName: a.DisplayName,
		})
	}
	return out
}

func ownerFromReplicateID(id string) string {
	if owner, _, ok := strings.Cut(id, "/"); ok && owner != "" {
		return owner
	}
	return "replicate"
}

func (r *ModelRegistry) replace(models []*ModelInfo, defaultAlias string) {
	next := make(map[string]*ModelInfo, len(models))
	order := make([]string, 0, len(models))
	for _, m := range models {
		if m == nil || m.ID == "" || m.ReplicateID == "" {
			continue
		}
		key := strings.ToLower(m.ID)
		if _, dup := next[key]; dup {
			continue
		}
		next[key] = m
		order = append(order, key)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.models = next
	r.order = order
	r.defaultAlias = strings.TrimSpace(defaultAlias)
}

// Resolve maps a requested alias onto its definition. An empty name selects the
// default alias, or the first registered model when no default is configured.
func (r *ModelRegistry) Resolve(name string) (*ModelInfo, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = strings.ToLower(r.defaultAlias)
		if key == "" && len(r.order) > 0 {
			key = r.order[0]
		}
	}
	m, ok := r.models[key]
	if !ok {
		return nil, false
	}
	clone := *m
	return &clone, true
}

// Available returns the public descriptors in registration order.
func (r *ModelRegistry) Available() []*ModelInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]*ModelInfo, 0, len(r.order))
	for _, key := range r.order {
		clone := *r.models[key]
		out = append(out, &clone)
	}
	return out
}

// Supported returns the sorted public aliases, used in model_not_found messages.
func (r *ModelRegistry) Supported() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]string, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m.ID)
	}
	sort.Strings(out)
	return out
}
