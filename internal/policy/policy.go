// Package policy computes a project's effective tier default and allowed
// model sets.
//
// Policy is permissive-by-omission: allow-list entries that don't resolve to
// a catalog model of the right type are silently dropped, never raised as
// errors. Authorization errors surface later, when a request actually asks
// for a model outside the computed set.
package policy

import (
	"context"
	"errors"

	"github.com/optyxlabs/optyx-gateway/internal/catalog"
)

// ErrProjectNotFound is returned when a project id does not resolve.
var ErrProjectNotFound = errors.New("project not found")

// Project is the billing/policy boundary a key belongs to.
type Project struct {
	ID          string   `json:"id"`
	DefaultTier string   `json:"default_tier"`
	// AllowedModels is the explicit allow-list. Ignored when AllowAllModels
	// is set.
	AllowedModels  []string `json:"allowed_models"`
	AllowAllModels bool     `json:"allow_all_models"`
}

// ProjectStore is the abstract project store.
type ProjectStore interface {
	// Get returns the project or ErrProjectNotFound.
	Get(ctx context.Context, id string) (*Project, error)
}

// Effective is the computed policy for one project.
type Effective struct {
	Tier            catalog.Tier
	ChatModels      map[string]bool
	EmbeddingModels map[string]bool
}

// AllowsChat reports whether the canonical chat model id is permitted.
func (e *Effective) AllowsChat(canonical string) bool { return e.ChatModels[canonical] }

// AllowsEmbedding reports whether the canonical embedding model id is permitted.
func (e *Effective) AllowsEmbedding(canonical string) bool { return e.EmbeddingModels[canonical] }

// Resolver computes effective policy from the project store and catalog.
type Resolver struct {
	store ProjectStore
	cat   *catalog.Catalog
}

// NewResolver creates a Resolver.
func NewResolver(store ProjectStore, cat *catalog.Catalog) *Resolver {
	return &Resolver{store: store, cat: cat}
}

// Resolve loads the project and computes its effective policy.
func (r *Resolver) Resolve(ctx context.Context, projectID string) (*Effective, error) {
	proj, err := r.store.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}

	eff := &Effective{
		Tier:            catalog.NormalizeTier(proj.DefaultTier),
		ChatModels:      make(map[string]bool),
		EmbeddingModels: make(map[string]bool),
	}

	if proj.AllowAllModels {
		for _, id := range r.cat.IDs(catalog.TypeChat) {
			eff.ChatModels[id] = true
		}
		for _, id := range r.cat.IDs(catalog.TypeEmbedding) {
			eff.EmbeddingModels[id] = true
		}
		return eff, nil
	}

	for _, raw := range proj.AllowedModels {
		canonical, _ := r.cat.Resolve(raw)
		entry, ok := r.cat.Get(canonical)
		if !ok {
			continue // unknown entry — dropped, not an error
		}
		switch entry.Type {
		case catalog.TypeChat:
			eff.ChatModels[canonical] = true
		case catalog.TypeEmbedding:
			eff.EmbeddingModels[canonical] = true
		}
	}
	return eff, nil
}
