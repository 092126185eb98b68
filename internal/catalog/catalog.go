// Package catalog is the static registry of known models: canonical ids,
// owning provider, type, protocol, tier eligibility, and the alias table.
//
// Lookups are pure and allocation-free on the hot path. Aliases resolve to
// exactly one canonical id and never to another alias — there are no alias
// chains, and resolution never takes more than one hop.
package catalog

import (
	"sort"
	"strings"
)

// Tier is the caller-visible quality/cost class.
type Tier string

const (
	TierFast  Tier = "FAST"
	TierSmart Tier = "SMART"
)

// NormalizeTier maps a stored tier string onto the closed {FAST, SMART} set.
// Anything unrecognized defaults to FAST.
func NormalizeTier(s string) Tier {
	if strings.EqualFold(strings.TrimSpace(s), string(TierSmart)) {
		return TierSmart
	}
	return TierFast
}

// ModelType distinguishes chat and embedding models.
type ModelType string

const (
	TypeChat      ModelType = "chat"
	TypeEmbedding ModelType = "embedding"
)

// Protocol selects the upstream wire protocol for a model.
type Protocol string

const (
	// ProtocolChatCompletions — legacy passthrough chat protocol (provider A).
	ProtocolChatCompletions Protocol = "chat_completions"
	// ProtocolResponses — event-framed streaming protocol (provider A, newer models).
	ProtocolResponses Protocol = "responses"
	// ProtocolGenerateContent — generative-content protocol (provider B).
	ProtocolGenerateContent Protocol = "generate_content"
)

// Entry is one catalog row.
type Entry struct {
	ID       string
	Provider string
	Type     ModelType
	Protocol Protocol

	// Tiers lists the tiers this model is eligible for. Empty means any.
	Tiers []Tier

	// MaxOutputTokens and ContextWindow are advisory limits; 0 means unknown.
	MaxOutputTokens int
	ContextWindow   int
}

// Catalog holds the id→entry and alias→canonical-id tables.
type Catalog struct {
	entries map[string]Entry
	aliases map[string]string
}

// New builds a catalog from entries and an alias table. Aliases pointing at
// unknown ids or at other aliases are dropped — the no-chain invariant is
// enforced at construction.
func New(entries []Entry, aliases map[string]string) *Catalog {
	c := &Catalog{
		entries: make(map[string]Entry, len(entries)),
		aliases: make(map[string]string, len(aliases)),
	}
	for _, e := range entries {
		c.entries[e.ID] = e
	}
	for alias, target := range aliases {
		if _, isAlias := aliases[target]; isAlias {
			continue
		}
		if _, ok := c.entries[target]; !ok {
			continue
		}
		c.aliases[alias] = target
	}
	return c
}

// Resolve maps a requested identifier to a canonical id. When the identifier
// is a known alias the canonical target is returned with aliasOf set to the
// requested identifier (for response-header echoing); otherwise the
// identifier is treated as canonical directly. Resolving an already-canonical
// id is a no-op.
func (c *Catalog) Resolve(requested string) (canonical string, aliasOf string) {
	if target, ok := c.aliases[requested]; ok {
		return target, requested
	}
	return requested, ""
}

// Get returns the entry for a canonical id.
func (c *Catalog) Get(id string) (Entry, bool) {
	e, ok := c.entries[id]
	return e, ok
}

// AliasesFor returns all alias strings that resolve to the canonical id,
// sorted. Used by price lookups to retry under alias names.
func (c *Catalog) AliasesFor(canonical string) []string {
	var out []string
	for alias, target := range c.aliases {
		if target == canonical {
			out = append(out, alias)
		}
	}
	sort.Strings(out)
	return out
}

// IDs returns all canonical ids of the given type, sorted.
func (c *Catalog) IDs(t ModelType) []string {
	out := make([]string, 0, len(c.entries))
	for id, e := range c.entries {
		if e.Type == t {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ListedModel is one row of the /v1/models listing. Alias rows carry the
// canonical target in AliasFor.
type ListedModel struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	Provider string `json:"provider"`
	Type     string `json:"type"`
	AliasFor string `json:"alias_for,omitempty"`
}

// List returns catalog rows plus synthesized alias rows, optionally filtered
// by tier eligibility and provider. Concrete entries come first, then
// aliases, each group sorted by id.
func (c *Catalog) List(tier Tier, provider string) []ListedModel {
	var out []ListedModel
	for _, id := range c.allIDs() {
		e := c.entries[id]
		if provider != "" && e.Provider != provider {
			continue
		}
		if tier != "" && !e.EligibleFor(tier) {
			continue
		}
		out = append(out, ListedModel{
			ID:       e.ID,
			Object:   "model",
			Provider: e.Provider,
			Type:     string(e.Type),
		})
	}

	aliasNames := make([]string, 0, len(c.aliases))
	for a := range c.aliases {
		aliasNames = append(aliasNames, a)
	}
	sort.Strings(aliasNames)
	for _, a := range aliasNames {
		e := c.entries[c.aliases[a]]
		if provider != "" && e.Provider != provider {
			continue
		}
		if tier != "" && !e.EligibleFor(tier) {
			continue
		}
		out = append(out, ListedModel{
			ID:       a,
			Object:   "model",
			Provider: e.Provider,
			Type:     string(e.Type),
			AliasFor: e.ID,
		})
	}
	return out
}

func (c *Catalog) allIDs() []string {
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EligibleFor reports whether the entry may serve the given tier.
func (e Entry) EligibleFor(t Tier) bool {
	if len(e.Tiers) == 0 {
		return true
	}
	for _, et := range e.Tiers {
		if et == t {
			return true
		}
	}
	return false
}

// Default returns the built-in catalog content: the two configured upstream
// providers and the caller-facing alias table.
func Default() *Catalog {
	entries := []Entry{
		// OpenAI — Responses protocol models.
		{ID: "gpt-5-nano", Provider: "openai", Type: TypeChat, Protocol: ProtocolResponses, Tiers: []Tier{TierFast, TierSmart}, MaxOutputTokens: 128_000, ContextWindow: 400_000},
		{ID: "gpt-5-mini", Provider: "openai", Type: TypeChat, Protocol: ProtocolResponses, Tiers: []Tier{TierSmart}, MaxOutputTokens: 128_000, ContextWindow: 400_000},
		{ID: "gpt-5", Provider: "openai", Type: TypeChat, Protocol: ProtocolResponses, Tiers: []Tier{TierSmart}, MaxOutputTokens: 128_000, ContextWindow: 400_000},

		// OpenAI — legacy chat-completions models.
		{ID: "gpt-4o-mini", Provider: "openai", Type: TypeChat, Protocol: ProtocolChatCompletions, Tiers: []Tier{TierFast, TierSmart}, MaxOutputTokens: 16_384, ContextWindow: 128_000},
		{ID: "gpt-4o", Provider: "openai", Type: TypeChat, Protocol: ProtocolChatCompletions, Tiers: []Tier{TierSmart}, MaxOutputTokens: 16_384, ContextWindow: 128_000},

		// OpenAI — embeddings.
		{ID: "text-embedding-3-small", Provider: "openai", Type: TypeEmbedding, Protocol: ProtocolChatCompletions},
		{ID: "text-embedding-3-large", Provider: "openai", Type: TypeEmbedding, Protocol: ProtocolChatCompletions},

		// Gemini — generative-content protocol.
		{ID: "gemini-2.0-flash", Provider: "gemini", Type: TypeChat, Protocol: ProtocolGenerateContent, Tiers: []Tier{TierFast, TierSmart}, MaxOutputTokens: 8_192, ContextWindow: 1_048_576},
		{ID: "gemini-2.0-flash-lite", Provider: "gemini", Type: TypeChat, Protocol: ProtocolGenerateContent, Tiers: []Tier{TierFast}, MaxOutputTokens: 8_192, ContextWindow: 1_048_576},
		{ID: "gemini-2.5-flash", Provider: "gemini", Type: TypeChat, Protocol: ProtocolGenerateContent, Tiers: []Tier{TierSmart}, MaxOutputTokens: 65_536, ContextWindow: 1_048_576},

		// Gemini — embeddings.
		{ID: "text-embedding-004", Provider: "gemini", Type: TypeEmbedding, Protocol: ProtocolGenerateContent},
	}

	aliases := map[string]string{
		"optyx-fast":             "gpt-5-nano",
		"optyx-smart":            "gpt-5-mini",
		"gpt-4o-mini-2024-07-18": "gpt-4o-mini",
		"gemini-flash":           "gemini-2.0-flash",
		"embed-small":            "text-embedding-3-small",
	}

	return New(entries, aliases)
}
