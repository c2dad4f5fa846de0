// Package catalog holds the model version metadata shown next to the model
// picker, refreshed from the service through a request arbiter.
package catalog

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/gaiachat/pkg/api"
	"github.com/go-go-golems/gaiachat/pkg/arbiter"
	"github.com/rs/zerolog/log"
)

const (
	KindModels = "models"

	DefaultMaxVersions = 3

	TierBest  = "best"
	TierGood  = "good"
	TierCheap = "cheap"
)

// Source fetches the raw version catalog.
type Source interface {
	ModelVersions(ctx context.Context, force bool) (map[string]api.ModelEntry, error)
}

type Catalog struct {
	source      Source
	arbiter     *arbiter.Arbiter
	maxVersions int
	streamable  map[string]bool
	expensive   map[string]bool

	seed map[string]api.ModelEntry

	mu       sync.RWMutex
	entries  map[string]api.ModelEntry
	loadedAt time.Time
}

type Option func(*Catalog)

func WithArbiter(a *arbiter.Arbiter) Option {
	return func(c *Catalog) {
		c.arbiter = a
	}
}

func WithMaxVersions(n int) Option {
	return func(c *Catalog) {
		if n > 0 {
			c.maxVersions = n
		}
	}
}

// WithStreamingModels lists the model keys the incremental endpoint serves.
func WithStreamingModels(keys ...string) Option {
	return func(c *Catalog) {
		for _, k := range keys {
			c.streamable[normalizeKey(k)] = true
		}
	}
}

// WithExpensiveModels lists the model keys the low-cost pipeline applies to.
func WithExpensiveModels(keys ...string) Option {
	return func(c *Catalog) {
		for _, k := range keys {
			c.expensive[normalizeKey(k)] = true
		}
	}
}

// WithEntries seeds the catalog, for use before the first refresh.
func WithEntries(entries map[string]api.ModelEntry) Option {
	return func(c *Catalog) {
		c.seed = entries
	}
}

func New(source Source, options ...Option) *Catalog {
	ret := &Catalog{
		source:      source,
		maxVersions: DefaultMaxVersions,
		streamable:  map[string]bool{},
		expensive:   map[string]bool{},
		entries:     map[string]api.ModelEntry{},
	}
	for _, option := range options {
		option(ret)
	}
	if ret.arbiter == nil {
		ret.arbiter = arbiter.New()
	}
	if ret.seed != nil {
		ret.entries = normalize(ret.seed, ret.maxVersions)
		ret.seed = nil
	}
	return ret
}

// Refresh fetches the catalog and applies it unless a newer refresh was
// dispatched meanwhile. It reports whether this response was applied.
func (c *Catalog) Refresh(ctx context.Context, force bool) (bool, error) {
	ticket := c.arbiter.Next(KindModels)
	log.Debug().Uint64("seq", ticket.Seq).Bool("force", force).Msg("refreshing model catalog")

	data, err := c.source.ModelVersions(ctx, force)
	if err != nil {
		if !c.arbiter.IsCurrent(ticket) {
			log.Debug().Err(err).Uint64("seq", ticket.Seq).Msg("ignoring failure of superseded refresh")
			return false, nil
		}
		return false, err
	}

	entries := normalize(data, c.maxVersions)
	applied := c.arbiter.Apply(ticket, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.entries = entries
		c.loadedAt = time.Now()
	})
	return applied, nil
}

// normalize de-duplicates versions by id, fills missing labels and keeps
// the first limit versions of each model.
func normalize(data map[string]api.ModelEntry, limit int) map[string]api.ModelEntry {
	ret := make(map[string]api.ModelEntry, len(data))
	for key, entry := range data {
		seen := map[string]bool{}
		versions := make([]api.ModelVersion, 0, len(entry.Versions))
		for _, v := range entry.Versions {
			id := strings.TrimSpace(v.ID)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			label := strings.TrimSpace(v.Label)
			if label == "" {
				label = AutoLabel(id)
			}
			versions = append(versions, api.ModelVersion{ID: id, Label: label, Tier: strings.ToLower(strings.TrimSpace(v.Tier))})
			if limit > 0 && len(versions) == limit {
				break
			}
		}
		ret[normalizeKey(key)] = api.ModelEntry{Versions: versions, Default: strings.ToLower(strings.TrimSpace(entry.Default))}
	}
	return ret
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

var (
	numberedFamily = regexp.MustCompile(`(?i)(?:gpt[-_]?|gemini[-_]?)(\d+(?:\.\d+)*)(?:[-_].*)?$`)
	namedFamily    = regexp.MustCompile(`(?i)^(llama|mixtral)[-_]?(.*)$`)
)

// AutoLabel derives a short display label from a raw provider model id.
func AutoLabel(id string) string {
	s := strings.TrimSpace(id)
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "models/", "")
	if m := numberedFamily.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	if m := namedFamily.FindStringSubmatch(s); m != nil {
		rest := strings.NewReplacer("-", " ", "_", " ").Replace(m[2])
		return strings.TrimSpace(strings.ToLower(m[1]) + " " + strings.TrimSpace(rest))
	}
	return s
}

// Models returns the model keys, sorted.
func (c *Catalog) Models() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ret := make([]string, 0, len(c.entries))
	for k := range c.entries {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}

func (c *Catalog) Versions(modelKey string) []api.ModelVersion {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry := c.entries[normalizeKey(modelKey)]
	return append([]api.ModelVersion(nil), entry.Versions...)
}

func (c *Catalog) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

// Resolve maps a selection to a concrete version id. An empty selection or
// "latest" picks the model's default tier, then the first version; a tier
// name, id or label picks the matching version. Anything else is returned
// unchanged so raw ids still work.
func (c *Catalog) Resolve(modelKey, selected string) string {
	c.mu.RLock()
	entry := c.entries[normalizeKey(modelKey)]
	c.mu.RUnlock()
	versions := entry.Versions

	sel := strings.TrimSpace(selected)
	lower := strings.ToLower(sel)
	if sel == "" || lower == "latest" {
		def := entry.Default
		if def == "" {
			def = TierBest
		}
		if v, ok := findTier(versions, def); ok {
			return v.ID
		}
		if len(versions) > 0 {
			return versions[0].ID
		}
		return ""
	}

	if lower == TierBest || lower == TierGood || lower == TierCheap {
		if v, ok := findTier(versions, lower); ok {
			return v.ID
		}
	}
	for _, v := range versions {
		if v.ID == sel {
			return v.ID
		}
	}
	for _, v := range versions {
		if strings.ToLower(v.Label) == lower {
			return v.ID
		}
	}
	return sel
}

func findTier(versions []api.ModelVersion, tier string) (api.ModelVersion, bool) {
	for _, v := range versions {
		if v.Tier == tier {
			return v, true
		}
	}
	return api.ModelVersion{}, false
}

// CheapVersion is the cheap tier of a model, or its last listed version.
func (c *Catalog) CheapVersion(modelKey string) (string, bool) {
	versions := c.Versions(modelKey)
	if v, ok := findTier(versions, TierCheap); ok {
		return v.ID, true
	}
	if len(versions) > 0 {
		return versions[len(versions)-1].ID, true
	}
	return "", false
}

func (c *Catalog) Streamable(modelKey string) bool {
	return c.streamable[normalizeKey(modelKey)]
}

// Expensive reports whether a model key is billed at the expensive rate.
// A cheap-tier version of an expensive model is not expensive.
func (c *Catalog) Expensive(modelKey, versionID string) bool {
	if !c.expensive[normalizeKey(modelKey)] {
		return false
	}
	if versionID == "" {
		return true
	}
	for _, v := range c.Versions(modelKey) {
		if v.ID == versionID {
			return v.Tier != TierCheap
		}
	}
	return true
}
