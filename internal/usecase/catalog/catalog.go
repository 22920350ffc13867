// Package catalog holds the static registration metadata of every agent type.
package catalog

import (
	"log/slog"
	"slices"
	"sort"
	"sync"

	"cidadao-ai/internal/domain"
)

// Catalog is a thread-safe registry of agent catalog entries keyed by name.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]domain.AgentCatalogEntry
	logger  *slog.Logger
}

// New creates an empty Catalog.
func New(logger *slog.Logger) *Catalog {
	return &Catalog{
		entries: make(map[string]domain.AgentCatalogEntry),
		logger:  logger,
	}
}

// Register adds or replaces an entry. The last registration for a name wins.
func (c *Catalog) Register(entry domain.AgentCatalogEntry) error {
	if entry.Name == "" {
		return domain.NewSubSystemError("agent", "Catalog.Register", domain.ErrInvalidInput, "empty agent name")
	}

	c.mu.Lock()
	_, replaced := c.entries[entry.Name]
	c.entries[entry.Name] = entry.Clone()
	c.mu.Unlock()

	c.logger.Debug("agent registered", "agent", entry.Name, "kind", entry.ProviderKind(),
		"priority", entry.Priority, "preload", entry.Preload, "replaced", replaced)
	return nil
}

// Get returns the entry for name or an error wrapping ErrAgentNotRegistered.
func (c *Catalog) Get(name string) (domain.AgentCatalogEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[name]
	if !ok {
		return domain.AgentCatalogEntry{}, domain.NewDomainError("Catalog.Get", domain.ErrAgentNotRegistered, name)
	}
	return e.Clone(), nil
}

// Has reports whether name is registered.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[name]
	return ok
}

// Len returns the number of registered entries.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// List returns every entry sorted by descending priority, then name.
func (c *Catalog) List() []domain.AgentCatalogEntry {
	return c.filter(func(domain.AgentCatalogEntry) bool { return true })
}

// Preloadable returns the entries flagged for eager loading, highest priority first.
func (c *Catalog) Preloadable() []domain.AgentCatalogEntry {
	return c.filter(func(e domain.AgentCatalogEntry) bool { return e.Preload })
}

// Match is a capability search hit. Score is the number of requested
// capabilities the entry covers.
type Match struct {
	Entry domain.AgentCatalogEntry
	Score int
}

// FindByCapability returns entries whose capabilities are a superset of
// required, best match first. An empty request matches every entry.
func (c *Catalog) FindByCapability(required ...string) []Match {
	required = dedupe(required)

	c.mu.RLock()
	matches := make([]Match, 0, len(c.entries))
	for _, e := range c.entries {
		covered := 0
		for _, r := range required {
			if e.HasCapability(r) {
				covered++
			}
		}
		if covered < len(required) {
			continue
		}
		matches = append(matches, Match{Entry: e.Clone(), Score: covered})
	}
	c.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		// Tighter fit first: fewer capabilities beyond what was asked for.
		ea, eb := len(a.Entry.Capabilities)-a.Score, len(b.Entry.Capabilities)-b.Score
		if ea != eb {
			return ea < eb
		}
		if a.Entry.Priority != b.Entry.Priority {
			return a.Entry.Priority > b.Entry.Priority
		}
		return a.Entry.Name < b.Entry.Name
	})
	return matches
}

func (c *Catalog) filter(keep func(domain.AgentCatalogEntry) bool) []domain.AgentCatalogEntry {
	c.mu.RLock()
	out := make([]domain.AgentCatalogEntry, 0, len(c.entries))
	for _, e := range c.entries {
		if keep(e) {
			out = append(out, e.Clone())
		}
	}
	c.mu.RUnlock()

	SortByPriority(out)
	return out
}

// SortByPriority orders entries by descending priority, then name.
func SortByPriority(entries []domain.AgentCatalogEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].Name < entries[j].Name
	})
}

func dedupe(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
