package orchestrator

import (
	"cidadao-ai/internal/domain"
)

// DiscoverAgents lists every catalog entry with its load and pool state,
// highest priority first.
func (o *Orchestrator) DiscoverAgents() []domain.AgentInfo {
	if o.catalog == nil {
		return nil
	}
	entries := o.catalog.List()
	out := make([]domain.AgentInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, o.info(e))
	}
	return out
}

// FindByCapability returns agents declaring every capability in caps, best
// match first.
func (o *Orchestrator) FindByCapability(caps ...string) []domain.RankedAgent {
	if o.catalog == nil {
		return nil
	}
	matches := o.catalog.FindByCapability(caps...)
	out := make([]domain.RankedAgent, 0, len(matches))
	for _, m := range matches {
		out = append(out, domain.RankedAgent{AgentInfo: o.info(m.Entry), Score: m.Score})
	}
	return out
}

// BestAgent returns the top FindByCapability match.
func (o *Orchestrator) BestAgent(caps ...string) (domain.RankedAgent, error) {
	ranked := o.FindByCapability(caps...)
	if len(ranked) == 0 {
		return domain.RankedAgent{}, domain.NewSubSystemError("agent", "Orchestrator.BestAgent", domain.ErrNotFound,
			"no agent offers the requested capabilities")
	}
	return ranked[0], nil
}

func (o *Orchestrator) info(e domain.AgentCatalogEntry) domain.AgentInfo {
	info := domain.AgentInfo{
		Name:         e.Name,
		Kind:         e.ProviderKind(),
		Description:  e.Description,
		Capabilities: e.Capabilities,
		Priority:     e.Priority,
		Preload:      e.Preload,
	}
	if o.loader != nil {
		info.Loaded = o.loader.IsLoaded(e.Name)
	}
	if o.pool != nil {
		ts := o.pool.TypeStats(e.Name)
		info.LiveInstances = ts.Total
		info.InUse = ts.InUse
	}
	return info
}
