package pool

// TypeStats describes the instances of one agent type.
type TypeStats struct {
	Total     int     `json:"total"`
	InUse     int     `json:"in_use"`
	Available int     `json:"available"`
	Pending   int     `json:"pending"`
	MaxSize   int     `json:"max_size"`
	AvgUsage  float64 `json:"avg_usage"`
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Types    map[string]TypeStats `json:"types"`
	Created  int64                `json:"created"`
	Reused   int64                `json:"reused"`
	Evicted  int64                `json:"evicted"`
	Errors   int64                `json:"errors"`
	Waits    int64                `json:"waits"`
	Timeouts int64                `json:"timeouts"`
}

// Stats returns per-type occupancy and global counters.
func (p *Pool) Stats() Stats {
	s := Stats{
		Types:    make(map[string]TypeStats),
		Created:  p.created.Load(),
		Reused:   p.reused.Load(),
		Evicted:  p.evicted.Load(),
		Errors:   p.errs.Load(),
		Waits:    p.waits.Load(),
		Timeouts: p.timeouts.Load(),
	}
	for _, tp := range p.snapshotTypes() {
		s.Types[tp.name] = tp.stats()
	}
	return s
}

// TypeStats returns the snapshot for one agent type; unknown types report zeros.
func (p *Pool) TypeStats(agentType string) TypeStats {
	p.mu.Lock()
	tp, ok := p.types[agentType]
	p.mu.Unlock()
	if !ok {
		return TypeStats{}
	}
	return tp.stats()
}

func (tp *typePool) stats() TypeStats {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	ts := TypeStats{Total: len(tp.entries), Pending: tp.pending, MaxSize: tp.cfg.MaxSize}
	var usage int64
	for _, e := range tp.entries {
		if e.inUse {
			ts.InUse++
		} else {
			ts.Available++
		}
		usage += e.usageCount
	}
	if ts.Total > 0 {
		ts.AvgUsage = float64(usage) / float64(ts.Total)
	}
	return ts
}
