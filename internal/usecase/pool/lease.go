package pool

import (
	"sync"

	"cidadao-ai/internal/domain"
)

// Lease is exclusive use of one pooled agent instance until Release.
type Lease struct {
	pool      *Pool
	tp        *typePool
	entry     *entry
	once      sync.Once
	agentType string
}

func newLease(p *Pool, tp *typePool, e *entry) *Lease {
	return &Lease{pool: p, tp: tp, entry: e, agentType: tp.name}
}

// Agent returns the leased instance.
func (l *Lease) Agent() domain.Agent { return l.entry.agent }

// Type returns the agent type the lease was taken for.
func (l *Lease) Type() string { return l.agentType }

// Release returns the instance to the pool and wakes one round of waiters.
// Calls after the first are no-ops.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l.tp, l.entry)
	})
}
