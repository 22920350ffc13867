package domain

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
)

// Agent is the capability contract every investigation agent implements.
// Implementations must honor ctx cancellation where they block.
type Agent interface {
	Process(ctx context.Context, action string, input map[string]any, ec ExecutionContext) (map[string]any, error)
}

// Initializer is implemented by agents that need a setup step after
// construction. It is invoked exactly once, before the first Process call.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Cleaner is implemented by agents holding resources that must be released
// when the pool evicts or tears down the instance.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// AgentFactory builds a new agent instance. A loaded factory is the unit the
// lazy loader caches; instances are owned by the pool.
type AgentFactory func(ctx context.Context) (Agent, error)

// AgentProvider turns a catalog entry into a factory. Providers are
// registered per Kind at process start.
type AgentProvider func(entry AgentCatalogEntry) (AgentFactory, error)

// AgentCatalogEntry is the static registration metadata of an agent type.
type AgentCatalogEntry struct {
	Name         string            `json:"name"                   yaml:"name"`
	Kind         string            `json:"kind,omitempty"         yaml:"kind,omitempty"`
	Description  string            `json:"description,omitempty"  yaml:"description,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Priority     int               `json:"priority,omitempty"     yaml:"priority,omitempty"`
	Preload      bool              `json:"preload,omitempty"      yaml:"preload,omitempty"`
	Options      map[string]string `json:"options,omitempty"      yaml:"options,omitempty"`
	InputSchema  json.RawMessage   `json:"input_schema,omitempty" yaml:"-"`
}

// ProviderKind returns the factory table key for the entry.
func (e AgentCatalogEntry) ProviderKind() string {
	if e.Kind != "" {
		return e.Kind
	}
	return e.Name
}

// HasCapability reports whether the entry declares capability c.
func (e AgentCatalogEntry) HasCapability(c string) bool {
	return slices.Contains(e.Capabilities, c)
}

// Clone returns a deep copy so registries never share slices or maps with callers.
func (e AgentCatalogEntry) Clone() AgentCatalogEntry {
	out := e
	out.Capabilities = slices.Clone(e.Capabilities)
	out.Options = maps.Clone(e.Options)
	if e.InputSchema != nil {
		out.InputSchema = slices.Clone(e.InputSchema)
	}
	return out
}

// ExecutionContext travels with every step of a workflow execution.
// The caller owns it; the orchestrator only annotates a private copy of Metadata.
type ExecutionContext struct {
	InvestigationID string         `json:"investigation_id,omitempty"`
	UserID          string         `json:"user_id,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// WithMetadata returns a copy of ec whose Metadata includes kv.
// The receiver's map is never written.
func (ec ExecutionContext) WithMetadata(kv map[string]any) ExecutionContext {
	md := make(map[string]any, len(ec.Metadata)+len(kv))
	maps.Copy(md, ec.Metadata)
	maps.Copy(md, kv)
	ec.Metadata = md
	return ec
}

// AgentInfo is a discovery snapshot of one catalog entry.
type AgentInfo struct {
	Name          string   `json:"name"`
	Kind          string   `json:"kind"`
	Description   string   `json:"description,omitempty"`
	Capabilities  []string `json:"capabilities"`
	Priority      int      `json:"priority"`
	Preload       bool     `json:"preload"`
	Loaded        bool     `json:"loaded"`
	LiveInstances int      `json:"live_instances"`
	InUse         int      `json:"in_use"`
}

// RankedAgent is a capability-search hit.
type RankedAgent struct {
	AgentInfo
	Score int `json:"score"`
}
