package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncludesAppendAgents(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "agents"), 0o700))
	writeConfig(t, dir, "agents/a.yaml", "agents:\n  - {name: anita, kind: echo}\n", 0o600)
	writeConfig(t, dir, "agents/b.yaml", "agents:\n  - {name: bonifacio, kind: echo}\n", 0o600)
	main := writeConfig(t, dir, "config.yaml", `
includes: ["agents/*.yaml"]
agents:
  - {name: zumbi, kind: echo}
`, 0o600)

	cfg, err := Load(main)
	require.NoError(t, err)
	names := make([]string, len(cfg.Agents))
	for i, a := range cfg.Agents {
		names[i] = a.Name
	}
	assert.Equal(t, []string{"zumbi", "anita", "bonifacio"}, names)
	assert.Nil(t, cfg.Includes)
}

func TestIncludesScheduledTasks(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "tasks.yaml", "scheduler:\n  tasks:\n    - {name: t1, schedule: 1h, workflow: wf}\n", 0o600)
	main := writeConfig(t, dir, "config.yaml", "includes: [tasks.yaml]\nscheduler: {enabled: true}\n", 0o600)

	cfg, err := Load(main)
	require.NoError(t, err)
	require.Len(t, cfg.Scheduler.Tasks, 1)
	assert.Equal(t, "wf", cfg.Scheduler.Tasks[0].Workflow)
}

func TestIncludesNested(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o700))
	writeConfig(t, dir, "sub/leaf.yaml", "agents: [{name: leaf}]\n", 0o600)
	writeConfig(t, dir, "mid.yaml", "includes: [sub/leaf.yaml]\nagents: [{name: mid}]\n", 0o600)
	main := writeConfig(t, dir, "config.yaml", "includes: [mid.yaml]\n", 0o600)

	cfg, err := Load(main)
	require.NoError(t, err)
	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, "mid", cfg.Agents[0].Name)
	assert.Equal(t, "leaf", cfg.Agents[1].Name)
}

func TestIncludesCircular(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "includes: [b.yaml]\n", 0o600)
	writeConfig(t, dir, "b.yaml", "includes: [a.yaml]\n", 0o600)
	main := writeConfig(t, dir, "config.yaml", "includes: [a.yaml]\n", 0o600)

	_, err := Load(main)
	assert.ErrorContains(t, err, "circular include")
}

func TestIncludesSelfReference(t *testing.T) {
	dir := t.TempDir()
	main := writeConfig(t, dir, "config.yaml", "includes: [config.yaml]\n", 0o600)
	_, err := Load(main)
	assert.ErrorContains(t, err, "circular include")
}

func TestIncludesPathTraversal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "conf"), 0o700))
	main := writeConfig(t, dir, "conf/config.yaml", "includes: [../secrets.yaml]\n", 0o600)
	_, err := Load(main)
	assert.ErrorContains(t, err, "escapes config directory")
}

func TestIncludesMissingFile(t *testing.T) {
	main := writeConfig(t, t.TempDir(), "config.yaml", "includes: [missing.yaml]\n", 0o600)
	_, err := Load(main)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), `read "`)
	assert.NotContains(t, err.Error(), "stat config")
}

func TestIncludesGlobNoMatch(t *testing.T) {
	main := writeConfig(t, t.TempDir(), "config.yaml", "includes: [\"extra/*.yaml\"]\n", 0o600)
	_, err := Load(main)
	assert.NoError(t, err)
}

func TestIncludesInsecureFragment(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "agents.yaml", "agents: [{name: a}]\n", 0o666)
	main := writeConfig(t, dir, "config.yaml", "includes: [agents.yaml]\n", 0o600)
	_, err := Load(main)
	assert.ErrorContains(t, err, "insecure permissions")
}

func TestIncludesMaxDepth(t *testing.T) {
	dir := t.TempDir()
	for i := range maxIncludeDepth + 2 {
		next := filepath.Base(filepath.Join(dir, "f"+string(rune('a'+i+1))+".yaml"))
		writeConfig(t, dir, "f"+string(rune('a'+i))+".yaml", "includes: ["+next+"]\n", 0o600)
	}
	main := writeConfig(t, dir, "config.yaml", "includes: [fa.yaml]\n", 0o600)
	_, err := Load(main)
	assert.ErrorContains(t, err, "max depth")
}
