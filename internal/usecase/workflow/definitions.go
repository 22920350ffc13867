// Package workflow loads declarative workflow definitions from disk and
// persists finished runs.
package workflow

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"cidadao-ai/internal/domain"
)

// definitionFile is either a single definition or a "workflows:" list.
type definitionFile struct {
	Workflows []domain.WorkflowDefinition `yaml:"workflows"`
}

// LoadDefinitions reads every .yaml, .yml, and .json file in dir. Files that
// cannot be parsed are skipped with a warning. When two files declare the
// same ID the later file (by name) wins. A missing dir yields no definitions.
func LoadDefinitions(dir string, logger *slog.Logger) ([]domain.WorkflowDefinition, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("workflow directory does not exist", "dir", dir)
			return nil, nil
		}
		return nil, fmt.Errorf("read workflow dir: %w", err)
	}

	byID := make(map[string]domain.WorkflowDefinition)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			logger.Warn("skip unreadable workflow file", "file", entry.Name(), "error", err)
			continue
		}
		defs, err := ParseDefinitions(data)
		if err != nil {
			logger.Warn("skip invalid workflow file", "file", entry.Name(), "error", err)
			continue
		}
		for _, def := range defs {
			if def.ID == "" {
				def.ID = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
			}
			if _, dup := byID[def.ID]; dup {
				logger.Warn("workflow redefined", "workflow_id", def.ID, "file", entry.Name())
			}
			byID[def.ID] = def
		}
	}

	out := make([]domain.WorkflowDefinition, 0, len(byID))
	for _, def := range byID {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	logger.Info("workflow definitions loaded", "dir", dir, "count", len(out))
	return out, nil
}

// ParseDefinitions decodes one document holding either a single definition
// or a "workflows:" list. JSON input is accepted as YAML.
func ParseDefinitions(data []byte) ([]domain.WorkflowDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty document")
	}

	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse workflows: %w", err)
	}
	if len(file.Workflows) > 0 {
		return file.Workflows, nil
	}

	var def domain.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if len(def.Steps) == 0 && def.ID == "" {
		return nil, fmt.Errorf("no workflow definition found")
	}
	return []domain.WorkflowDefinition{def}, nil
}
