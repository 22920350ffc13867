package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// fragment is the subset of Config an included file may contribute. Agent
// catalogs and scheduled tasks are appended to the main file's lists so
// large catalogs can be split across files.
type fragment struct {
	Agents    []AgentConfig `yaml:"agents"`
	Scheduler struct {
		Tasks []TaskConfig `yaml:"tasks"`
	} `yaml:"scheduler"`
	Includes []string `yaml:"includes,omitempty"`
}

// mergeIncludes appends the fragments named by patterns (relative to
// baseDir, globs allowed) onto cfg. visited holds absolute paths already
// read so cycles are reported instead of looping.
func mergeIncludes(cfg *Config, patterns []string, baseDir string, visited map[string]bool, depth int) error {
	if depth >= maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}

	for _, pattern := range patterns {
		paths, err := resolveIncludePaths(pattern, baseDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			abs, err := filepath.Abs(p)
			if err != nil {
				return fmt.Errorf("config includes: abs path %q: %w", p, err)
			}
			if visited[abs] {
				return fmt.Errorf("config includes: circular include detected for %q", abs)
			}
			visited[abs] = true

			frag, err := readFragment(abs)
			if err != nil {
				return err
			}
			cfg.Agents = append(cfg.Agents, frag.Agents...)
			cfg.Scheduler.Tasks = append(cfg.Scheduler.Tasks, frag.Scheduler.Tasks...)

			if len(frag.Includes) > 0 {
				if err := mergeIncludes(cfg, frag.Includes, filepath.Dir(abs), visited, depth+1); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func readFragment(path string) (fragment, error) {
	var frag fragment
	f, err := os.Open(path)
	if err != nil {
		return frag, fmt.Errorf("config includes: read %q: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return frag, fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if err := checkMode(path, info); err != nil {
		return frag, fmt.Errorf("config includes: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return frag, fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return frag, nil
	}
	if err := yaml.Unmarshal(data, &frag); err != nil {
		return frag, fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	return frag, nil
}

// resolveIncludePaths expands pattern relative to baseDir. Paths escaping
// baseDir are rejected. A glob matching nothing yields no paths; a literal
// path is returned as is so the read reports it missing.
func resolveIncludePaths(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	rel, err := filepath.Rel(baseDir, pattern)
	if err == nil && (rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}, nil
	}
	return matches, nil
}
