// Package hcl loads the backup catalogue from HCL files and translates it
// into the format-agnostic config model.
package hcl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/vk/backhaul/internal/config"
	"github.com/vk/backhaul/internal/ctxlog"
)

// Loader is the HCL-specific implementation of the config.Loader interface.
type Loader struct{}

// NewLoader creates a new HCL catalogue loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load orchestrates the catalogue loading process. It is agnostic to the
// origin of the paths and parses any recognized block from any file.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	files, err := l.findCatalogueFiles(paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, config.Errorf("no catalogue files found under %v", paths)
	}
	logger.Debug("Discovered catalogue files.", "count", len(files))

	parser := hclparse.NewParser()

	var jobs []*config.Job
	targets := make(map[string]*config.Target)
	sets := make(map[string]*config.Set)

	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse catalogue file %s: %w", file, diags)
		}

		var root fileRoot
		diags = gohcl.DecodeBody(hclFile.Body, nil, &root)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode catalogue file %s: %w", file, diags)
		}

		for _, js := range root.Jobs {
			job, err := l.translateJob(js)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
		}
		for _, ts := range root.Targets {
			target, err := l.translateTarget(ts)
			if err != nil {
				return nil, err
			}
			if _, dup := targets[target.Name]; dup {
				return nil, config.Errorf("duplicate target name %q", target.Name)
			}
			targets[target.Name] = target
		}
		for _, ss := range root.Sets {
			set := l.translateSet(ss)
			if _, dup := sets[set.Name]; dup {
				return nil, config.Errorf("duplicate set name %q", set.Name)
			}
			sets[set.Name] = set
		}
	}

	model, err := config.NewModel(jobs, targets, sets)
	if err != nil {
		return nil, err
	}
	logger.Debug("Catalogue loading complete.", "jobs", len(model.Jobs), "targets", len(model.Targets), "sets", len(model.Sets))
	return model, nil
}

// findCatalogueFiles walks all given paths and returns a flat, de-duplicated
// list of .hcl files.
func (l *Loader) findCatalogueFiles(paths []string) ([]string, error) {
	var allFiles []string
	seen := make(map[string]struct{})

	add := func(p string) {
		if _, wasSeen := seen[p]; !wasSeen {
			allFiles = append(allFiles, p)
			seen[p] = struct{}{}
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}

		if info.IsDir() {
			err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if !info.IsDir() && filepath.Ext(p) == ".hcl" {
					add(p)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		} else if filepath.Ext(path) == ".hcl" {
			add(path)
		}
	}
	return allFiles, nil
}
