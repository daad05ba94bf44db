package retention

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vk/backhaul/internal/instance"
)

// PinFileName is the per-job pin file read from the staging directory.
const PinFileName = "pins.yaml"

// PinSet holds the retention exemptions for one location: instance keys
// and/or individual file names. An instance with any pinned file is fully
// pinned.
type PinSet struct {
	keys  map[string]struct{}
	files map[string]struct{}
}

// pinFile is the on-disk YAML shape.
type pinFile struct {
	Instances []string `yaml:"instances"`
	Files     []string `yaml:"files"`
}

// NewPinSet builds a pin set from explicit keys and file names.
func NewPinSet(keys, files []string) PinSet {
	p := PinSet{
		keys:  make(map[string]struct{}, len(keys)),
		files: make(map[string]struct{}, len(files)),
	}
	for _, k := range keys {
		p.keys[k] = struct{}{}
	}
	for _, f := range files {
		p.files[f] = struct{}{}
	}
	return p
}

// LoadPinFile reads the pin file at path. A missing file yields an empty
// set; a malformed file is an error the caller downgrades per retention
// policy.
func LoadPinFile(path string) (PinSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewPinSet(nil, nil), nil
		}
		return NewPinSet(nil, nil), fmt.Errorf("reading pin file %s: %w", path, err)
	}

	var pf pinFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return NewPinSet(nil, nil), fmt.Errorf("parsing pin file %s: %w", path, err)
	}
	return NewPinSet(pf.Instances, pf.Files), nil
}

// Matches reports whether the instance is pinned, either by key or by any
// of its files.
func (p PinSet) Matches(inst *instance.Instance) bool {
	if _, ok := p.keys[inst.Key]; ok {
		return true
	}
	for _, f := range inst.Files {
		if _, ok := p.files[f.Name]; ok {
			return true
		}
	}
	return false
}

// Empty reports whether the set pins nothing.
func (p PinSet) Empty() bool {
	return len(p.keys) == 0 && len(p.files) == 0
}
