package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadDir reads every *.yaml / *.yml file under dir and decodes each into a
// Definition. Files are processed in lexical order so seeding is
// deterministic. Each definition is structurally validated before it is
// returned; the first invalid file aborts the load.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read seed dir %q: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		def, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadFile decodes a single YAML workflow definition file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file %q: %w", path, err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode seed file %q: %w", path, err)
	}
	if def.Version == 0 {
		def.Version = 1
	}
	if def.Status == "" {
		def.Status = StatusActive
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("seed file %q: %w", path, err)
	}
	return &def, nil
}
