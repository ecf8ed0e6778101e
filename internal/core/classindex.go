package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ClassIndexMap maps class names to the dense output indices a classifier was
// trained with. It is serialized as {"class_name": index} next to the model and
// must be loaded from that file at inference time, never rebuilt from a
// directory listing.
type ClassIndexMap struct {
	names   []string
	indices map[string]int
}

// NewClassIndexMap assigns indices to the given class names in sorted order.
func NewClassIndexMap(classes []string) (*ClassIndexMap, error) {
	sorted := append([]string(nil), classes...)
	sort.Strings(sorted)

	m := make(map[string]int, len(sorted))
	for i, name := range sorted {
		m[name] = i
	}
	return ClassIndexMapFromIndices(m)
}

// ClassIndexMapFromIndices validates that the indices are exactly 0..n-1 with
// no two names sharing an index.
func ClassIndexMapFromIndices(indices map[string]int) (*ClassIndexMap, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("class index map is empty")
	}

	names := make([]string, len(indices))
	for name, idx := range indices {
		if idx < 0 || idx >= len(indices) {
			return nil, fmt.Errorf("%w: index %d for class '%s' outside [0, %d)", ErrClassIndexGap, idx, name, len(indices))
		}
		if names[idx] != "" {
			return nil, fmt.Errorf("%w: classes '%s' and '%s' both map to %d", ErrClassIndexCollision, names[idx], name, idx)
		}
		if name == "" {
			return nil, fmt.Errorf("class name for index %d is empty", idx)
		}
		names[idx] = name
	}

	copied := make(map[string]int, len(indices))
	for k, v := range indices {
		copied[k] = v
	}

	return &ClassIndexMap{names: names, indices: copied}, nil
}

func LoadClassIndexMap(path string) (*ClassIndexMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading class index map %s: %w", path, err)
	}

	var indices map[string]int
	if err := json.Unmarshal(data, &indices); err != nil {
		return nil, fmt.Errorf("error parsing class index map %s: %w", path, err)
	}

	m, err := ClassIndexMapFromIndices(indices)
	if err != nil {
		return nil, fmt.Errorf("invalid class index map %s: %w", path, err)
	}
	return m, nil
}

func (m *ClassIndexMap) Save(path string) error {
	data, err := json.Marshal(m.indices)
	if err != nil {
		return fmt.Errorf("error serializing class index map: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("error creating directory for class index map: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing class index map %s: %w", path, err)
	}
	return nil
}

func (m *ClassIndexMap) Len() int {
	return len(m.names)
}

func (m *ClassIndexMap) Name(idx int) (string, bool) {
	if idx < 0 || idx >= len(m.names) {
		return "", false
	}
	return m.names[idx], true
}

func (m *ClassIndexMap) Index(name string) (int, bool) {
	idx, ok := m.indices[name]
	return idx, ok
}

// Names returns the class names ordered by index.
func (m *ClassIndexMap) Names() []string {
	return append([]string(nil), m.names...)
}

func (m *ClassIndexMap) Indices() map[string]int {
	copied := make(map[string]int, len(m.indices))
	for k, v := range m.indices {
		copied[k] = v
	}
	return copied
}
