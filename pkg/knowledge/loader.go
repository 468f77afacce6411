package knowledge

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type graphFile struct {
	Entities []*Entity `yaml:"entities"`
	Edges    []Edge    `yaml:"edges"`
}

// LoadGraph reads and validates a graph definition from a YAML file.
func LoadGraph(path string) (*Graph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file %s: %w", path, err)
	}

	var file graphFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse graph file %s: %w", path, err)
	}

	graph, err := NewGraph(file.Entities, file.Edges)
	if err != nil {
		return nil, fmt.Errorf("invalid graph in %s: %w", path, err)
	}
	return graph, nil
}
