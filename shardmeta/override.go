package shardmeta

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ShapeHint lets an operator pin values the metadata JSON can't always carry,
// most notably num_layers. It is loaded from an optional
// shape.yaml sitting next to the shard binaries.
type ShapeHint struct {
	NumLayers int `yaml:"num_layers"`
}

// DefaultNumLayers is used when neither a ShapeHint nor any other signal
// supplies num_layers.
const DefaultNumLayers = 16

// LoadShapeHint reads path and decodes a ShapeHint. A missing file is not an
// error: it returns the zero ShapeHint so callers fall back to
// DefaultNumLayers.
func LoadShapeHint(path string) (ShapeHint, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ShapeHint{}, nil
	} else if err != nil {
		return ShapeHint{}, fmt.Errorf("shardmeta: reading shape hint %s: %w", path, err)
	}

	var hint ShapeHint
	if err := yaml.Unmarshal(data, &hint); err != nil {
		return ShapeHint{}, fmt.Errorf("shardmeta: parsing shape hint %s: %w", path, err)
	}
	return hint, nil
}
