package shardmeta

import (
	"fmt"
)

// Source is the graph-metadata JSON collaborator: it supplies the ordered
// input/output TensorDesc list for one named graph. The JSON
// parser itself ships alongside the shard binaries and is out of this
// module's scope; shardrun only consumes the typed GraphDesc it produces.
type Source interface {
	Describe(graphName string) (GraphDesc, error)
}

// parsers holds one Source factory per metadata format, registered by a
// format-specific implementation package at init time, the same seam
// accel uses for the vendor runtime driver.
var parsers = make(map[string]func(metadataPath string) (Source, error))

// RegisterParser registers a Source factory under name.
func RegisterParser(name string, f func(metadataPath string) (Source, error)) {
	if _, ok := parsers[name]; ok {
		panic("shardmeta: parser already registered: " + name)
	}
	parsers[name] = f
}

// NewSource constructs the named metadata Source for the file at path.
// Returns an error if no parser of that name has been registered — expected
// until a format-specific parser package is linked into the binary.
func NewSource(name, path string) (Source, error) {
	f, ok := parsers[name]
	if !ok {
		return nil, fmt.Errorf("shardmeta: no metadata parser registered under %q", name)
	}
	return f(path)
}
