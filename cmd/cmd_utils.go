package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/shardrun/shardrun/accel"
	"github.com/shardrun/shardrun/shardmeta"
)

// shardFileRe matches the on-disk shard naming convention: forward_<i>.bin
// paired with forward_<i>_json.json.
var shardFileRe = regexp.MustCompile(`^forward_(\d+)\.bin$`)

// discoverShards scans dir for every forward_<i>.bin/forward_<i>_json.json
// pair, in ascending shard index order.
func discoverShards(dir string) ([]accel.ShardBinary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading ctx_dir %q: %w", dir, err)
	}

	var shards []accel.ShardBinary
	for _, e := range entries {
		m := shardFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		name := fmt.Sprintf("forward_%s", m[1])
		shards = append(shards, accel.ShardBinary{
			Name:         name,
			BinaryPath:   filepath.Join(dir, e.Name()),
			MetadataPath: filepath.Join(dir, name+"_json.json"),
		})
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("no forward_<i>.bin shards found under %q", dir)
	}

	sort.Slice(shards, func(i, j int) bool {
		ni, _ := strconv.Atoi(shardFileRe.FindStringSubmatch(filepath.Base(shards[i].BinaryPath))[1])
		nj, _ := strconv.Atoi(shardFileRe.FindStringSubmatch(filepath.Base(shards[j].BinaryPath))[1])
		return ni < nj
	})
	return shards, nil
}

// readFileBytes adapts os.ReadFile to the signature accel.LoadShards
// expects.
func readFileBytes(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// loadNumLayersHint resolves the num_layers configuration hint from an
// optional shape.yaml sitting next to the shards.
func loadNumLayersHint(dir string) (int, error) {
	hint, err := shardmeta.LoadShapeHint(filepath.Join(dir, "shape.yaml"))
	if err != nil {
		return 0, err
	}
	if hint.NumLayers > 0 {
		return hint.NumLayers, nil
	}
	return shardmeta.DefaultNumLayers, nil
}
