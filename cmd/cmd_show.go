package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shardrun/shardrun/shape"
	"github.com/shardrun/shardrun/shardmeta"
	"github.com/shardrun/shardrun/tensor"
)

// newShapeCmd builds the "shape" inspection subcommand: it runs discovery
// and classification against a shard directory and prints a human-readable
// report, without loading the accelerator runtime or running any graph.
func newShapeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shape",
		Short: "Discover and print the model's topology without running generation",
		Args:  cobra.NoArgs,
		RunE:  shapeHandler,
	}
	cmd.Flags().String("ctx_dir", "", "directory containing forward_<i>.bin shards and their metadata JSON")
	cmd.MarkFlagRequired("ctx_dir")
	return cmd
}

func shapeHandler(cmd *cobra.Command, args []string) error {
	ctxDir, _ := cmd.Flags().GetString("ctx_dir")

	shards, err := discoverShards(ctxDir)
	if err != nil {
		return err
	}
	numLayers, err := loadNumLayersHint(ctxDir)
	if err != nil {
		return err
	}

	src, err := shardmeta.NewSource("default", shards[0].MetadataPath)
	if err != nil {
		return err
	}
	prefillDesc, err := src.Describe("prefill")
	if err != nil {
		return fmt.Errorf("describing prefill graph: %w", err)
	}
	decodeDesc, err := src.Describe("decode")
	if err != nil {
		return fmt.Errorf("describing decode graph: %w", err)
	}

	s, err := shape.Discover(prefillDesc, decodeDesc, numLayers)
	if err != nil {
		return err
	}

	prefillIns, prefillOuts, err := tensor.Classify(prefillDesc, s)
	if err != nil {
		return err
	}
	decodeIns, decodeOuts, err := tensor.Classify(decodeDesc, s)
	if err != nil {
		return err
	}

	printShapeReport(cmd, s, len(shards), prefillIns, prefillOuts, decodeIns, decodeOuts)
	return nil
}

func printShapeReport(cmd *cobra.Command, s shape.ModelShape, numShards int, prefillIns, prefillOuts, decodeIns, decodeOuts []tensor.Classified) {
	cmd.Printf("shards: %d\n", numShards)
	cmd.Printf("context_len=%d  head_dim=%d  num_layers=%d  num_heads=%d\n", s.ContextLen, s.HeadDim, s.NumLayers, s.NumHeads)
	cmd.Printf("ar_prefill=%d  ar_decode=%d  vocab_size=%d\n", s.ARPrefill, s.ARDecode, s.VocabSize)
	cmd.Printf("cache_len_prefill=%d  cache_len_decode=%d\n", s.CacheLenPrefill, s.CacheLenDecode)

	total := estimateCacheBytes(s)
	cmd.Printf("estimated cache size: %s\n", humanize.Bytes(uint64(total)))

	cmd.Println("prefill graph roles:")
	printRoleHistogram(cmd, prefillIns, prefillOuts)
	cmd.Println("decode graph roles:")
	printRoleHistogram(cmd, decodeIns, decodeOuts)

	printQuantReport(cmd, "prefill", prefillIns, prefillOuts)
	printQuantReport(cmd, "decode", decodeIns, decodeOuts)
}

// printQuantReport prints the affine scale of every f16-quantized tensor in
// a graph.
func printQuantReport(cmd *cobra.Command, graphName string, ins, outs []tensor.Classified) {
	report := func(c tensor.Classified) {
		q := c.Desc.Quant
		if q == nil || q.Encoding != "f16" {
			return
		}
		cmd.Printf("  %s/%s: f16 scale=%g\n", graphName, c.Desc.Name, q.Scale)
	}
	for _, c := range ins {
		report(c)
	}
	for _, c := range outs {
		report(c)
	}
}

func printRoleHistogram(cmd *cobra.Command, ins, outs []tensor.Classified) {
	counts := make(map[string]int)
	for _, c := range ins {
		counts[c.Role.Kind.String()]++
	}
	for _, c := range outs {
		counts[c.Role.Kind.String()]++
	}
	for _, k := range []string{"TokenInput", "PositionInput", "AttentionMask", "KCacheInput", "VCacheInput", "KCacheOutput", "VCacheOutput", "Logits", "Opaque"} {
		if n := counts[k]; n > 0 {
			cmd.Printf("  %-14s %d\n", k, n)
		}
	}
}

// estimateCacheBytes computes the approximate cache size (spec
// §4.3 "Total allocated ~= 2 * num_layers * num_heads * head_dim *
// (cache_len_decode + ar_prefill)") without actually allocating, so the
// shape subcommand can run before any buffers exist. It leaves out the
// per-buffer rounding to the allocation alignment that kvcache.NewManager
// applies.
func estimateCacheBytes(s shape.ModelShape) int64 {
	return 2 * int64(s.NumLayers) * int64(s.NumHeads) * int64(s.HeadDim) * int64(s.CacheLenDecode+s.ARPrefill)
}
