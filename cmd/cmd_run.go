package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shardrun/shardrun/accel"
	"github.com/shardrun/shardrun/bind"
	"github.com/shardrun/shardrun/generate"
	"github.com/shardrun/shardrun/kvcache"
	"github.com/shardrun/shardrun/logctx"
	"github.com/shardrun/shardrun/shape"
	"github.com/shardrun/shardrun/shardmeta"
	"github.com/shardrun/shardrun/tensor"
	"github.com/shardrun/shardrun/tokenize"
)

// RunHandler is the root command's entry point: it assembles every
// collaborator (shape discovery, classification, cache allocation,
// binding, accelerator runtime, tokenizer) and drives one Generate call
// for the --prompt flag, printing the resulting text to stdout.
func RunHandler(cmd *cobra.Command, args []string) error {
	ctxDir, _ := cmd.Flags().GetString("ctx_dir")
	tokenizerPath, _ := cmd.Flags().GetString("tokenizer")
	prompt, _ := cmd.Flags().GetString("prompt")
	maxGen, _ := cmd.Flags().GetInt("max_gen")
	backendSO, _ := cmd.Flags().GetString("backend_so")
	systemSO, _ := cmd.Flags().GetString("system_so")
	logLevel, _ := cmd.Flags().GetInt("log_level")

	log := logctx.New(os.Stderr, logctx.Level(logLevel))

	eng, rt, cache, err := buildEngine(cmd.Context(), ctxDir, tokenizerPath, backendSO, systemSO, log)
	if err != nil {
		return err
	}
	defer rt.Close()
	defer cache.Close()

	result, err := eng.Generate(cmd.Context(), prompt, generate.Options{MaxGen: maxGen, StopToken: -1})
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	cmd.Println(result.Text)
	log.Info("generation complete",
		"generated_tokens", len(result.Tokens),
		"prefill_duration", result.PrefillDuration,
		"decode_duration", result.DecodeDuration,
		"tokens_per_second", result.TokensPerSecond(),
	)
	return nil
}

// buildEngine wires shape discovery through binding in dependency order:
// discover shape, classify both graphs' tensors, allocate the cache, build
// a binding plan per graph, load the accelerator runtime and shards,
// retrieve the two graph handles.
func buildEngine(ctx context.Context, ctxDir, tokenizerPath, backendSO, systemSO string, log *slog.Logger) (*generate.Engine, accel.Runtime, *kvcache.Manager, error) {
	shards, err := discoverShards(ctxDir)
	if err != nil {
		return nil, nil, nil, err
	}

	numLayers, err := loadNumLayersHint(ctxDir)
	if err != nil {
		return nil, nil, nil, err
	}

	src, err := shardmeta.NewSource("default", shards[0].MetadataPath)
	if err != nil {
		return nil, nil, nil, err
	}
	prefillDesc, err := src.Describe("prefill")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("describing prefill graph: %w", err)
	}
	decodeDesc, err := src.Describe("decode")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("describing decode graph: %w", err)
	}

	s, err := shape.Discover(prefillDesc, decodeDesc, numLayers)
	if err != nil {
		return nil, nil, nil, err
	}
	log.Info("shape discovered", "context_len", s.ContextLen, "num_layers", s.NumLayers, "num_heads", s.NumHeads, "head_dim", s.HeadDim, "ar_prefill", s.ARPrefill, "vocab_size", s.VocabSize)

	prefillIns, prefillOuts, err := tensor.Classify(prefillDesc, s)
	if err != nil {
		return nil, nil, nil, err
	}
	decodeIns, decodeOuts, err := tensor.Classify(decodeDesc, s)
	if err != nil {
		return nil, nil, nil, err
	}

	cache, err := kvcache.NewManager(s, 0, log)
	if err != nil {
		return nil, nil, nil, err
	}

	prefillPlan, err := bind.Build(prefillIns, prefillOuts, cache)
	if err != nil {
		cache.Close()
		return nil, nil, nil, err
	}
	decodePlan, err := bind.Build(decodeIns, decodeOuts, cache)
	if err != nil {
		cache.Close()
		return nil, nil, nil, err
	}

	rt, err := accel.NewRuntime("default", backendSO, systemSO)
	if err != nil {
		cache.Close()
		return nil, nil, nil, err
	}
	if err := rt.Load(backendSO, systemSO); err != nil {
		cache.Close()
		return nil, nil, nil, err
	}
	if err := rt.CreateBackendAndDevice(ctx); err != nil {
		cache.Close()
		return nil, nil, nil, err
	}

	var totalBytes int64
	for _, sh := range shards {
		if fi, statErr := os.Stat(sh.BinaryPath); statErr == nil {
			totalBytes += fi.Size()
		}
	}
	bar := newLoadProgress(os.Stderr, totalBytes)
	trackedRead := func(path string) ([]byte, error) {
		data, err := readFileBytes(path)
		if err == nil {
			bar.Add(len(data))
		}
		return data, err
	}

	handles, err := accel.LoadShards(ctx, rt, shards, trackedRead)
	bar.Close()
	if err != nil {
		cache.Close()
		return nil, nil, nil, err
	}

	prefillHandle, err := rt.RetrieveGraph(ctx, handles[0], "prefill")
	if err != nil {
		cache.Close()
		return nil, nil, nil, err
	}
	decodeHandle, err := rt.RetrieveGraph(ctx, handles[0], "decode")
	if err != nil {
		cache.Close()
		return nil, nil, nil, err
	}

	tok, err := tokenize.New("default", tokenizerPath)
	if err != nil {
		cache.Close()
		return nil, nil, nil, err
	}

	eng := generate.New(s, cache, rt,
		generate.Graph{Handle: prefillHandle, Ins: prefillIns, Outs: prefillOuts, Plan: prefillPlan},
		generate.Graph{Handle: decodeHandle, Ins: decodeIns, Outs: decodeOuts, Plan: decodePlan},
		tok, log)

	return eng, rt, cache, nil
}
