// Package shape discovers model topology from per-graph tensor metadata
//: the Metadata Extractor component. It is the leaf of the
// dependency graph — every other component (tensor, kvcache, bind, mask,
// generate) consumes a ModelShape rather than re-deriving it.
package shape

import (
	"fmt"
	"strings"

	"github.com/shardrun/shardrun/errs"
	"github.com/shardrun/shardrun/shardmeta"
)

// ModelShape is the immutable topology derived from a prefill graph and a
// decode graph. CacheLenPrefill/CacheLenDecode are derived, not
// independently supplied.
type ModelShape struct {
	ContextLen     int
	HeadDim        int
	NumLayers      int
	NumHeads       int
	ARPrefill      int
	ARDecode       int
	VocabSize      int
	CacheLenPrefill int
	CacheLenDecode  int
}

// vocabMinDim is the threshold used to tell a logits tensor apart
// from any other wide output.
const vocabMinDim = 10_000

// Discover derives a ModelShape from the prefill and decode graph
// descriptors. numLayersHint is a configuration hint (num_layers isn't
// derivable from the graph tensors); pass shardmeta.DefaultNumLayers when no
// override is available.
func Discover(prefill, decode shardmeta.GraphDesc, numLayersHint int) (ModelShape, error) {
	var s ModelShape
	s.NumLayers = numLayersHint

	arP, ctxLen, err := findARAndContextLen(prefill)
	if err != nil {
		return ModelShape{}, fmt.Errorf("%w: prefill: %w", errs.ErrShapeDiscoveryFailed, err)
	}
	arD, ctxLenD, err := findARAndContextLen(decode)
	if err != nil {
		return ModelShape{}, fmt.Errorf("%w: decode: %w", errs.ErrShapeDiscoveryFailed, err)
	}
	if ctxLen != ctxLenD {
		return ModelShape{}, fmt.Errorf("%w: context_len mismatch between graphs (prefill=%d decode=%d)", errs.ErrShapeDiscoveryFailed, ctxLen, ctxLenD)
	}
	s.ContextLen = ctxLen
	s.ARPrefill = arP
	s.ARDecode = arD

	headDim, err := findHeadDim(prefill)
	if err != nil {
		return ModelShape{}, fmt.Errorf("%w: %w", errs.ErrShapeDiscoveryFailed, err)
	}
	s.HeadDim = headDim

	numHeads, err := findNumHeads(prefill, s.NumLayers)
	if err != nil {
		return ModelShape{}, fmt.Errorf("%w: %w", errs.ErrShapeDiscoveryFailed, err)
	}
	s.NumHeads = numHeads

	vocab, err := findVocabSize(prefill)
	if err != nil {
		return ModelShape{}, fmt.Errorf("%w: %w", errs.ErrShapeDiscoveryFailed, err)
	}
	s.VocabSize = vocab

	s.CacheLenPrefill = s.ContextLen - s.ARPrefill
	s.CacheLenDecode = s.ContextLen - s.ARDecode

	if err := s.validate(); err != nil {
		return ModelShape{}, err
	}
	return s, nil
}

// validate checks the topology invariants a usable ModelShape must satisfy.
func (s ModelShape) validate() error {
	if !(s.ARDecode <= s.ARPrefill && s.ARPrefill < s.ContextLen) {
		return fmt.Errorf("%w: invariant violated: ar_decode(%d) <= ar_prefill(%d) < context_len(%d)",
			errs.ErrShapeDiscoveryFailed, s.ARDecode, s.ARPrefill, s.ContextLen)
	}
	if !(s.CacheLenDecode > s.CacheLenPrefill) {
		return fmt.Errorf("%w: invariant violated: cache_len_decode(%d) > cache_len_prefill(%d)",
			errs.ErrShapeDiscoveryFailed, s.CacheLenDecode, s.CacheLenPrefill)
	}
	if s.NumLayers <= 0 || s.NumHeads <= 0 || s.HeadDim <= 0 {
		return fmt.Errorf("%w: non-positive topology (layers=%d heads=%d head_dim=%d)",
			errs.ErrShapeDiscoveryFailed, s.NumLayers, s.NumHeads, s.HeadDim)
	}
	return nil
}

func isAttentionMaskName(name string) bool {
	l := strings.ToLower(name)
	return strings.Contains(l, "atten_mask") || strings.Contains(l, "attn_mask")
}

// findARAndContextLen extracts the attention-mask input's trailing two
// dims, (ar, context_len).
func findARAndContextLen(g shardmeta.GraphDesc) (ar, contextLen int, err error) {
	for _, t := range g.Inputs {
		if isAttentionMaskName(t.Name) && t.Rank() >= 2 {
			n := t.Rank()
			return t.Dims[n-2], t.Dims[n-1], nil
		}
	}
	return 0, 0, fmt.Errorf("no attention-mask input found in graph %q", g.Name)
}

func isArgsSlot(name string) bool {
	return strings.Contains(strings.ToLower(name), "_args_")
}

// findHeadDim reads head_dim off the last dimension of any rank-3
// "_args_" input.
func findHeadDim(g shardmeta.GraphDesc) (int, error) {
	for _, t := range g.Inputs {
		if isArgsSlot(t.Name) && t.Rank() == 3 {
			return t.Dims[2], nil
		}
	}
	return 0, fmt.Errorf("no rank-3 _args_ input found to derive head_dim")
}

// findNumHeads counts the rank-3 "_args_" inputs: they are the K+V cache
// slots for all (layer, head) pairs, so count = 2 * num_layers * num_heads.
func findNumHeads(g shardmeta.GraphDesc, numLayers int) (int, error) {
	n := 0
	for _, t := range g.Inputs {
		if isArgsSlot(t.Name) && t.Rank() == 3 {
			n++
		}
	}
	if n == 0 || numLayers <= 0 || n%(2*numLayers) != 0 {
		return 0, fmt.Errorf("cannot derive num_heads from %d cache-slot inputs and num_layers=%d", n, numLayers)
	}
	return n / (2 * numLayers), nil
}

// findVocabSize reads vocab_size off the last dim of any floating-point or
// uint16-quantized output exceeding vocabMinDim.
func findVocabSize(g shardmeta.GraphDesc) (int, error) {
	for _, t := range g.Outputs {
		if t.Rank() == 0 {
			continue
		}
		if t.DType != shardmeta.DTypeFloat32 && t.DType != shardmeta.DTypeUint16 {
			continue
		}
		last := t.Dims[t.Rank()-1]
		if last > vocabMinDim {
			return last, nil
		}
	}
	return 0, fmt.Errorf("no output tensor with last dim > %d found to derive vocab_size", vocabMinDim)
}
