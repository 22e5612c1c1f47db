package bind

import (
	"fmt"

	"github.com/shardrun/shardrun/errs"
	"github.com/shardrun/shardrun/kvcache"
	"github.com/shardrun/shardrun/tensor"
)

// RefKind distinguishes a binding that aliases a persistent cache buffer
// from one that points into a per-graph scratch arena.
type RefKind int

const (
	RefShared RefKind = iota
	RefScratch
)

// BufferRef is the resolved destination of one named graph tensor.
type BufferRef struct {
	Kind RefKind
	Buf  []byte
}

// Plan is the tensor-name -> BufferRef mapping for one graph.
type Plan struct {
	Inputs  map[string]BufferRef
	Outputs map[string]BufferRef
	Arena   *Arena // kept alive for the graph's lifetime; nil-safe if no scratch tensors exist
}

// Lookup returns the BufferRef bound to name, checking inputs then outputs.
func (p *Plan) Lookup(name string) (BufferRef, bool) {
	if r, ok := p.Inputs[name]; ok {
		return r, true
	}
	r, ok := p.Outputs[name]
	return r, ok
}

// Build produces a BindingPlan for one graph from its classified tensors
//. Every KCacheInput/VCacheInput is bound to the matching
// KVSlot's input buffer; every KCacheOutput/VCacheOutput to the matching
// slot's output buffer; everything else (TokenInput, PositionInput,
// AttentionMask, Logits, Opaque) is laid out in a fresh per-graph scratch
// arena, aligned to at least 64 bytes per tensor.
func Build(ins, outs []tensor.Classified, cache *kvcache.Manager) (*Plan, error) {
	const scratchAlign = 64

	arena := newArena(scratchAlign)
	plan := &Plan{
		Inputs:  make(map[string]BufferRef, len(ins)),
		Outputs: make(map[string]BufferRef, len(outs)),
		Arena:   arena,
	}

	// Pass 1: reserve scratch space for every non-cache tensor so the
	// arena's backing buffer is fully grown before we hand out slices.
	for _, c := range ins {
		if !c.Role.IsCache() {
			arena.reserve(c.Desc.Name, int(c.Desc.NBytes))
		}
	}
	for _, c := range outs {
		if !c.Role.IsCache() {
			arena.reserve(c.Desc.Name, int(c.Desc.NBytes))
		}
	}
	if err := arena.finalize(); err != nil {
		return nil, err
	}

	for _, c := range ins {
		ref, err := resolveInput(c, cache, arena)
		if err != nil {
			return nil, err
		}
		plan.Inputs[c.Desc.Name] = ref
	}
	for _, c := range outs {
		ref, err := resolveOutput(c, cache, arena)
		if err != nil {
			return nil, err
		}
		plan.Outputs[c.Desc.Name] = ref
	}
	return plan, nil
}

func resolveInput(c tensor.Classified, cache *kvcache.Manager, arena *Arena) (BufferRef, error) {
	switch c.Role.Kind {
	case tensor.KindKCacheInput:
		return BufferRef{Kind: RefShared, Buf: cache.Slot(c.Role.Layer, c.Role.Head).K.Input}, nil
	case tensor.KindVCacheInput:
		return BufferRef{Kind: RefShared, Buf: cache.Slot(c.Role.Layer, c.Role.Head).V.Input}, nil
	default:
		return scratchRef(c, arena)
	}
}

func resolveOutput(c tensor.Classified, cache *kvcache.Manager, arena *Arena) (BufferRef, error) {
	switch c.Role.Kind {
	case tensor.KindKCacheOutput:
		return BufferRef{Kind: RefShared, Buf: cache.Slot(c.Role.Layer, c.Role.Head).K.Output}, nil
	case tensor.KindVCacheOutput:
		return BufferRef{Kind: RefShared, Buf: cache.Slot(c.Role.Layer, c.Role.Head).V.Output}, nil
	default:
		return scratchRef(c, arena)
	}
}

func scratchRef(c tensor.Classified, arena *Arena) (BufferRef, error) {
	buf, ok := arena.Slice(c.Desc.Name, int(c.Desc.NBytes))
	if !ok {
		return BufferRef{}, fmt.Errorf("%w: no arena slot reserved for %q", errs.ErrBindingMissing, c.Desc.Name)
	}
	return BufferRef{Kind: RefScratch, Buf: buf}, nil
}
