package bind

import (
	"testing"

	"github.com/shardrun/shardrun/kvcache"
	"github.com/shardrun/shardrun/shape"
	"github.com/shardrun/shardrun/shardmeta"
	"github.com/shardrun/shardrun/tensor"
)

func testShape() shape.ModelShape {
	return shape.ModelShape{
		ContextLen:      8,
		HeadDim:         4,
		NumLayers:       1,
		NumHeads:        1,
		ARPrefill:       4,
		ARDecode:        1,
		VocabSize:       32000,
		CacheLenPrefill: 4,
		CacheLenDecode:  7,
	}
}

func desc(name string, nbytes int64) shardmeta.TensorDesc {
	return shardmeta.TensorDesc{Name: name, NBytes: nbytes}
}

func TestBuildBindsCacheTensorsToSharedSlots(t *testing.T) {
	s := testShape()
	cache, err := kvcache.NewManager(s, 0, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer cache.Close()

	ins := []tensor.Classified{
		{Desc: desc("k_in", 0), Role: tensor.Role{Kind: tensor.KindKCacheInput}},
		{Desc: desc("v_in", 0), Role: tensor.Role{Kind: tensor.KindVCacheInput}},
		{Desc: desc("token_input_0", 16), Role: tensor.Role{Kind: tensor.KindTokenInput}},
	}
	outs := []tensor.Classified{
		{Desc: desc("k_out", 0), Role: tensor.Role{Kind: tensor.KindKCacheOutput}},
		{Desc: desc("v_out", 0), Role: tensor.Role{Kind: tensor.KindVCacheOutput}},
		{Desc: desc("squeeze_output_0", 256), Role: tensor.Role{Kind: tensor.KindLogits}},
	}

	plan, err := Build(ins, outs, cache)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	slot := cache.Slot(0, 0)

	kIn, ok := plan.Lookup("k_in")
	if !ok || kIn.Kind != RefShared {
		t.Fatalf("k_in not bound as shared: %+v ok=%v", kIn, ok)
	}
	if &kIn.Buf[0] != &slot.K.Input[0] {
		t.Error("k_in does not alias the cache manager's K.Input buffer")
	}

	vOut, ok := plan.Lookup("v_out")
	if !ok || vOut.Kind != RefShared {
		t.Fatalf("v_out not bound as shared: %+v ok=%v", vOut, ok)
	}
	if &vOut.Buf[0] != &slot.V.Output[0] {
		t.Error("v_out does not alias the cache manager's V.Output buffer")
	}

	tok, ok := plan.Lookup("token_input_0")
	if !ok || tok.Kind != RefScratch {
		t.Fatalf("token_input_0 not bound as scratch: %+v ok=%v", tok, ok)
	}
	if len(tok.Buf) != 16 {
		t.Errorf("token_input_0 scratch len = %d, want 16", len(tok.Buf))
	}

	logits, ok := plan.Lookup("squeeze_output_0")
	if !ok || logits.Kind != RefScratch || len(logits.Buf) != 256 {
		t.Fatalf("squeeze_output_0 not bound correctly: %+v ok=%v", logits, ok)
	}
}

func TestArenaReserveAlignsOffsets(t *testing.T) {
	a := newArena(64)
	off1 := a.reserve("a", 10)
	off2 := a.reserve("b", 10)

	if off1 != 0 {
		t.Errorf("first reserve offset = %d, want 0", off1)
	}
	if off2 != 64 {
		t.Errorf("second reserve offset = %d, want 64 (aligned up from 10)", off2)
	}
	if len(a.Bytes()) != 74 {
		t.Errorf("arena length = %d, want 74", len(a.Bytes()))
	}

	buf, ok := a.Slice("b", 10)
	if !ok || len(buf) != 10 {
		t.Fatalf("Slice(b) = %v, ok=%v", buf, ok)
	}
}

func TestArenaSliceMissingNameFails(t *testing.T) {
	a := newArena(64)
	a.reserve("a", 10)
	if _, ok := a.Slice("missing", 10); ok {
		t.Fatal("expected Slice to fail for unreserved name")
	}
}
