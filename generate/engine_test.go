package generate

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/shardrun/shardrun/accel"
	"github.com/shardrun/shardrun/bind"
	"github.com/shardrun/shardrun/errs"
	"github.com/shardrun/shardrun/kvcache"
	"github.com/shardrun/shardrun/shape"
	"github.com/shardrun/shardrun/shardmeta"
	"github.com/shardrun/shardrun/tensor"
)

// testShape is a minimal shape: 1 layer, 1 head, vocab 4, small enough for
// byte-exact logits fixtures.
func testShape() shape.ModelShape {
	return shape.ModelShape{
		ContextLen:      8,
		HeadDim:         4,
		NumLayers:       1,
		NumHeads:        1,
		ARPrefill:       4,
		ARDecode:        1,
		VocabSize:       4,
		CacheLenPrefill: 4,
		CacheLenDecode:  7,
	}
}

// buildGraph assembles a Graph for one of "prefill"/"decode" entirely by
// hand, binding cache tensors to cache's real buffers and everything else
// to freestanding scratch slices — enough surface for Engine.Generate
// without going through tensor.Classify/bind.Build.
func buildGraph(name string, ar int, s shape.ModelShape, cache *kvcache.Manager) Graph {
	slot := cache.Slot(0, 0)

	tokenBuf := make([]byte, ar*4)
	maskBuf := make([]byte, ar*s.ContextLen*2)
	logitsBuf := make([]byte, ar*s.VocabSize*2)

	ins := []tensor.Classified{
		{Desc: shardmeta.TensorDesc{Name: "token_input_0"}, Role: tensor.Role{Kind: tensor.KindTokenInput}},
		{Desc: shardmeta.TensorDesc{Name: "atten_mask_input_0"}, Role: tensor.Role{Kind: tensor.KindAttentionMask}},
		{Desc: shardmeta.TensorDesc{Name: "k_in"}, Role: tensor.Role{Kind: tensor.KindKCacheInput, Layer: 0, Head: 0}},
		{Desc: shardmeta.TensorDesc{Name: "v_in"}, Role: tensor.Role{Kind: tensor.KindVCacheInput, Layer: 0, Head: 0}},
	}
	outs := []tensor.Classified{
		{Desc: shardmeta.TensorDesc{Name: "k_out"}, Role: tensor.Role{Kind: tensor.KindKCacheOutput, Layer: 0, Head: 0}},
		{Desc: shardmeta.TensorDesc{Name: "v_out"}, Role: tensor.Role{Kind: tensor.KindVCacheOutput, Layer: 0, Head: 0}},
		{Desc: shardmeta.TensorDesc{Name: "logits_output_0"}, Role: tensor.Role{Kind: tensor.KindLogits}},
	}

	plan := &bind.Plan{
		Inputs: map[string]bind.BufferRef{
			"token_input_0":      {Kind: bind.RefScratch, Buf: tokenBuf},
			"atten_mask_input_0": {Kind: bind.RefScratch, Buf: maskBuf},
			"k_in":               {Kind: bind.RefShared, Buf: slot.K.Input},
			"v_in":               {Kind: bind.RefShared, Buf: slot.V.Input},
		},
		Outputs: map[string]bind.BufferRef{
			"k_out":           {Kind: bind.RefShared, Buf: slot.K.Output},
			"v_out":           {Kind: bind.RefShared, Buf: slot.V.Output},
			"logits_output_0": {Kind: bind.RefScratch, Buf: logitsBuf},
		},
	}

	return Graph{
		Handle: accel.GraphHandle{Name: name},
		Ins:    ins,
		Outs:   outs,
		Plan:   plan,
	}
}

// fakeRuntime writes a fixed argmax winner into the logits output of every
// graph call, independent of its inputs; the KV cache propagation itself is
// exercised by kvcache's own writeback tests.
type fakeRuntime struct {
	winner map[string]int32 // graph name -> vocab index to make the argmax winner
	calls  []string
}

func (f *fakeRuntime) Load(string, string) error                      { return nil }
func (f *fakeRuntime) CreateBackendAndDevice(context.Context) error    { return nil }
func (f *fakeRuntime) Close() error                                   { return nil }
func (f *fakeRuntime) CreateContextFromBinary(context.Context, string, []byte) (accel.ContextHandle, error) {
	return accel.ContextHandle{}, nil
}
func (f *fakeRuntime) RetrieveGraph(context.Context, accel.ContextHandle, string) (accel.GraphHandle, error) {
	return accel.GraphHandle{}, nil
}

func (f *fakeRuntime) ExecuteGraph(ctx context.Context, g accel.GraphHandle, ins, outs []accel.TensorBinding) error {
	f.calls = append(f.calls, g.Name)
	winner, ok := f.winner[g.Name]
	if !ok {
		return fmt.Errorf("fakeRuntime: no winner configured for graph %q", g.Name)
	}
	for _, o := range outs {
		if o.Desc.Name != "logits_output_0" {
			continue
		}
		rows := len(o.Buf) / 8 // vocab=4, 2 bytes each -> 8 bytes/row
		for r := 0; r < rows; r++ {
			for v := 0; v < 4; v++ {
				val := uint16(1)
				if int32(v) == winner {
					val = 0xFFFF
				}
				binary.LittleEndian.PutUint16(o.Buf[r*8+v*2:], val)
			}
		}
	}
	return nil
}

type fakeTokenizer struct {
	promptIDs []int32
}

func (f *fakeTokenizer) Encode(prompt string, addBOS, parseSpecial bool) ([]int32, error) {
	return f.promptIDs, nil
}

func (f *fakeTokenizer) Decode(ids []int32) (string, error) {
	s := ""
	for _, id := range ids {
		s += fmt.Sprintf("<%d>", id)
	}
	return s, nil
}

func TestGenerateStopsOnStopToken(t *testing.T) {
	s := testShape()
	cache, err := kvcache.NewManager(s, 0, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer cache.Close()

	prefill := buildGraph("prefill", s.ARPrefill, s, cache)
	decode := buildGraph("decode", s.ARDecode, s, cache)

	rt := &fakeRuntime{winner: map[string]int32{"prefill": 2, "decode": 1}}
	tok := &fakeTokenizer{promptIDs: []int32{5, 6, 7}}

	eng := New(s, cache, rt, prefill, decode, tok, nil)

	res, err := eng.Generate(context.Background(), "hello", Options{MaxGen: 10, StopToken: 1})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	want := []int32{2, 1}
	if len(res.Tokens) != len(want) {
		t.Fatalf("Tokens = %v, want %v", res.Tokens, want)
	}
	for i := range want {
		if res.Tokens[i] != want[i] {
			t.Errorf("Tokens[%d] = %d, want %d", i, res.Tokens[i], want[i])
		}
	}
	if len(rt.calls) != 2 || rt.calls[0] != "prefill" || rt.calls[1] != "decode" {
		t.Errorf("ExecuteGraph call sequence = %v, want [prefill decode]", rt.calls)
	}
}

func TestGenerateStopsOnMaxGen(t *testing.T) {
	s := testShape()
	cache, err := kvcache.NewManager(s, 0, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer cache.Close()

	prefill := buildGraph("prefill", s.ARPrefill, s, cache)
	decode := buildGraph("decode", s.ARDecode, s, cache)

	// Winner 3 never matches the (disabled) stop token, so only max_gen
	// bounds the loop.
	rt := &fakeRuntime{winner: map[string]int32{"prefill": 3, "decode": 3}}
	tok := &fakeTokenizer{promptIDs: []int32{5, 6}}

	eng := New(s, cache, rt, prefill, decode, tok, nil)

	res, err := eng.Generate(context.Background(), "hello", Options{MaxGen: 3, StopToken: -1})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Tokens) != 3 {
		t.Fatalf("len(Tokens) = %d, want 3 (max_gen)", len(res.Tokens))
	}
}

func TestGenerateRejectsReentrantCall(t *testing.T) {
	s := testShape()
	cache, err := kvcache.NewManager(s, 0, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer cache.Close()

	prefill := buildGraph("prefill", s.ARPrefill, s, cache)
	decode := buildGraph("decode", s.ARDecode, s, cache)
	rt := &fakeRuntime{winner: map[string]int32{"prefill": 2, "decode": 1}}
	tok := &fakeTokenizer{promptIDs: []int32{5}}
	eng := New(s, cache, rt, prefill, decode, tok, nil)

	if !eng.seqSem.TryAcquire(1) {
		t.Fatal("fixture setup: could not acquire semaphore")
	}
	defer eng.seqSem.Release(1)

	if _, err := eng.Generate(context.Background(), "hello", Options{MaxGen: 1, StopToken: -1}); err == nil {
		t.Fatal("expected error for reentrant Generate call")
	}
}

// cancelingRuntime cancels ctx once ExecuteGraph has been called
// cancelAfter times, so a test can assert that cancellation only takes
// effect between decode steps rather than mid-execution.
type cancelingRuntime struct {
	*fakeRuntime
	cancel      context.CancelFunc
	cancelAfter int
}

func (c *cancelingRuntime) ExecuteGraph(ctx context.Context, g accel.GraphHandle, ins, outs []accel.TensorBinding) error {
	err := c.fakeRuntime.ExecuteGraph(ctx, g, ins, outs)
	if len(c.fakeRuntime.calls) == c.cancelAfter {
		c.cancel()
	}
	return err
}

func TestGenerateStopsOnCancellationBetweenDecodeSteps(t *testing.T) {
	s := testShape()
	cache, err := kvcache.NewManager(s, 0, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer cache.Close()

	prefill := buildGraph("prefill", s.ARPrefill, s, cache)
	decode := buildGraph("decode", s.ARDecode, s, cache)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Winner 3 never matches the (disabled) stop token, so only
	// cancellation can end the loop. Cancel after the prefill call plus one
	// decode call, so the engine observes ctx.Done() only once it loops
	// back around for the next step.
	inner := &fakeRuntime{winner: map[string]int32{"prefill": 3, "decode": 3}}
	rt := &cancelingRuntime{fakeRuntime: inner, cancel: cancel, cancelAfter: 2}
	tok := &fakeTokenizer{promptIDs: []int32{5, 6, 7}}

	eng := New(s, cache, rt, prefill, decode, tok, nil)

	res, err := eng.Generate(ctx, "hello", Options{MaxGen: 100, StopToken: -1})
	if !errors.Is(err, errs.ErrCancelled) {
		t.Fatalf("Generate error = %v, want errs.ErrCancelled", err)
	}
	if len(res.Tokens) != 2 {
		t.Fatalf("len(Tokens) = %d, want 2 (1 prefill token + 1 decode step before cancellation)", len(res.Tokens))
	}
	if len(inner.calls) != 2 || inner.calls[0] != "prefill" || inner.calls[1] != "decode" {
		t.Fatalf("ExecuteGraph call sequence = %v, want [prefill decode], no further decode steps after cancellation", inner.calls)
	}
}

func TestGenerateRejectsPromptExceedingARPrefill(t *testing.T) {
	s := testShape()
	cache, err := kvcache.NewManager(s, 0, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer cache.Close()

	prefill := buildGraph("prefill", s.ARPrefill, s, cache)
	decode := buildGraph("decode", s.ARDecode, s, cache)
	rt := &fakeRuntime{winner: map[string]int32{"prefill": 2, "decode": 1}}
	tok := &fakeTokenizer{promptIDs: []int32{1, 2, 3, 4, 5}} // 5 > ar_prefill=4
	eng := New(s, cache, rt, prefill, decode, tok, nil)

	if _, err := eng.Generate(context.Background(), "hello", Options{MaxGen: 1, StopToken: -1}); err == nil {
		t.Fatal("expected error for prompt longer than ar_prefill")
	}
}
