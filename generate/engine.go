package generate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/shardrun/shardrun/accel"
	"github.com/shardrun/shardrun/bind"
	"github.com/shardrun/shardrun/errs"
	"github.com/shardrun/shardrun/kvcache"
	"github.com/shardrun/shardrun/mask"
	"github.com/shardrun/shardrun/shape"
	"github.com/shardrun/shardrun/tensor"
	"github.com/shardrun/shardrun/tokenize"
)

// Graph bundles one compiled graph's handle, its classified tensors and the
// binding plan resolved for it.
// Ins/Outs are kept alongside Plan because Plan only maps name -> buffer;
// the accelerator's ExecuteGraph also needs each tensor's declared
// shape/dtype/quantization.
type Graph struct {
	Handle accel.GraphHandle
	Ins    []tensor.Classified
	Outs   []tensor.Classified
	Plan   *bind.Plan
}

func firstOfKind(cs []tensor.Classified, k tensor.Kind) (tensor.Classified, bool) {
	for _, c := range cs {
		if c.Role.Kind == k {
			return c, true
		}
	}
	return tensor.Classified{}, false
}

// Engine drives the generation loop end to end: tokenize, prefill, decode.
// It is not reentrant: seqSem bounds it to a single in-flight Generate call
// per Engine.
type Engine struct {
	Shape   shape.ModelShape
	Cache   *kvcache.Manager
	Runtime accel.Runtime
	Prefill Graph
	Decode  Graph
	Tok     tokenize.Tokenizer
	Log     *slog.Logger

	seqSem *semaphore.Weighted
}

// New builds an Engine from its already-assembled collaborators. Binding
// plans must have been built by bind.Build against the same cache before
// construction.
func New(s shape.ModelShape, cache *kvcache.Manager, rt accel.Runtime, prefill, decode Graph, tok tokenize.Tokenizer, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		Shape:   s,
		Cache:   cache,
		Runtime: rt,
		Prefill: prefill,
		Decode:  decode,
		Tok:     tok,
		Log:     log,
		seqSem:  semaphore.NewWeighted(1),
	}
}

// Result is the outcome of one Generate call: the generated text plus the
// timing figures the original mains reported.
type Result struct {
	Text            string
	Tokens          []int32
	PrefillDuration time.Duration
	DecodeDuration  time.Duration
}

// TokensPerSecond reports decode throughput over the decode-only duration,
// kept separate from prefill duration so prompt length doesn't skew it.
func (r Result) TokensPerSecond() float64 {
	if r.DecodeDuration <= 0 {
		return 0
	}
	return float64(len(r.Tokens)) / r.DecodeDuration.Seconds()
}

// Options configures one Generate call.
type Options struct {
	MaxGen    int   // --max_gen, default 100
	StopToken int32 // -1 disables early stop
}

// Generate runs the full loop for one prompt: tokenize, prefill, writeback,
// rearrange, then decode steps until max_gen, the cache_len_decode bound,
// the stop token, or ctx cancellation. It acquires
// the engine's reentrancy guard for its duration and returns
// errs.ErrInvariantViolation if a second call overlaps it.
func (e *Engine) Generate(ctx context.Context, prompt string, opts Options) (Result, error) {
	if !e.seqSem.TryAcquire(1) {
		return Result{}, fmt.Errorf("%w: Generate called while another generation is in flight", errs.ErrInvariantViolation)
	}
	defer e.seqSem.Release(1)

	if opts.MaxGen <= 0 {
		opts.MaxGen = 100
	}

	promptIDs, err := e.Tok.Encode(prompt, true, true)
	if err != nil {
		return Result{}, fmt.Errorf("%w: tokenizing prompt: %w", errs.ErrInvariantViolation, err)
	}
	if len(promptIDs) == 0 {
		return Result{}, fmt.Errorf("%w: empty prompt after tokenization", errs.ErrInvariantViolation)
	}
	if len(promptIDs) > e.Shape.ARPrefill {
		return Result{}, fmt.Errorf("%w: prompt length %d exceeds ar_prefill %d", errs.ErrInvariantViolation, len(promptIDs), e.Shape.ARPrefill)
	}

	st := &State{Tokens: append([]int32(nil), promptIDs...), Phase: PhaseInit}
	st.NUpdate = kvcache.NUpdate(len(promptIDs), e.Shape.ARPrefill)

	prefillStart := time.Now()
	nextTok, err := e.runPrefill(ctx, st, promptIDs)
	prefillDur := time.Since(prefillStart)
	if err != nil {
		return Result{}, err
	}
	generated := []int32{nextTok}
	st.Tokens = append(st.Tokens, nextTok)

	decodeStart := time.Now()
	for s := 0; ; s++ {
		if opts.StopToken >= 0 && nextTok == opts.StopToken {
			st.Phase = PhaseTerminated
			break
		}
		if s+1 >= opts.MaxGen || s+1 >= e.Shape.CacheLenDecode-st.NUpdate {
			st.Phase = PhaseTerminated
			break
		}
		select {
		case <-ctx.Done():
			st.Phase = PhaseTerminated
			return e.resultFrom(generated, prefillDur, time.Since(decodeStart)), fmt.Errorf("%w: %w", errs.ErrCancelled, ctx.Err())
		default:
		}

		st.Step = s + 1
		st.Phase = PhaseDecoding
		tok, err := e.runDecodeStep(ctx, st, nextTok)
		if err != nil {
			return Result{}, err
		}
		generated = append(generated, tok)
		st.Tokens = append(st.Tokens, tok)
		nextTok = tok
	}
	decodeDur := time.Since(decodeStart)

	return e.resultFrom(generated, prefillDur, decodeDur), nil
}

func (e *Engine) resultFrom(generated []int32, prefillDur, decodeDur time.Duration) Result {
	text, _ := e.Tok.Decode(generated)
	return Result{Text: text, Tokens: generated, PrefillDuration: prefillDur, DecodeDuration: decodeDur}
}

// runPrefill builds the prefill mask, writes token inputs, executes the
// prefill graph, performs writeback, rearranges the K cache, then argmaxes
// the first generated token.
func (e *Engine) runPrefill(ctx context.Context, st *State, promptIDs []int32) (int32, error) {
	s := e.Shape

	maskTensor, ok := firstOfKind(e.Prefill.Ins, tensor.KindAttentionMask)
	if !ok {
		return 0, fmt.Errorf("%w: prefill graph has no attention-mask tensor", errs.ErrBindingMissing)
	}
	maskBuf, ok := e.Prefill.Plan.Lookup(maskTensor.Desc.Name)
	if !ok {
		return 0, fmt.Errorf("%w: prefill graph attention-mask tensor %q not bound", errs.ErrBindingMissing, maskTensor.Desc.Name)
	}
	if err := mask.BuildPrefill(asUint16(maskBuf.Buf), s.ARPrefill, s.ContextLen, 0, st.NUpdate); err != nil {
		return 0, fmt.Errorf("%w: building prefill mask: %w", errs.ErrInvariantViolation, err)
	}

	if err := e.writeTokens(e.Prefill, promptIDs); err != nil {
		return 0, err
	}

	if err := e.execute(ctx, e.Prefill); err != nil {
		return 0, err
	}

	if err := e.Cache.WritebackPrefill(0, st.NUpdate); err != nil {
		return 0, fmt.Errorf("prefill writeback: %w", err)
	}
	e.Cache.Rearrange()

	st.NPast = st.NUpdate
	st.Phase = PhasePrefillDone

	logitsTensor, ok := firstOfKind(e.Prefill.Outs, tensor.KindLogits)
	if !ok {
		return 0, fmt.Errorf("%w: prefill graph has no logits tensor", errs.ErrBindingMissing)
	}
	logitsBuf, ok := e.Prefill.Plan.Lookup(logitsTensor.Desc.Name)
	if !ok {
		return 0, fmt.Errorf("%w: prefill graph logits tensor %q not bound", errs.ErrBindingMissing, logitsTensor.Desc.Name)
	}
	tok := Argmax(logitsBuf.Buf, len(promptIDs)-1, s.VocabSize)

	e.Log.Debug("prefill complete", "n_update", st.NUpdate, "n_past", st.NPast, "next_token", tok)
	st.Phase = PhaseDecoding
	return tok, nil
}

// runDecodeStep executes one decode graph call at position n_update+s-1,
// performs writeback, and argmaxes the next token.
func (e *Engine) runDecodeStep(ctx context.Context, st *State, tok int32) (int32, error) {
	s := e.Shape
	pos := st.NUpdate + st.Step - 1

	maskTensor, ok := firstOfKind(e.Decode.Ins, tensor.KindAttentionMask)
	if !ok {
		return 0, fmt.Errorf("%w: decode graph has no attention-mask tensor", errs.ErrBindingMissing)
	}
	maskBuf, ok := e.Decode.Plan.Lookup(maskTensor.Desc.Name)
	if !ok {
		return 0, fmt.Errorf("%w: decode graph attention-mask tensor %q not bound", errs.ErrBindingMissing, maskTensor.Desc.Name)
	}
	if err := mask.BuildDecode(asUint16(maskBuf.Buf), s.ContextLen, pos); err != nil {
		return 0, fmt.Errorf("%w: building decode mask (pos=%d): %w", errs.ErrInvariantViolation, pos, err)
	}

	if err := e.writeTokens(e.Decode, []int32{tok}); err != nil {
		return 0, err
	}

	if err := e.execute(ctx, e.Decode); err != nil {
		return 0, err
	}

	if err := e.Cache.WritebackDecodeStep(pos); err != nil {
		return 0, fmt.Errorf("decode writeback (pos=%d): %w", pos, err)
	}
	st.NPast = pos + 1

	logitsTensor, ok := firstOfKind(e.Decode.Outs, tensor.KindLogits)
	if !ok {
		return 0, fmt.Errorf("%w: decode graph has no logits tensor", errs.ErrBindingMissing)
	}
	logitsBuf, ok := e.Decode.Plan.Lookup(logitsTensor.Desc.Name)
	if !ok {
		return 0, fmt.Errorf("%w: decode graph logits tensor %q not bound", errs.ErrBindingMissing, logitsTensor.Desc.Name)
	}
	next := Argmax(logitsBuf.Buf, 0, s.VocabSize)
	e.Log.Debug("decode step", "step", st.Step, "n_past", st.NPast, "next_token", next)
	return next, nil
}

// execute runs one graph via the accelerator runtime, wrapping every
// bound tensor into the accel.TensorBinding list it expects.
func (e *Engine) execute(ctx context.Context, g Graph) error {
	ins := make([]accel.TensorBinding, 0, len(g.Ins))
	for _, c := range g.Ins {
		ref, ok := g.Plan.Lookup(c.Desc.Name)
		if !ok {
			return fmt.Errorf("%w: input tensor %q not bound", errs.ErrBindingMissing, c.Desc.Name)
		}
		ins = append(ins, accel.TensorBinding{Desc: c.Desc, Buf: ref.Buf})
	}
	outs := make([]accel.TensorBinding, 0, len(g.Outs))
	for _, c := range g.Outs {
		ref, ok := g.Plan.Lookup(c.Desc.Name)
		if !ok {
			return fmt.Errorf("%w: output tensor %q not bound", errs.ErrBindingMissing, c.Desc.Name)
		}
		outs = append(outs, accel.TensorBinding{Desc: c.Desc, Buf: ref.Buf})
	}
	if err := e.Runtime.ExecuteGraph(ctx, g.Handle, ins, outs); err != nil {
		return fmt.Errorf("%w: executing graph %q: %w", errs.ErrRuntimeFailure, g.Handle.Name, err)
	}
	return nil
}

// writeTokens writes the token-input buffer for one graph call, right
// aligned within the AR window to match the SMART_MASK convention the
// mask package builds against.
func (e *Engine) writeTokens(g Graph, ids []int32) error {
	tokTensor, ok := firstOfKind(g.Ins, tensor.KindTokenInput)
	if !ok {
		return fmt.Errorf("%w: graph has no token-input tensor", errs.ErrBindingMissing)
	}
	ref, ok := g.Plan.Lookup(tokTensor.Desc.Name)
	if !ok {
		return fmt.Errorf("%w: token-input tensor %q not bound", errs.ErrBindingMissing, tokTensor.Desc.Name)
	}
	buf := asInt32(ref.Buf)
	if len(ids) > len(buf) {
		return fmt.Errorf("%w: %d tokens exceed token-input capacity %d", errs.ErrInvariantViolation, len(ids), len(buf))
	}
	offset := len(buf) - len(ids)
	for i := range buf {
		buf[i] = 0
	}
	copy(buf[offset:], ids)
	return nil
}
