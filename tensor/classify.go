package tensor

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/shardrun/shardrun/errs"
	"github.com/shardrun/shardrun/shape"
	"github.com/shardrun/shardrun/shardmeta"
)

// Classified pairs a TensorDesc with its assigned Role. Classify returns
// them in the same order as the graph's input or output list, so callers
// can reconstruct binding order from slice position.
type Classified struct {
	Desc shardmeta.TensorDesc
	Role Role
}

// indexRe pulls the integer following "input_" or "output_" out of a tensor
// name, used to assign cache tensors to a (layer, head) slot in numeric
// order.
var indexRe = regexp.MustCompile(`(?i)(?:input|output)_(\d+)`)

func numericIndex(name string) (int, bool) {
	m := indexRe.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// matchRank3 reports whether dims equals want exactly.
func matchRank3(dims []int, want [3]int) bool {
	return len(dims) == 3 && dims[0] == want[0] && dims[1] == want[1] && dims[2] == want[2]
}

// classifyOne applies a name/dtype/shape predicate table, first match wins,
// without yet assigning layer/head for cache kinds (that happens in a second
// pass over all tensors in numeric-index order).
func classifyOne(t shardmeta.TensorDesc, s shape.ModelShape) Kind {
	name := strings.ToLower(t.Name)

	switch {
	case strings.Contains(name, "token") && strings.Contains(name, "input") && t.DType == shardmeta.DTypeInt32:
		return KindTokenInput
	case strings.Contains(name, "pos") && t.DType == shardmeta.DTypeInt32:
		return KindPositionInput
	case strings.Contains(name, "atten_mask") || strings.Contains(name, "attn_mask"):
		return KindAttentionMask
	case matchRank3(t.Dims, [3]int{1, s.CacheLenDecode, s.HeadDim}):
		return KindVCacheInput
	case matchRank3(t.Dims, [3]int{1, s.HeadDim, s.CacheLenDecode}):
		return KindKCacheInput
	case t.Rank() == 3 && strings.Contains(name, "view_copy") &&
		(matchRank3(t.Dims, [3]int{1, s.ARPrefill, s.HeadDim}) || matchRank3(t.Dims, [3]int{1, s.ARDecode, s.HeadDim})):
		return KindVCacheOutput
	case t.Rank() == 3 && strings.Contains(name, "permute_copy") &&
		(matchRank3(t.Dims, [3]int{1, s.HeadDim, s.ARPrefill}) || matchRank3(t.Dims, [3]int{1, s.HeadDim, s.ARDecode})):
		return KindKCacheOutput
	case strings.Contains(name, "squeeze") || strings.Contains(name, "logit"):
		return KindLogits
	default:
		return KindOpaque
	}
}

// Classify classifies every input and output tensor of g against shape s,
// then resolves (layer, head) for the four cache kinds by walking tensors in
// numeric-name order with two independent running counters (one for V, one
// for K), matching the on-device convention "V0..V_{H-1} of layer 0, then
// K0..K_{H-1} of layer 0, then layer 1, ...".
//
// It checks that every (layer, head) pair ends up with exactly one of each
// cache kind after assignment and returns errs.ErrClassificationMismatch if
// it does not hold.
func Classify(g shardmeta.GraphDesc, s shape.ModelShape) ([]Classified, []Classified, error) {
	ins, err := classifyList(g.Inputs, s)
	if err != nil {
		return nil, nil, fmt.Errorf("classifying graph %q inputs: %w", g.Name, err)
	}
	outs, err := classifyList(g.Outputs, s)
	if err != nil {
		return nil, nil, fmt.Errorf("classifying graph %q outputs: %w", g.Name, err)
	}

	if err := checkInvariantI1(ins, outs, s); err != nil {
		return nil, nil, fmt.Errorf("graph %q: %w: %w", g.Name, errs.ErrClassificationMismatch, err)
	}
	return ins, outs, nil
}

func classifyList(descs []shardmeta.TensorDesc, s shape.ModelShape) ([]Classified, error) {
	out := make([]Classified, len(descs))
	for i, d := range descs {
		out[i] = Classified{Desc: d, Role: Role{Kind: classifyOne(d, s)}}
	}
	assignLayerHead(out, s.NumHeads)
	return out, nil
}

// assignLayerHead resolves layer/head in place for V*/K* kinds, sorted by
// the numeric index embedded in the tensor name. Tensors without a
// recognizable index sort last and in original order (stable sort).
func assignLayerHead(items []Classified, numHeads int) {
	order := make([]int, len(items))
	for i := range items {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ia, oka := numericIndex(items[order[a]].Desc.Name)
		ib, okb := numericIndex(items[order[b]].Desc.Name)
		if oka && okb {
			return ia < ib
		}
		return oka // unindexed sort after indexed
	})

	var vCounter, kCounter int
	for _, idx := range order {
		switch items[idx].Role.Kind {
		case KindVCacheInput, KindVCacheOutput:
			items[idx].Role.Layer = vCounter / numHeads
			items[idx].Role.Head = vCounter % numHeads
			vCounter++
		case KindKCacheInput, KindKCacheOutput:
			items[idx].Role.Layer = kCounter / numHeads
			items[idx].Role.Head = kCounter % numHeads
			kCounter++
		}
	}
}

// checkInvariantI1 verifies that for every (layer,head) in [0,numLayers) x
// [0,numHeads) there is exactly one of each of the four cache kinds, split
// across inputs (K/V cache inputs) and outputs (K/V cache outputs).
func checkInvariantI1(ins, outs []Classified, s shape.ModelShape) error {
	want := s.NumLayers * s.NumHeads

	countIn := map[Kind]map[[2]int]int{KindKCacheInput: {}, KindVCacheInput: {}}
	for _, c := range ins {
		if m, ok := countIn[c.Role.Kind]; ok {
			m[[2]int{c.Role.Layer, c.Role.Head}]++
		}
	}
	countOut := map[Kind]map[[2]int]int{KindKCacheOutput: {}, KindVCacheOutput: {}}
	for _, c := range outs {
		if m, ok := countOut[c.Role.Kind]; ok {
			m[[2]int{c.Role.Layer, c.Role.Head}]++
		}
	}

	check := func(label string, m map[[2]int]int) error {
		if len(m) != want {
			return fmt.Errorf("%s: expected %d distinct (layer,head) slots, got %d", label, want, len(m))
		}
		for lh, n := range m {
			if n != 1 {
				return fmt.Errorf("%s: (layer=%d,head=%d) appears %d times, want exactly 1", label, lh[0], lh[1], n)
			}
		}
		return nil
	}

	if err := check("KCacheInput", countIn[KindKCacheInput]); err != nil {
		return err
	}
	if err := check("VCacheInput", countIn[KindVCacheInput]); err != nil {
		return err
	}
	if err := check("KCacheOutput", countOut[KindKCacheOutput]); err != nil {
		return err
	}
	if err := check("VCacheOutput", countOut[KindVCacheOutput]); err != nil {
		return err
	}
	return nil
}
