// Package shardmeta is the boundary to the graph-metadata JSON collaborator:
// it does not parse JSON itself, it only declares the shape the parser must
// hand back. The parser lives outside this module's scope (it ships with
// the shard binaries); shardrun only needs a typed view of the per-graph
// tensor descriptor list to run discovery and classification.
package shardmeta

// DType identifies the on-wire element type of a tensor, as reported by the
// accelerator compiler's metadata dump.
type DType int

const (
	DTypeUnknown DType = iota
	DTypeInt32
	DTypeUint8
	DTypeUint16
	DTypeFloat32
)

// Quant carries the affine quantization parameters for a tensor, when the
// tensor is quantized. Encoding is a short compiler-defined tag (e.g. "sa8",
// "sw16") and is otherwise opaque to shardrun.
type Quant struct {
	Scale    float64
	Offset   int64
	Encoding string
}

// TensorDesc is one input or output tensor of a graph, as surfaced by the
// metadata collaborator. Name is matched case-insensitively by the
// classifier; Dims is in row-major order, outermost first.
type TensorDesc struct {
	Name   string
	DType  DType
	Dims   []int
	NBytes int64
	Quant  *Quant // nil when the tensor is not quantized
}

// Rank reports len(Dims), the tensor's number of dimensions.
func (t TensorDesc) Rank() int {
	return len(t.Dims)
}

// GraphDesc is the ordered input/output tensor list for one compiled graph
// (prefill or decode).
type GraphDesc struct {
	Name    string
	Inputs  []TensorDesc
	Outputs []TensorDesc
}
