// Package bind implements the Binding Planner: it assigns every
// graph tensor to either a shared cache buffer (so the accelerator
// reads/writes the KV cache in place) or a scratch arena slot (for
// everything else — tokens, positions, the attention mask, logits).
package bind

import (
	"fmt"

	"github.com/shardrun/shardrun/errs"
	"github.com/shardrun/shardrun/internal/strided"
)

// Arena is a single contiguous scratch buffer for one graph's non-cache
// tensors, laid out once by the Planner.
type Arena struct {
	data    []byte
	offsets map[string]int
	align   int
}

// newArena starts an empty arena; tensors are appended with reserve.
func newArena(align int) *Arena {
	if align < strided.RoundUp(1, 1) {
		align = 1
	}
	return &Arena{offsets: make(map[string]int), align: align}
}

// reserve appends nbytes of space for name, aligned to a.align, and returns
// the byte offset it was placed at. Called once per scratch tensor while
// building the arena; each call grows the backing buffer itself, so slices
// handed out before the last reserve may no longer alias it.
func (a *Arena) reserve(name string, nbytes int) int {
	off := strided.RoundUp(len(a.data), a.align)
	a.data = append(a.data, make([]byte, off-len(a.data)+nbytes)...)
	a.offsets[name] = off
	return off
}

// finalize is a no-op placeholder kept for symmetry with the cache
// allocator's explicit allocate step; reserve already grows the backing
// slice, so there is nothing left to do here beyond validating offsets.
func (a *Arena) finalize() error {
	for name, off := range a.offsets {
		if off < 0 || off > len(a.data) {
			return fmt.Errorf("%w: arena offset for %q out of range", errs.ErrInvariantViolation, name)
		}
	}
	return nil
}

// Slice returns the backing bytes reserved for tensor name.
func (a *Arena) Slice(name string, nbytes int) ([]byte, bool) {
	off, ok := a.offsets[name]
	if !ok {
		return nil, false
	}
	return a.data[off : off+nbytes], true
}

// Bytes returns the arena's full backing buffer.
func (a *Arena) Bytes() []byte {
	return a.data
}
