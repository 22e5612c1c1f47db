// Package kvcache is the KV-cache memory manager and Update Engine (spec
// §4.3, §4.6): it owns all persistent K/V storage, exposes KVSlot handles
// per (layer, head), performs post-execution writeback, and performs the
// in-place rearrange between prefill and decode stride conventions.
//
// Layout follows the SMART_MASK convention: K is stored [head_dim,
// cache_len] (strided, one row per dimension) while V is stored
// [cache_len, head_dim] (sequential, one row per cached token) — two
// distinct layouts sharing a single allocation sized for the larger of the
// two cache lengths, so that rearranging between prefill and decode stride
// is an in-place restride rather than a reallocation.
package kvcache

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/dustin/go-humanize"

	"github.com/shardrun/shardrun/errs"
	"github.com/shardrun/shardrun/internal/strided"
	"github.com/shardrun/shardrun/shape"
)

// Pair is one persistent input buffer and one scratch output buffer for a
// single (layer, head, K-or-V) cache slot.
type Pair struct {
	Input  []byte // persistent: read by every graph execution, written by writeback
	Output []byte // scratch: written by a graph execution, read by writeback
}

// Slot is the full KV cache state for one (layer, head) pair.
type Slot struct {
	K Pair
	V Pair
}

// Manager owns every KVSlot and implements the allocator and
// update engine. It must not be copied after NewManager.
type Manager struct {
	shape shape.ModelShape
	align int
	slots [][]Slot // [layer][head]
}

// DefaultAlignment is the minimum alignment the allocator honors when the
// accelerator reports no stricter requirement.
const DefaultAlignment = 64

// NewManager allocates and zero-initializes every K/V buffer for s.
// accelAlign is the accelerator's own alignment requirement in bytes (0 if
// none); the manager aligns every buffer to max(accelAlign,
// DefaultAlignment). K/V input buffers are sized for cache_len_decode (the
// larger cache length, so rearrange is in-place) and output buffers are
// sized for ar_prefill. log may be nil; if
// set, the allocator reports the total bytes allocated in human-readable
// form, the same role humanize.Bytes plays logging GoMLX tensor buffers.
func NewManager(s shape.ModelShape, accelAlign int, log *slog.Logger) (*Manager, error) {
	align := accelAlign
	if align < DefaultAlignment {
		align = DefaultAlignment
	}

	m := &Manager{shape: s, align: align}
	m.slots = make([][]Slot, s.NumLayers)

	// alloc returns a zeroed n-byte buffer whose first byte sits on an
	// align-byte boundary.
	alloc := func(n int) []byte {
		raw := make([]byte, n+align)
		base := int(uintptr(unsafe.Pointer(&raw[0])))
		off := strided.RoundUp(base, align) - base
		return raw[off : off+n : off+n]
	}

	kInBytes := strided.RoundUp(s.HeadDim*s.CacheLenDecode, align)
	kOutBytes := strided.RoundUp(s.HeadDim*s.ARPrefill, align)
	vInBytes := strided.RoundUp(s.CacheLenDecode*s.HeadDim, align)
	vOutBytes := strided.RoundUp(s.ARPrefill*s.HeadDim, align)

	if kInBytes <= 0 || vInBytes <= 0 {
		return nil, fmt.Errorf("%w: non-positive cache buffer size (head_dim=%d cache_len_decode=%d)",
			errs.ErrAllocationFailed, s.HeadDim, s.CacheLenDecode)
	}

	for l := 0; l < s.NumLayers; l++ {
		m.slots[l] = make([]Slot, s.NumHeads)
		for h := 0; h < s.NumHeads; h++ {
			m.slots[l][h] = Slot{
				K: Pair{Input: alloc(kInBytes), Output: alloc(kOutBytes)},
				V: Pair{Input: alloc(vInBytes), Output: alloc(vOutBytes)},
			}
		}
	}

	if log != nil {
		log.Info("kv cache allocated", "total", humanize.Bytes(uint64(m.TotalBytes())))
	}
	return m, nil
}

// Slot returns the KVSlot for (layer, head). It panics on an out-of-range
// index: callers are expected to have validated (layer, head) against
// ModelShape already (an out-of-range index here is a driver bug, not a
// runtime condition — see ErrInvariantViolation).
func (m *Manager) Slot(layer, head int) *Slot {
	return &m.slots[layer][head]
}

// Shape returns the ModelShape the manager was built from.
func (m *Manager) Shape() shape.ModelShape {
	return m.shape
}

// TotalBytes reports the total bytes allocated across every slot (spec
// §4.3's "Total allocated" figure).
func (m *Manager) TotalBytes() int64 {
	var total int64
	for _, layer := range m.slots {
		for _, s := range layer {
			total += int64(len(s.K.Input) + len(s.K.Output) + len(s.V.Input) + len(s.V.Output))
		}
	}
	return total
}

// Close releases the manager's references to its buffers. Cache buffers are
// never reallocated during a generation; Close is only meaningful at
// program termination.
func (m *Manager) Close() {
	m.slots = nil
}
