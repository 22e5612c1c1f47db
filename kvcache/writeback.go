package kvcache

import (
	"fmt"

	"github.com/shardrun/shardrun/errs"
	"github.com/shardrun/shardrun/internal/strided"
)

// NUpdate computes the count of valid trailing positions a prefill graph
// execution actually filled, given numPromptTokens tokens were fed to a
// window of arPrefill positions. The prompt is right-aligned
// inside the AR window, so for numPromptTokens <= arPrefill the whole
// prompt is the last chunk (nUpdate = numPromptTokens); otherwise nUpdate is
// the size of the trailing partial window.
func NUpdate(numPromptTokens, arPrefill int) int {
	return 1 + ((numPromptTokens - 1) % arPrefill)
}

// WritebackPrefill copies the first nUpdate valid positions of every
// (layer, head)'s K and V output buffers into their input buffers at
// destination position nPast. It must run once, after
// prefill execution and before rearrange.
//
// Critical: the K destination stride here is cache_len_prefill, not
// cache_len_decode — the cache has not yet been rearranged, even though its
// physical allocation is already sized for cache_len_decode.
func (m *Manager) WritebackPrefill(nPast, nUpdate int) error {
	s := m.shape
	if nUpdate <= 0 || nUpdate > s.ARPrefill {
		return fmt.Errorf("%w: WritebackPrefill: n_update=%d out of range (0,%d]", errs.ErrInvariantViolation, nUpdate, s.ARPrefill)
	}
	if nPast+nUpdate > s.CacheLenPrefill {
		return fmt.Errorf("%w: WritebackPrefill: n_past(%d)+n_update(%d) exceeds cache_len_prefill(%d)",
			errs.ErrInvariantViolation, nPast, nUpdate, s.CacheLenPrefill)
	}

	for l := 0; l < s.NumLayers; l++ {
		for h := 0; h < s.NumHeads; h++ {
			slot := m.Slot(l, h)

			// V: sequential layout, one memcpy of n_update rows.
			src := slot.V.Output[:nUpdate*s.HeadDim]
			dst := slot.V.Input[nPast*s.HeadDim : (nPast+nUpdate)*s.HeadDim]
			copy(dst, src)

			// K: strided layout, source row stride ar_prefill, destination
			// row stride cache_len_prefill (see doc comment above).
			srcView, err := strided.NewView(slot.K.Output, s.ARPrefill, nUpdate, s.HeadDim)
			if err != nil {
				return fmt.Errorf("%w: WritebackPrefill K src view (layer=%d head=%d): %w", errs.ErrInvariantViolation, l, h, err)
			}
			dstView, err := strided.NewView(slot.K.Input[nPast:], s.CacheLenPrefill, nUpdate, s.HeadDim)
			if err != nil {
				return fmt.Errorf("%w: WritebackPrefill K dst view (layer=%d head=%d): %w", errs.ErrInvariantViolation, l, h, err)
			}
			w, err := strided.NewWriter(srcView, dstView)
			if err != nil {
				return fmt.Errorf("%w: WritebackPrefill K writer (layer=%d head=%d): %w", errs.ErrInvariantViolation, l, h, err)
			}
			if err := w.CopyN(nUpdate); err != nil {
				return fmt.Errorf("%w: WritebackPrefill K copy (layer=%d head=%d): %w", errs.ErrInvariantViolation, l, h, err)
			}
		}
	}
	return nil
}

// WritebackDecodeStep copies the single new position produced by one decode
// execution into the cache at position pos. The decode K
// output has shape [head_dim, 1] (head_dim contiguous single-element rows);
// the decode V output is a flat [head_dim] row.
func (m *Manager) WritebackDecodeStep(pos int) error {
	s := m.shape
	if pos < 0 || pos >= s.CacheLenDecode {
		return fmt.Errorf("%w: WritebackDecodeStep: pos=%d out of range [0,%d)", errs.ErrInvariantViolation, pos, s.CacheLenDecode)
	}

	for l := 0; l < s.NumLayers; l++ {
		for h := 0; h < s.NumHeads; h++ {
			slot := m.Slot(l, h)

			// V
			copy(slot.V.Input[pos*s.HeadDim:(pos+1)*s.HeadDim], slot.V.Output[:s.HeadDim])

			// K: one byte per dimension, written at column pos of a row
			// strided by cache_len_decode.
			for d := 0; d < s.HeadDim; d++ {
				slot.K.Input[d*s.CacheLenDecode+pos] = slot.K.Output[d]
			}
		}
	}
	return nil
}
