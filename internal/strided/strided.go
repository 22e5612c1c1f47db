// Package strided gives raw cache and arena buffers a typed, bounds-checked
// view instead of bare pointer arithmetic. View is a flat []byte plus a row
// geometry; Writer encapsulates the K-cache writeback, the single most
// error-prone operation in the driver.
package strided

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

// RoundUp rounds length up to the next multiple of align; an align of 0 or
// less returns length unchanged. Generic over any integer type so both the byte-offset arithmetic in
// this package and cache-buffer size calculations elsewhere in the driver
// can share one implementation.
func RoundUp[T constraints.Integer](length, align T) T {
	if align <= 0 {
		return length
	}
	return ((length + align - 1) / align) * align
}

// View is a bounds-checked strided window over a byte buffer: Rows rows,
// each RowBytes long, spaced Stride apart (Stride >= RowBytes).
type View struct {
	Buf       []byte
	Stride    int
	RowBytes  int
	Rows      int
}

// NewView builds a View and validates that it fits within buf.
func NewView(buf []byte, stride, rowBytes, rows int) (View, error) {
	v := View{Buf: buf, Stride: stride, RowBytes: rowBytes, Rows: rows}
	if rows == 0 {
		return v, nil
	}
	need := stride*(rows-1) + rowBytes
	if need > len(buf) {
		return View{}, fmt.Errorf("strided: view needs %d bytes, buffer has %d (stride=%d rowBytes=%d rows=%d)",
			need, len(buf), stride, rowBytes, rows)
	}
	return v, nil
}

// Row returns the byte slice for row i (no copy).
func (v View) Row(i int) []byte {
	off := i * v.Stride
	return v.Buf[off : off+v.RowBytes]
}

// Writer copies rows from a source buffer into a destination buffer using
// independent strides on each side — the single most error-prone part of
// the driver (K-cache writeback, where source stride is AR_prefill and
// destination stride is cache_len_prefill).
type Writer struct {
	Src View
	Dst View
}

// NewWriter validates that Src and Dst agree on RowBytes and Rows (only the
// Stride may differ between them).
func NewWriter(src, dst View) (Writer, error) {
	if src.RowBytes != dst.RowBytes {
		return Writer{}, fmt.Errorf("strided: row byte mismatch src=%d dst=%d", src.RowBytes, dst.RowBytes)
	}
	if src.Rows != dst.Rows {
		return Writer{}, fmt.Errorf("strided: row count mismatch src=%d dst=%d", src.Rows, dst.Rows)
	}
	return Writer{Src: src, Dst: dst}, nil
}

// CopyN copies the first n bytes of every row from Src to Dst. n must be <=
// RowBytes.
func (w Writer) CopyN(n int) error {
	if n > w.Src.RowBytes {
		return fmt.Errorf("strided: copy length %d exceeds row bytes %d", n, w.Src.RowBytes)
	}
	for i := 0; i < w.Src.Rows; i++ {
		copy(w.Dst.Row(i)[:n], w.Src.Row(i)[:n])
	}
	return nil
}

// CopyNFrom copies src into row row of v (at most RowBytes bytes), without
// requiring a paired Src view, for a source that is a flat slice rather
// than a strided view.
func (v View) CopyNFrom(row int, src []byte) {
	copy(v.Row(row), src)
}
