// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package layer

import "fmt"

// Mask marks attention positions that must be ignored. It has shape
// [batch, rows, cols]; a mask with a single row applies to every query.
// A nil *Mask masks nothing.
type Mask struct {
	batch, rows, cols int
	data              []bool
}

// NewMask allocates an all-visible mask.
func NewMask(batch, rows, cols int) *Mask {
	return &Mask{batch: batch, rows: rows, cols: cols, data: make([]bool, batch*rows*cols)}
}

// PadMask builds a [batch, 1, seq] mask that is true where ids == pad.
func PadMask(ids [][]int, pad int) *Mask {
	cols := 0
	if len(ids) > 0 {
		cols = len(ids[0])
	}
	m := NewMask(len(ids), 1, cols)
	for b, row := range ids {
		for s, id := range row {
			if id == pad {
				m.data[b*cols+s] = true
			}
		}
	}
	return m
}

// Set marks or clears a single position.
func (m *Mask) Set(b, r, c int, masked bool) { m.data[(b*m.rows+r)*m.cols+c] = masked }

// Masked reports whether key position k is hidden from query q in batch b.
func (m *Mask) Masked(b, q, k int) bool {
	if m == nil {
		return false
	}
	if m.rows == 1 {
		q = 0
	}
	return m.data[(b*m.rows+q)*m.cols+k]
}

// Batch returns the batch dimension.
func (m *Mask) Batch() int { return m.batch }

// Rows returns the query dimension (1 for a broadcast mask).
func (m *Mask) Rows() int { return m.rows }

// Cols returns the key dimension.
func (m *Mask) Cols() int { return m.cols }

// ConcatCols joins two broadcast masks along the key dimension, matching a
// concatenation of their key sequences.
func ConcatCols(a, b *Mask) *Mask {
	if a.rows != 1 || b.rows != 1 || a.batch != b.batch {
		panic(fmt.Sprintf("mask: cannot concat [%d,%d,%d] and [%d,%d,%d]",
			a.batch, a.rows, a.cols, b.batch, b.rows, b.cols))
	}
	m := NewMask(a.batch, 1, a.cols+b.cols)
	for i := 0; i < a.batch; i++ {
		copy(m.data[i*m.cols:], a.data[i*a.cols:(i+1)*a.cols])
		copy(m.data[i*m.cols+a.cols:], b.data[i*b.cols:(i+1)*b.cols])
	}
	return m
}

// Causal combines a [batch, 1, T] target padding mask with the subsequent
// position mask, producing [batch, T, T]: query q may not see key k when k
// is padding or k > q.
func Causal(pad *Mask) *Mask {
	if pad.rows != 1 {
		panic("mask: causal mask needs a broadcast padding mask")
	}
	n := pad.cols
	m := NewMask(pad.batch, n, n)
	for b := 0; b < pad.batch; b++ {
		for q := 0; q < n; q++ {
			for k := 0; k < n; k++ {
				m.data[(b*n+q)*n+k] = k > q || pad.data[b*n+k]
			}
		}
	}
	return m
}
