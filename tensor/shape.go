// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

import (
	"fmt"
	"strings"
)

// Shape represents the dimensions of a tensor. The slice is private so that
// a Shape handed out by a tensor cannot be mutated by the caller.
type Shape struct{ dims []int }

// NewShape creates a Shape from variadic dimension sizes.
func NewShape(dims ...int) Shape {
	d := make([]int, len(dims))
	copy(d, dims)
	return Shape{dims: d}
}

// Dims returns a copy of the dimension sizes.
func (s Shape) Dims() []int {
	d := make([]int, len(s.dims))
	copy(d, s.dims)
	return d
}

// DimsRef returns the internal dimension slice. The caller must not mutate it.
func (s Shape) DimsRef() []int { return s.dims }

// NDim returns the number of dimensions.
func (s Shape) NDim() int { return len(s.dims) }

// Numel returns the product of all dimensions (0 for a rank-0 shape).
func (s Shape) Numel() int {
	if len(s.dims) == 0 {
		return 0
	}
	return prod(s.dims)
}

// At returns the size of dimension dim. Negative indices count from the end.
func (s Shape) At(dim int) int {
	if dim < 0 {
		dim += len(s.dims)
	}
	if dim < 0 || dim >= len(s.dims) {
		return 0
	}
	return s.dims[dim]
}

// Equal reports whether two shapes have identical dimensions.
func (s Shape) Equal(other Shape) bool {
	if len(s.dims) != len(other.dims) {
		return false
	}
	for i := range s.dims {
		if s.dims[i] != other.dims[i] {
			return false
		}
	}
	return true
}

// String formats the shape as "[d0, d1, ...]".
func (s Shape) String() string {
	parts := make([]string, len(s.dims))
	for i, d := range s.dims {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func prod(xs []int) int {
	n := 1
	for _, x := range xs {
		n *= x
	}
	return n
}

// SplitLast splits dims into (leading dims, product of leading dims, last dim),
// so [batch, seq, hidden] can be treated as a (batch*seq, hidden) matrix.
func SplitLast(dims []int) (leading []int, leadingSize int, last int) {
	if len(dims) == 0 {
		panic("shape must have at least one dimension")
	}
	last = dims[len(dims)-1]
	leading = dims[:len(dims)-1]
	return leading, prod(leading), last
}

// WithLastDim appends last to the leading dimensions.
func WithLastDim(dims []int, last int) Shape {
	out := append(append([]int(nil), dims...), last)
	return Shape{dims: out}
}
