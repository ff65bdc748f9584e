// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package tensor provides the dense float32 storage used by every layer.
//
// All tensor storage uses flat []float32 slices in row-major order.
// Matrix multiplication is delegated to gonum's float32 BLAS.
package tensor

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// NegInf is the most negative finite float32. Masked logits use it so that
// softmax maps them to exactly zero without producing NaN from inf-inf.
const NegInf = -float32(math.MaxFloat32)

// Exp32 computes exp(x) for float32 through the float64 implementation.
func Exp32(x float32) float32 { return float32(math.Exp(float64(x))) }

// Sqrt32 computes sqrt(x) for float32.
func Sqrt32(x float32) float32 { return float32(math.Sqrt(float64(x))) }

// Log32 computes ln(x), returning NegInf for non-positive input.
func Log32(x float32) float32 {
	if x <= 0 {
		return NegInf
	}
	return float32(math.Log(float64(x)))
}

// Sigmoid32 computes 1 / (1 + exp(-x)).
func Sigmoid32(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// Tensor stores multi-dimensional float32 data in a contiguous flat slice.
// All operations allocate new tensors unless suffixed with "InPlace".
type Tensor struct {
	data  []float32
	shape Shape
}

// New allocates a zero-filled tensor.
func New(shape Shape) *Tensor {
	return &Tensor{data: make([]float32, shape.Numel()), shape: shape}
}

// Zeros is an alias for New.
func Zeros(shape Shape) *Tensor { return New(shape) }

// Ones allocates a tensor filled with 1.
func Ones(shape Shape) *Tensor { return Full(shape, 1) }

// Full allocates a tensor filled with v.
func Full(shape Shape, v float32) *Tensor {
	t := New(shape)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// FromSlice creates a tensor by copying data.
// Panics if len(data) != shape.Numel().
func FromSlice(data []float32, shape Shape) *Tensor {
	if len(data) != shape.Numel() {
		panic(fmt.Sprintf("data length %d != shape numel %d", len(data), shape.Numel()))
	}
	d := make([]float32, len(data))
	copy(d, data)
	return &Tensor{data: d, shape: shape}
}

// FromSliceNoCopy creates a tensor that owns data directly.
// The caller must not retain or mutate the slice afterwards.
func FromSliceNoCopy(data []float32, shape Shape) *Tensor {
	if len(data) != shape.Numel() {
		panic(fmt.Sprintf("data length %d != shape numel %d", len(data), shape.Numel()))
	}
	return &Tensor{data: data, shape: shape}
}

// RandnWithStd fills a tensor with N(0, std^2) samples drawn from rng.
func RandnWithStd(shape Shape, std float32, rng *rand.Rand) *Tensor {
	t := New(shape)
	for i := range t.data {
		t.data[i] = float32(rng.NormFloat64()) * std
	}
	return t
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape { return t.shape }

// DataPtr returns the underlying storage slice (no copy).
func (t *Tensor) DataPtr() []float32 { return t.data }

// Data returns a copy of the underlying storage.
func (t *Tensor) Data() []float32 {
	d := make([]float32, len(t.data))
	copy(d, t.data)
	return d
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape.dims) {
		panic(fmt.Sprintf("expected %d indices, got %d", len(t.shape.dims), len(indices)))
	}
	idx := 0
	for i, index := range indices {
		size := t.shape.dims[i]
		if index < 0 || index >= size {
			panic(fmt.Sprintf("index %d out of bounds for dim %d with size %d", index, i, size))
		}
		idx = idx*size + index
	}
	return idx
}

// At reads a single element by multi-dimensional index.
func (t *Tensor) At(indices ...int) float32 { return t.data[t.flatIndex(indices)] }

// Set writes a single element by multi-dimensional index.
func (t *Tensor) Set(value float32, indices ...int) { t.data[t.flatIndex(indices)] = value }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor { return FromSlice(t.data, t.shape) }

// Reshape returns a tensor sharing the same backing data with a new shape.
// Mutations through one are visible through the other.
func (t *Tensor) Reshape(s Shape) *Tensor {
	if t.shape.Numel() != s.Numel() {
		panic(fmt.Sprintf("cannot reshape %v to %v: different numel", t.shape, s))
	}
	return &Tensor{data: t.data, shape: s}
}

// Row returns the last-dimension vector at (b, s) of a 3-D tensor as a
// slice into the backing storage.
func (t *Tensor) Row(b, s int) []float32 {
	dims := t.shape.dims
	if len(dims) != 3 {
		panic(fmt.Sprintf("Row requires a 3-D tensor, got %v", t.shape))
	}
	off := (b*dims[1] + s) * dims[2]
	return t.data[off : off+dims[2]]
}

func (t *Tensor) assertShape(other *Tensor) {
	if !t.shape.Equal(other.shape) {
		panic(fmt.Sprintf("shape mismatch: %v vs %v", t.shape, other.shape))
	}
}

// Add returns element-wise t + o.
func (t *Tensor) Add(o *Tensor) *Tensor {
	t.assertShape(o)
	r := New(t.shape)
	for i := range r.data {
		r.data[i] = t.data[i] + o.data[i]
	}
	return r
}

// Sub returns element-wise t - o.
func (t *Tensor) Sub(o *Tensor) *Tensor {
	t.assertShape(o)
	r := New(t.shape)
	for i := range r.data {
		r.data[i] = t.data[i] - o.data[i]
	}
	return r
}

// Mul returns the element-wise product t * o.
func (t *Tensor) Mul(o *Tensor) *Tensor {
	t.assertShape(o)
	r := New(t.shape)
	for i := range r.data {
		r.data[i] = t.data[i] * o.data[i]
	}
	return r
}

// Scale returns t * s.
func (t *Tensor) Scale(s float32) *Tensor {
	r := New(t.shape)
	for i, v := range t.data {
		r.data[i] = v * s
	}
	return r
}

// AddInPlace adds o to t element-wise.
func (t *Tensor) AddInPlace(o *Tensor) {
	t.assertShape(o)
	for i, v := range o.data {
		t.data[i] += v
	}
}

// AddScaledInPlace computes t += s * o.
func (t *Tensor) AddScaledInPlace(o *Tensor, s float32) {
	t.assertShape(o)
	for i, v := range o.data {
		t.data[i] += s * v
	}
}

// ScaleInPlace multiplies every element of t by s.
func (t *Tensor) ScaleInPlace(s float32) {
	for i := range t.data {
		t.data[i] *= s
	}
}

// Sigmoid applies the logistic function element-wise.
func (t *Tensor) Sigmoid() *Tensor {
	r := New(t.shape)
	for i, v := range t.data {
		r.data[i] = Sigmoid32(v)
	}
	return r
}

// SoftmaxRow applies a numerically stable softmax to xs in place.
//
//	p_i = exp(x_i - max(x)) / sum_j exp(x_j - max(x))
func SoftmaxRow(xs []float32) {
	if len(xs) == 0 {
		return
	}
	maxVal := xs[0]
	for _, v := range xs[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	sum := float32(0)
	for i, v := range xs {
		e := Exp32(v - maxVal)
		xs[i] = e
		sum += e
	}
	inv := 1 / sum
	for i := range xs {
		xs[i] *= inv
	}
}

// Softmax computes a row-wise softmax along the last dimension.
func (t *Tensor) Softmax() *Tensor {
	if t.shape.NDim() < 1 {
		panic("softmax requires at least 1 dimension")
	}
	r := t.Clone()
	lastDim := t.shape.At(-1)
	for off := 0; off < len(r.data); off += lastDim {
		SoftmaxRow(r.data[off : off+lastDim])
	}
	return r
}

// MaxAbsDiff returns max_i |t_i - o_i|. Panics on shape mismatch.
func (t *Tensor) MaxAbsDiff(o *Tensor) float32 {
	t.assertShape(o)
	worst := float32(0)
	for i, v := range t.data {
		d := v - o.data[i]
		if d < 0 {
			d = -d
		}
		if d > worst {
			worst = d
		}
	}
	return worst
}

// Concat joins two 3-D tensors [B, S1, H] and [B, S2, H] along dimension 1.
func Concat(a, b *Tensor) *Tensor {
	ad, bd := a.shape.dims, b.shape.dims
	if len(ad) != 3 || len(bd) != 3 || ad[0] != bd[0] || ad[2] != bd[2] {
		panic(fmt.Sprintf("cannot concat %v and %v along dim 1", a.shape, b.shape))
	}
	batch, hidden := ad[0], ad[2]
	out := New(NewShape(batch, ad[1]+bd[1], hidden))
	aStride, bStride := ad[1]*hidden, bd[1]*hidden
	for i := 0; i < batch; i++ {
		dst := out.data[i*(aStride+bStride):]
		copy(dst, a.data[i*aStride:(i+1)*aStride])
		copy(dst[aStride:], b.data[i*bStride:(i+1)*bStride])
	}
	return out
}

// Matmul computes C = A @ B for 2-D [M,K]x[K,N] or batched 3-D
// [B,M,K]x[B,K,N] operands.
func Matmul(a, b *Tensor) *Tensor {
	if a.shape.NDim() < 2 || b.shape.NDim() < 2 {
		panic("matmul requires at least 2D tensors")
	}
	aM, aK := a.shape.At(-2), a.shape.At(-1)
	bK, bN := b.shape.At(-2), b.shape.At(-1)
	if aK != bK {
		panic(fmt.Sprintf("matmul dimension mismatch: %d vs %d", aK, bK))
	}

	var batchSize int
	var resultShape Shape
	switch {
	case a.shape.NDim() == 2 && b.shape.NDim() == 2:
		batchSize = 1
		resultShape = NewShape(aM, bN)
	case a.shape.NDim() == 3 && b.shape.NDim() == 3:
		if a.shape.At(0) != b.shape.At(0) {
			panic(fmt.Sprintf("matmul batch mismatch: %d vs %d", a.shape.At(0), b.shape.At(0)))
		}
		batchSize = a.shape.At(0)
		resultShape = NewShape(batchSize, aM, bN)
	default:
		panic("unsupported batch dimensions")
	}

	result := New(resultShape)
	aStride, bStride, cStride := aM*aK, bK*bN, aM*bN
	for i := 0; i < batchSize; i++ {
		gemm(blas.NoTrans,
			general(aM, aK, a.data[i*aStride:(i+1)*aStride]),
			general(bK, bN, b.data[i*bStride:(i+1)*bStride]),
			general(aM, bN, result.data[i*cStride:(i+1)*cStride]))
	}
	return result
}

// MatmulTransposedB computes C = A @ B^T for A [M,K] and B [N,K] without
// materialising the transpose. This is the hot path of linear layers, whose
// weights are stored as [out, in].
func MatmulTransposedB(a, b *Tensor) *Tensor {
	if a.shape.NDim() != 2 || b.shape.NDim() != 2 {
		panic("MatmulTransposedB requires 2D tensors")
	}
	aM, aK := a.shape.At(0), a.shape.At(1)
	bN, bK := b.shape.At(0), b.shape.At(1)
	if aK != bK {
		panic(fmt.Sprintf("matmulT dimension mismatch: %d vs %d", aK, bK))
	}
	result := New(NewShape(aM, bN))
	gemm(blas.Trans, general(aM, aK, a.data), general(bN, bK, b.data), general(aM, bN, result.data))
	return result
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// gemm computes c = a @ op(b). Empty operands are skipped because BLAS
// rejects zero strides.
func gemm(tB blas.Transpose, a, b, c blas32.General) {
	if a.Rows == 0 || a.Cols == 0 || c.Cols == 0 {
		return
	}
	blas32.Gemm(blas.NoTrans, tB, 1, a, b, 0, c)
}
