// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package layer provides the Transformer building blocks shared by the
// encoders, the expert decoders and the consolidation stack.
//
// Every layer runs in evaluation mode: there is no dropout and no backward
// pass. Parameters are exposed in a stable order so they can be persisted.
package layer

import (
	"math/rand"

	"github.com/fumi-engineer/mrmd/tensor"
)

// Layer is the common interface of single-input layers.
type Layer interface {
	Forward(input *tensor.Tensor) *tensor.Tensor
	Parameters() []*tensor.Tensor
}

// ---------------------------------------------------------------------------
// Linear
// ---------------------------------------------------------------------------

// Linear computes y = x @ W^T + b (optional bias).
//
// Weight shape: [out_features, in_features], so the forward pass can use
// MatmulTransposedB without a transpose allocation.
type Linear struct {
	weight  *tensor.Tensor
	bias    *tensor.Tensor
	inFeat  int
	outFeat int
}

// NewLinear creates a linear layer with weights drawn from N(0, 1/in).
func NewLinear(inFeatures, outFeatures int, useBias bool, rng *rand.Rand) *Linear {
	std := 1 / tensor.Sqrt32(float32(inFeatures))
	l := &Linear{
		weight:  tensor.RandnWithStd(tensor.NewShape(outFeatures, inFeatures), std, rng),
		inFeat:  inFeatures,
		outFeat: outFeatures,
	}
	if useBias {
		l.bias = tensor.Zeros(tensor.NewShape(outFeatures))
	}
	return l
}

// Forward computes y = x @ W^T (+ b). Leading dims are treated as a flat
// batch: [..., in] -> [..., out].
func (l *Linear) Forward(input *tensor.Tensor) *tensor.Tensor {
	batchDims, batchSize, last := tensor.SplitLast(input.Shape().DimsRef())
	if last != l.inFeat {
		panic("linear: input width does not match in_features")
	}
	flat := input.Reshape(tensor.NewShape(batchSize, l.inFeat))
	output := tensor.MatmulTransposedB(flat, l.weight)

	if l.bias != nil {
		out, b := output.DataPtr(), l.bias.DataPtr()
		for i := 0; i < batchSize; i++ {
			row := out[i*l.outFeat : (i+1)*l.outFeat]
			for j := range row {
				row[j] += b[j]
			}
		}
	}
	return output.Reshape(tensor.WithLastDim(batchDims, l.outFeat))
}

// Parameters returns the weight (and bias, if present).
func (l *Linear) Parameters() []*tensor.Tensor {
	if l.bias != nil {
		return []*tensor.Tensor{l.weight, l.bias}
	}
	return []*tensor.Tensor{l.weight}
}

// Weight returns the [out, in] weight matrix.
func (l *Linear) Weight() *tensor.Tensor { return l.weight }

// Bias returns the bias vector, or nil for a bias-free layer.
func (l *Linear) Bias() *tensor.Tensor { return l.bias }

// ShareWeight makes l use w as its weight matrix (tied embeddings).
func (l *Linear) ShareWeight(w *tensor.Tensor) {
	if !w.Shape().Equal(l.weight.Shape()) {
		panic("linear: shared weight shape mismatch")
	}
	l.weight = w
}

// InFeatures returns the input width.
func (l *Linear) InFeatures() int { return l.inFeat }

// OutFeatures returns the output width.
func (l *Linear) OutFeatures() int { return l.outFeat }

func concatParams(groups ...[]*tensor.Tensor) []*tensor.Tensor {
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	out := make([]*tensor.Tensor, 0, total)
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
