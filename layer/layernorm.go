// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package layer

import "github.com/fumi-engineer/mrmd/tensor"

// LayerNorm normalizes the last dimension:
//
//	y = gamma * (x - mean(x)) / (std(x) + eps) + beta
//
// std is the unbiased (n-1) standard deviation, and eps is added to std
// rather than to the variance.
type LayerNorm struct {
	gamma *tensor.Tensor
	beta  *tensor.Tensor
	eps   float32
	dim   int
}

// NewLayerNorm creates a LayerNorm with gamma=1, beta=0.
func NewLayerNorm(dim int, eps float32) *LayerNorm {
	return &LayerNorm{
		gamma: tensor.Ones(tensor.NewShape(dim)),
		beta:  tensor.Zeros(tensor.NewShape(dim)),
		eps:   eps,
		dim:   dim,
	}
}

// Forward applies the normalization to every last-dim vector.
func (n *LayerNorm) Forward(input *tensor.Tensor) *tensor.Tensor {
	output := tensor.New(input.Shape())
	in, out := input.DataPtr(), output.DataPtr()
	g, b := n.gamma.DataPtr(), n.beta.DataPtr()
	for off := 0; off < len(in); off += n.dim {
		row := in[off : off+n.dim]

		mean := float32(0)
		for _, x := range row {
			mean += x
		}
		mean /= float32(n.dim)

		std := float32(0)
		if n.dim > 1 {
			sumSq := float32(0)
			for _, x := range row {
				d := x - mean
				sumSq += d * d
			}
			std = tensor.Sqrt32(sumSq / float32(n.dim-1))
		}
		inv := 1 / (std + n.eps)

		oRow := out[off : off+n.dim]
		for i, x := range row {
			oRow[i] = g[i]*(x-mean)*inv + b[i]
		}
	}
	return output
}

// Parameters returns gamma and beta.
func (n *LayerNorm) Parameters() []*tensor.Tensor { return []*tensor.Tensor{n.gamma, n.beta} }
