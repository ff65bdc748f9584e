// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package layer

import (
	"math/rand"

	"github.com/fumi-engineer/mrmd/tensor"
)

// FeedForward is the position-wise network applied after attention:
//
//	FFN(x) = W_2 @ relu(W_1 @ x + b_1) + b_2
//
// W_1 maps hidden -> filter, W_2 maps filter -> hidden.
type FeedForward struct {
	w1, w2 *Linear
}

// NewFeedForward creates a two-layer ReLU feed-forward block.
func NewFeedForward(hiddenDim, filterDim int, rng *rand.Rand) *FeedForward {
	return &FeedForward{
		w1: NewLinear(hiddenDim, filterDim, true, rng),
		w2: NewLinear(filterDim, hiddenDim, true, rng),
	}
}

// Forward applies the block to [..., hidden].
func (f *FeedForward) Forward(input *tensor.Tensor) *tensor.Tensor {
	h := f.w1.Forward(input)
	data := h.DataPtr()
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
	return f.w2.Forward(h)
}

// Parameters returns both projections' weights and biases.
func (f *FeedForward) Parameters() []*tensor.Tensor {
	return concatParams(f.w1.Parameters(), f.w2.Parameters())
}
