// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package layer

import (
	"math/rand"

	"github.com/fumi-engineer/mrmd/tensor"
)

// LayerNormEps is the epsilon every Transformer block normalizes with.
const LayerNormEps = 1e-6

// BlockConfig sizes one encoder or decoder block.
type BlockConfig struct {
	HiddenDim  int
	KeyDepth   int
	ValueDepth int
	FilterDim  int
	Heads      int
}

// EncoderLayer implements a pre-norm Transformer encoder block.
type EncoderLayer struct {
	attnNorm *LayerNorm
	attn     *MultiHeadAttention
	ffnNorm  *LayerNorm
	ffn      *FeedForward
}

// NewEncoderLayer creates an encoder block.
func NewEncoderLayer(cfg BlockConfig, rng *rand.Rand) *EncoderLayer {
	return &EncoderLayer{
		attnNorm: NewLayerNorm(cfg.HiddenDim, LayerNormEps),
		attn:     NewMultiHeadAttention(cfg.HiddenDim, cfg.KeyDepth, cfg.ValueDepth, cfg.Heads, rng),
		ffnNorm:  NewLayerNorm(cfg.HiddenDim, LayerNormEps),
		ffn:      NewFeedForward(cfg.HiddenDim, cfg.FilterDim, rng),
	}
}

// Forward runs self-attention under mask and the feed-forward block.
// Input and output: [batch, seq, hidden].
func (l *EncoderLayer) Forward(input *tensor.Tensor, mask *Mask) *tensor.Tensor {
	// Pre-norm attention
	normed := l.attnNorm.Forward(input)
	attnOut, _ := l.attn.Forward(normed, normed, mask)
	x := input.Add(attnOut)

	// Pre-norm FFN
	x.AddInPlace(l.ffn.Forward(l.ffnNorm.Forward(x)))
	return x
}

// Step adapts Forward to the shared step signature. Encoder blocks ignore
// the memory and self mask and return no attention map.
func (l *EncoderLayer) Step(x, _ *tensor.Tensor, srcMask, _ *Mask) (*tensor.Tensor, *tensor.Tensor) {
	return l.Forward(x, srcMask), nil
}

// Parameters returns block parameters.
func (l *EncoderLayer) Parameters() []*tensor.Tensor {
	return concatParams(
		l.attnNorm.Parameters(),
		l.attn.Parameters(),
		l.ffnNorm.Parameters(),
		l.ffn.Parameters(),
	)
}

// DecoderLayer implements a pre-norm Transformer decoder block: masked
// self-attention, cross-attention over the encoder memory, feed-forward.
type DecoderLayer struct {
	selfNorm  *LayerNorm
	selfAttn  *MultiHeadAttention
	crossNorm *LayerNorm
	crossAttn *MultiHeadAttention
	ffnNorm   *LayerNorm
	ffn       *FeedForward
}

// NewDecoderLayer creates a decoder block.
func NewDecoderLayer(cfg BlockConfig, rng *rand.Rand) *DecoderLayer {
	return &DecoderLayer{
		selfNorm:  NewLayerNorm(cfg.HiddenDim, LayerNormEps),
		selfAttn:  NewMultiHeadAttention(cfg.HiddenDim, cfg.KeyDepth, cfg.ValueDepth, cfg.Heads, rng),
		crossNorm: NewLayerNorm(cfg.HiddenDim, LayerNormEps),
		crossAttn: NewMultiHeadAttention(cfg.HiddenDim, cfg.KeyDepth, cfg.ValueDepth, cfg.Heads, rng),
		ffnNorm:   NewLayerNorm(cfg.HiddenDim, LayerNormEps),
		ffn:       NewFeedForward(cfg.HiddenDim, cfg.FilterDim, rng),
	}
}

// Step decodes x [batch, tgt, hidden] against enc [batch, src, hidden].
// selfMask hides padding and future target positions, srcMask hides source
// padding. Returns the new state and the cross-attention logits
// [batch, tgt, src].
func (l *DecoderLayer) Step(x, enc *tensor.Tensor, srcMask, selfMask *Mask) (*tensor.Tensor, *tensor.Tensor) {
	normed := l.selfNorm.Forward(x)
	selfOut, _ := l.selfAttn.Forward(normed, normed, selfMask)
	y := x.Add(selfOut)

	crossOut, attn := l.crossAttn.Forward(l.crossNorm.Forward(y), enc, srcMask)
	y.AddInPlace(crossOut)

	y.AddInPlace(l.ffn.Forward(l.ffnNorm.Forward(y)))
	return y, attn
}

// Parameters returns block parameters.
func (l *DecoderLayer) Parameters() []*tensor.Tensor {
	return concatParams(
		l.selfNorm.Parameters(),
		l.selfAttn.Parameters(),
		l.crossNorm.Parameters(),
		l.crossAttn.Parameters(),
		l.ffnNorm.Parameters(),
		l.ffn.Parameters(),
	)
}
