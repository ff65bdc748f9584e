// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/mrmd/layer"
	"github.com/fumi-engineer/mrmd/tensor"
)

// Decoder is the single (non-mixture) Transformer decoder. A universal
// decoder with ACT halts per target position and blends the cross-attention
// maps with the same update weights.
type Decoder struct {
	stack
}

// NewDecoder creates a decoder from cfg.
func NewDecoder(cfg Config, rng *rand.Rand) *Decoder {
	block := cfg.blockConfig()
	return &Decoder{stack: newStack(cfg.stack(true), func() Block {
		return layer.NewDecoderLayer(block, rng)
	}, rng)}
}

// Forward decodes embedded targets [batch, tgt, emb] against enc
// [batch, src, hidden]. trgMask is the [batch, 1, tgt] target padding mask;
// the future positions are masked here. Returns [batch, tgt, hidden] and the
// attention logits [batch, tgt, src].
func (d *Decoder) Forward(inputs, enc *tensor.Tensor, srcMask, trgMask *layer.Mask) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := checkMemory(inputs, enc, d.proj.OutFeatures()); err != nil {
		return nil, nil, err
	}
	x, err := d.project(inputs)
	if err != nil {
		return nil, nil, err
	}
	selfMask, err := causalMask(trgMask, inputs.Shape().At(0), inputs.Shape().At(1))
	if err != nil {
		return nil, nil, err
	}
	return d.run(x, enc, srcMask, selfMask, true)
}

// Halting returns the remainders and update counts of the last halting run.
func (d *Decoder) Halting() ([]float32, []int) { return d.remainders, d.updates }

// Parameters returns all decoder parameters.
func (d *Decoder) Parameters() []*tensor.Tensor { return d.parameters() }

func checkMemory(inputs, enc *tensor.Tensor, hidden int) error {
	if enc == nil || enc.Shape().NDim() != 3 || enc.Shape().At(2) != hidden {
		return errors.Wrapf(ErrShape, "decoder memory must be [batch, src, %d]", hidden)
	}
	if inputs.Shape().NDim() != 3 || inputs.Shape().At(0) != enc.Shape().At(0) {
		return errors.Wrapf(ErrShape, "decoder inputs %v do not match memory %v", inputs.Shape(), enc.Shape())
	}
	return nil
}
