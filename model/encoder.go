// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/mrmd/layer"
	"github.com/fumi-engineer/mrmd/tensor"
)

// stackConfig sizes an encoder or decoder stack.
type stackConfig struct {
	embDim    int
	block     layer.BlockConfig
	layers    int
	maxLength int
	universal bool
	act       bool
}

func (c Config) blockConfig() layer.BlockConfig {
	return layer.BlockConfig{
		HiddenDim:  c.HiddenDim,
		KeyDepth:   c.Depth,
		ValueDepth: c.Depth,
		FilterDim:  c.Filter,
		Heads:      c.Heads,
	}
}

func (c Config) stack(act bool) stackConfig {
	return stackConfig{
		embDim:    c.EmbDim,
		block:     c.blockConfig(),
		layers:    c.Hop,
		maxLength: c.MaxLength,
		universal: c.Universal,
		act:       act && c.Universal && c.ACT,
	}
}

// stack is the shared skeleton of Encoder and Decoder: input projection,
// timing and step signals, the layer stack and the optional halting unit.
type stack struct {
	proj     *layer.Linear
	blocks   []Block // a single shared block when universal
	norm     *layer.LayerNorm
	timing   *tensor.Tensor
	position *tensor.Tensor // step signal; universal only
	act      *ACT
	hop      int

	remainders []float32
	updates    []int
}

func newStack(cfg stackConfig, newBlock func() Block, rng *rand.Rand) stack {
	s := stack{
		proj:   layer.NewLinear(cfg.embDim, cfg.block.HiddenDim, false, rng),
		norm:   layer.NewLayerNorm(cfg.block.HiddenDim, layer.LayerNormEps),
		timing: layer.TimingSignal(cfg.maxLength, cfg.block.HiddenDim),
		hop:    cfg.layers,
	}
	n := cfg.layers
	if cfg.universal {
		n = 1
		s.position = layer.TimingSignal(cfg.layers, cfg.block.HiddenDim)
	}
	s.blocks = make([]Block, n)
	for i := range s.blocks {
		s.blocks[i] = newBlock()
	}
	if cfg.act {
		s.act = NewACT(cfg.block.HiddenDim, rng)
	}
	return s
}

func (s *stack) universal() bool { return s.position != nil }

// project embeds [batch, seq, emb] inputs into the hidden width.
func (s *stack) project(inputs *tensor.Tensor) (*tensor.Tensor, error) {
	if inputs.Shape().NDim() != 3 {
		return nil, errors.Wrapf(ErrShape, "stack input must be [batch, seq, emb], got %v", inputs.Shape())
	}
	if w := inputs.Shape().At(2); w != s.proj.InFeatures() {
		return nil, errors.Wrapf(ErrShape, "input width %d, embedding width %d", w, s.proj.InFeatures())
	}
	if n := inputs.Shape().At(1); n > s.timing.Shape().At(0) {
		return nil, errors.Wrapf(ErrShape, "sequence length %d exceeds max length %d", n, s.timing.Shape().At(0))
	}
	return s.proj.Forward(inputs), nil
}

// run applies the stack to a projected state. Returns the normalized state
// and the attention logits of the last decoder step.
func (s *stack) run(x, memory *tensor.Tensor, srcMask, selfMask *layer.Mask, decoding bool) (*tensor.Tensor, *tensor.Tensor, error) {
	var attn *tensor.Tensor
	switch {
	case s.act != nil:
		res, err := s.act.Run(ACTInput{
			State:    x,
			Fn:       s.blocks[0],
			Timing:   s.timing,
			Position: s.position,
			MaxHop:   s.hop,
			Decoding: decoding,
			Memory:   memory,
			SrcMask:  srcMask,
			SelfMask: selfMask,
		})
		if err != nil {
			return nil, nil, err
		}
		s.remainders, s.updates = res.Remainders, res.Updates
		x, attn = res.Output, res.Attn

	case s.universal():
		// Encoders refresh the timing signal every hop, decoders once.
		if decoding {
			layer.AddSignal(x, s.timing)
		}
		for l := 0; l < s.hop; l++ {
			if !decoding {
				layer.AddSignal(x, s.timing)
			}
			layer.AddSignalRow(x, s.position, l)
			x, attn = s.blocks[0].Step(x, memory, srcMask, selfMask)
		}

	default:
		layer.AddSignal(x, s.timing)
		for _, b := range s.blocks {
			x, attn = b.Step(x, memory, srcMask, selfMask)
		}
	}
	return s.norm.Forward(x), attn, nil
}

func (s *stack) parameters() []*tensor.Tensor {
	params := append([]*tensor.Tensor{}, s.proj.Parameters()...)
	for _, b := range s.blocks {
		params = append(params, b.Parameters()...)
	}
	params = append(params, s.norm.Parameters()...)
	if s.act != nil {
		params = append(params, s.act.Parameters()...)
	}
	return params
}

// ---------------------------------------------------------------------------
// Encoder
// ---------------------------------------------------------------------------

// Encoder is a Transformer encoder over embedded tokens. Both the dialogue
// encoder and the emotion-context encoder use it; only the former halts
// adaptively.
type Encoder struct {
	stack
}

// NewEncoder creates an encoder from cfg. act enables adaptive halting when
// cfg is universal with ACT.
func NewEncoder(cfg Config, act bool, rng *rand.Rand) *Encoder {
	block := cfg.blockConfig()
	return &Encoder{stack: newStack(cfg.stack(act), func() Block {
		return layer.NewEncoderLayer(block, rng)
	}, rng)}
}

// Forward encodes [batch, seq, emb] inputs under a [batch, 1, seq] padding
// mask into [batch, seq, hidden].
func (e *Encoder) Forward(inputs *tensor.Tensor, mask *layer.Mask) (*tensor.Tensor, error) {
	x, err := e.project(inputs)
	if err != nil {
		return nil, err
	}
	y, _, err := e.run(x, nil, mask, nil, false)
	return y, err
}

// Halting returns the remainders and update counts of the last halting
// run, or nil when the encoder does not halt adaptively.
func (e *Encoder) Halting() ([]float32, []int) { return e.remainders, e.updates }

// Parameters returns all encoder parameters.
func (e *Encoder) Parameters() []*tensor.Tensor { return e.parameters() }
