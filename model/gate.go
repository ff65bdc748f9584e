// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/mrmd/layer"
	"github.com/fumi-engineer/mrmd/tensor"
)

// oracleScale sharpens a multi-hot target program into gate weights.
const oracleScale = 1000

// Gate scores the emotion programs from the first position of the dialogue
// and emotion encodings:
//
//	logits  = W @ [enc[:, 0], emo[:, 0]]
//	weights = act(topk_mask(logits))
//
// act is a softmax over experts or an independent sigmoid per expert; the
// top-k mask sets every logit outside the k largest to -inf.
type Gate struct {
	proj    *layer.Linear // 2*hidden -> experts, no bias
	topK    int
	softmax bool
}

// NewGate creates the program gate.
func NewGate(hiddenDim, nExperts, topK int, softmax bool, rng *rand.Rand) *Gate {
	return &Gate{
		proj:    layer.NewLinear(2*hiddenDim, nExperts, false, rng),
		topK:    topK,
		softmax: softmax,
	}
}

// Logits returns the raw program scores [batch, experts].
func (g *Gate) Logits(enc, emo *tensor.Tensor) (*tensor.Tensor, error) {
	if enc.Shape().NDim() != 3 || emo.Shape().NDim() != 3 {
		return nil, errors.Wrap(ErrShape, "gate inputs must be [batch, seq, hidden]")
	}
	batch, hidden := enc.Shape().At(0), enc.Shape().At(2)
	if emo.Shape().At(0) != batch || emo.Shape().At(2) != hidden || 2*hidden != g.proj.InFeatures() {
		return nil, errors.Wrapf(ErrShape, "gate inputs %v and %v, want width %d", enc.Shape(), emo.Shape(), g.proj.InFeatures()/2)
	}
	pooled := tensor.New(tensor.NewShape(batch, 2*hidden))
	p := pooled.DataPtr()
	for b := 0; b < batch; b++ {
		copy(p[b*2*hidden:], enc.Row(b, 0))
		copy(p[b*2*hidden+hidden:], emo.Row(b, 0))
	}
	return g.proj.Forward(pooled), nil
}

// Weights masks logits to the top-k experts and applies the activation.
func (g *Gate) Weights(logits *tensor.Tensor) *tensor.Tensor {
	masked := logits.Clone()
	n := masked.Shape().At(-1)
	data := masked.DataPtr()
	if g.topK > 0 && g.topK < n {
		for off := 0; off < len(data); off += n {
			maskTopK(data[off:off+n], g.topK)
		}
	}
	return g.activate(masked)
}

// Oracle turns multi-hot target programs [batch][experts] into gate
// weights, act(1000 * target).
func (g *Gate) Oracle(targets [][]float32) (*tensor.Tensor, error) {
	n := g.proj.OutFeatures()
	scaled := tensor.New(tensor.NewShape(len(targets), n))
	data := scaled.DataPtr()
	for b, row := range targets {
		if len(row) != n {
			return nil, errors.Wrapf(ErrGate, "target program %d has %d entries, want %d", b, len(row), n)
		}
		for i, v := range row {
			data[b*n+i] = v * oracleScale
		}
	}
	return g.activate(scaled), nil
}

func (g *Gate) activate(t *tensor.Tensor) *tensor.Tensor {
	if g.softmax {
		return t.Softmax()
	}
	return t.Sigmoid()
}

// Parameters returns the gate projection.
func (g *Gate) Parameters() []*tensor.Tensor { return g.proj.Parameters() }

// maskTopK keeps the k largest entries of row and sets the rest to -inf.
// Ties resolve to the lower index.
func maskTopK(row []float32, k int) {
	keep := make([]bool, len(row))
	for j := 0; j < k; j++ {
		best := -1
		for i, v := range row {
			if !keep[i] && (best < 0 || v > row[best]) {
				best = i
			}
		}
		keep[best] = true
	}
	for i := range row {
		if !keep[i] {
			row[i] = tensor.NegInf
		}
	}
}

// OracleProbability is the chance of gating with the target program at
// training iteration iter under a scheduled oracle:
//
//	0.0001 + 0.9999 * exp(-iter / schedule)
//
// A schedule of 10 or less disables the scheduled oracle and returns 0.
func OracleProbability(iter int, schedule float64) float64 {
	if schedule <= 10 {
		return 0
	}
	const floor = 0.0001
	return floor + (1-floor)*math.Exp(-float64(iter)/schedule)
}
