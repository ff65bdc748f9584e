// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/mrmd/layer"
	"github.com/fumi-engineer/mrmd/tensor"
)

// ---------------------------------------------------------------------------
// Step
// ---------------------------------------------------------------------------

// Step is one application of a shared transformation to a
// [batch, seq, hidden] state. memory and the masks are optional context;
// decoder steps also return attention logits over memory.
type Step interface {
	Step(state, memory *tensor.Tensor, srcMask, selfMask *layer.Mask) (*tensor.Tensor, *tensor.Tensor)
}

// Block is a Step that owns parameters.
type Block interface {
	Step
	Parameters() []*tensor.Tensor
}

// StepFunc adapts a plain function to Block. It owns no parameters.
type StepFunc func(state, memory *tensor.Tensor, srcMask, selfMask *layer.Mask) (*tensor.Tensor, *tensor.Tensor)

// Step calls f.
func (f StepFunc) Step(state, memory *tensor.Tensor, srcMask, selfMask *layer.Mask) (*tensor.Tensor, *tensor.Tensor) {
	return f(state, memory, srcMask, selfMask)
}

// Parameters returns nil.
func (f StepFunc) Parameters() []*tensor.Tensor { return nil }

// ---------------------------------------------------------------------------
// Adaptive Computation Time
// ---------------------------------------------------------------------------

// haltThreshold is the cumulative halting probability past which a
// position stops.
const haltThreshold = 1 - 0.1

// ACT applies a Step a data-dependent number of times per position.
//
// Each iteration adds the timing signal and the step signal to the state,
// then scores every position:
//
//	p = sigmoid(w . state + b)
//
// A running position whose cumulative probability would pass the threshold,
// or that is on its last permitted hop, halts and contributes its remainder
// 1 - cumulative instead of p. The step output is blended into the result
// with these update weights, so every position's weights sum to 1.
type ACT struct {
	p *layer.Linear // hidden -> 1, bias initialised to 1
}

// NewACT creates the halting unit for a hidden width.
func NewACT(hiddenDim int, rng *rand.Rand) *ACT {
	p := layer.NewLinear(hiddenDim, 1, true, rng)
	p.Bias().DataPtr()[0] = 1
	return &ACT{p: p}
}

// Parameters returns the halting projection.
func (a *ACT) Parameters() []*tensor.Tensor { return a.p.Parameters() }

// ACTInput is the argument of ACT.Run.
type ACTInput struct {
	State    *tensor.Tensor // [batch, seq, hidden]; not modified
	Fn       Step
	Timing   *tensor.Tensor // [>= seq, hidden]
	Position *tensor.Tensor // [>= MaxHop, hidden]
	MaxHop   int

	// Decoding mode passes Memory to Fn and blends its attention output.
	Decoding bool
	Memory   *tensor.Tensor
	SrcMask  *layer.Mask
	SelfMask *layer.Mask
}

// ACTResult holds the blended output and per-position statistics, each
// flattened as [batch * seq].
type ACTResult struct {
	Output       *tensor.Tensor // [batch, seq, hidden]
	Attn         *tensor.Tensor // [batch, seq, src]; decoding mode only
	Remainders   []float32
	Updates      []int
	WeightTotals []float32 // sum of update weights applied to each position
	Steps        int       // iterations executed
}

func (in ACTInput) validate() error {
	if in.State == nil || in.State.Shape().NDim() != 3 {
		return errors.Wrap(ErrShape, "act: state must be [batch, seq, hidden]")
	}
	if in.Fn == nil {
		return errors.Wrap(ErrConfig, "act: nil step")
	}
	if in.MaxHop < 0 {
		return errors.Wrapf(ErrConfig, "act: negative max hop %d", in.MaxHop)
	}
	dims := in.State.Shape().DimsRef()
	seqLen, hidden := dims[1], dims[2]
	if err := checkSignal("timing", in.Timing, seqLen, hidden); err != nil {
		return err
	}
	if err := checkSignal("position", in.Position, in.MaxHop, hidden); err != nil {
		return err
	}
	if in.Decoding && in.Memory == nil {
		return errors.Wrap(ErrShape, "act: decoding needs encoder memory")
	}
	return nil
}

func checkSignal(name string, sig *tensor.Tensor, rows, hidden int) error {
	if sig == nil || sig.Shape().NDim() != 2 {
		return errors.Wrapf(ErrShape, "act: %s signal must be [length, hidden]", name)
	}
	if w := sig.Shape().At(1); w != hidden {
		return errors.Wrapf(ErrShape, "act: %s signal width %d, state width %d", name, w, hidden)
	}
	if n := sig.Shape().At(0); n < rows {
		return errors.Wrapf(ErrShape, "act: %s signal has %d rows, need %d", name, n, rows)
	}
	return nil
}

// Run executes the halting loop.
func (a *ACT) Run(in ACTInput) (ACTResult, error) {
	if err := in.validate(); err != nil {
		return ACTResult{}, err
	}
	dims := in.State.Shape().DimsRef()
	batch, seqLen, hidden := dims[0], dims[1], dims[2]
	n := batch * seqLen

	var (
		halting    = make([]float32, n)
		remainders = make([]float32, n)
		updates    = make([]int, n)
		totals     = make([]float32, n)
		halted     = make([]bool, n)
		weights    = make([]float32, n)
	)
	state := in.State.Clone()
	output := tensor.New(in.State.Shape())
	var attn *tensor.Tensor

	running := func() bool {
		for i := 0; i < n; i++ {
			if !halted[i] && halting[i] < haltThreshold && updates[i] < in.MaxHop {
				return true
			}
		}
		return false
	}

	step := 0
	for ; running(); step++ {
		layer.AddSignal(state, in.Timing)
		layer.AddSignalRow(state, in.Position, step)

		p := a.p.Forward(state).DataPtr()
		for i := 0; i < n; i++ {
			if halted[i] {
				weights[i] = 0
				continue
			}
			pi := tensor.Sigmoid32(p[i])
			if halting[i]+pi > haltThreshold || updates[i]+1 >= in.MaxHop {
				remainders[i] = 1 - halting[i]
				halting[i] += remainders[i]
				halted[i] = true
				weights[i] = remainders[i]
			} else {
				halting[i] += pi
				weights[i] = pi
			}
			updates[i]++
			totals[i] += weights[i]
		}

		var next, stepAttn *tensor.Tensor
		if in.Decoding {
			next, stepAttn = in.Fn.Step(state, in.Memory, in.SrcMask, in.SelfMask)
		} else {
			next, _ = in.Fn.Step(state, nil, in.SrcMask, nil)
		}
		if !next.Shape().Equal(state.Shape()) {
			return ACTResult{}, errors.Wrapf(ErrShape, "act: step returned %v for state %v", next.Shape(), state.Shape())
		}
		blend(output, next, weights, hidden)

		if in.Decoding && stepAttn != nil {
			if attn == nil {
				attn = tensor.New(stepAttn.Shape())
			}
			blend(attn, stepAttn, weights, stepAttn.Shape().At(-1))
		}
		state = next
	}

	return ACTResult{
		Output:       output,
		Attn:         attn,
		Remainders:   remainders,
		Updates:      updates,
		WeightTotals: totals,
		Steps:        step,
	}, nil
}

// blend computes acc = next*w + acc*(1-w) per position, broadcast over the
// trailing width.
func blend(acc, next *tensor.Tensor, weights []float32, width int) {
	a, x := acc.DataPtr(), next.DataPtr()
	for i, w := range weights {
		row := a[i*width : (i+1)*width]
		src := x[i*width : (i+1)*width]
		keep := 1 - w
		for j := range row {
			row[j] = src[j]*w + row[j]*keep
		}
	}
}

// ACTLoss is the ponder cost weight * mean(remainder + updates).
func ACTLoss(remainders []float32, updates []int, weight float32) float32 {
	if len(remainders) == 0 {
		return 0
	}
	sum := float32(0)
	for i, r := range remainders {
		sum += r + float32(updates[i])
	}
	return weight * sum / float32(len(remainders))
}
