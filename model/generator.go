// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/mrmd/layer"
	"github.com/fumi-engineer/mrmd/tensor"
)

// Generator maps decoder states to log-probabilities over the vocabulary.
//
// With the pointer enabled it mixes generation and copying:
//
//	alpha = sigmoid(p_gen(x))
//	P     = alpha * softmax(logit / T)  +  (1 - alpha) * scatter(softmax(attn / T), src_ids)
//	out   = log(P)
//
// src_ids are the extended-vocabulary ids of the source tokens; ids past the
// vocabulary address per-example out-of-vocabulary slots appended after it.
// Without the pointer the output is log_softmax(logit).
type Generator struct {
	proj *layer.Linear // hidden -> vocab
	pGen *layer.Linear // hidden -> 1; nil without the pointer
}

// NewGenerator creates the output head.
func NewGenerator(hiddenDim, vocabSize int, pointer bool, rng *rand.Rand) *Generator {
	g := &Generator{proj: layer.NewLinear(hiddenDim, vocabSize, true, rng)}
	if pointer {
		g.pGen = layer.NewLinear(hiddenDim, 1, true, rng)
	}
	return g
}

// Pointer reports whether copying is enabled.
func (g *Generator) Pointer() bool { return g.pGen != nil }

// ShareWeight ties the output projection to an embedding table.
func (g *Generator) ShareWeight(w *tensor.Tensor) { g.proj.ShareWeight(w) }

// CopySource carries the pointer inputs for one batch.
type CopySource struct {
	ExtendedIDs [][]int // [batch][src] extended-vocabulary ids
	ExtraOOV    int     // out-of-vocabulary slots appended to the vocabulary
}

// Forward computes log-probabilities for x [batch, tgt, hidden]. attn holds
// the attention logits [batch, tgt, >= src]; only the first src columns are
// copied from. Returns [batch, tgt, vocab + ExtraOOV] with the pointer,
// [batch, tgt, vocab] without it.
func (g *Generator) Forward(x, attn *tensor.Tensor, src CopySource, temp float32) (*tensor.Tensor, error) {
	if temp <= 0 {
		return nil, errors.Wrapf(ErrConfig, "generator temperature %g", temp)
	}
	logits := g.proj.Forward(x)
	vocab := g.proj.OutFeatures()
	if g.pGen == nil {
		data := logits.DataPtr()
		for off := 0; off < len(data); off += vocab {
			logSoftmaxRow(data[off : off+vocab])
		}
		return logits, nil
	}

	dims := x.Shape().DimsRef()
	batch, tgt := dims[0], dims[1]
	if err := checkCopySource(attn, src, batch, tgt, vocab); err != nil {
		return nil, err
	}
	alpha := g.pGen.Forward(x).DataPtr()

	width := vocab + src.ExtraOOV
	out := tensor.New(tensor.NewShape(batch, tgt, width))
	o, l := out.DataPtr(), logits.DataPtr()
	a := attn.DataPtr()
	attnCols := attn.Shape().At(2)
	invTemp := 1 / temp
	copyBuf := make([]float32, attnCols)

	for b := 0; b < batch; b++ {
		ids := src.ExtendedIDs[b]
		for t := 0; t < tgt; t++ {
			pos := b*tgt + t
			gen := tensor.Sigmoid32(alpha[pos])
			row := o[pos*width : (pos+1)*width]

			vocabRow := row[:vocab]
			for i, v := range l[pos*vocab : (pos+1)*vocab] {
				vocabRow[i] = v * invTemp
			}
			tensor.SoftmaxRow(vocabRow)
			for i := range vocabRow {
				vocabRow[i] *= gen
			}

			for i, v := range a[pos*attnCols : (pos+1)*attnCols] {
				copyBuf[i] = v * invTemp
			}
			tensor.SoftmaxRow(copyBuf)
			for s, id := range ids {
				row[id] += (1 - gen) * copyBuf[s]
			}

			for i, p := range row {
				row[i] = tensor.Log32(p)
			}
		}
	}
	return out, nil
}

func checkCopySource(attn *tensor.Tensor, src CopySource, batch, tgt, vocab int) error {
	if attn == nil || attn.Shape().NDim() != 3 || attn.Shape().At(0) != batch || attn.Shape().At(1) != tgt {
		return errors.Wrapf(ErrShape, "pointer needs attention [%d, %d, src]", batch, tgt)
	}
	if len(src.ExtendedIDs) != batch {
		return errors.Wrapf(ErrBatch, "%d extended id rows for batch %d", len(src.ExtendedIDs), batch)
	}
	if src.ExtraOOV < 0 {
		return errors.Wrapf(ErrBatch, "negative oov count %d", src.ExtraOOV)
	}
	cols := attn.Shape().At(2)
	for b, ids := range src.ExtendedIDs {
		if len(ids) > cols {
			return errors.Wrapf(ErrShape, "example %d: %d source ids, attention covers %d", b, len(ids), cols)
		}
		for _, id := range ids {
			if id < 0 || id >= vocab+src.ExtraOOV {
				return errors.Wrapf(ErrBatch, "example %d: extended id %d outside [0, %d)", b, id, vocab+src.ExtraOOV)
			}
		}
	}
	return nil
}

// Parameters returns the projection and pointer switch.
func (g *Generator) Parameters() []*tensor.Tensor {
	params := append([]*tensor.Tensor{}, g.proj.Parameters()...)
	if g.pGen != nil {
		params = append(params, g.pGen.Parameters()...)
	}
	return params
}

// logSoftmaxRow replaces xs with log(softmax(xs)).
//
//	log p_i = x_i - max(x) - log(sum_j exp(x_j - max(x)))
func logSoftmaxRow(xs []float32) {
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
	for _, v := range xs {
		sum += tensor.Exp32(v - maxVal)
	}
	logSum := tensor.Log32(sum)
	for i, v := range xs {
		xs[i] = v - maxVal - logSum
	}
}
