// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package layer

import (
	"fmt"
	"math/rand"

	"github.com/fumi-engineer/mrmd/tensor"
)

// maskedLogit is written into masked score slots before softmax.
const maskedLogit = -1e18

// MultiHeadAttention implements scaled dot-product attention with separate
// key and value depths split across heads:
//
//	scores  = (Q / sqrt(d_k)) @ K^T,   d_k = key_depth / heads
//	weights = softmax(masked(scores))
//	output  = W_O @ concat_h(weights_h @ V_h)
//
// Alongside the output it returns the head-mean of the masked scores
// (pre-softmax), which the pointer-generator turns into a copy distribution.
type MultiHeadAttention struct {
	wQ, wK, wV, wO       *Linear
	nHeads               int
	keyDepth, valueDepth int
	scale                float32
}

// NewMultiHeadAttention creates an attention layer. keyDepth and valueDepth
// must be divisible by nHeads.
func NewMultiHeadAttention(hiddenDim, keyDepth, valueDepth, nHeads int, rng *rand.Rand) *MultiHeadAttention {
	if keyDepth%nHeads != 0 || valueDepth%nHeads != 0 {
		panic(fmt.Sprintf("attention: depths %d/%d not divisible by %d heads", keyDepth, valueDepth, nHeads))
	}
	return &MultiHeadAttention{
		wQ:         NewLinear(hiddenDim, keyDepth, false, rng),
		wK:         NewLinear(hiddenDim, keyDepth, false, rng),
		wV:         NewLinear(hiddenDim, valueDepth, false, rng),
		wO:         NewLinear(valueDepth, hiddenDim, false, rng),
		nHeads:     nHeads,
		keyDepth:   keyDepth,
		valueDepth: valueDepth,
		scale:      1 / tensor.Sqrt32(float32(keyDepth/nHeads)),
	}
}

// Forward attends from query [B, Sq, H] over memory [B, Sk, H].
// Returns the output [B, Sq, H] and the mean attention logits [B, Sq, Sk].
func (a *MultiHeadAttention) Forward(query, memory *tensor.Tensor, mask *Mask) (*tensor.Tensor, *tensor.Tensor) {
	qDims, mDims := query.Shape().DimsRef(), memory.Shape().DimsRef()
	batch, qLen, kLen := qDims[0], qDims[1], mDims[1]
	if mDims[0] != batch {
		panic(fmt.Sprintf("attention: batch mismatch %d vs %d", batch, mDims[0]))
	}

	q := a.wQ.Forward(query)
	q.ScaleInPlace(a.scale)
	k := a.wK.Forward(memory)
	v := a.wV.Forward(memory)
	qData, kData, vData := q.DataPtr(), k.DataPtr(), v.DataPtr()

	kHead, vHead := a.keyDepth/a.nHeads, a.valueDepth/a.nHeads
	context := tensor.New(tensor.NewShape(batch, qLen, a.valueDepth))
	logits := tensor.New(tensor.NewShape(batch, qLen, kLen))
	ctxData, logitData := context.DataPtr(), logits.DataPtr()
	invHeads := 1 / float32(a.nHeads)

	scores := make([]float32, kLen)
	for b := 0; b < batch; b++ {
		for h := 0; h < a.nHeads; h++ {
			for qi := 0; qi < qLen; qi++ {
				qOff := (b*qLen+qi)*a.keyDepth + h*kHead
				qRow := qData[qOff : qOff+kHead]
				lRow := logitData[(b*qLen+qi)*kLen : (b*qLen+qi+1)*kLen]

				for ki := 0; ki < kLen; ki++ {
					if mask.Masked(b, qi, ki) {
						scores[ki] = maskedLogit
					} else {
						kOff := (b*kLen+ki)*a.keyDepth + h*kHead
						kRow := kData[kOff : kOff+kHead]
						dot := float32(0)
						for d := range qRow {
							dot += qRow[d] * kRow[d]
						}
						scores[ki] = dot
					}
					lRow[ki] += scores[ki] * invHeads
				}

				tensor.SoftmaxRow(scores)

				cOff := (b*qLen+qi)*a.valueDepth + h*vHead
				cRow := ctxData[cOff : cOff+vHead]
				for ki, w := range scores {
					if w == 0 {
						continue
					}
					vOff := (b*kLen+ki)*a.valueDepth + h*vHead
					vRow := vData[vOff : vOff+vHead]
					for d := range cRow {
						cRow[d] += w * vRow[d]
					}
				}
			}
		}
	}
	return a.wO.Forward(context), logits
}

// Parameters returns the four projections' weights.
func (a *MultiHeadAttention) Parameters() []*tensor.Tensor {
	return concatParams(
		a.wQ.Parameters(),
		a.wK.Parameters(),
		a.wV.Parameters(),
		a.wO.Parameters(),
	)
}
