// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package layer

import (
	"fmt"
	"math/rand"

	"github.com/fumi-engineer/mrmd/tensor"
)

// Embedding is a lookup table: token ID -> dense vector.
//
//	output[b, s, :] = weight[ids[b][s], :]
//
// The row at padIdx starts at zero so padding contributes nothing.
type Embedding struct {
	weight    *tensor.Tensor
	vocabSize int
	embedDim  int
	padIdx    int
}

// NewEmbedding creates an embedding table drawn from N(0, 1/d).
// A negative padIdx disables the zero padding row.
func NewEmbedding(vocabSize, embedDim, padIdx int, rng *rand.Rand) *Embedding {
	std := 1 / tensor.Sqrt32(float32(embedDim))
	w := tensor.RandnWithStd(tensor.NewShape(vocabSize, embedDim), std, rng)
	if padIdx >= 0 && padIdx < vocabSize {
		row := w.DataPtr()[padIdx*embedDim : (padIdx+1)*embedDim]
		for i := range row {
			row[i] = 0
		}
	}
	return &Embedding{weight: w, vocabSize: vocabSize, embedDim: embedDim, padIdx: padIdx}
}

// Forward looks up a rectangular [batch][seq] id grid, producing
// [batch, seq, embed_dim]. Panics on out-of-range ids.
func (e *Embedding) Forward(ids [][]int) *tensor.Tensor {
	batch := len(ids)
	seqLen := 0
	if batch > 0 {
		seqLen = len(ids[0])
	}
	output := tensor.New(tensor.NewShape(batch, seqLen, e.embedDim))
	out, w := output.DataPtr(), e.weight.DataPtr()
	for b, row := range ids {
		if len(row) != seqLen {
			panic(fmt.Sprintf("embedding: ragged id grid at row %d", b))
		}
		for s, tid := range row {
			if tid < 0 || tid >= e.vocabSize {
				panic(fmt.Sprintf("embedding: token id %d out of range [0, %d)", tid, e.vocabSize))
			}
			copy(out[(b*seqLen+s)*e.embedDim:], w[tid*e.embedDim:(tid+1)*e.embedDim])
		}
	}
	return output
}

// Parameters returns the embedding table.
func (e *Embedding) Parameters() []*tensor.Tensor { return []*tensor.Tensor{e.weight} }

// Weight returns the [vocab, dim] table.
func (e *Embedding) Weight() *tensor.Tensor { return e.weight }

// VocabSize returns the vocabulary size.
func (e *Embedding) VocabSize() int { return e.vocabSize }

// EmbedDim returns the embedding dimension.
func (e *Embedding) EmbedDim() int { return e.embedDim }
