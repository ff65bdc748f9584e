// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/mrmd/tensor"
	"github.com/fumi-engineer/mrmd/vocab"
)

// SamplingStrategy defines how to pick the next token from log-probabilities.
// Implementations: GreedySampling, TopKSampling.
type SamplingStrategy interface {
	PickToken(logProbs []float32) int
}

// GreedySampling always picks the most likely token (argmax).
type GreedySampling struct{}

// PickToken returns the index of the maximum entry.
func (GreedySampling) PickToken(logProbs []float32) int {
	idx, _ := argmax(logProbs)
	return idx
}

// TopKSampling restricts sampling to the K most likely tokens and samples
// from their renormalized distribution.
type TopKSampling struct {
	K     int
	State *uint64 // PRNG state (LCG)
}

// PickToken samples from the top-K entries.
func (s TopKSampling) PickToken(logProbs []float32) int {
	return sampleTopK(logProbs, s.K, s.State)
}

// DecodeGreedy generates one response per example by argmax decoding.
func (m *Model) DecodeGreedy(b *Batch, v *vocab.Vocab, maxSteps int) ([]string, error) {
	return m.Generate(b, nil, v, maxSteps, GreedySampling{})
}

// DecodeTopK generates one response per example, sampling each token from
// the k most likely candidates.
func (m *Model) DecodeTopK(b *Batch, v *vocab.Vocab, maxSteps, k int, seed uint64) ([]string, error) {
	if k <= 0 {
		return nil, errors.Wrapf(ErrConfig, "top-k sampling needs k > 0, got %d", k)
	}
	state := seed
	return m.Generate(b, nil, v, maxSteps, TopKSampling{K: k, State: &state})
}

// Generate decodes auto-regressively from SOS for maxSteps+1 tokens. At each
// step the full prefix is fed through the decoder (no cache) and the last
// position is sampled. A response ends at its first EOS; copied
// out-of-vocabulary words are resolved through the example's oov list and
// fed back as UNK.
//
// e is the result of Encode for b; nil encodes b here.
func (m *Model) Generate(b *Batch, e *Encoding, v *vocab.Vocab, maxSteps int, strategy SamplingStrategy) ([]string, error) {
	if maxSteps < 0 || maxSteps+1 > m.config.MaxLength {
		return nil, errors.Wrapf(ErrConfig, "max steps %d outside [0, %d)", maxSteps, m.config.MaxLength)
	}
	if e == nil {
		var err error
		if e, err = m.Encode(b, m.config.Oracle); err != nil {
			return nil, err
		}
	} else {
		if err := b.Validate(); err != nil {
			return nil, err
		}
		if e.Memory == nil || e.Memory.Shape().At(0) != b.Size() {
			return nil, errors.Wrapf(ErrBatch, "encoding does not cover the batch of %d", b.Size())
		}
	}

	n := b.Size()
	ys := make([][]int, n)
	for i := range ys {
		ys[i] = []int{vocab.SOS}
	}
	words := make([][]string, n)
	done := make([]bool, n)

	for step := 0; step <= maxSteps; step++ {
		lp, err := m.decode(ys, e, b)
		if err != nil {
			return nil, err
		}
		tgt, width := lp.Shape().At(1), lp.Shape().At(2)
		data := lp.DataPtr()

		finished := true
		for i := range ys {
			last := data[((i+1)*tgt-1)*width : (i+1)*tgt*width]
			id := strategy.PickToken(last)
			if !done[i] {
				if id == vocab.EOS {
					done[i] = true
				} else {
					words[i] = append(words[i], v.Decode([]int{id}, b.OOVs[i])[0])
				}
			}
			finished = finished && done[i]
			if id >= m.vocabSize {
				id = vocab.UNK
			}
			ys[i] = append(ys[i], id)
		}
		if finished {
			break
		}
	}

	out := make([]string, n)
	for i, w := range words {
		out[i] = strings.Join(w, " ")
	}
	return out, nil
}

// argmax returns the index and value of the largest entry.
func argmax(xs []float32) (int, float32) {
	best, bestVal := 0, xs[0]
	for i, v := range xs[1:] {
		if v > bestVal {
			best, bestVal = i+1, v
		}
	}
	return best, bestVal
}

// nextRand01 returns a pseudo-random float32 in [0, 1) using a 64-bit LCG
// with Knuth's MMIX multiplier, so sampling is reproducible from a seed.
func nextRand01(state *uint64) float32 {
	*state = *state*6364136223846793005 + 1
	return float32(uint32(*state>>32)) / 4294967296.0
}

// sampleFromProbs samples an index by inverse CDF.
func sampleFromProbs(probs []float32, state *uint64) int {
	r := nextRand01(state)
	cum := float32(0)
	for i, p := range probs {
		cum += p
		if r <= cum {
			return i
		}
	}
	return len(probs) - 1
}

// sampleTopK keeps the k largest scores (the rest become -inf), applies a
// softmax and samples.
func sampleTopK(scores []float32, k int, state *uint64) int {
	n := len(scores)
	filtered := make([]float32, n)
	copy(filtered, scores)
	if k < n {
		indices := make([]int, n)
		for i := range indices {
			indices[i] = i
		}
		sort.SliceStable(indices, func(i, j int) bool {
			return scores[indices[i]] > scores[indices[j]]
		})
		for _, idx := range indices[k:] {
			filtered[idx] = tensor.NegInf
		}
	}
	tensor.SoftmaxRow(filtered)
	return sampleFromProbs(filtered, state)
}
