// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"math"

	"github.com/fumi-engineer/mrmd/tensor"
)

// labelSmoothing is the probability mass spread off the target word.
const labelSmoothing = 0.1

// nllLoss is the mean negative log-likelihood of targets under logProbs
// [batch, tgt, width], skipping positions whose target is ignore.
func nllLoss(logProbs *tensor.Tensor, targets [][]int, ignore int) float64 {
	width := logProbs.Shape().At(2)
	tgt := logProbs.Shape().At(1)
	lp := logProbs.DataPtr()
	sum, count := 0.0, 0
	for b, row := range targets {
		for t, id := range row {
			if id == ignore {
				continue
			}
			sum -= float64(lp[(b*tgt+t)*width+id])
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// smoothedLoss is the KL divergence between logProbs and the smoothed
// target distribution, averaged over non-ignored positions. The smoothing
// mass covers the vocab fixed-vocabulary columns only; oov slots past them
// carry mass only when they are the target:
//
//	q(target) = 1 - s,  q(ignore) = 0,  q(other word) = s / (vocab - 2)
func smoothedLoss(logProbs *tensor.Tensor, targets [][]int, ignore, vocab int) float64 {
	width := logProbs.Shape().At(2)
	tgt := logProbs.Shape().At(1)
	lp := logProbs.DataPtr()
	off := labelSmoothing / float64(vocab-2)
	conf := 1 - labelSmoothing

	sum, count := 0.0, 0
	for b, row := range targets {
		for t, id := range row {
			if id == ignore {
				continue
			}
			dist := lp[(b*tgt+t)*width : (b*tgt+t+1)*width]
			for i, l := range dist {
				q := off
				switch {
				case i == id:
					q = conf
				case i == ignore || i >= vocab:
					continue
				}
				sum += q * (math.Log(q) - clampLog(l))
			}
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// clampLog keeps a zero-probability slot from turning the loss infinite.
func clampLog(l float32) float64 {
	if l < -100 {
		return -100
	}
	return float64(l)
}

// crossEntropy averages -log softmax(logits)[label] over rows.
func crossEntropy(logits *tensor.Tensor, labels []int) float64 {
	n := logits.Shape().At(1)
	data := logits.Clone().DataPtr()
	sum := 0.0
	for b, label := range labels {
		row := data[b*n : (b+1)*n]
		logSoftmaxRow(row)
		sum -= float64(row[label])
	}
	return sum / float64(len(labels))
}

// bceWithLogits averages the binary cross-entropy of sigmoid(logits)
// against targets over every element:
//
//	l = max(x, 0) - x*y + log(1 + exp(-|x|))
func bceWithLogits(logits *tensor.Tensor, targets [][]float32) float64 {
	n := logits.Shape().At(1)
	data := logits.DataPtr()
	sum := 0.0
	for b, row := range targets {
		for i, y := range row {
			x := float64(data[b*n+i])
			sum += math.Max(x, 0) - x*float64(y) + math.Log1p(math.Exp(-math.Abs(x)))
		}
	}
	return sum / float64(len(targets)*n)
}

// argmaxRows returns the index of the largest entry of every row of a
// [rows, n] tensor.
func argmaxRows(t *tensor.Tensor) []int {
	n := t.Shape().At(-1)
	data := t.DataPtr()
	out := make([]int, len(data)/n)
	for r := range out {
		out[r], _ = argmax(data[r*n : (r+1)*n])
	}
	return out
}

// perplexity is exp(loss) capped at exp(100).
func perplexity(loss float64) float64 { return math.Exp(math.Min(loss, 100)) }
