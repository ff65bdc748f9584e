// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package layer

import (
	"math"

	"github.com/fumi-engineer/mrmd/tensor"
)

// TimingSignal returns the sinusoidal position signal of shape
// [length, channels]:
//
//	inv_i     = exp(-i * ln(max/min) / max(n-1, 1)),  n = channels/2
//	signal[p] = [sin(p*inv_0..n-1), cos(p*inv_0..n-1)]
//
// with min timescale 1 and max timescale 1e4. An odd channel count leaves
// the last column zero. The same generator produces the per-step signal of
// a universal stack, indexed by step instead of position.
func TimingSignal(length, channels int) *tensor.Tensor {
	const minTimescale, maxTimescale = 1.0, 1.0e4
	n := channels / 2
	logIncrement := math.Log(maxTimescale/minTimescale) / math.Max(float64(n)-1, 1)

	out := tensor.New(tensor.NewShape(length, channels))
	data := out.DataPtr()
	for p := 0; p < length; p++ {
		row := data[p*channels : (p+1)*channels]
		for i := 0; i < n; i++ {
			scaled := float64(p) * minTimescale * math.Exp(float64(i)*-logIncrement)
			row[i] = float32(math.Sin(scaled))
			row[n+i] = float32(math.Cos(scaled))
		}
	}
	return out
}

// AddSignal adds rows [0, seq) of a [length, hidden] signal to every batch
// element of a [batch, seq, hidden] state, in place.
func AddSignal(state, signal *tensor.Tensor) {
	dims := state.Shape().DimsRef()
	batch, seqLen, hidden := dims[0], dims[1], dims[2]
	sig := signal.DataPtr()[:seqLen*hidden]
	data := state.DataPtr()
	for b := 0; b < batch; b++ {
		row := data[b*seqLen*hidden : (b+1)*seqLen*hidden]
		for i, v := range sig {
			row[i] += v
		}
	}
}

// AddSignalRow adds row r of a [length, hidden] signal to every position
// of a [batch, seq, hidden] state, in place.
func AddSignalRow(state, signal *tensor.Tensor, r int) {
	hidden := state.Shape().At(-1)
	sig := signal.DataPtr()[r*hidden : (r+1)*hidden]
	data := state.DataPtr()
	for off := 0; off < len(data); off += hidden {
		row := data[off : off+hidden]
		for i, v := range sig {
			row[i] += v
		}
	}
}
