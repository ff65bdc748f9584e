// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/mrmd/layer"
	"github.com/fumi-engineer/mrmd/tensor"
)

// expertEpsilon is the gate weight an expert must exceed to run on the
// sparse path.
const expertEpsilon = 0.0001

// MulDecoder routes the decoder input through a gated set of expert
// decoder layers, then through a shared consolidation stack:
//
//	mix = sum_i gate[b, i] * expert_i(x)  (+ basic(x))
//	out = norm(dec_L(...dec_1(mix)))
//
// With a single example and top-k routing only experts above
// expertEpsilon run; otherwise every expert runs and is weighted.
type MulDecoder struct {
	proj    *layer.Linear
	timing  *tensor.Tensor
	basic   Block // nil when disabled
	experts []Block
	dec     []Block
	norm    *layer.LayerNorm
	topK    int
}

// NewMulDecoder creates a mixture decoder with cfg.Experts experts and
// cfg.Hop consolidation layers.
func NewMulDecoder(cfg Config, rng *rand.Rand) *MulDecoder {
	block := cfg.blockConfig()
	newLayer := func() Block { return layer.NewDecoderLayer(block, rng) }

	d := &MulDecoder{
		timing:  layer.TimingSignal(cfg.MaxLength, cfg.HiddenDim),
		experts: make([]Block, cfg.Experts),
		dec:     make([]Block, cfg.Hop),
		topK:    cfg.TopK,
	}
	if cfg.BasicLearner {
		d.basic = newLayer()
	}
	for i := range d.experts {
		d.experts[i] = newLayer()
	}
	for i := range d.dec {
		d.dec[i] = newLayer()
	}
	d.proj = layer.NewLinear(cfg.EmbDim, cfg.HiddenDim, false, rng)
	d.norm = layer.NewLayerNorm(cfg.HiddenDim, layer.LayerNormEps)
	return d
}

// NumExperts returns the size of the expert set.
func (d *MulDecoder) NumExperts() int { return len(d.experts) }

// Forward decodes embedded targets [batch, tgt, emb] against enc
// [batch, src, hidden] with per-example gate weights [batch, experts].
// trgMask is the [batch, 1, tgt] target padding mask; future positions are
// masked here. Returns [batch, tgt, hidden] and the last layer's attention
// logits [batch, tgt, src].
func (d *MulDecoder) Forward(inputs, enc *tensor.Tensor, srcMask, trgMask *layer.Mask, gate *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := checkMemory(inputs, enc, d.proj.OutFeatures()); err != nil {
		return nil, nil, err
	}
	if err := d.checkGate(gate, inputs.Shape().At(0)); err != nil {
		return nil, nil, err
	}
	x, err := d.embed(inputs)
	if err != nil {
		return nil, nil, err
	}
	selfMask, err := causalMask(trgMask, inputs.Shape().At(0), inputs.Shape().At(1))
	if err != nil {
		return nil, nil, err
	}

	mix, attn := d.mixture(x, enc, srcMask, selfMask, gate)
	if d.basic != nil {
		basicOut, _ := d.basic.Step(x, enc, srcMask, selfMask)
		mix.AddInPlace(basicOut)
	}
	y, lastAttn := d.consolidate(mix, enc, srcMask, selfMask)
	if lastAttn != nil {
		attn = lastAttn
	}
	return y, attn, nil
}

func (d *MulDecoder) checkGate(gate *tensor.Tensor, batch int) error {
	if gate == nil || gate.Shape().NDim() != 2 {
		return errors.Wrap(ErrGate, "gate must be [batch, experts]")
	}
	if rows, cols := gate.Shape().At(0), gate.Shape().At(1); rows != batch || cols != len(d.experts) {
		return errors.Wrapf(ErrGate, "gate %v, want [%d, %d]", gate.Shape(), batch, len(d.experts))
	}
	return nil
}

// embed projects the inputs and adds the timing signal.
func (d *MulDecoder) embed(inputs *tensor.Tensor) (*tensor.Tensor, error) {
	if w := inputs.Shape().At(2); w != d.proj.InFeatures() {
		return nil, errors.Wrapf(ErrShape, "input width %d, embedding width %d", w, d.proj.InFeatures())
	}
	if n := inputs.Shape().At(1); n > d.timing.Shape().At(0) {
		return nil, errors.Wrapf(ErrShape, "target length %d exceeds max length %d", n, d.timing.Shape().At(0))
	}
	x := d.proj.Forward(inputs)
	layer.AddSignal(x, d.timing)
	return x, nil
}

// mixture returns the gate-weighted sum of expert outputs and the attention
// of the last expert evaluated.
func (d *MulDecoder) mixture(x, enc *tensor.Tensor, srcMask, selfMask *layer.Mask, gate *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	dims := x.Shape().DimsRef()
	batch, rowSize := dims[0], dims[1]*dims[2]
	g := gate.DataPtr()
	nExperts := len(d.experts)

	mix := tensor.New(x.Shape())
	var attn *tensor.Tensor

	if batch == 1 && d.topK > 0 {
		for i, expert := range d.experts {
			if g[i] <= expertEpsilon {
				continue
			}
			out, a := expert.Step(x, enc, srcMask, selfMask)
			mix.AddScaledInPlace(out, g[i])
			attn = a
		}
		return mix, attn
	}

	m := mix.DataPtr()
	for i, expert := range d.experts {
		out, a := expert.Step(x, enc, srcMask, selfMask)
		attn = a
		o := out.DataPtr()
		for b := 0; b < batch; b++ {
			w := g[b*nExperts+i]
			dst := m[b*rowSize : (b+1)*rowSize]
			src := o[b*rowSize : (b+1)*rowSize]
			for j := range dst {
				dst[j] += w * src[j]
			}
		}
	}
	return mix, attn
}

// consolidate runs the shared decoder stack and the final normalization.
func (d *MulDecoder) consolidate(x, enc *tensor.Tensor, srcMask, selfMask *layer.Mask) (*tensor.Tensor, *tensor.Tensor) {
	var attn *tensor.Tensor
	for _, l := range d.dec {
		x, attn = l.Step(x, enc, srcMask, selfMask)
	}
	return d.norm.Forward(x), attn
}

// Parameters returns all decoder parameters.
func (d *MulDecoder) Parameters() []*tensor.Tensor {
	params := append([]*tensor.Tensor{}, d.proj.Parameters()...)
	if d.basic != nil {
		params = append(params, d.basic.Parameters()...)
	}
	for _, e := range d.experts {
		params = append(params, e.Parameters()...)
	}
	for _, l := range d.dec {
		params = append(params, l.Parameters()...)
	}
	return append(params, d.norm.Parameters()...)
}

// causalMask combines the target padding mask with the future-position
// mask. A nil padding mask hides only future positions.
func causalMask(trgMask *layer.Mask, batch, tgt int) (*layer.Mask, error) {
	if trgMask == nil {
		trgMask = layer.NewMask(batch, 1, tgt)
	}
	if trgMask.Batch() != batch || trgMask.Rows() != 1 || trgMask.Cols() != tgt {
		return nil, errors.Wrapf(ErrShape, "target mask [%d,%d,%d], want [%d,1,%d]",
			trgMask.Batch(), trgMask.Rows(), trgMask.Cols(), batch, tgt)
	}
	return layer.Causal(trgMask), nil
}
