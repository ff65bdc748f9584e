// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/mrmd/layer"
	"github.com/fumi-engineer/mrmd/tensor"
	"github.com/fumi-engineer/mrmd/vocab"
)

// Model is the emotion-aware dialogue model.
//
// Architecture:
//
//	enc  = Encoder(embed(dialogue) + embed(speakers))
//	emo  = Encoder(embed(emotion context))
//	gate = act(topk(W @ [enc[:,0], emo[:,0]]))
//	dec  = MulDecoder(embed(SOS + target[:-1]), [enc; emo], gate)
//	out  = Generator(dec, attention, extended source ids)
//
// Without experts the mixture decoder is replaced by a single Decoder and
// no gate is computed.
type Model struct {
	config    Config
	vocabSize int

	embedding *layer.Embedding
	encoder   *Encoder
	emotion   *Encoder
	gate      *Gate       // nil without experts
	decoder   *MulDecoder // nil without experts
	single    *Decoder    // nil with experts
	generator *Generator
}

// New creates a model with weights drawn from the configured seed.
func New(cfg Config, vocabSize int) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if vocabSize <= vocab.CLS {
		return nil, errors.Wrapf(ErrConfig, "vocabulary of %d cannot hold the special tokens", vocabSize)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	m := &Model{
		config:    cfg,
		vocabSize: vocabSize,
		embedding: layer.NewEmbedding(vocabSize, cfg.EmbDim, vocab.PAD, rng),
		encoder:   NewEncoder(cfg, true, rng),
		emotion:   NewEncoder(cfg, false, rng),
	}
	if cfg.Experts > 0 {
		m.decoder = NewMulDecoder(cfg, rng)
		m.gate = NewGate(cfg.HiddenDim, cfg.Experts, cfg.TopK, cfg.Softmax, rng)
	} else {
		m.single = NewDecoder(cfg, rng)
	}
	m.generator = NewGenerator(cfg.HiddenDim, vocabSize, cfg.PointerGen, rng)
	if cfg.WeightSharing {
		m.generator.ShareWeight(m.embedding.Weight())
	}
	return m, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config { return m.config }

// VocabSize returns the size of the fixed vocabulary.
func (m *Model) VocabSize() int { return m.vocabSize }

// Encoding is the source side of a batch.
type Encoding struct {
	Enc        *tensor.Tensor // [batch, src, hidden]
	Emo        *tensor.Tensor // [batch, emo, hidden]
	Memory     *tensor.Tensor // [batch, src+emo, hidden]
	MemoryMask *layer.Mask    // [batch, 1, src+emo]
	GateLogits *tensor.Tensor // [batch, experts]; nil without experts
	Gate       *tensor.Tensor // [batch, experts]; nil without experts
}

// Encode runs both encoders and the gate. With oracle set the gate follows
// the batch's target programs.
func (m *Model) Encode(b *Batch, oracle bool) (*Encoding, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if err := m.checkIDs(b); err != nil {
		return nil, err
	}

	srcMask := layer.PadMask(b.Input, vocab.PAD)
	inputs := m.embedding.Forward(b.Input)
	inputs.AddInPlace(m.embedding.Forward(b.MaskInput))
	enc, err := m.encoder.Forward(inputs, srcMask)
	if err != nil {
		return nil, errors.Wrap(err, "encode dialogue")
	}

	emoMask := layer.PadMask(b.EmotionCtx, vocab.PAD)
	emo, err := m.emotion.Forward(m.embedding.Forward(b.EmotionCtx), emoMask)
	if err != nil {
		return nil, errors.Wrap(err, "encode emotion context")
	}

	e := &Encoding{
		Enc:        enc,
		Emo:        emo,
		Memory:     tensor.Concat(enc, emo),
		MemoryMask: layer.ConcatCols(srcMask, emoMask),
	}
	if m.gate == nil {
		return e, nil
	}
	if e.GateLogits, err = m.gate.Logits(enc, emo); err != nil {
		return nil, err
	}
	if !oracle {
		e.Gate = m.gate.Weights(e.GateLogits)
		return e, nil
	}
	if e.Gate, err = m.gate.Oracle(b.TargetProgram); err != nil {
		return nil, err
	}
	return e, nil
}

func (m *Model) checkIDs(b *Batch) error {
	for _, grid := range [][][]int{b.Input, b.MaskInput, b.EmotionCtx} {
		for i, row := range grid {
			for _, id := range row {
				if id < 0 || id >= m.vocabSize {
					return errors.Wrapf(ErrBatch, "example %d: id %d outside vocabulary of %d", i, id, m.vocabSize)
				}
			}
		}
	}
	targets := []struct {
		name  string
		ids   [][]int
		limit int
	}{
		{"target", b.Target, m.vocabSize},
		{"extended target", b.TargetExt, m.vocabSize + b.MaxOOV},
	}
	for _, g := range targets {
		for i, row := range g.ids {
			for _, id := range row {
				if id < 0 || id >= g.limit {
					return errors.Wrapf(ErrBatch, "example %d: %s id %d outside [0, %d)", i, g.name, id, g.limit)
				}
			}
		}
	}
	if m.gate != nil {
		for i, label := range b.ProgramLabel {
			if label < 0 || label >= m.config.Experts {
				return errors.Wrapf(ErrBatch, "example %d: program %d outside [0, %d)", i, label, m.config.Experts)
			}
			if len(b.TargetProgram[i]) != m.config.Experts {
				return errors.Wrapf(ErrBatch, "example %d: target program has %d entries", i, len(b.TargetProgram[i]))
			}
		}
	}
	return nil
}

// decode runs the decoder and the generator over target prefixes ys.
func (m *Model) decode(ys [][]int, e *Encoding, b *Batch) (*tensor.Tensor, error) {
	for i, row := range ys {
		for _, id := range row {
			if id < 0 || id >= m.vocabSize {
				return nil, errors.Wrapf(ErrBatch, "example %d: decoder id %d outside vocabulary", i, id)
			}
		}
	}
	inputs := m.embedding.Forward(ys)
	trgMask := layer.PadMask(ys, vocab.PAD)

	var (
		pre, attn *tensor.Tensor
		err       error
	)
	if m.decoder != nil {
		pre, attn, err = m.decoder.Forward(inputs, e.Memory, e.MemoryMask, trgMask, e.Gate)
	} else {
		pre, attn, err = m.single.Forward(inputs, e.Memory, e.MemoryMask, trgMask)
	}
	if err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	return m.generator.Forward(pre, attn, CopySource{ExtendedIDs: b.ExtendedIDs, ExtraOOV: b.MaxOOV}, 1)
}

// Output is the result of a teacher-forced forward pass.
type Output struct {
	LogProbs *tensor.Tensor // [batch, tgt, vocab (+ oov slots)]
	Encoding *Encoding
}

// Forward runs the model with teacher forcing: the decoder reads SOS
// followed by the target without its last token.
func (m *Model) Forward(b *Batch, oracle bool) (*Output, error) {
	e, err := m.Encode(b, oracle)
	if err != nil {
		return nil, err
	}
	lp, err := m.decode(shiftRight(b.Target), e, b)
	if err != nil {
		return nil, err
	}
	return &Output{LogProbs: lp, Encoding: e}, nil
}

func shiftRight(targets [][]int) [][]int {
	out := make([][]int, len(targets))
	for i, row := range targets {
		shifted := make([]int, len(row))
		shifted[0] = vocab.SOS
		copy(shifted[1:], row[:len(row)-1])
		out[i] = shifted
	}
	return out
}

// Metrics summarises one evaluated batch.
type Metrics struct {
	Loss        float64 // reported loss; NLL plus program loss without label smoothing
	PPL         float64 // exp(min(Loss, 100))
	TrainLoss   float64 // objective a trainer would minimise
	ProgramLoss float64
	ProgramAcc  float64
	ACTLoss     float32
}

// Evaluate runs Forward and scores the batch.
func (m *Model) Evaluate(b *Batch, oracle bool) (Metrics, error) {
	out, err := m.Forward(b, oracle)
	if err != nil {
		return Metrics{}, err
	}
	targets := b.Target
	if m.generator.Pointer() {
		targets = b.TargetExt
	}
	nll := nllLoss(out.LogProbs, targets, vocab.PAD)

	var met Metrics
	if logits := out.Encoding.GateLogits; logits != nil {
		if m.config.Softmax {
			met.ProgramLoss = crossEntropy(logits, b.ProgramLabel)
		} else {
			met.ProgramLoss = bceWithLogits(logits, b.TargetProgram)
		}
		hits := 0
		for i, p := range argmaxRows(logits) {
			if p == b.ProgramLabel[i] {
				hits++
			}
		}
		met.ProgramAcc = float64(hits) / float64(b.Size())
	}

	if m.config.LabelSmoothing {
		met.TrainLoss = smoothedLoss(out.LogProbs, targets, vocab.PAD, m.vocabSize) + met.ProgramLoss
		met.Loss = nll
	} else {
		met.Loss = nll + met.ProgramLoss
		met.TrainLoss = met.Loss
	}
	met.PPL = perplexity(met.Loss)
	met.ACTLoss = m.ACTLoss()
	return met, nil
}

// UseOracle reports whether training iteration iter gates with the target
// program. draw is a uniform sample in [0, 1).
func (m *Model) UseOracle(iter int, draw float64) bool {
	return m.config.Oracle || draw < OracleProbability(iter, m.config.Schedule)
}

// ACTLoss returns the ponder cost of the last halting runs, or 0 when no
// stack halts adaptively.
func (m *Model) ACTLoss() float32 {
	w := m.config.ACTLossWeight
	r, u := m.encoder.Halting()
	loss := ACTLoss(r, u, w)
	if m.single != nil {
		r, u = m.single.Halting()
		loss += ACTLoss(r, u, w)
	}
	return loss
}

// EncoderHalting returns the dialogue encoder's remainders and update
// counts from the last halting run.
func (m *Model) EncoderHalting() ([]float32, []int) { return m.encoder.Halting() }

// Parameters returns every parameter once, tied weights included once.
func (m *Model) Parameters() []*tensor.Tensor {
	groups := [][]*tensor.Tensor{
		m.embedding.Parameters(),
		m.encoder.Parameters(),
		m.emotion.Parameters(),
	}
	if m.decoder != nil {
		groups = append(groups, m.decoder.Parameters(), m.gate.Parameters())
	} else {
		groups = append(groups, m.single.Parameters())
	}
	groups = append(groups, m.generator.Parameters())

	seen := make(map[*tensor.Tensor]bool)
	var params []*tensor.Tensor
	for _, g := range groups {
		for _, p := range g {
			if !seen[p] {
				seen[p] = true
				params = append(params, p)
			}
		}
	}
	return params
}

// ParamCount returns the number of scalar parameters.
func (m *Model) ParamCount() int {
	n := 0
	for _, p := range m.Parameters() {
		n += p.Shape().Numel()
	}
	return n
}
