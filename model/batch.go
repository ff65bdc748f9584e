// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"github.com/pkg/errors"

	"github.com/fumi-engineer/mrmd/vocab"
)

// Turn is one utterance of a dialogue.
type Turn struct {
	Speaker int // vocab.USR or vocab.SYS
	Words   []string
}

// Example is one training or decoding example.
type Example struct {
	Dialogue []Turn
	Emotion  []string // emotion context words
	Target   []string // response words; may be empty when decoding
	Program  int      // emotion program label
}

// Batch is a padded group of examples. Every id grid is rectangular and
// padded with vocab.PAD. Dialogue and emotion rows start with vocab.CLS,
// whose encoding feeds the gate.
type Batch struct {
	Input       [][]int // [batch][src] dialogue ids
	MaskInput   [][]int // [batch][src] speaker ids aligned with Input
	EmotionCtx  [][]int // [batch][emo] emotion context ids
	ExtendedIDs [][]int // [batch][src] Input with per-example oov ids
	OOVs        [][]string
	MaxOOV      int

	Target    [][]int // [batch][tgt] response ids ending in EOS
	TargetExt [][]int // Target with copyable oov ids

	ProgramLabel  []int
	TargetProgram [][]float32 // one-hot [batch][programs]
}

// NewBatch encodes and pads examples. nPrograms sizes the target program
// vectors.
func NewBatch(v *vocab.Vocab, examples []Example, nPrograms int) (*Batch, error) {
	if len(examples) == 0 {
		return nil, errors.Wrap(ErrBatch, "no examples")
	}
	b := &Batch{}
	for i, ex := range examples {
		if nPrograms > 0 && (ex.Program < 0 || ex.Program >= nPrograms) {
			return nil, errors.Wrapf(ErrBatch, "example %d: program %d outside [0, %d)", i, ex.Program, nPrograms)
		}
		words := []string{}
		speakers := []int{vocab.CLS}
		for _, turn := range ex.Dialogue {
			if turn.Speaker != vocab.USR && turn.Speaker != vocab.SYS {
				return nil, errors.Wrapf(ErrBatch, "example %d: speaker id %d", i, turn.Speaker)
			}
			words = append(words, turn.Words...)
			for range turn.Words {
				speakers = append(speakers, turn.Speaker)
			}
		}
		ext, oovs := v.EncodeExtended(words)

		b.Input = append(b.Input, append([]int{vocab.CLS}, v.Encode(words)...))
		b.MaskInput = append(b.MaskInput, speakers)
		b.ExtendedIDs = append(b.ExtendedIDs, append([]int{vocab.CLS}, ext...))
		b.OOVs = append(b.OOVs, oovs)
		if len(oovs) > b.MaxOOV {
			b.MaxOOV = len(oovs)
		}
		b.EmotionCtx = append(b.EmotionCtx, append([]int{vocab.CLS}, v.Encode(ex.Emotion)...))
		b.Target = append(b.Target, append(v.Encode(ex.Target), vocab.EOS))
		b.TargetExt = append(b.TargetExt, append(v.EncodeTarget(ex.Target, oovs), vocab.EOS))

		b.ProgramLabel = append(b.ProgramLabel, ex.Program)
		program := make([]float32, nPrograms)
		if nPrograms > 0 {
			program[ex.Program] = 1
		}
		b.TargetProgram = append(b.TargetProgram, program)
	}
	for _, grid := range [][][]int{b.Input, b.MaskInput, b.ExtendedIDs, b.EmotionCtx, b.Target, b.TargetExt} {
		pad(grid)
	}
	return b, nil
}

// Size returns the number of examples.
func (b *Batch) Size() int { return len(b.Input) }

// Validate checks that the grids are rectangular and aligned.
func (b *Batch) Validate() error {
	n := len(b.Input)
	if n == 0 {
		return errors.Wrap(ErrBatch, "empty batch")
	}
	grids := []struct {
		name string
		ids  [][]int
	}{
		{"input", b.Input},
		{"mask input", b.MaskInput},
		{"emotion", b.EmotionCtx},
		{"extended ids", b.ExtendedIDs},
		{"target", b.Target},
		{"target ext", b.TargetExt},
	}
	for _, g := range grids {
		if len(g.ids) != n {
			return errors.Wrapf(ErrBatch, "%s has %d rows, batch has %d", g.name, len(g.ids), n)
		}
		if err := rectangular(g.ids); err != nil {
			return errors.Wrap(err, g.name)
		}
	}
	if len(b.OOVs) != n || len(b.ProgramLabel) != n || len(b.TargetProgram) != n {
		return errors.Wrapf(ErrBatch, "label rows do not match batch of %d", n)
	}
	if w := len(b.Input[0]); len(b.MaskInput[0]) != w || len(b.ExtendedIDs[0]) != w {
		return errors.Wrap(ErrBatch, "mask input and extended ids must align with input")
	}
	for i, oovs := range b.OOVs {
		if len(oovs) > b.MaxOOV {
			return errors.Wrapf(ErrBatch, "example %d has %d oovs, max is %d", i, len(oovs), b.MaxOOV)
		}
	}
	return nil
}

func rectangular(grid [][]int) error {
	if len(grid) == 0 || len(grid[0]) == 0 {
		return errors.Wrap(ErrBatch, "empty id grid")
	}
	for i, row := range grid {
		if len(row) != len(grid[0]) {
			return errors.Wrapf(ErrBatch, "row %d has %d ids, want %d", i, len(row), len(grid[0]))
		}
	}
	return nil
}

func pad(grid [][]int) {
	width := 0
	for _, row := range grid {
		if len(row) > width {
			width = len(row)
		}
	}
	for i, row := range grid {
		for len(row) < width {
			row = append(row, vocab.PAD)
		}
		grid[i] = row
	}
}
