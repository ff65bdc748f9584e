// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package model provides the emotion-aware encoder/decoder: adaptive
// halting over shared layers, gated expert decoding and the
// pointer-generator output head.
package model

import "github.com/pkg/errors"

// Config holds the model configuration.
type Config struct {
	EmbDim    int // Embedding dimension (300)
	HiddenDim int // Hidden dimension (300)
	Hop       int // Layers per stack, and max hop of a universal stack (1)
	Heads     int // Attention heads (2)
	Depth     int // Total key and value depth (40)
	Filter    int // FFN intermediate dimension (50)
	Experts   int // Emotion programs, one decoder expert each (32); 0 uses a single decoder
	TopK      int // Experts kept by the gate; 0 keeps all (5)
	MaxLength int // Longest sequence the timing signal covers (1000)

	Universal      bool    // Share one layer across the stack
	ACT            bool    // Adaptive halting on universal stacks
	ACTLossWeight  float32 // Weight of the ponder cost (0.001)
	BasicLearner   bool    // Unconditional basic expert
	Softmax        bool    // Softmax gate; sigmoid gates otherwise
	PointerGen     bool    // Copy source tokens into the output
	WeightSharing  bool    // Tie the output projection to the embedding
	LabelSmoothing bool    // Smoothed training loss (0.1)
	Oracle         bool    // Gate with the target program instead of the learned gate
	Schedule       float64 // Scheduled oracle decay; disabled when <= 10

	Seed int64 // Weight initialisation seed
}

// Default returns the configuration the model was published with.
func Default() Config {
	return Config{
		EmbDim:         300,
		HiddenDim:      300,
		Hop:            1,
		Heads:          2,
		Depth:          40,
		Filter:         50,
		Experts:        32,
		TopK:           5,
		MaxLength:      1000,
		ACTLossWeight:  0.001,
		BasicLearner:   true,
		Softmax:        true,
		PointerGen:     true,
		WeightSharing:  true,
		LabelSmoothing: true,
		Schedule:       10000,
		Seed:           1,
	}
}

// Tiny returns a tiny model configuration for testing.
func Tiny() Config {
	return Config{
		EmbDim:        16,
		HiddenDim:     16,
		Hop:           2,
		Heads:         2,
		Depth:         8,
		Filter:        32,
		Experts:       4,
		TopK:          2,
		MaxLength:     64,
		ACTLossWeight: 0.001,
		BasicLearner:  true,
		Softmax:       true,
		PointerGen:    true,
		WeightSharing: true,
		Seed:          42,
	}
}

// Validate reports the first inconsistent setting, wrapped in ErrConfig.
func (c Config) Validate() error {
	switch {
	case c.EmbDim <= 0 || c.HiddenDim <= 0:
		return errors.Wrapf(ErrConfig, "widths must be positive (emb %d, hidden %d)", c.EmbDim, c.HiddenDim)
	case c.Hop < 1:
		return errors.Wrapf(ErrConfig, "hop must be at least 1, got %d", c.Hop)
	case c.Heads <= 0 || c.Depth <= 0 || c.Depth%c.Heads != 0:
		return errors.Wrapf(ErrConfig, "depth %d not divisible by %d heads", c.Depth, c.Heads)
	case c.Filter <= 0:
		return errors.Wrapf(ErrConfig, "filter must be positive, got %d", c.Filter)
	case c.Experts < 0:
		return errors.Wrapf(ErrConfig, "negative expert count %d", c.Experts)
	case c.TopK < 0 || c.TopK > c.Experts:
		return errors.Wrapf(ErrConfig, "top-k %d outside [0, %d]", c.TopK, c.Experts)
	case c.MaxLength <= 0:
		return errors.Wrapf(ErrConfig, "max length must be positive, got %d", c.MaxLength)
	case c.ACTLossWeight < 0:
		return errors.Wrapf(ErrConfig, "negative act loss weight %g", c.ACTLossWeight)
	case c.WeightSharing && c.EmbDim != c.HiddenDim:
		return errors.Wrapf(ErrConfig, "weight sharing needs emb %d == hidden %d", c.EmbDim, c.HiddenDim)
	}
	return nil
}

// TotalParams counts the parameters a model of this configuration holds
// for the given vocabulary, counting a tied weight once.
func (c Config) TotalParams(vocabSize int) int {
	h, f := c.HiddenDim, c.Filter

	attention := 4 * h * c.Depth // Q, K, V, O
	ffn := h*f + f + f*h + h
	norm := 2 * h
	encLayer := 2*norm + attention + ffn
	decLayer := 3*norm + 2*attention + ffn

	stack := c.Hop
	if c.Universal {
		stack = 1
	}
	act := 0
	if c.Universal && c.ACT {
		act = h + 1
	}

	embedding := vocabSize * c.EmbDim
	encoder := c.EmbDim*h + stack*encLayer + norm + act
	emotion := c.EmbDim*h + stack*encLayer + norm

	var decoder int
	if c.Experts > 0 {
		routed := c.Experts
		if c.BasicLearner {
			routed++
		}
		decoder = c.EmbDim*h + routed*decLayer + c.Hop*decLayer + norm
		decoder += 2 * h * c.Experts // gate
	} else {
		decoder = c.EmbDim*h + stack*decLayer + norm + act
	}

	generator := h*vocabSize + vocabSize
	if c.WeightSharing {
		generator = vocabSize
	}
	if c.PointerGen {
		generator += h + 1
	}
	return embedding + encoder + emotion + decoder + generator
}
