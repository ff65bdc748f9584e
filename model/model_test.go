// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"math"
	"testing"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/mrmd/vocab"
)

func newTestModel(t *testing.T, cfg Config) (*Model, *vocab.Vocab, *Batch) {
	t.Helper()
	v := testVocab()
	m, err := New(cfg, v.Len())
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewBatch(v, testExamples(), cfg.Experts)
	if err != nil {
		t.Fatal(err)
	}
	return m, v, b
}

func TestModelForwardShape(t *testing.T) {
	m, v, b := newTestModel(t, Tiny())
	out, err := m.Forward(b, false)
	if err != nil {
		t.Fatal(err)
	}
	dims := out.LogProbs.Shape().DimsRef()
	if dims[0] != 2 || dims[1] != len(b.Target[0]) || dims[2] != v.Len()+b.MaxOOV {
		t.Fatalf("expected [2, %d, %d], got %v", len(b.Target[0]), v.Len()+b.MaxOOV, out.LogProbs.Shape())
	}
	for _, x := range out.LogProbs.DataPtr() {
		if math.IsNaN(float64(x)) || x > 0 {
			t.Fatalf("invalid log-probability %f", x)
		}
	}
	if g := out.Encoding.Gate; g == nil || g.Shape().At(1) != 4 {
		t.Fatal("expected gate weights over 4 experts")
	}
	if mem := out.Encoding.Memory; mem.Shape().At(1) != len(b.Input[0])+len(b.EmotionCtx[0]) {
		t.Fatalf("memory should hold dialogue and emotion context, got %v", mem.Shape())
	}
}

func TestModelEvaluate(t *testing.T) {
	for _, smoothing := range []bool{false, true} {
		cfg := Tiny()
		cfg.LabelSmoothing = smoothing
		m, _, b := newTestModel(t, cfg)
		met, err := m.Evaluate(b, false)
		if err != nil {
			t.Fatal(err)
		}
		for name, x := range map[string]float64{"loss": met.Loss, "train": met.TrainLoss, "program": met.ProgramLoss} {
			if math.IsNaN(x) || math.IsInf(x, 0) || x <= 0 {
				t.Fatalf("smoothing=%v: %s loss %f", smoothing, name, x)
			}
		}
		if got, want := met.PPL, math.Exp(math.Min(met.Loss, 100)); math.Abs(got-want) > 1e-9*want {
			t.Fatalf("ppl %f, want %f", got, want)
		}
		if met.ProgramAcc < 0 || met.ProgramAcc > 1 {
			t.Fatalf("program accuracy %f", met.ProgramAcc)
		}
		if !smoothing && met.TrainLoss != met.Loss {
			t.Fatal("without smoothing the training loss is the reported loss")
		}
	}
}

func TestModelParamCount(t *testing.T) {
	configs := map[string]func(*Config){
		"tiny": func(*Config) {},
		"untied": func(c *Config) {
			c.WeightSharing = false
			c.BasicLearner = false
			c.EmbDim = 12
		},
		"universal act": func(c *Config) {
			c.Universal = true
			c.ACT = true
			c.Experts = 0
			c.TopK = 0
		},
		"sigmoid gate": func(c *Config) {
			c.Softmax = false
			c.PointerGen = false
			c.Hop = 1
		},
	}
	for name, edit := range configs {
		cfg := Tiny()
		edit(&cfg)
		m, _, _ := newTestModel(t, cfg)
		if got, want := m.ParamCount(), cfg.TotalParams(m.VocabSize()); got != want {
			t.Errorf("%s: ParamCount %d, TotalParams %d", name, got, want)
		}
	}
}

func TestModelWeightSharing(t *testing.T) {
	m, _, _ := newTestModel(t, Tiny())
	if m.generator.proj.Weight() != m.embedding.Weight() {
		t.Fatal("output projection should share the embedding table")
	}
}

func TestModelOracleGate(t *testing.T) {
	m, _, b := newTestModel(t, Tiny())
	e, err := m.Encode(b, true)
	if err != nil {
		t.Fatal(err)
	}
	for i, label := range b.ProgramLabel {
		if w := e.Gate.At(i, label); math.Abs(float64(w-1)) > 1e-6 {
			t.Fatalf("example %d: oracle weight on program %d is %f", i, label, w)
		}
	}
}

func TestModelUseOracle(t *testing.T) {
	cfg := Tiny()
	cfg.Schedule = 1000
	m, _, _ := newTestModel(t, cfg)
	if !m.UseOracle(0, 0.5) {
		t.Fatal("the scheduled oracle should gate early iterations")
	}
	if m.UseOracle(100_000, 0.5) {
		t.Fatal("the scheduled oracle should fade out")
	}

	cfg.Schedule = 0
	m, _, _ = newTestModel(t, cfg)
	if m.UseOracle(0, 0) {
		t.Fatal("a disabled schedule never gates with the oracle")
	}
	cfg.Oracle = true
	m, _, _ = newTestModel(t, cfg)
	if !m.UseOracle(100_000, 0.99) {
		t.Fatal("an oracle model always gates with the target program")
	}
}

func TestModelSingleDecoderUniversalACT(t *testing.T) {
	cfg := Tiny()
	cfg.Universal = true
	cfg.ACT = true
	cfg.Experts = 0
	cfg.TopK = 0
	m, _, b := newTestModel(t, cfg)

	met, err := m.Evaluate(b, false)
	if err != nil {
		t.Fatal(err)
	}
	if met.ACTLoss <= 0 {
		t.Fatalf("expected a positive ponder cost, got %f", met.ACTLoss)
	}
	if met.ProgramLoss != 0 || met.ProgramAcc != 0 {
		t.Fatal("no gate, no program metrics")
	}
	r, u := m.encoder.Halting()
	if len(r) != b.Size()*len(b.Input[0]) || len(u) != len(r) {
		t.Fatalf("encoder halting stats cover %d positions", len(r))
	}
}

func TestModelDecodeDeterministic(t *testing.T) {
	m, v, b := newTestModel(t, Tiny())

	first, err := m.DecodeGreedy(b, v, 5)
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.DecodeGreedy(b, v, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || first[0] != second[0] || first[1] != second[1] {
		t.Fatalf("greedy decoding is not deterministic: %q vs %q", first, second)
	}

	a, err := m.DecodeTopK(b, v, 5, 3, 42)
	if err != nil {
		t.Fatal(err)
	}
	c, err := m.DecodeTopK(b, v, 5, 3, 42)
	if err != nil {
		t.Fatal(err)
	}
	if a[0] != c[0] || a[1] != c[1] {
		t.Fatalf("top-k decoding with a fixed seed differs: %q vs %q", a, c)
	}
	for _, s := range append(first, a...) {
		if n := len(vocab.Tokenize(s)); n > 6 {
			t.Fatalf("response %q longer than max steps + 1", s)
		}
	}
}

func TestModelGenerateFromEncoding(t *testing.T) {
	m, v, b := newTestModel(t, Tiny())
	e, err := m.Encode(b, false)
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.Generate(b, e, v, 4, GreedySampling{})
	if err != nil {
		t.Fatal(err)
	}
	want, err := m.DecodeGreedy(b, v, 4)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("decoding a reused encoding gave %q, want %q", got, want)
	}

	single, err := NewBatch(v, testExamples()[:1], 4)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Generate(single, e, v, 4, GreedySampling{}); !errors.Is(err, ErrBatch) {
		t.Fatalf("encoding of another batch: expected ErrBatch, got %v", err)
	}
}

func TestModelDecodeSingleExample(t *testing.T) {
	cfg := Tiny()
	v := testVocab()
	m, err := New(cfg, v.Len())
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewBatch(v, testExamples()[:1], cfg.Experts)
	if err != nil {
		t.Fatal(err)
	}
	out, err := m.DecodeGreedy(b, v, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one response, got %d", len(out))
	}
}

func TestModelErrors(t *testing.T) {
	bad := Tiny()
	bad.Depth = 7
	if _, err := New(bad, 100); !errors.Is(err, ErrConfig) {
		t.Errorf("depth not divisible by heads: expected ErrConfig, got %v", err)
	}
	bad = Tiny()
	bad.EmbDim = 12
	if _, err := New(bad, 100); !errors.Is(err, ErrConfig) {
		t.Errorf("weight sharing across widths: expected ErrConfig, got %v", err)
	}
	if _, err := New(Tiny(), vocab.CLS); !errors.Is(err, ErrConfig) {
		t.Errorf("tiny vocabulary: expected ErrConfig, got %v", err)
	}

	m, v, b := newTestModel(t, Tiny())
	if _, err := m.DecodeGreedy(b, v, m.Config().MaxLength); !errors.Is(err, ErrConfig) {
		t.Errorf("max steps past max length: expected ErrConfig, got %v", err)
	}
	if _, err := m.DecodeTopK(b, v, 3, 0, 1); !errors.Is(err, ErrConfig) {
		t.Errorf("k = 0: expected ErrConfig, got %v", err)
	}

	outside := *b
	outside.Input = [][]int{append([]int{}, b.Input[0]...), b.Input[1]}
	outside.Input[0][1] = v.Len() + 3
	if _, err := m.Forward(&outside, false); !errors.Is(err, ErrBatch) {
		t.Errorf("id outside vocabulary: expected ErrBatch, got %v", err)
	}

	badExt := *b
	badExt.TargetExt = [][]int{append([]int{}, b.TargetExt[0]...), b.TargetExt[1]}
	badExt.TargetExt[0][0] = 100000
	if _, err := m.Evaluate(&badExt, false); !errors.Is(err, ErrBatch) {
		t.Errorf("extended target id past the oov slots: expected ErrBatch, got %v", err)
	}

	cfg := Tiny()
	cfg.PointerGen = false
	plain, _, pb := newTestModel(t, cfg)
	badTarget := *pb
	last := len(pb.Target[0]) - 1
	badTarget.Target = [][]int{append([]int{}, pb.Target[0]...), pb.Target[1]}
	badTarget.Target[0][last] = 100000
	if _, err := plain.Evaluate(&badTarget, false); !errors.Is(err, ErrBatch) {
		t.Errorf("last target id outside vocabulary: expected ErrBatch, got %v", err)
	}
	badTarget.Target[0][last] = v.Len()
	if _, err := plain.Evaluate(&badTarget, false); !errors.Is(err, ErrBatch) {
		t.Errorf("oov id in the plain target: expected ErrBatch, got %v", err)
	}

	wrongPrograms, err := NewBatch(v, testExamples(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Forward(wrongPrograms, false); !errors.Is(err, ErrBatch) {
		t.Errorf("program vectors sized for 5 experts: expected ErrBatch, got %v", err)
	}
}
