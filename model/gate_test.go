// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/mrmd/tensor"
)

func TestMaskTopK(t *testing.T) {
	row := []float32{0.1, 3, -2, 3, 1}
	maskTopK(row, 2)
	want := []float32{tensor.NegInf, 3, tensor.NegInf, 3, tensor.NegInf}
	for i := range want {
		if row[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, row)
		}
	}
}

func TestGateSoftmaxTopK(t *testing.T) {
	g := NewGate(4, 5, 2, true, rand.New(rand.NewSource(1)))
	logits := tensor.FromSlice([]float32{
		1, 5, 2, 4, 0,
		-1, -2, -3, -4, 9,
	}, tensor.NewShape(2, 5))
	w := g.Weights(logits)

	for b := 0; b < 2; b++ {
		sum, nonzero := float32(0), 0
		for i := 0; i < 5; i++ {
			v := w.At(b, i)
			sum += v
			if v > 0 {
				nonzero++
			}
		}
		if math.Abs(float64(sum-1)) > 1e-6 || nonzero != 2 {
			t.Fatalf("row %d: sum %f over %d experts, want 1 over 2", b, sum, nonzero)
		}
	}
	if w.At(0, 1) <= w.At(0, 3) || w.At(0, 0) != 0 {
		t.Fatalf("row 0 kept the wrong experts: %v", w.DataPtr()[:5])
	}
	if logits.At(0, 0) != 1 {
		t.Fatal("Weights must not modify the raw logits")
	}
}

func TestGateSigmoid(t *testing.T) {
	g := NewGate(4, 3, 0, false, rand.New(rand.NewSource(2)))
	w := g.Weights(tensor.FromSlice([]float32{0, 2, -2}, tensor.NewShape(1, 3)))
	if w.At(0, 0) != 0.5 {
		t.Fatalf("sigmoid(0) = %f, want 0.5", w.At(0, 0))
	}
	if math.Abs(float64(w.At(0, 1)+w.At(0, 2)-1)) > 1e-6 {
		t.Fatal("independent sigmoid gates should be symmetric around 0")
	}
}

func TestGateOracle(t *testing.T) {
	g := NewGate(4, 3, 0, true, rand.New(rand.NewSource(3)))
	w, err := g.Oracle([][]float32{{0, 1, 0}})
	if err != nil {
		t.Fatal(err)
	}
	if w.At(0, 1) != 1 || w.At(0, 0) != 0 || w.At(0, 2) != 0 {
		t.Fatalf("oracle gate should be one-hot, got %v", w.DataPtr())
	}
	if _, err := g.Oracle([][]float32{{1, 0}}); !errors.Is(err, ErrGate) {
		t.Fatalf("short target program: expected ErrGate, got %v", err)
	}
}

func TestGateLogitsPoolFirstPosition(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	g := NewGate(2, 3, 0, true, rng)
	enc := tensor.RandnWithStd(tensor.NewShape(1, 4, 2), 1, rng)
	emo := tensor.RandnWithStd(tensor.NewShape(1, 2, 2), 1, rng)
	logits, err := g.Logits(enc, emo)
	if err != nil {
		t.Fatal(err)
	}

	pooled := append(append([]float32{}, enc.Row(0, 0)...), emo.Row(0, 0)...)
	w := g.proj.Weight().DataPtr()
	for e := 0; e < 3; e++ {
		want := float32(0)
		for i, x := range pooled {
			want += w[e*4+i] * x
		}
		if math.Abs(float64(logits.At(0, e)-want)) > 1e-5 {
			t.Fatalf("expert %d: expected %f, got %f", e, want, logits.At(0, e))
		}
	}

	if _, err := g.Logits(enc, tensor.New(tensor.NewShape(2, 2, 2))); !errors.Is(err, ErrShape) {
		t.Fatalf("batch mismatch: expected ErrShape, got %v", err)
	}
}

func TestOracleProbability(t *testing.T) {
	if p := OracleProbability(0, 1000); math.Abs(p-1) > 1e-12 {
		t.Fatalf("iteration 0: expected 1, got %f", p)
	}
	if p := OracleProbability(1_000_000, 1000); math.Abs(p-0.0001) > 1e-9 {
		t.Fatalf("late iteration: expected the 0.0001 floor, got %g", p)
	}
	if p := OracleProbability(5, 10); p != 0 {
		t.Fatalf("schedule <= 10 should disable the oracle, got %f", p)
	}
}

func TestGeneratorPointerMixture(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	g := NewGenerator(4, 10, true, rng)
	x := tensor.RandnWithStd(tensor.NewShape(1, 2, 4), 1, rng)
	attn := tensor.RandnWithStd(tensor.NewShape(1, 2, 3), 1, rng)
	src := CopySource{ExtendedIDs: [][]int{{7, 10, 11}}, ExtraOOV: 2}

	lp, err := g.Forward(x, attn, src, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !lp.Shape().Equal(tensor.NewShape(1, 2, 12)) {
		t.Fatalf("expected [1, 2, 12], got %v", lp.Shape())
	}
	for pos := 0; pos < 2; pos++ {
		sum := 0.0
		for i := 0; i < 12; i++ {
			sum += math.Exp(float64(lp.At(0, pos, i)))
		}
		if math.Abs(sum-1) > 1e-5 {
			t.Fatalf("position %d: probabilities sum to %f", pos, sum)
		}
	}

	// With the switch closed the oov slots carry exactly the copy mass.
	g.pGen.Bias().DataPtr()[0] = -60
	for i := range g.pGen.Weight().DataPtr() {
		g.pGen.Weight().DataPtr()[i] = 0
	}
	lp, err = g.Forward(x, attn, src, 1)
	if err != nil {
		t.Fatal(err)
	}
	copyDist := attn.Softmax()
	if got, want := math.Exp(float64(lp.At(0, 0, 10))), float64(copyDist.At(0, 0, 1)); math.Abs(got-want) > 1e-5 {
		t.Fatalf("oov slot probability %f, want %f", got, want)
	}
}

func TestGeneratorWithoutPointer(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	g := NewGenerator(4, 6, false, rng)
	lp, err := g.Forward(tensor.RandnWithStd(tensor.NewShape(2, 1, 4), 1, rng), nil, CopySource{}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !lp.Shape().Equal(tensor.NewShape(2, 1, 6)) {
		t.Fatalf("expected [2, 1, 6], got %v", lp.Shape())
	}
	sum := 0.0
	for i := 0; i < 6; i++ {
		sum += math.Exp(float64(lp.At(1, 0, i)))
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Fatalf("probabilities sum to %f", sum)
	}
}

func TestGeneratorRejectsBadCopySource(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	g := NewGenerator(4, 10, true, rng)
	x := tensor.RandnWithStd(tensor.NewShape(1, 1, 4), 1, rng)
	attn := tensor.New(tensor.NewShape(1, 1, 2))

	if _, err := g.Forward(x, attn, CopySource{ExtendedIDs: [][]int{{3, 12}}, ExtraOOV: 1}, 1); !errors.Is(err, ErrBatch) {
		t.Errorf("id past the oov slots: expected ErrBatch, got %v", err)
	}
	if _, err := g.Forward(x, attn, CopySource{ExtendedIDs: [][]int{{1, 2, 3}}}, 1); !errors.Is(err, ErrShape) {
		t.Errorf("more ids than attention columns: expected ErrShape, got %v", err)
	}
	if _, err := g.Forward(x, nil, CopySource{ExtendedIDs: [][]int{{1}}}, 1); !errors.Is(err, ErrShape) {
		t.Errorf("missing attention: expected ErrShape, got %v", err)
	}
}
