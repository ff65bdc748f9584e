// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

import (
	"math"
	"math/rand"
	"testing"
)

func TestMatmul2D(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3, 4, 5, 6}, NewShape(2, 3))
	b := FromSlice([]float32{7, 8, 9, 10, 11, 12}, NewShape(3, 2))
	c := Matmul(a, b)
	if !c.Shape().Equal(NewShape(2, 2)) {
		t.Fatalf("expected shape [2, 2], got %v", c.Shape())
	}
	want := []float32{58, 64, 139, 154}
	for i, w := range want {
		if c.DataPtr()[i] != w {
			t.Fatalf("index %d: expected %f, got %f", i, w, c.DataPtr()[i])
		}
	}
}

func TestMatmulBatched(t *testing.T) {
	a := FromSlice([]float32{1, 0, 0, 1, 2, 0, 0, 2}, NewShape(2, 2, 2))
	b := FromSlice([]float32{1, 2, 3, 4, 1, 2, 3, 4}, NewShape(2, 2, 2))
	c := Matmul(a, b)
	want := []float32{1, 2, 3, 4, 2, 4, 6, 8}
	for i, w := range want {
		if c.DataPtr()[i] != w {
			t.Fatalf("index %d: expected %f, got %f", i, w, c.DataPtr()[i])
		}
	}
}

// A @ B^T must equal A @ transpose(B) computed by hand.
func TestMatmulTransposedB(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := RandnWithStd(NewShape(3, 4), 1, rng)
	b := RandnWithStd(NewShape(5, 4), 1, rng)
	c := MatmulTransposedB(a, b)
	for i := 0; i < 3; i++ {
		for j := 0; j < 5; j++ {
			want := float32(0)
			for k := 0; k < 4; k++ {
				want += a.At(i, k) * b.At(j, k)
			}
			if d := math.Abs(float64(c.At(i, j) - want)); d > 1e-5 {
				t.Fatalf("(%d,%d): expected %f, got %f", i, j, want, c.At(i, j))
			}
		}
	}
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	x := FromSlice([]float32{1, 2, 3, NegInf, 0, 0}, NewShape(2, 3))
	p := x.Softmax()
	row0 := p.DataPtr()[:3]
	row1 := p.DataPtr()[3:]
	sum0 := row0[0] + row0[1] + row0[2]
	sum1 := row1[0] + row1[1] + row1[2]
	if math.Abs(float64(sum0-1)) > 1e-6 || math.Abs(float64(sum1-1)) > 1e-6 {
		t.Fatalf("expected rows to sum to 1, got %f and %f", sum0, sum1)
	}
	if row1[0] != 0 {
		t.Fatalf("masked logit should get zero probability, got %f", row1[0])
	}
}

func TestConcat(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3, 4}, NewShape(2, 1, 2))
	b := FromSlice([]float32{5, 6, 7, 8, 9, 10, 11, 12}, NewShape(2, 2, 2))
	c := Concat(a, b)
	if !c.Shape().Equal(NewShape(2, 3, 2)) {
		t.Fatalf("expected shape [2, 3, 2], got %v", c.Shape())
	}
	want := []float32{1, 2, 5, 6, 7, 8, 3, 4, 9, 10, 11, 12}
	for i, w := range want {
		if c.DataPtr()[i] != w {
			t.Fatalf("index %d: expected %f, got %f", i, w, c.DataPtr()[i])
		}
	}
}

func TestReshapeSharesData(t *testing.T) {
	x := Zeros(NewShape(2, 3))
	y := x.Reshape(NewShape(3, 2))
	y.Set(7, 2, 1)
	if x.At(1, 2) != 7 {
		t.Fatalf("reshape should share storage, got %f", x.At(1, 2))
	}
}

func TestRowView(t *testing.T) {
	x := FromSlice([]float32{1, 2, 3, 4, 5, 6, 7, 8}, NewShape(2, 2, 2))
	row := x.Row(1, 0)
	if row[0] != 5 || row[1] != 6 {
		t.Fatalf("expected [5 6], got %v", row)
	}
}

func TestShapeMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on shape mismatch")
		}
	}()
	Zeros(NewShape(2)).Add(Zeros(NewShape(3)))
}
