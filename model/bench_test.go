// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

// Benchmark harness for the dialogue model.
//
// Axes:
//   1. memory   - allocation rate and GC behaviour of a full forward pass
//   2. halting  - cost of the adaptive halting loop as max hop grows
//   3. dispatch - sparse single-example routing vs dense expert mixing
//   4. parallel - goroutine scaling with independent models + WaitGroup
//
// Output: JSON to stdout when MRMD_BENCH_JSON is set. Each scenario records
// median wall time, allocated bytes, GC pauses and NaN/Inf counts.

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/fumi-engineer/mrmd/layer"
	"github.com/fumi-engineer/mrmd/tensor"
)

const (
	benchSeed    = 42
	benchNTrials = 5
	benchNWarmup = 1
)

type benchScenario struct {
	ID         string         `json:"id"`
	Axis       string         `json:"axis"`
	Params     map[string]any `json:"params"`
	MedianNS   int64          `json:"median_ns"`
	AllocBytes uint64         `json:"alloc_bytes"`
	GCPauses   int64          `json:"gc_pause_count"`
	NaNCount   int            `json:"nan_count"`
	InfCount   int            `json:"inf_count"`
}

type benchResult struct {
	GoVersion string          `json:"go_version"`
	OS        string          `json:"os"`
	Timestamp string          `json:"timestamp"`
	Scenarios []benchScenario `json:"scenarios"`
}

func countNaNInf(data []float32) (nanCount, infCount int) {
	for _, v := range data {
		switch {
		case math.IsNaN(float64(v)):
			nanCount++
		case math.IsInf(float64(v), 0):
			infCount++
		}
	}
	return
}

// runTrials executes warmup and timed trials. Memory and GC stats cover the
// timed trials only.
func runTrials(id, axis string, params map[string]any, run func() []float32) benchScenario {
	for i := 0; i < benchNWarmup; i++ {
		run()
	}

	runtime.GC()
	var memBefore runtime.MemStats
	runtime.ReadMemStats(&memBefore)
	var gcBefore debug.GCStats
	debug.ReadGCStats(&gcBefore)

	timings := make([]int64, benchNTrials)
	var last []float32
	for i := range timings {
		start := time.Now()
		last = run()
		timings[i] = time.Since(start).Nanoseconds()
	}

	var memAfter runtime.MemStats
	runtime.ReadMemStats(&memAfter)
	var gcAfter debug.GCStats
	debug.ReadGCStats(&gcAfter)

	sort.Slice(timings, func(i, j int) bool { return timings[i] < timings[j] })
	s := benchScenario{
		ID:         id,
		Axis:       axis,
		Params:     params,
		MedianNS:   timings[len(timings)/2],
		AllocBytes: (memAfter.TotalAlloc - memBefore.TotalAlloc) / benchNTrials,
		GCPauses:   gcAfter.NumGC - gcBefore.NumGC,
	}
	s.NaNCount, s.InfCount = countNaNInf(last)
	return s
}

func TestBench(t *testing.T) {
	if testing.Short() {
		t.Skip("benchmark harness skipped in short mode")
	}
	v := testVocab()
	cfg := Tiny()
	newModel := func(c Config) *Model {
		m, err := New(c, v.Len())
		if err != nil {
			t.Fatal(err)
		}
		return m
	}
	b, err := NewBatch(v, testExamples(), cfg.Experts)
	if err != nil {
		t.Fatal(err)
	}

	result := benchResult{
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	// Axis 1: memory
	{
		m := newModel(cfg)
		result.Scenarios = append(result.Scenarios, runTrials("mem_forward", "memory",
			map[string]any{"batch": b.Size(), "hidden_dim": cfg.HiddenDim},
			func() []float32 {
				out, err := m.Forward(b, false)
				if err != nil {
					t.Fatal(err)
				}
				return out.LogProbs.DataPtr()
			}))
	}

	// Axis 2: halting
	for _, hop := range []int{1, 2, 4} {
		a, in := actFixture(benchSeed, 2, 16, hop)
		result.Scenarios = append(result.Scenarios, runTrials(fmt.Sprintf("act_hop%d", hop), "halting",
			map[string]any{"max_hop": hop, "seq_len": 16},
			func() []float32 {
				res, err := a.Run(in)
				if err != nil {
					t.Fatal(err)
				}
				return res.Output.DataPtr()
			}))
	}

	// Axis 3: dispatch
	for _, topK := range []int{0, 2} {
		c := mixtureConfig(true, topK)
		d := NewMulDecoder(c, rand.New(rand.NewSource(benchSeed)))
		in := newMixtureInputs(benchSeed, c, 1)
		gate := gateOf(1, 0.6, 0.4, 0, 0)
		result.Scenarios = append(result.Scenarios, runTrials(fmt.Sprintf("mixture_topk%d", topK), "dispatch",
			map[string]any{"experts": c.Experts, "top_k": topK},
			func() []float32 {
				y, _, err := d.Forward(in.inputs, in.enc, in.srcMask, nil, gate)
				if err != nil {
					t.Fatal(err)
				}
				return y.DataPtr()
			}))
	}

	// Axis 4: parallel. Each goroutine owns its model.
	for _, n := range []int{1, 2, 4} {
		models := make([]*Model, n)
		for i := range models {
			models[i] = newModel(cfg)
		}
		result.Scenarios = append(result.Scenarios, runTrials(fmt.Sprintf("parallel_T%d", n), "parallel",
			map[string]any{"thread_count": n},
			func() []float32 {
				var wg sync.WaitGroup
				wg.Add(n)
				for _, m := range models {
					m := m
					go func() {
						defer wg.Done()
						_, _ = m.Forward(b, false)
					}()
				}
				wg.Wait()
				return nil
			}))
	}

	for _, s := range result.Scenarios {
		if s.NaNCount > 0 || s.InfCount > 0 {
			t.Errorf("%s: %d NaN, %d Inf in output", s.ID, s.NaNCount, s.InfCount)
		}
	}
	if os.Getenv("MRMD_BENCH_JSON") != "" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			t.Fatal(err)
		}
	}
}

// --- standard go test -bench benchmarks ---

func BenchmarkACT(b *testing.B) {
	a, in := actFixture(benchSeed, 2, 16, 4)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := a.Run(in); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkMulDecoder(b *testing.B) {
	cfg := mixtureConfig(true, 0)
	d := NewMulDecoder(cfg, rand.New(rand.NewSource(benchSeed)))
	in := newMixtureInputs(benchSeed, cfg, 2)
	gate := gateOf(2, 0.25, 0.25, 0.25, 0.25, 0.25, 0.25, 0.25, 0.25)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := d.Forward(in.inputs, in.enc, in.srcMask, nil, gate); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkAttention(b *testing.B) {
	rng := rand.New(rand.NewSource(benchSeed))
	attn := layer.NewMultiHeadAttention(64, 64, 64, 4, rng)
	x := tensor.RandnWithStd(tensor.NewShape(2, 32, 64), 1, rng)
	mask := layer.NewMask(2, 1, 32)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		attn.Forward(x, x, mask)
	}
}
