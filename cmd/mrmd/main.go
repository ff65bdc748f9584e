// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Command mrmd builds a dialogue model and generates an empathetic response
// to the given dialogue.
//
//	mrmd -turn "user:i lost my job today" -emotion "sad lonely" -top-k 3
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/mrmd/checkpoint"
	"github.com/fumi-engineer/mrmd/model"
	"github.com/fumi-engineer/mrmd/vocab"
)

type turnList struct {
	turns []model.Turn
}

func (l *turnList) String() string {
	parts := make([]string, len(l.turns))
	for i, t := range l.turns {
		parts[i] = strings.Join(t.Words, " ")
	}
	return strings.Join(parts, " | ")
}

func (l *turnList) Set(v string) error {
	role, text, ok := strings.Cut(v, ":")
	if !ok {
		return errors.Errorf("turn %q: want role:text", v)
	}
	var speaker int
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "user", "usr":
		speaker = vocab.USR
	case "sys", "system":
		speaker = vocab.SYS
	default:
		return errors.Errorf("turn %q: role must be user or sys", v)
	}
	l.turns = append(l.turns, model.Turn{Speaker: speaker, Words: vocab.Tokenize(text)})
	return nil
}

func main() {
	var (
		preset     = flag.String("preset", "tiny", "Model preset: tiny or default")
		emotion    = flag.String("emotion", "", "Emotion context words")
		program    = flag.Int("program", 0, "Emotion program label (used by -oracle)")
		loadPath   = flag.String("load", "", "Checkpoint to load")
		saveDir    = flag.String("save-dir", "", "Directory to save the weights to")
		maxSteps   = flag.Int("max-steps", 20, "Maximum decoding steps")
		topK       = flag.Int("top-k", 0, "Top-k sampling (0 = greedy)")
		sampleSeed = flag.Uint64("sample-seed", 1, "Sampling seed")
		seed       = flag.Int64("seed", 0, "Weight seed (0 = preset default)")

		hop       = flag.Int("hop", 0, "Layers per stack (0 = preset)")
		experts   = flag.Int("experts", -1, "Emotion programs (-1 = preset, 0 = single decoder)")
		gateTopK  = flag.Int("gate-top-k", -1, "Experts kept by the gate (-1 = preset)")
		universal = flag.Bool("universal", false, "Share one layer across each stack")
		act       = flag.Bool("act", false, "Adaptive halting (needs -universal)")
		sigmoid   = flag.Bool("sigmoid-gate", false, "Independent sigmoid gates instead of softmax")
		noBasic   = flag.Bool("no-basic", false, "Disable the basic expert")
		noPointer = flag.Bool("no-pointer", false, "Disable copying from the dialogue")
		noShare   = flag.Bool("no-share", false, "Untie the output projection from the embedding")
		oracle    = flag.Bool("oracle", false, "Gate with -program instead of the learned gate")
	)
	var dialogue turnList
	flag.Var(&dialogue, "turn", "Dialogue turn (user:text or sys:text). Repeatable.")
	flag.Parse()

	if len(dialogue.turns) == 0 {
		fmt.Fprintln(os.Stderr, "missing required -turn")
		flag.Usage()
		os.Exit(2)
	}

	var cfg model.Config
	switch *preset {
	case "tiny":
		cfg = model.Tiny()
	case "default":
		cfg = model.Default()
	default:
		log.Fatalf("unknown preset %q", *preset)
	}
	if *seed != 0 {
		cfg.Seed = *seed
	}
	if *hop > 0 {
		cfg.Hop = *hop
	}
	if *experts >= 0 {
		cfg.Experts = *experts
		if cfg.TopK > cfg.Experts {
			cfg.TopK = cfg.Experts
		}
	}
	if *gateTopK >= 0 {
		cfg.TopK = *gateTopK
	}
	cfg.Universal = cfg.Universal || *universal
	cfg.ACT = cfg.ACT || *act
	if err := checkHalting(cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.Softmax = cfg.Softmax && !*sigmoid
	cfg.BasicLearner = cfg.BasicLearner && !*noBasic
	cfg.PointerGen = cfg.PointerGen && !*noPointer
	cfg.WeightSharing = cfg.WeightSharing && !*noShare
	cfg.Oracle = *oracle

	emo := vocab.Tokenize(*emotion)
	sentences := [][]string{emo}
	for _, t := range dialogue.turns {
		sentences = append(sentences, t.Words)
	}
	v := vocab.Build(sentences)

	m, err := model.New(cfg, v.Len())
	if err != nil {
		log.Fatalf("build model: %v", err)
	}
	log.Printf("model: vocab=%d params=%d experts=%d top-k=%d universal=%v act=%v",
		v.Len(), m.ParamCount(), cfg.Experts, cfg.TopK, cfg.Universal, cfg.ACT)

	if *loadPath != "" {
		st, err := checkpoint.LoadFile(*loadPath, m.Parameters())
		if err != nil {
			log.Fatalf("load checkpoint: %v", err)
		}
		log.Printf("loaded %s (iter %d, loss %.4f)", *loadPath, st.Iter, st.Loss)
	}

	b, err := model.NewBatch(v, []model.Example{{
		Dialogue: dialogue.turns,
		Emotion:  emo,
		Program:  *program,
	}}, cfg.Experts)
	if err != nil {
		log.Fatalf("batch: %v", err)
	}

	e, err := m.Encode(b, cfg.Oracle)
	if err != nil {
		log.Fatalf("encode: %v", err)
	}
	if e.Gate != nil {
		logGate(e.Gate.DataPtr())
	}
	if r, u := m.EncoderHalting(); len(u) > 0 {
		logHalting(r, u)
	}

	var strategy model.SamplingStrategy = model.GreedySampling{}
	if *topK > 0 {
		state := *sampleSeed
		strategy = model.TopKSampling{K: *topK, State: &state}
	}
	out, err := m.Generate(b, e, v, *maxSteps, strategy)
	if err != nil {
		log.Fatalf("decode: %v", err)
	}
	fmt.Println(out[0])

	if *saveDir != "" {
		path, err := checkpoint.SaveFile(*saveDir, checkpoint.State{}, m.Parameters())
		if err != nil {
			log.Fatalf("save checkpoint: %v", err)
		}
		log.Printf("saved %s", path)
	}
}

// checkHalting rejects adaptive halting on a per-layer stack, where it
// would have no effect.
func checkHalting(cfg model.Config) error {
	if cfg.ACT && !cfg.Universal {
		return errors.New("-act needs -universal")
	}
	return nil
}

func logGate(w []float32) {
	idx := make([]int, len(w))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return w[idx[i]] > w[idx[j]] })
	n := len(idx)
	if n > 5 {
		n = 5
	}
	parts := make([]string, n)
	for i, e := range idx[:n] {
		parts[i] = fmt.Sprintf("%d:%.3f", e, w[e])
	}
	log.Printf("gate: %s", strings.Join(parts, " "))
}

func logHalting(remainders []float32, updates []int) {
	var sumR float32
	sumU, maxU := 0, 0
	for i, u := range updates {
		sumR += remainders[i]
		sumU += u
		if u > maxU {
			maxU = u
		}
	}
	n := float32(len(updates))
	log.Printf("act: mean updates %.2f, max %d, mean remainder %.3f", float32(sumU)/n, maxU, sumR/n)
}
