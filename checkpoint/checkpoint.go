// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package checkpoint stores model parameters in a little-endian binary file.
//
// Layout:
//
//	magic   [4]byte  "MRMD"
//	version uint32
//	iter    uint64
//	loss    float64
//	count   uint32
//	count x { rank uint32, dims rank x uint32, data numel x float32 }
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/mrmd/tensor"
)

const (
	magic   = "MRMD"
	Version = 1
)

var (
	ErrInvalidMagic = errors.New("invalid checkpoint magic")
	ErrVersion      = errors.New("unsupported checkpoint version")
	ErrMismatch     = errors.New("checkpoint does not match model")
)

// State is the training progress stored next to the weights.
type State struct {
	Iter int
	Loss float64
}

// FileName returns the conventional checkpoint name for a state.
func FileName(iter int, loss float64) string {
	return fmt.Sprintf("MRMD_%d_%.4f", iter, loss)
}

// Save writes st and params to w.
func Save(w io.Writer, st State, params []*tensor.Tensor) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(magic); err != nil {
		return errors.Wrap(err, "write magic")
	}
	header := []any{uint32(Version), uint64(st.Iter), st.Loss, uint32(len(params))}
	for _, v := range header {
		if err := binary.Write(bw, binary.LittleEndian, v); err != nil {
			return errors.Wrap(err, "write header")
		}
	}
	for i, p := range params {
		dims := p.Shape().DimsRef()
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(dims))); err != nil {
			return errors.Wrapf(err, "write tensor %d rank", i)
		}
		for _, d := range dims {
			if err := binary.Write(bw, binary.LittleEndian, uint32(d)); err != nil {
				return errors.Wrapf(err, "write tensor %d dims", i)
			}
		}
		if err := binary.Write(bw, binary.LittleEndian, p.DataPtr()); err != nil {
			return errors.Wrapf(err, "write tensor %d data", i)
		}
	}
	return errors.Wrap(bw.Flush(), "flush checkpoint")
}

// Load reads a checkpoint from r into params. Every stored tensor must match
// the shape of the parameter at the same position; params are only written
// once the whole file has been read and verified.
func Load(r io.Reader, params []*tensor.Tensor) (State, error) {
	br := bufio.NewReader(r)
	var m [4]byte
	if _, err := io.ReadFull(br, m[:]); err != nil {
		return State{}, errors.Wrap(err, "read magic")
	}
	if string(m[:]) != magic {
		return State{}, ErrInvalidMagic
	}

	var (
		version uint32
		iter    uint64
		loss    float64
		count   uint32
	)
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return State{}, errors.Wrap(err, "read version")
	}
	if version != Version {
		return State{}, errors.Wrapf(ErrVersion, "version %d", version)
	}
	for _, v := range []any{&iter, &loss, &count} {
		if err := binary.Read(br, binary.LittleEndian, v); err != nil {
			return State{}, errors.Wrap(err, "read header")
		}
	}
	if int(count) != len(params) {
		return State{}, errors.Wrapf(ErrMismatch, "%d tensors stored, model has %d", count, len(params))
	}

	data := make([][]float32, len(params))
	for i, p := range params {
		shape, err := readShape(br)
		if err != nil {
			return State{}, errors.Wrapf(err, "tensor %d", i)
		}
		if !shape.Equal(p.Shape()) {
			return State{}, errors.Wrapf(ErrMismatch, "tensor %d stored as %v, model has %v", i, shape, p.Shape())
		}
		data[i] = make([]float32, shape.Numel())
		if err := binary.Read(br, binary.LittleEndian, data[i]); err != nil {
			return State{}, errors.Wrapf(err, "read tensor %d data", i)
		}
	}
	for i, p := range params {
		copy(p.DataPtr(), data[i])
	}
	return State{Iter: int(iter), Loss: loss}, nil
}

func readShape(r io.Reader) (tensor.Shape, error) {
	var rank uint32
	if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
		return tensor.Shape{}, errors.Wrap(err, "read rank")
	}
	if rank == 0 || rank > 8 {
		return tensor.Shape{}, errors.Wrapf(ErrMismatch, "rank %d", rank)
	}
	raw := make([]uint32, rank)
	if err := binary.Read(r, binary.LittleEndian, raw); err != nil {
		return tensor.Shape{}, errors.Wrap(err, "read dims")
	}
	dims := make([]int, rank)
	for i, d := range raw {
		dims[i] = int(d)
	}
	return tensor.NewShape(dims...), nil
}

// SaveFile writes a checkpoint named FileName(st.Iter, st.Loss) into dir,
// creating dir when needed, and returns its path.
func SaveFile(dir string, st State, params []*tensor.Tensor) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create checkpoint dir")
	}
	path := filepath.Join(dir, FileName(st.Iter, st.Loss))
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "create checkpoint")
	}
	if err := Save(f, st, params); err != nil {
		f.Close()
		return "", err
	}
	return path, errors.Wrap(f.Close(), "close checkpoint")
}

// LoadFile reads the checkpoint at path into params.
func LoadFile(path string, params []*tensor.Tensor) (State, error) {
	f, err := os.Open(path)
	if err != nil {
		return State{}, errors.Wrap(err, "open checkpoint")
	}
	defer f.Close()
	return Load(f, params)
}
