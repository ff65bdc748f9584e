// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import "github.com/pkg/errors"

// Sentinel errors. Failures are wrapped with context, so compare with
// errors.Is.
var (
	ErrShape  = errors.New("model: shape mismatch")
	ErrConfig = errors.New("model: invalid config")
	ErrGate   = errors.New("model: invalid gate weights")
	ErrBatch  = errors.New("model: invalid batch")
)
