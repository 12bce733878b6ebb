// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/pkg/errors"
)

// Mode selects which graph the assembler builds: training, evaluation or
// generation. It is immutable for the lifetime of one graph build.
type Mode int

const (
	// ModeTrain builds the forward pass plus loss, batch metrics and the
	// optimizer update.
	ModeTrain Mode = iota

	// ModeEval builds the forward pass plus streaming metric updates.
	ModeEval

	// ModeGenerate builds the forward pass plus a temperature-scaled softmax
	// over the class logits, with all recurrence state externally fed.
	ModeGenerate
)

var modeNames = [...]string{"train", "eval", "generate"}

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return "invalid"
	}
	return modeNames[m]
}

// Validate returns an error if m is not one of ModeTrain, ModeEval or
// ModeGenerate.
func (m Mode) Validate() error {
	if m < 0 || int(m) >= len(modeNames) {
		return errors.Errorf("mode must be 'train', 'eval' or 'generate', got Mode(%d)", int(m))
	}
	return nil
}

// ModeFromString parses a mode name. Valid names are "train", "eval" and
// "generate".
func ModeFromString(name string) (Mode, error) {
	for mode, modeName := range modeNames {
		if name == modeName {
			return Mode(mode), nil
		}
	}
	return Mode(-1), errors.Errorf("mode must be 'train', 'eval' or 'generate', got %q", name)
}
