// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

// OneHotCodec is the simplest EncoderDecoder: inputs are one-hot encodings of
// the previous event's class, and every label spans exactly one step.
type OneHotCodec struct {
	// Classes is the number of event classes.
	Classes int

	// NoEventLabel is the class id reserved for "no event".
	NoEventLabel int32
}

// InputSize implements EncoderDecoder.
func (c OneHotCodec) InputSize() int { return c.Classes }

// NumClasses implements EncoderDecoder.
func (c OneHotCodec) NumClasses() int { return c.Classes }

// DefaultEventLabel implements EncoderDecoder.
func (c OneHotCodec) DefaultEventLabel() int32 { return c.NoEventLabel }

// LabelsToNumSteps implements EncoderDecoder: one step per label.
func (c OneHotCodec) LabelsToNumSteps(labels []int32) int { return len(labels) }
