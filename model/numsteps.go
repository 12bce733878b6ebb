// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	. "github.com/gomlx/exceptions"
)

// BatchNumSteps computes the domain-specific number of steps spanned by a
// batch of padded label sequences: the sum over sequences of
// codec.LabelsToNumSteps applied to each sequence's valid prefix.
//
// For some encodings this differs from the total number of valid positions,
// which is why per-step loss normalization cannot use the tensor size. The
// result feeds the "num_steps" input of train and eval graphs.
func BatchNumSteps(codec EncoderDecoder, labels [][]int32, lengths []int32) float32 {
	if len(labels) != len(lengths) {
		Panicf("model.BatchNumSteps: got %d label sequences but %d lengths", len(labels), len(lengths))
	}
	numSteps := 0
	for ii, sequence := range labels {
		length := int(lengths[ii])
		if length < 0 || length > len(sequence) {
			Panicf("model.BatchNumSteps: sequence %d has length %d, must be in [0, %d]",
				ii, length, len(sequence))
		}
		numSteps += codec.LabelsToNumSteps(sequence[:length])
	}
	return float32(numSteps)
}
