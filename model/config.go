// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/pkg/errors"
)

// HParams are the hyperparameters of the self-similarity RNN.
type HParams struct {
	// BatchSize of every graph the assembler builds.
	BatchSize int

	// RNNLayerSizes gives, per layer, the hidden sizes of the LSTM sub-cells
	// composed sequentially within that layer. The last size of each layer is
	// the layer's recurrent output size.
	RNNLayerSizes [][]int

	// EmbeddingSizes gives, per layer, the embedding size used by that
	// layer's self-similarity attention. Must have one entry per layer.
	EmbeddingSizes []int

	// LearningRate of the optimizer.
	LearningRate float64

	// ClipNorm is the maximum global L2 norm of the gradients; <= 0 disables
	// clipping.
	ClipNorm float64
}

// EncoderDecoder describes how event sequences are encoded as model inputs
// and labels. It is provided by the caller; the model never inspects the
// encoding itself.
type EncoderDecoder interface {
	// InputSize is the feature size of the encoded inputs.
	InputSize() int

	// NumClasses is the number of label classes.
	NumClasses() int

	// DefaultEventLabel is the class id reserved for "no event".
	DefaultEventLabel() int32

	// LabelsToNumSteps returns the domain-specific number of steps spanned
	// by the given (unpadded) labels. For some encodings this differs from
	// len(labels).
	LabelsToNumSteps(labels []int32) int
}

// Config bundles the hyperparameters and the encoding used to build a graph.
type Config struct {
	HParams        HParams
	EncoderDecoder EncoderDecoder
}

// Validate checks the configuration is complete and self-consistent.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	hp := c.HParams
	if hp.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", hp.BatchSize)
	}
	if len(hp.RNNLayerSizes) == 0 {
		return errors.New("at least one RNN layer is required")
	}
	if len(hp.EmbeddingSizes) != len(hp.RNNLayerSizes) {
		return errors.Errorf("got %d embedding sizes for %d RNN layers, they must match",
			len(hp.EmbeddingSizes), len(hp.RNNLayerSizes))
	}
	for layer, sizes := range hp.RNNLayerSizes {
		if len(sizes) == 0 {
			return errors.Errorf("layer %d has no sub-cell sizes", layer+1)
		}
		for _, size := range sizes {
			if size <= 0 {
				return errors.Errorf("layer %d has non-positive sub-cell size %d", layer+1, size)
			}
		}
		if hp.EmbeddingSizes[layer] <= 0 {
			return errors.Errorf("layer %d has non-positive embedding size %d",
				layer+1, hp.EmbeddingSizes[layer])
		}
	}
	if c.EncoderDecoder == nil {
		return errors.New("an EncoderDecoder is required")
	}
	if c.EncoderDecoder.InputSize() <= 0 {
		return errors.Errorf("encoder input size must be positive, got %d", c.EncoderDecoder.InputSize())
	}
	numClasses := c.EncoderDecoder.NumClasses()
	if numClasses < 2 {
		return errors.Errorf("need at least 2 classes, got %d", numClasses)
	}
	if noEvent := c.EncoderDecoder.DefaultEventLabel(); noEvent < 0 || int(noEvent) >= numClasses {
		return errors.Errorf("default event label %d out of range [0, %d)", noEvent, numClasses)
	}
	return nil
}

// numLayers is the number of self-similarity RNN layers.
func (c *Config) numLayers() int {
	return len(c.HParams.RNNLayerSizes)
}

// layerOutputSize is the recurrent output size of the given layer: the size
// of its last sub-cell.
func (c *Config) layerOutputSize(layer int) int {
	sizes := c.HParams.RNNLayerSizes[layer]
	return sizes[len(sizes)-1]
}
