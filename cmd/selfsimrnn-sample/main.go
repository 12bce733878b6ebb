// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// selfsimrnn-sample builds a generate-mode self-similarity RNN graph and
// samples a short event sequence from it, feeding targets history and
// recurrent state back across invocations. The model is randomly initialized,
// so the samples are noise -- the program demonstrates the incremental
// sampling wiring, one event per graph execution.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"

	"github.com/gomlx/selfsimrnn/model"
	"github.com/gomlx/selfsimrnn/rnn"
)

var (
	flagNumEvents   = flag.Int("num_events", 32, "Number of events to sample.")
	flagNumClasses  = flag.Int("num_classes", 16, "Number of event classes.")
	flagCellSizes   = flag.String("cell_sizes", "64", "Comma-separated LSTM sub-cell sizes of the single layer.")
	flagEmbedding   = flag.Int("embedding_size", 32, "Self-similarity embedding size.")
	flagTemperature = flag.Float64("temperature", 1.0, "Sampling temperature: <1 sharpens, >1 flattens.")
	flagSeed        = flag.Int64("seed", 0, "Sampling seed, 0 picks one at random.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cellSizes := must.M1(parseCellSizes(*flagCellSizes))
	cfg := &model.Config{
		HParams: model.HParams{
			BatchSize:      1,
			RNNLayerSizes:  [][]int{cellSizes},
			EmbeddingSizes: []int{*flagEmbedding},
			LearningRate:   0.001,
			ClipNorm:       3.0,
		},
		EncoderDecoder: model.OneHotCodec{Classes: *flagNumClasses},
	}
	m := must.M1(model.Build(model.ModeGenerate, cfg))

	backend := must.M1(backends.New())
	ctx := context.New()

	var outs *model.Outputs
	exec := context.NewExec(backend, ctx.Checked(false), func(ctx *context.Context, feeds []*Node) []*Node {
		pastTargets := []*Node{feeds[2]}
		initialStates := []rnn.State{rnn.UnflattenState(feeds[3:])}
		outs = m.GenerateGraph(ctx, feeds[0], feeds[1], pastTargets, initialStates)
		return outs.Nodes()
	})
	appendExec := NewExec(backend, func(history []*Node) *Node {
		return Concatenate(history, 1)
	})

	seed := *flagSeed
	if seed == 0 {
		seed = rand.Int63()
	}
	rng := rand.New(rand.NewSource(seed))
	klog.V(1).Infof("sampling %d events with seed %d", *flagNumEvents, seed)

	numClasses := *flagNumClasses
	layerSize := cellSizes[len(cellSizes)-1]
	temperature := float32(*flagTemperature)

	// Zero history and state for the first step; every later step feeds back
	// the previous step's targets and final state.
	history := any(tensors.FromShape(shapes.Make(dtypes.Float32, 1, 0, layerSize)))
	state := make([]any, 0, 2*len(cellSizes))
	for _, stateShape := range rnn.StateShapes(dtypes.Float32, 1, cellSizes) {
		state = append(state, tensors.FromShape(stateShape))
	}
	event := int32(cfg.EncoderDecoder.DefaultEventLabel())

	events := make([]int32, 0, *flagNumEvents)
	for range *flagNumEvents {
		feeds := append([]any{oneHot(event, numClasses), temperature, history}, state...)
		results := exec.Call(feeds...)

		softmax := tensors.CopyFlatData[float32](results[outs.Indices("softmax")[0]])
		event = sample(rng, softmax)
		events = append(events, event)

		history = appendExec.Call(history, results[outs.Indices("targets")[0]])[0]
		state = state[:0]
		for _, idx := range outs.Indices("final_state") {
			state = append(state, results[idx])
		}
	}

	numParams := countParams(ctx)
	fmt.Printf("model: %s parameters, layer %v, embedding %d\n",
		humanize.Comma(numParams), cellSizes, *flagEmbedding)
	fmt.Printf("sampled events: %v\n", events)
}

// oneHot encodes one event as a [1, 1, numClasses] input batch.
func oneHot(event int32, numClasses int) [][][]float32 {
	encoded := make([]float32, numClasses)
	encoded[event] = 1
	return [][][]float32{{encoded}}
}

// sample draws a class from the distribution.
func sample(rng *rand.Rand, distribution []float32) int32 {
	r := rng.Float32()
	acc := float32(0)
	for class, p := range distribution {
		acc += p
		if r < acc {
			return int32(class)
		}
	}
	return int32(len(distribution) - 1)
}

func countParams(ctx *context.Context) int64 {
	var total int64
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable {
			total += int64(v.Shape().Size())
		}
	})
	return total
}

func parseCellSizes(spec string) ([]int, error) {
	parts := strings.Split(spec, ",")
	sizes := make([]int, 0, len(parts))
	for _, part := range parts {
		var size int
		if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d", &size); err != nil || size <= 0 {
			return nil, fmt.Errorf("invalid cell size %q in -cell_sizes", part)
		}
		sizes = append(sizes, size)
	}
	return sizes, nil
}
