// Package nn holds the contract of the neural-network evaluator the
// search tree collaborates with, the hash-keyed evaluation cache, and
// the policy post-processing that turns raw network outputs into edge
// priors.
//
// The network itself and the position encoding are external; this
// package only moves their results into the shapes pkg/dag consumes.
package nn

import (
	"context"
	"math"

	"github.com/pkarczewski/go-dagmcts/pkg/dag"
)

// Input is one position submitted for evaluation.
type Input struct {
	// Position fingerprint, the cache key. Must match the hash the tree
	// uses for the transposition table.
	Hash uint64
	// Legal moves of the position, in move-generation order.
	Moves dag.MoveList
	// Encoded position, opaque here; produced by Position.Encode.
	Data any
}

// Output is the raw network result for one position.
type Output struct {
	Q float32 // value head, [-1, 1]
	D float32 // draw head, [0, 1]
	M float32 // moves-left head, >= 0
	E float32 // uncertainty head, >= 0
	// Raw policy logits indexed by canonical move index.
	Policy []float32
}

// Backend is the real network. ComputeBlocking is synchronous for the
// caller but must not serialize independent callers.
type Backend interface {
	ComputeBlocking(ctx context.Context, batch []Input) ([]Output, error)
}

// PolicyIndexer maps a move onto its canonical policy index under the
// orientation transform. External, like move generation.
type PolicyIndexer func(m dag.Move) int

// BuildEval post-processes one raw output into the evaluation a payload
// stores: logits of the legal moves are shifted by their maximum,
// divided by the softmax temperature, exponentiated and normalized into
// priors, which are written into a fresh edge array sorted by prior
// descending.
func BuildEval(out Output, moves dag.MoveList, index PolicyIndexer, softmaxTemp float64) *dag.NNEval {
	edges := dag.EdgesFromMoveList(moves)
	if len(moves) > 0 {
		logits := make([]float64, len(moves))
		maxLogit := math.Inf(-1)
		for i, m := range moves {
			logits[i] = float64(out.Policy[index(m)])
			if logits[i] > maxLogit {
				maxLogit = logits[i]
			}
		}
		total := 0.0
		for i := range logits {
			logits[i] = math.Exp((logits[i] - maxLogit) / softmaxTemp)
			total += logits[i]
		}
		for i := range edges {
			edges[i].SetP(float32(logits[i] / total))
		}
		dag.SortEdges(edges)
	}
	return &dag.NNEval{
		Edges: edges,
		Q:     out.Q,
		D:     out.D,
		M:     out.M,
		E:     out.E,
	}
}
