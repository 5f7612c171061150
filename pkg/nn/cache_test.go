package nn

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/pkarczewski/go-dagmcts/pkg/dag"
)

// countingBackend returns a fixed uniform output and counts batches.
type countingBackend struct {
	calls     atomic.Int32
	positions atomic.Int32
	delay     time.Duration
	fail      bool
}

func (b *countingBackend) ComputeBlocking(ctx context.Context, batch []Input) ([]Output, error) {
	b.calls.Add(1)
	b.positions.Add(int32(len(batch)))
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if b.fail {
		return nil, errors.New("backend down")
	}
	outs := make([]Output, len(batch))
	for i, in := range batch {
		policy := make([]float32, 64)
		outs[i] = Output{Q: 0.25, D: 0.5, M: 30, Policy: policy}
		_ = in
	}
	return outs, nil
}

func identityIndex(m dag.Move) int { return int(m) }

func testEval(q float32) *dag.NNEval {
	return &dag.NNEval{Q: q}
}

func TestCacheLRUEviction(t *testing.T) {
	c := NewCache(2)
	c.Insert(1, testEval(0.1))
	c.Insert(2, testEval(0.2))

	// Touch 1 so 2 becomes the eviction victim.
	_, ok := c.Lookup(1)
	require.True(t, ok)

	c.Insert(3, testEval(0.3))
	require.Equal(t, 2, c.Len())

	_, ok = c.Lookup(2)
	require.False(t, ok, "least recently used entry must go first")
	_, ok = c.Lookup(1)
	require.True(t, ok)
	_, ok = c.Lookup(3)
	require.True(t, ok)
}

func TestCacheReinsertRefreshes(t *testing.T) {
	c := NewCache(2)
	c.Insert(1, testEval(0.1))
	c.Insert(1, testEval(0.9))
	require.Equal(t, 1, c.Len())

	eval, ok := c.Lookup(1)
	require.True(t, ok)
	require.EqualValues(t, float32(0.9), eval.Q)
}

func TestCacheClear(t *testing.T) {
	c := NewCache(4)
	c.Insert(1, testEval(0))
	c.Clear()
	require.Zero(t, c.Len())
	_, ok := c.Lookup(1)
	require.False(t, ok)
}

func TestEvaluatorDeduplicatesConcurrentMisses(t *testing.T) {
	backend := &countingBackend{delay: 10 * time.Millisecond}
	e := NewEvaluator(backend, NewCache(16), identityIndex, 1.0)

	in := Input{Hash: 42, Moves: dag.MoveList{1, 2, 3}}
	const goroutines = 16
	evals := make([]*dag.NNEval, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			eval, err := e.Evaluate(context.Background(), in)
			if err == nil {
				evals[i] = eval
			}
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, backend.calls.Load(), "concurrent misses must collapse into one computation")
	for i := 1; i < goroutines; i++ {
		require.Same(t, evals[0], evals[i])
	}

	// Now a pure cache hit.
	eval, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	require.Same(t, evals[0], eval)
	require.EqualValues(t, 1, backend.calls.Load())
}

func TestEvaluatorPropagatesBackendError(t *testing.T) {
	e := NewEvaluator(&countingBackend{fail: true}, NewCache(4), identityIndex, 1.0)
	_, err := e.Evaluate(context.Background(), Input{Hash: 1, Moves: dag.MoveList{1}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "backend down")
}

func TestComputeBlockingSplitsHitsAndMisses(t *testing.T) {
	backend := &countingBackend{}
	e := NewEvaluator(backend, NewCache(16), identityIndex, 1.0)

	warm, err := e.Evaluate(context.Background(), Input{Hash: 5, Moves: dag.MoveList{1}})
	require.NoError(t, err)
	require.EqualValues(t, 1, backend.calls.Load())

	batch := []Input{
		{Hash: 5, Moves: dag.MoveList{1}},
		{Hash: 6, Moves: dag.MoveList{1, 2}},
		{Hash: 7, Moves: dag.MoveList{1, 2, 3}},
	}
	evals, err := e.ComputeBlocking(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, evals, 3)
	require.Same(t, warm, evals[0])
	require.EqualValues(t, 2, backend.calls.Load(), "misses go to the backend in one batch")
	require.EqualValues(t, 3, backend.positions.Load())
	require.Len(t, evals[2].Edges, 3)

	// Everything is cached now.
	_, err = e.ComputeBlocking(context.Background(), batch)
	require.NoError(t, err)
	require.EqualValues(t, 2, backend.calls.Load())
}

func TestBuildEvalSoftmax(t *testing.T) {
	policy := make([]float32, 16)
	policy[3] = 2
	policy[5] = 1
	policy[9] = 0
	out := Output{Q: 0.1, D: 0.2, M: 40, Policy: policy}
	moves := dag.MoveList{3, 5, 9}

	eval := BuildEval(out, moves, identityIndex, 1.0)
	require.Len(t, eval.Edges, 3)

	// Priors normalize to one and come out sorted descending.
	var sum float32
	for _, e := range eval.Edges {
		sum += e.P()
	}
	require.InDelta(t, 1.0, float64(sum), 1e-3)
	require.Equal(t, dag.Move(3), eval.Edges[0].Move())
	require.Equal(t, dag.Move(5), eval.Edges[1].Move())
	require.Equal(t, dag.Move(9), eval.Edges[2].Move())
	require.Greater(t, eval.Edges[0].P(), eval.Edges[1].P())

	// Softmax identity for unit temperature.
	require.InDelta(t, 0.6652, float64(eval.Edges[0].P()), 1e-3)

	// Higher temperature flattens the distribution.
	flat := BuildEval(out, moves, identityIndex, 10.0)
	require.Less(t, flat.Edges[0].P(), eval.Edges[0].P())
	require.Greater(t, flat.Edges[2].P(), eval.Edges[2].P())
}

func TestBuildEvalNoMoves(t *testing.T) {
	eval := BuildEval(Output{Q: -1}, nil, identityIndex, 1.0)
	require.Empty(t, eval.Edges)
	require.EqualValues(t, -1, eval.Q)
}
