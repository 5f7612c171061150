package dag

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// toyPosition is a minimal Position collaborator: the position is the
// multiset of played moves, so different move orders transpose onto the
// same hash.
type toyPosition struct {
	start string
	moves []Move
}

func (p *toyPosition) Reset(start string) error {
	p.start = start
	p.moves = p.moves[:0]
	return nil
}

func (p *toyPosition) Append(m Move) { p.moves = append(p.moves, m) }

func (p *toyPosition) Pop() { p.moves = p.moves[:len(p.moves)-1] }

func (p *toyPosition) Hash(lastPlies int) uint64 {
	_ = lastPlies
	h := uint64(14695981039346656037)
	for _, c := range []byte(p.start) {
		h = (h ^ uint64(c)) * 1099511628211
	}
	for _, m := range p.moves {
		h += (uint64(m) + 0x9e3779b97f4a7c15) * 0x100000001b3
	}
	return h
}

func (p *toyPosition) LegalMoves() MoveList {
	if len(p.moves) >= 4 {
		return nil
	}
	return MoveList{Move(1), Move(2), Move(3)}
}

func (p *toyPosition) Result() (GameResult, Terminal, bool) {
	if len(p.moves) >= 4 {
		return Draw, EndOfGame, true
	}
	return Draw, NonTerminal, false
}

func (p *toyPosition) Repetitions() int { return 0 }

func (p *toyPosition) Encode() any { return nil }

func (p *toyPosition) Clone() Position {
	c := &toyPosition{start: p.start}
	c.moves = append(c.moves, p.moves...)
	return c
}

func newTestTree(t *testing.T) *NodeTree {
	t.Helper()
	tree := NewNodeTree(DefaultOptions(), &toyPosition{})
	reused, err := tree.ResetToPosition("start", nil)
	require.NoError(t, err)
	require.False(t, reused)
	return tree
}

// installPayload expands @n with a TT payload of @priors edges.
func installPayload(t *testing.T, tree *NodeTree, n *Node, hash uint64, priors ...float32) *LowNode {
	t.Helper()
	moves := make(MoveList, len(priors))
	for i := range priors {
		moves[i] = Move(i + 1)
	}
	edges := EdgesFromMoveList(moves)
	for i, p := range priors {
		edges[i].SetP(p)
	}
	SortEdges(edges)
	l, created := tree.TTGetOrCreate(hash)
	require.True(t, created)
	l.SetNNEval(&NNEval{Edges: edges, Q: 0.1, D: 0.1, M: 5})
	n.SetLowNode(l)
	return l
}

func TestResetToPositionReuse(t *testing.T) {
	tree := NewNodeTree(DefaultOptions(), &toyPosition{})

	reused, err := tree.ResetToPosition("start", []Move{1, 2})
	require.NoError(t, err)
	require.False(t, reused, "nothing to reuse on the first reset")
	require.NotNil(t, tree.CurrentHead())
	require.NotNil(t, tree.GameBeginNode())
	require.Equal(t, []Move{1, 2}, tree.Moves())

	// Same game, one ply deeper: prune forward.
	head := tree.CurrentHead()
	reused, err = tree.ResetToPosition("start", []Move{1, 2, 3})
	require.NoError(t, err)
	require.True(t, reused)
	require.NotSame(t, head, tree.CurrentHead())
	require.Equal(t, []Move{1, 2, 3}, tree.Moves())

	// Shorter than before: discard.
	reused, err = tree.ResetToPosition("start", []Move{1})
	require.NoError(t, err)
	require.False(t, reused)
	require.Equal(t, []Move{1}, tree.Moves())

	// Different start: discard.
	reused, err = tree.ResetToPosition("elsewhere", []Move{1})
	require.NoError(t, err)
	require.False(t, reused)

	// Diverging prefix: discard.
	reused, err = tree.ResetToPosition("elsewhere", []Move{2, 2})
	require.NoError(t, err)
	require.False(t, reused)
}

func TestMakeMoveUnexpandedHead(t *testing.T) {
	tree := newTestTree(t)
	tree.MakeMove(Move(9))

	head := tree.CurrentHead()
	require.NotNil(t, head)
	require.Equal(t, Move(9), head.Move())
	require.Nil(t, head.LowNode())
	require.Equal(t, []Move{9}, tree.Moves())
}

func TestMakeMoveAdvancesRootAndCollects(t *testing.T) {
	tree := newTestTree(t)
	head := tree.CurrentHead()

	const fanout = 20
	priors := make([]float32, fanout)
	for i := range priors {
		priors[i] = 1.0 / fanout
	}
	l := installPayload(t, tree, head, tree.HistoryHash(), priors...)

	// Two levels below the root so collection has something to cascade
	// into: every child payload owns one expanded grandchild.
	for k := 0; k < fanout; k++ {
		c := spawnAt(t, l, k)
		cl, created := tree.TTGetOrCreate(uint64(1000 + k))
		require.True(t, created)
		cl.SetNNEval(&NNEval{Edges: EdgesFromMoveList(MoveList{Move(99)})})
		c.SetLowNode(cl)

		g := spawnAt(t, cl, 0)
		gl, _ := tree.TTGetOrCreate(uint64(2000 + k))
		g.SetLowNode(gl)
	}
	require.Equal(t, 1+2*fanout, tree.AllocatedNodeCount())

	keep := l.EdgeAt(7).Move()
	tree.MakeMove(keep)

	newHead := tree.CurrentHead()
	require.Equal(t, keep, newHead.Move())
	require.EqualValues(t, 7, newHead.Index())
	require.Same(t, newHead, l.Child(), "promoted child is the sole survivor")
	require.Nil(t, newHead.Sibling())
	require.Equal(t, fanout-1, tree.GCQueueLen())

	// First sweep frees the 19 dropped children and uncovers their
	// grandchildren; the second finishes the job.
	require.True(t, tree.TTGCSome(0))
	require.False(t, tree.TTGCSome(0))

	require.Nil(t, tree.TTFind(1003))
	require.Nil(t, tree.TTFind(2003))
	require.NotNil(t, tree.TTFind(1007), "the promoted subtree stays")
	require.NotNil(t, tree.TTFind(2007))
	require.Equal(t, 3, tree.AllocatedNodeCount())
}

func TestTrimTreeAtHead(t *testing.T) {
	tree := newTestTree(t)
	head := tree.CurrentHead()
	hash := tree.HistoryHash()
	l := installPayload(t, tree, head, hash, 0.5, 0.5)

	visit(head, 0.5, 0, 1)
	require.EqualValues(t, 1, head.N())

	tree.TrimTreeAtHead()

	require.Zero(t, head.N())
	require.Zero(t, head.NInFlight())
	require.Nil(t, head.LowNode())
	require.False(t, head.IsTerminal())
	require.Equal(t, 1, tree.GCQueueLen())

	// The subtree stays reachable through the table until maintenance
	// actually evicts it, so re-expansion of the same hash reuses it.
	require.Same(t, l, tree.TTFind(hash))

	tree.TTMaintenance()
	for tree.TTGCSome(0) {
	}
	require.Nil(t, tree.TTFind(hash))
}

func TestMakeMoveRetractsScopedTerminals(t *testing.T) {
	tree := newTestTree(t)
	head := tree.CurrentHead()
	l := installPayload(t, tree, head, tree.HistoryHash(), 0.4, 0.3, 0.3)

	rep := spawnAt(t, l, 0)
	rep.SetRepetition()
	rep.MakeTerminal(Draw, 0, EndOfGame)

	tb := spawnAt(t, l, 1)
	tb.MakeTerminal(Win, 4, Tablebase)

	tree.MakeMove(l.EdgeAt(0).Move())
	require.Same(t, rep, tree.CurrentHead())
	require.False(t, rep.IsTerminal(),
		"a repetition draw is scoped to the history that produced it")

	// Tablebase proofs are history-free and stay under sticky endgames.
	tree2 := newTestTree(t)
	head2 := tree2.CurrentHead()
	l2 := installPayload(t, tree2, head2, tree2.HistoryHash(), 0.6, 0.4)
	tb2 := spawnAt(t, l2, 0)
	tb2.MakeTerminal(Win, 4, Tablebase)
	tree2.MakeMove(l2.EdgeAt(0).Move())
	require.Same(t, tb2, tree2.CurrentHead())
	require.True(t, tb2.IsTerminal())
}

func TestTranspositionSharing(t *testing.T) {
	tree := newTestTree(t)

	// Two distinct high nodes reach the same position hash.
	a := NewNode(Edge{}, 0)
	b := NewNode(Edge{}, 1)

	la, created := tree.TTGetOrCreate(7777)
	require.True(t, created)
	la.SetNNEval(&NNEval{Edges: EdgesFromMoveList(MoveList{Move(1)}), Q: 0.2})
	a.SetLowNode(la)

	lb, created := tree.TTGetOrCreate(7777)
	require.False(t, created)
	require.Same(t, la, lb)
	b.SetLowNode(lb)

	require.Equal(t, 2, la.NumParents())
	require.True(t, la.IsTransposition())

	// Both paths back-propagate; the payload sees every completion while
	// the per-path counters stay independent.
	visit(a, 1, 0, 1)
	visit(a, 1, 0, 1)
	visit(b, -1, 0, 1)

	require.EqualValues(t, 2, a.N())
	require.EqualValues(t, 1, b.N())
	require.EqualValues(t, 3, la.N())
	require.InDelta(t, 1.0/3, la.WL(), 1e-9)
}

func TestNonTTCloneLifecycle(t *testing.T) {
	tree := newTestTree(t)
	head := tree.CurrentHead()
	l := installPayload(t, tree, head, tree.HistoryHash(), 0.6, 0.4)

	clone := tree.NonTTAddClone(l)
	require.False(t, clone.IsTT())
	require.Equal(t, l.Hash(), clone.Hash())
	require.Equal(t, l.NumEdges(), clone.NumEdges())
	require.Zero(t, clone.N())
	require.Equal(t, 2, tree.AllocatedNodeCount())

	// Cloning is not attaching: the template's refcount is untouched.
	require.Equal(t, 1, l.NumParents())
	require.Zero(t, clone.NumParents())

	holder := NewNode(Edge{}, 0)
	holder.SetLowNode(clone)
	tree.TTMaintenance()
	require.Equal(t, 2, tree.AllocatedNodeCount(), "referenced clone survives maintenance")

	holder.UnsetLowNode()
	tree.TTMaintenance()
	for tree.TTGCSome(0) {
	}
	require.Equal(t, 1, tree.AllocatedNodeCount(), "unreferenced clone is collected")
}

func TestZeroNInFlightAfterRandomDescents(t *testing.T) {
	tree := newTestTree(t)
	head := tree.CurrentHead()
	l := installPayload(t, tree, head, tree.HistoryHash(), 0.4, 0.3, 0.2, 0.1)

	const (
		goroutines = 4
		iterations = 1000
	)
	// Plays the searcher's role of serializing finalize calls; the
	// reserve and cancel paths stay lock-free.
	var backpropMu sync.Mutex
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(42 + int64(g)))
			for i := 0; i < iterations; i++ {
				if !head.TryStartScoreUpdate() {
					continue
				}
				k := rng.Intn(4)
				child := func() *Node {
					for it := l.Edges(); it.Next(); {
						if int(it.Index()) == k {
							return it.GetOrSpawn()
						}
					}
					return nil
				}()
				if !child.TryStartScoreUpdate() {
					// Collision: abandon the whole reservation chain.
					head.CancelScoreUpdate(1)
					continue
				}
				if rng.Intn(2) == 0 {
					// Abandon mid-descent, all the way back up.
					child.CancelScoreUpdate(1)
					head.CancelScoreUpdate(1)
					continue
				}
				v := rng.Float64()*2 - 1
				backpropMu.Lock()
				child.FinalizeScoreUpdate(v, 0, 1, v*v, 1, 1)
				head.FinalizeScoreUpdate(-v, 0, 2, v*v, 1, 1)
				backpropMu.Unlock()
			}
		}(g)
	}
	wg.Wait()

	require.True(t, head.ZeroNInFlight(), "no reservation may leak after quiescence")
}
