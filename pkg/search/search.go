// Package search drives the DAG: multi-goroutine PUCT selection over a
// dag.NodeTree with virtual-loss reservations, expansion through the
// transposition table and the evaluator, and weighted backpropagation.
//
// Move selection at the root, time management and protocol I/O stay
// outside; the package reports best-by-visits only as a diagnostic.
package search

import (
	"context"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/pkarczewski/go-dagmcts/pkg/dag"
	"github.com/pkarczewski/go-dagmcts/pkg/nn"
)

// Main goroutine id, which has some privileges, like calling the listener
// during the search
const mainThreadId = 0

type leafStatus int

const (
	leafFresh leafStatus = iota
	leafTerminal
	leafTerminalShared
	leafCollision
)

type Search struct {
	tree     *dag.NodeTree
	eval     *nn.Evaluator
	opts     *dag.Options
	Limiter  LimiterLike
	listener *StatsListener

	// Selection runs under the read side, backpropagation under the
	// write side, so the per-path float aggregates have one writer at a
	// time while selectors stream past them.
	nodesMu sync.RWMutex

	visits     atomic.Uint32
	collisions atomic.Int32
	maxdepth   atomic.Int32
	vps        atomic.Uint32

	// Semaphore bounding concurrently active searchers, nil when uncapped.
	gate chan struct{}
}

func New(tree *dag.NodeTree, evaluator *nn.Evaluator, opts *dag.Options) *Search {
	s := &Search{
		tree:     tree,
		eval:     evaluator,
		opts:     opts,
		Limiter:  NewLimiter(),
		listener: &StatsListener{nCycles: 1},
	}
	return s
}

func (s *Search) SetLimits(limits *Limits) {
	s.Limiter.SetLimits(limits)
}

// Adds custom context to the limiter, enabling cancellation through it
func (s *Search) SetContext(ctx context.Context) {
	s.Limiter.SetContext(ctx)
}

// Stop the search
func (s *Search) Stop() {
	s.Limiter.SetStop(true)
}

func (s *Search) StatsListener() *StatsListener {
	return s.listener
}

func (s *Search) SetListener(listener StatsListener) {
	*s.listener = listener
}

// Total number of completed playouts this search
func (s *Search) Visits() uint32 {
	return s.visits.Load()
}

// Visits per second, updated while searching
func (s *Search) Vps() uint32 {
	return s.vps.Load()
}

// The number of times a goroutine selected a node that another one was
// already expanding, forcing it to back off
func (s *Search) CollisionCount() int32 {
	return s.collisions.Load()
}

// Maximum selection depth reached during the search
func (s *Search) MaxDepth() int {
	return int(s.maxdepth.Load())
}

func (s *Search) StopReason() StopReason {
	return s.Limiter.StopReason()
}

// BestChild returns the most visited child of the head, or nil before
// any playout completed. Diagnostic only; move choice is out of scope.
func (s *Search) BestChild() *dag.Node {
	var best *dag.Node
	var bestN uint32
	for it := s.tree.CurrentHead().VisitedNodes(); it.Next(); {
		if n := it.Node().N(); n > bestN {
			bestN = n
			best = it.Node()
		}
	}
	return best
}

func (s *Search) stats() ListenerStats {
	st := ListenerStats{
		Maxdepth:   s.MaxDepth(),
		Visits:     s.visits.Load(),
		TimeMs:     int(s.Limiter.Elapsed()),
		Vps:        s.vps.Load(),
		Payloads:   s.tree.AllocatedNodeCount(),
		StopReason: s.Limiter.StopReason(),
	}
	// The read side keeps a concurrent backprop from updating the best
	// child's aggregates mid-read.
	s.nodesMu.RLock()
	if best := s.BestChild(); best != nil {
		st.BestMove = best.Move()
		st.Eval = best.WL()
	}
	s.nodesMu.RUnlock()
	return st
}

func (s *Search) invokeListener(f ListenerFunc) {
	if f != nil {
		f(s.stats())
	}
}

func (s *Search) setupSearch() {
	s.visits.Store(0)
	s.collisions.Store(0)
	s.maxdepth.Store(0)
	s.vps.Store(0)
	if s.opts.MaxConcurrentSearchers > 0 {
		s.gate = make(chan struct{}, s.opts.MaxConcurrentSearchers)
	} else {
		s.gate = nil
	}
}

// Run searches until a limit trips or @ctx is cancelled. Safe to call
// again after it returns; the tree keeps accumulating.
func (s *Search) Run(ctx context.Context) error {
	head := s.tree.CurrentHead()
	if head == nil {
		return errors.New("search: tree has no head, call ResetToPosition first")
	}

	s.setupSearch()
	g, gctx := errgroup.WithContext(ctx)
	s.Limiter.SetContext(gctx)
	s.Limiter.Reset()

	// A head already proven by the endgame tables needs no search.
	if s.opts.SyzygyFastPlay && head.IsTbTerminal() {
		s.Limiter.SetStop(true)
	}

	threads := max(1, s.Limiter.Limits().NThreads)
	log.Debug().Int("threads", threads).Msg("search started")

	for id := 0; id < threads; id++ {
		id := id
		g.Go(func() error { return s.worker(gctx, id) })
	}
	err := g.Wait()

	// Wait cancels gctx; judge the stop reason against the caller's
	// context so a normal finish does not read as an interrupt.
	s.Limiter.SetContext(ctx)
	s.Limiter.EvaluateStopReason(uint32(s.MaxDepth()), s.visits.Load())
	s.Limiter.SetStop(true)
	s.invokeListener(s.listener.onStop)

	// Spread reclamation between iterations, never during them.
	s.tree.TTMaintenance()
	s.tree.TTGCSome(0)
	log.Debug().
		Uint32("visits", s.visits.Load()).
		Int32("collisions", s.collisions.Load()).
		Str("reason", s.Limiter.StopReason().String()).
		Msg("search stopped")
	return err
}

func (s *Search) worker(ctx context.Context, id int) error {
	pos := s.tree.Position().Clone()
	head := s.tree.CurrentHead()
	backoff := 0

	for s.Limiter.Ok(uint32(s.MaxDepth()), s.visits.Load()) {
		// Too many reservations piled up at the head: let them resolve.
		if head.NInFlight() > s.allowedInFlight() {
			runtime.Gosched()
			continue
		}
		if s.gate != nil {
			s.gate <- struct{}{}
		}
		ok, err := s.playout(ctx, pos, id)
		if s.gate != nil {
			<-s.gate
		}
		if err != nil {
			return err
		}
		if !ok {
			backoff++
			if backoff >= s.opts.MaxCollisionEvents {
				backoff = 0
				runtime.Gosched()
			}
			continue
		}
		backoff = 0
	}
	return nil
}

// allowedInFlight scales the tolerated reservation pile-up at the head
// with search size, between the configured start and end.
func (s *Search) allowedInFlight() uint32 {
	o := s.opts
	visits := s.visits.Load()
	if visits <= uint32(o.MaxCollisionVisitsScalingStart) {
		return 1
	}
	frac := min(1.0, float64(visits)/float64(o.MaxCollisionVisitsScalingEnd))
	allowed := 1 + math.Pow(frac, o.MaxCollisionVisitsScalingPower)*float64(o.MaxCollisionVisits-1)
	return uint32(allowed)
}

// playout runs one full visit: selection with virtual loss, expansion,
// backpropagation. Returns false on a collision (nothing was completed,
// all reservations released).
func (s *Search) playout(ctx context.Context, pos dag.Position, id int) (bool, error) {
	path := make([]*dag.Node, 0, 64)

	s.nodesMu.RLock()
	node, status, appended := s.descend(pos, &path)
	s.nodesMu.RUnlock()

	defer func() {
		for i := 0; i < appended; i++ {
			pos.Pop()
		}
	}()

	if status == leafCollision {
		s.cancelPath(path)
		s.collisions.Add(1)
		return false, nil
	}

	// A stop can land mid-descent; release everything rather than leak
	// reservations into the quiescent tree.
	if s.Limiter.Stop() {
		s.cancelPath(path)
		return false, nil
	}

	var v, d, m float64
	if status == leafFresh {
		var err error
		v, d, m, err = s.expand(ctx, node, pos)
		if err != nil {
			// Resource exhaustion or evaluator failure: retreat, leaving
			// the tree as if this descent never happened.
			s.cancelPath(path)
			return false, err
		}
	}

	s.backprop(path, node, status, v, d, m)
	s.visits.Add(1)
	s.vps.Store(s.visits.Load() * 1000 / s.Limiter.Elapsed())

	if depth := int32(len(path) - 1); depth > s.maxdepth.Load() {
		s.maxdepth.Store(depth)
		if id == mainThreadId {
			s.invokeListener(s.listener.onDepth)
		}
	}
	if id == mainThreadId && s.listener.onCycle != nil &&
		s.visits.Load()%uint32(s.listener.nCycles) == 0 {
		s.invokeListener(s.listener.onCycle)
	}
	return true, nil
}

// descend walks from the head to a leaf, reserving every node on the
// way. Returns the leaf, its status, and how many moves were appended
// to @pos.
func (s *Search) descend(pos dag.Position, path *[]*dag.Node) (*dag.Node, leafStatus, int) {
	node := s.tree.CurrentHead()
	appended := 0

	for {
		if !node.TryStartScoreUpdate() {
			// Another goroutine is materializing this node's payload.
			return node, leafCollision, appended
		}
		*path = append(*path, node)

		if node.IsTerminal() {
			return node, leafTerminal, appended
		}
		low := node.LowNode()
		if low == nil {
			// Ours to expand: the successful 0->1 reservation above makes
			// us the only expander.
			return node, leafFresh, appended
		}
		if low.IsTerminal() {
			// The shared payload was proven through another path.
			return node, leafTerminalShared, appended
		}

		best := s.selectChild(low)
		node = best.GetOrSpawn()
		pos.Append(node.Move())
		appended++
	}
}

// selectChild picks the edge maximizing the PUCT score among @low's
// edges and returns the iterator parked on it.
func (s *Search) selectChild(low *dag.LowNode) dag.EdgeIterator {
	// First-play urgency: an untried edge scores as the parent payload
	// seen from the side to move.
	fpu := -low.WL()
	numerator := s.opts.CPuct * math.Sqrt(float64(max(low.N(), 1)))

	var best dag.EdgeIterator
	bestScore := math.Inf(-1)
	for it := low.Edges(); it.Next(); {
		q := fpu
		started := uint32(0)
		if child := it.Node(); child != nil {
			started = child.NStarted()
			if child.N() > 0 {
				q = child.Q(0)
			}
		}
		u := numerator * float64(it.Edge().P()) / float64(1+started)
		if score := q + u; score > bestScore {
			bestScore = score
			best = it
		}
	}
	return best
}

// expand materializes the payload for a freshly reserved leaf: terminal
// detection, evaluation (through the cache), transposition-table
// get-or-create, and publication on the node. Returns the leaf values
// to back up.
func (s *Search) expand(ctx context.Context, node *dag.Node, pos dag.Position) (float64, float64, float64, error) {
	hash := pos.Hash(s.tree.HashHistoryLength())

	if result, typ, over := pos.Result(); over {
		l, created := s.tree.TTGetOrCreate(hash)
		if created {
			l.MakeTerminal(result, 0, typ)
		}
		node.SetLowNode(l)
		node.MakeTerminal(result, 0, typ)
		return node.WL(), node.D(), float64(node.M()), nil
	}

	if s.opts.TwoFoldDraws && pos.Repetitions() > 0 {
		// A repetition draw depends on the path that produced it, so it
		// stays on this edge instance and never touches shared state.
		node.SetRepetition()
		node.MakeTerminal(dag.Draw, 0, dag.EndOfGame)
		return node.WL(), node.D(), float64(node.M()), nil
	}

	moves := pos.LegalMoves()
	eval, err := s.eval.Evaluate(ctx, nn.Input{Hash: hash, Moves: moves, Data: pos.Encode()})
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "search: expand leaf")
	}

	l, created := s.tree.TTGetOrCreate(hash)
	if created {
		l.SetNNEval(eval)
	} else {
		// Lost the creation race: wait out the winner's eval install.
		for !l.IsTerminal() && l.NumEdges() == 0 {
			runtime.Gosched()
		}
	}
	node.SetLowNode(l)

	// A hit may already carry statistics from convergent paths; back up
	// the payload's current view rather than the raw eval.
	return l.WL(), l.D(), float64(l.M()), nil
}

// backprop walks the reserved path root-ward, folding the leaf values
// into both layers at each step. Value flips sign each ply; the draw
// probability does not. Terminal leaf values are read here, under the
// exclusive lock, so they cannot tear against a concurrent finalize.
func (s *Search) backprop(path []*dag.Node, leaf *dag.Node, status leafStatus, v, d, m float64) {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	switch status {
	case leafTerminal:
		v, d, m = leaf.WL(), leaf.D(), float64(leaf.M())
	case leafTerminalShared:
		low := leaf.LowNode()
		v, d, m = low.WL(), low.D(), float64(low.M())
		if b := low.Bounds(); b.Exact() && !leaf.IsTerminal() {
			leaf.MakeTerminal(b.Lower, low.M(), low.TerminalType())
		}
	}
	vs := v * v
	for i := len(path) - 1; i >= 0; i-- {
		n := path[i]
		n.FinalizeScoreUpdate(v, d, m, vs, 1, 1)
		if low := n.LowNode(); low != nil {
			low.FinalizeScoreUpdate(v, d, m, vs, 1, 1)
		}
		if i+1 < len(path) {
			tightenBounds(n, path[i+1])
		}
		v = -v
		m++
	}
}

// tightenBounds propagates a proven guarantee one ply up: whatever the
// side to move can force through @child caps what the mover into the
// position can still hope for. Repetition results are scoped to their
// path and must not leak into shared bounds.
func tightenBounds(n *dag.Node, child *dag.Node) {
	if child.IsRepetition() {
		return
	}
	cb := child.Bounds()
	if cb.Lower == dag.Loss {
		return
	}
	upper := cb.Lower.Flip()
	if nb := n.Bounds(); upper < nb.Upper {
		lower := nb.Lower
		if lower > upper {
			lower = upper
		}
		n.SetBounds(lower, upper)
	}
	// The guarantee comes from the position itself (the child hangs off
	// the payload's edge list), so the shared payload tightens too.
	low := n.LowNode()
	if low == nil {
		return
	}
	if lb := low.Bounds(); upper < lb.Upper {
		lower := lb.Lower
		if lower > upper {
			lower = upper
		}
		low.SetBounds(lower, upper)
	}
}

// cancelPath releases every reservation taken during a descent that
// completed nothing.
func (s *Search) cancelPath(path []*dag.Node) {
	for _, n := range path {
		n.CancelScoreUpdate(1)
		if low := n.LowNode(); low != nil {
			low.CancelScoreUpdate(1)
		}
	}
}
