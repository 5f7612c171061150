// Package dag implements the concurrent search graph for a
// network-guided MCTS engine: per-path high nodes over shared
// per-position payloads, a lock-free ordered child list, a
// transposition table that collapses convergent move orders onto one
// payload, and incremental reclamation of unreachable subtrees.
//
// Terminology follows the two-layer model:
//   - Edge: a legal move with its policy prior.
//   - Node (high node): one materialized edge instance per parent, with
//     per-path visits, virtual loss and statistics.
//   - LowNode (shared payload): the per-position record all paths to a
//     position share, owning the edges and the child list.
package dag

import (
	"slices"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Position is the contract of the external game-state collaborator:
// board representation, move generation and position hashing live
// behind it. Hash must fold in at most the requested number of trailing
// plies so transpositions within that window collapse.
type Position interface {
	// Reset rebuilds the state from a declared starting position.
	Reset(start string) error
	// Append plays a move on the internal state.
	Append(m Move)
	// Pop undoes the most recent Append.
	Pop()
	// Hash fingerprints the current position with up to @lastPlies of
	// trailing history folded in.
	Hash(lastPlies int) uint64
	// LegalMoves lists the legal moves of the current position.
	LegalMoves() MoveList
	// Result reports the game outcome for the current position, from
	// the perspective of the player who just moved, and whether the
	// game is over at all.
	Result() (GameResult, Terminal, bool)
	// Repetitions counts how many times the current position occurred
	// earlier in the game.
	Repetitions() int
	// Encode produces the network input for the current position. The
	// encoding is opaque to the tree.
	Encode() any
	// Clone returns an independent copy for a searcher goroutine.
	Clone() Position
}

// GCQueue is the deferred-reclamation list of detached payloads.
// Pruned subtrees land here instead of being torn down inline, so a
// late back-propagator never observes a payload disappearing under it;
// the queue is drained between search iterations by a single caller.
type GCQueue struct {
	items []*LowNode
}

func (q *GCQueue) Push(l *LowNode) { q.items = append(q.items, l) }

func (q *GCQueue) pop() *LowNode {
	if len(q.items) == 0 {
		return nil
	}
	l := q.items[0]
	q.items = q.items[1:]
	return l
}

func (q *GCQueue) Len() int { return len(q.items) }

// ReleaseChildren detaches every child of the payload, queueing their
// payloads for collection. Only safe with no searchers active.
func (l *LowNode) ReleaseChildren(gc *GCQueue) {
	l.ReleaseChildrenExceptOne(nil, gc)
}

// ReleaseChildrenExceptOne detaches every child but @save, which becomes
// the sole entry of the child list and keeps its subtree.
func (l *LowNode) ReleaseChildrenExceptOne(save *Node, gc *GCQueue) {
	node := l.child.Swap(nil)
	for node != nil {
		next := node.sibling.Swap(nil)
		if node != save {
			if cl := node.low.Swap(nil); cl != nil {
				cl.RemoveParent()
				gc.Push(cl)
			}
		}
		node = next
	}
	if save != nil {
		l.child.Store(save)
	}
}

// NodeTree owns the game DAG: the root lifecycle, the transposition
// table holding every shared payload, the detached non-TT clones, and
// the GC queue. One NodeTree serves one game.
type NodeTree struct {
	tt    *TranspositionTable
	nonTT []*LowNode
	gc    GCQueue

	// The node search starts from.
	head *Node
	// Root node of the whole game.
	gamebegin *Node

	position Position
	startPos string
	moves    []Move

	// Plies folded into TT and eval-cache hashes.
	hashHistoryLength int

	// Keep proven endgame results when the root advances past them.
	stickyEndgames bool
}

func NewNodeTree(opts *Options, position Position) *NodeTree {
	return &NodeTree{
		tt:                NewTranspositionTable(),
		position:          position,
		hashHistoryLength: opts.CacheHistoryLength + 1,
		stickyEndgames:    opts.StickyEndgames,
	}
}

func (t *NodeTree) CurrentHead() *Node     { return t.head }
func (t *NodeTree) GameBeginNode() *Node   { return t.gamebegin }
func (t *NodeTree) Position() Position     { return t.position }
func (t *NodeTree) Moves() []Move          { return t.moves }
func (t *NodeTree) HashHistoryLength() int { return t.hashHistoryLength }

// HistoryHash fingerprints the current head position for TT and eval
// cache lookups.
func (t *NodeTree) HistoryHash() uint64 {
	return t.position.Hash(t.hashHistoryLength)
}

// TTFind looks up a payload without any lifecycle change.
func (t *NodeTree) TTFind(hash uint64) *LowNode { return t.tt.Find(hash) }

// TTGetOrCreate returns the payload for @hash, creating and inserting an
// empty one when absent. The second result is true exactly once per
// hash lifetime.
func (t *NodeTree) TTGetOrCreate(hash uint64) (*LowNode, bool) {
	return t.tt.GetOrCreate(hash)
}

// TTGetOrCreateFrom seeds a new table payload from @template's edges and
// evaluation when @hash is absent.
func (t *NodeTree) TTGetOrCreateFrom(template *LowNode, hash uint64) (*LowNode, bool) {
	return t.tt.GetOrCreateFrom(template, hash)
}

// NonTTAddClone makes a detached clone of @p, owned outside the table,
// for path-specific modifications (root noise, repetition handling)
// that must not contaminate the shared payload.
func (t *NodeTree) NonTTAddClone(p *LowNode) *LowNode {
	l := cloneLowNode(p, p.hash, false)
	t.nonTT = append(t.nonTT, l)
	return l
}

// TTMaintenance unlinks every unreferenced payload, in the table and
// among the clones, and queues them for collection. Called between
// search iterations; never concurrently with searchers.
func (t *NodeTree) TTMaintenance() {
	evicted := t.tt.collectUnreferenced()
	for _, l := range evicted {
		t.gc.Push(l)
	}
	kept := t.nonTT[:0]
	clones := 0
	for _, l := range t.nonTT {
		if l.NumParents() == 0 {
			t.gc.Push(l)
			clones++
		} else {
			kept = append(kept, l)
		}
	}
	t.nonTT = kept
	if len(evicted)+clones > 0 {
		log.Debug().
			Int("tt", len(evicted)).
			Int("clones", clones).
			Int("queued", t.gc.Len()).
			Msg("tt maintenance unlinked payloads")
	}
}

// TTGCSome releases up to @count queued payloads (0 means all currently
// queued). Releasing a payload detaches its children, so their payloads
// lose a parent and flow into the queue on this or a later pass.
// Returns true while more remain.
func (t *NodeTree) TTGCSome(count int) bool {
	release := t.gc.Len()
	if count > 0 && count < release {
		release = count
	}
	for i := 0; i < release; i++ {
		l := t.gc.pop()
		if l == nil {
			break
		}
		// A queued payload can be re-attached through the table before
		// we get to it; those are spared.
		if l.NumParents() > 0 {
			continue
		}
		if l.IsTT() {
			t.tt.Delete(l.Hash())
			l.clearTT()
		} else {
			t.removeNonTT(l)
		}
		node := l.child.Swap(nil)
		for node != nil {
			next := node.sibling.Swap(nil)
			if cl := node.low.Swap(nil); cl != nil {
				cl.RemoveParent()
				t.gc.Push(cl)
			}
			node = next
		}
	}
	return t.gc.Len() > 0
}

func (t *NodeTree) removeNonTT(l *LowNode) {
	for i, c := range t.nonTT {
		if c == l {
			t.nonTT = slices.Delete(t.nonTT, i, i+1)
			return
		}
	}
}

// TTClear drops the whole table. Safe only once every node referencing
// a table payload has been detached.
func (t *NodeTree) TTClear() {
	t.tt.Clear()
}

// GCQueueLen reports how many payloads await collection.
func (t *NodeTree) GCQueueLen() int { return t.gc.Len() }

// AllocatedNodeCount is the number of live payloads, table-owned plus
// detached clones.
func (t *NodeTree) AllocatedNodeCount() int {
	return t.tt.Len() + len(t.nonTT)
}

// MakeMove advances the root along @m. The matching child is promoted
// to head; every sibling subtree is detached and queued for collection.
// Only safe with no searchers active.
func (t *NodeTree) MakeMove(m Move) {
	var newHead *Node
	if low := t.head.LowNode(); low != nil {
		for it := low.Edges(); it.Next(); {
			if it.Edge().Move() == m {
				newHead = it.GetOrSpawn()
				break
			}
		}
		low.ReleaseChildrenExceptOne(newHead, &t.gc)
	}
	if newHead == nil {
		// The move was never expanded; start a fresh edge instance.
		newHead = NewNode(Edge{move: m}, 0)
	}
	// A repetition draw is scoped to the history that produced it and
	// does not survive the root moving past it. Tablebase results are
	// history-free and stay unless sticky endgames are off.
	if newHead.IsTerminal() &&
		(newHead.IsRepetition() || (!t.stickyEndgames && newHead.IsTbTerminal())) {
		newHead.MakeNotTerminal(false)
	}
	t.head = newHead
	t.moves = append(t.moves, m)
	t.position.Append(m)
}

// TrimTreeAtHead clears statistics at the current head, detaching its
// payload into the GC queue. The subtree stays reachable through the
// table until maintenance evicts it, so the next expansion of the same
// position re-attaches it wholesale.
func (t *NodeTree) TrimTreeAtHead() {
	t.head.Trim(&t.gc)
}

// ResetToPosition points the tree at the game described by @start and
// @moves, reusing the existing DAG when the new game extends the old
// move list. Reports whether reuse succeeded; on false the tree was
// rebuilt from scratch.
func (t *NodeTree) ResetToPosition(start string, moves []Move) (bool, error) {
	reused := t.gamebegin != nil &&
		t.startPos == start &&
		len(moves) >= len(t.moves) &&
		slices.Equal(t.moves, moves[:len(t.moves)])

	if err := t.position.Reset(start); err != nil {
		return false, errors.Wrapf(err, "dag: reset to position %q", start)
	}

	if !reused {
		if t.gamebegin != nil {
			log.Warn().
				Str("start", start).
				Int("moves", len(moves)).
				Msg("position does not extend the previous game, rebuilding tree")
			t.deallocateTree()
		}
		t.gamebegin = NewNode(Edge{move: NullMove}, 0)
		t.head = t.gamebegin
		t.startPos = start
		t.moves = t.moves[:0]
	} else {
		// Replay the shared prefix on the fresh position state.
		for _, m := range t.moves {
			t.position.Append(m)
		}
	}

	for _, m := range moves[len(t.moves):] {
		t.MakeMove(m)
	}
	return reused, nil
}

// deallocateTree detaches the whole game and drains the collector.
func (t *NodeTree) deallocateTree() {
	t.gamebegin.Trim(&t.gc)
	t.TTMaintenance()
	for t.TTGCSome(0) {
		t.TTMaintenance()
	}
	t.TTMaintenance()
	t.TTClear()
	t.nonTT = nil
	t.gamebegin = nil
	t.head = nil
}
