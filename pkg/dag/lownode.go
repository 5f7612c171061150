package dag

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// NNEval is the original network evaluation of a position: the edge array
// with post-processed priors and the value/draw/moves-left/uncertainty
// heads. It is installed into a payload once and never mutated after.
type NNEval struct {
	Edges []Edge
	Q     float32 // value head, [-1, 1]
	D     float32 // draw head, [0, 1]
	M     float32 // moves-left head, >= 0
	E     float32 // uncertainty head, >= 0
}

// LowNode is the shared per-position payload: one per unique position
// hash, referenced non-owningly by every high node whose edge leads to
// the position. It owns the edge array and the head of the child list,
// and aggregates statistics over all incoming paths.
//
// The numeric aggregates, the parent count and the terminal state are
// guarded by the per-payload mutex; the child list head is a lone atomic
// word so spawning never takes the lock.
type LowNode struct {
	// Weighted means over every completed visit through this payload.
	// wl is from the perspective of the player who just moved into the
	// position; d is orientation-invariant.
	wl     float64
	d      float64
	vs     float64
	weight float64

	// Position fingerprint, identity in the transposition table.
	hash uint64

	// Edges sorted by prior, descending. Set once by expansion.
	edges []Edge

	// Head of the child list of high nodes, strictly ascending by index.
	child atomic.Pointer[Node]

	mu sync.Mutex

	// Completed visits.
	n uint32

	m float32
	// Original eval from the network, never mutated after SetNNEval.
	v float32
	e float32

	// High nodes currently pointing here.
	numParents uint16

	terminalType Terminal
	lower, upper GameResult

	// Sticky: set once numParents has ever exceeded 1.
	isTransposition bool
	// Whether the transposition table currently owns this payload.
	isTT bool
}

// NewLowNode makes an empty payload for the transposition table.
func NewLowNode(hash uint64) *LowNode {
	return &LowNode{
		hash:         hash,
		terminalType: NonTerminal,
		lower:        Loss,
		upper:        Win,
		isTT:         true,
	}
}

// cloneLowNode copies @p's edges and original evaluation under @hash, with
// fresh statistics, children and terminal state. Used both for TT inserts
// that reuse an existing evaluation and for detached non-TT clones.
func cloneLowNode(p *LowNode, hash uint64, isTT bool) *LowNode {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := &LowNode{
		wl:           p.wl,
		d:            p.d,
		vs:           p.vs,
		hash:         hash,
		m:            p.m,
		v:            p.v,
		e:            p.e,
		terminalType: NonTerminal,
		lower:        Loss,
		upper:        Win,
		isTT:         isTT,
	}
	l.edges = make([]Edge, len(p.edges))
	copy(l.edges, p.edges)
	return l
}

// SetNNEval installs the original evaluation. Calling it on a payload
// that already has edges, visits or children is a contract violation.
func (l *LowNode) SetNNEval(eval *NNEval) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.edges != nil || l.n != 0 || l.child.Load() != nil {
		panic("dag: SetNNEval on an already expanded payload")
	}
	if len(eval.Edges) > MaxEdges {
		panic(fmt.Sprintf("dag: %d edges exceed the %d edge limit", len(eval.Edges), MaxEdges))
	}
	// The eval may be shared through the evaluation cache, keep our own
	// copy of the edges so per-payload prior changes stay local.
	l.edges = make([]Edge, len(eval.Edges))
	copy(l.edges, eval.Edges)
	l.wl = float64(eval.Q)
	l.v = eval.Q
	l.d = float64(eval.D)
	l.e = eval.E
	l.m = eval.M
	l.vs = l.wl * l.wl
}

func (l *LowNode) Hash() uint64 { return l.hash }

// HasChildren reports whether the position has any legal continuation.
func (l *LowNode) HasChildren() bool { return len(l.edges) > 0 }

func (l *LowNode) NumEdges() int { return len(l.edges) }

// EdgeAt returns the edge at @i for reading or prior write-back.
func (l *LowNode) EdgeAt(i int) *Edge { return &l.edges[i] }

// Child returns the first high node in the child list, or nil.
func (l *LowNode) Child() *Node { return l.child.Load() }

func (l *LowNode) childPtr() *atomic.Pointer[Node] { return &l.child }

// SortEdges orders the edge array by prior. Only legal before any child
// has been spawned; afterwards child indexes would dangle.
func (l *LowNode) SortEdges() {
	if l.child.Load() != nil {
		panic("dag: SortEdges with live children")
	}
	SortEdges(l.edges)
}

func (l *LowNode) N() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// ChildrenVisits is the number of completed visits that went past this
// payload into a child.
func (l *LowNode) ChildrenVisits() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n == 0 {
		return 0
	}
	return l.n - 1
}

func (l *LowNode) WL() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wl
}

func (l *LowNode) D() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.d
}

func (l *LowNode) M() float32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m
}

func (l *LowNode) VS() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.vs
}

func (l *LowNode) Weight() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.weight
}

// V is the original value head for the position.
func (l *LowNode) V() float32 { return l.v }

// E is the original uncertainty head for the position.
func (l *LowNode) E() float32 { return l.e }

func (l *LowNode) IsTerminal() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.terminalType != NonTerminal
}

func (l *LowNode) TerminalType() Terminal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.terminalType
}

func (l *LowNode) Bounds() Bounds {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Bounds{Lower: l.lower, Upper: l.upper}
}

// MakeTerminal fixes the payload to a known outcome. No child may be
// spawned afterwards; statistics become the terminal eval.
func (l *LowNode) MakeTerminal(result GameResult, pliesLeft float32, typ Terminal) {
	if typ == NonTerminal {
		panic("dag: MakeTerminal with NonTerminal type")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.terminalType = typ
	l.lower = result
	l.upper = result
	l.wl = result.Value()
	if result == Draw {
		l.d = 1
	} else {
		l.d = 0
	}
	l.m = pliesLeft
	l.vs = l.wl * l.wl
}

// MakeNotTerminal retracts a terminal marking and recomputes the
// aggregates from the visited children plus one seed visit of the
// payload's own original eval. @seed is the high node that incited the
// retraction; the recomputation walks the payload's own child list and
// does not read @seed.
func (l *LowNode) MakeNotTerminal(seed *Node) {
	l.mu.Lock()
	l.terminalType = NonTerminal
	l.lower = Loss
	l.upper = Win
	v := float64(l.v)
	l.mu.Unlock()

	// One visit of the original eval seeds the aggregation. The draw and
	// moves-left heads of that visit are no longer known; they contribute
	// zero, as in a fresh extension.
	n := uint32(1)
	weight := 1.0
	wl := v
	d := 0.0
	m := 0.0
	vs := v * v

	for it := newVisitedIterator(l); it.Next(); {
		child := it.Node()
		cw := child.Weight()
		cn := child.N()
		n += cn
		weight += cw
		// Children are one ply deeper: value flips, draw does not.
		wl += -child.WL() * cw
		d += child.D() * cw
		m += (float64(child.M()) + 1) * cw
		vs += child.VS() * cw
	}
	_ = seed

	l.mu.Lock()
	l.n = n
	l.weight = weight
	l.wl = wl / weight
	l.d = d / weight
	l.m = float32(m / weight)
	l.vs = vs / weight
	l.mu.Unlock()
}

// SetBounds tightens the proven-outcome bracket.
func (l *LowNode) SetBounds(lower, upper GameResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lower = lower
	l.upper = upper
}

// FinalizeScoreUpdate folds a completed visit into the aggregates. The
// weighted-mean identity holds under any interleaving of concurrent
// finalize calls; each increment lands exactly once.
func (l *LowNode) FinalizeScoreUpdate(v, d, m, vs float64, multivisit uint32, multiweight float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.weight + multiweight
	l.wl += (v - l.wl) * multiweight / w
	l.d += (d - l.d) * multiweight / w
	l.m += float32((m - float64(l.m)) * multiweight / w)
	l.vs += (vs - l.vs) * multiweight / w
	l.weight = w
	l.n += multivisit
}

// AdjustForTerminal replays the finalize update to correct visits that
// were already counted, without changing the visit count. A zero
// multiweight is a no-op.
func (l *LowNode) AdjustForTerminal(v, d, m, vs float64, multivisit uint32, multiweight float64) {
	if multiweight == 0 {
		return
	}
	_ = multivisit
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.weight + multiweight
	l.wl += (v - l.wl) * multiweight / w
	l.d += (d - l.d) * multiweight / w
	l.m += float32((m - float64(l.m)) * multiweight / w)
	l.vs += (vs - l.vs) * multiweight / w
	l.weight = w
}

// CancelScoreUpdate releases an abandoned reservation. Reservations are
// tracked on the incoming edges, not here, so the payload side only
// exists to keep the cancel path symmetric with finalize.
func (l *LowNode) CancelScoreUpdate(multivisit uint32) {
	_ = multivisit
}

// AddParent records a new high node pointing here. The transposition
// flag is sticky once a second parent has ever attached.
func (l *LowNode) AddParent() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.numParents++
	if l.numParents > 1 {
		l.isTransposition = true
	}
}

// RemoveParent drops one incoming reference.
func (l *LowNode) RemoveParent() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.numParents == 0 {
		panic("dag: RemoveParent on an unreferenced payload")
	}
	l.numParents--
}

func (l *LowNode) NumParents() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.numParents)
}

func (l *LowNode) IsTransposition() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isTransposition
}

func (l *LowNode) IsTT() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isTT
}

// clearTT marks the payload as detached from the table, on eviction.
func (l *LowNode) clearTT() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isTT = false
}

// WLDMInvariantsHold verifies the aggregate ranges on this payload.
func (l *LowNode) WLDMInvariantsHold() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wl >= -1.0001 && l.wl <= 1.0001 &&
		l.d >= 0 && l.d <= 1.0001 &&
		l.m >= 0
}
