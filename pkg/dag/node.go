package dag

import (
	"math"
	"sync/atomic"
)

// Node is a per-path edge instance: one per (parent payload, edge index)
// pair that some search path has materialized. It carries the per-path
// visit accounting and a non-owning reference to the shared payload of
// the position the edge leads to.
//
// Writers of the per-path float aggregates must be serialized by the
// caller (the searcher holds its tree lock exclusively during backprop);
// n, nInFlight and the payload pointer are atomic so selection can read
// them concurrently without any lock.
type Node struct {
	wl     float64
	d      float64
	vs     float64
	weight float64

	low     atomic.Pointer[LowNode]
	sibling atomic.Pointer[Node]

	m         float32
	n         atomic.Uint32
	nInFlight atomic.Uint32

	// Local copy of the parent's edge, so per-path prior changes (root
	// noise) can diverge from the shared edge array.
	edge Edge

	// Position in the parent payload's edge array.
	index uint16

	terminalType Terminal
	lower, upper GameResult

	// The edge was handled as a repetition at some point.
	repetition bool
}

// NewNode makes a high node for @edge at @index in its parent's edges.
func NewNode(edge Edge, index uint16) *Node {
	return &Node{
		edge:         edge,
		index:        index,
		terminalType: NonTerminal,
		lower:        Loss,
		upper:        Win,
	}
}

func (n *Node) Move() Move        { return n.edge.move }
func (n *Node) P() float32        { return n.edge.P() }
func (n *Node) SetP(p float32)    { n.edge.SetP(p) }
func (n *Node) Index() uint16     { return n.index }
func (n *Node) Sibling() *Node    { return n.sibling.Load() }
func (n *Node) LowNode() *LowNode { return n.low.Load() }

func (n *Node) siblingPtr() *atomic.Pointer[Node] { return &n.sibling }

// SetLowNode attaches the shared payload. Installing a second payload is
// a contract violation; expansion races are resolved before this call.
func (n *Node) SetLowNode(l *LowNode) {
	if !n.low.CompareAndSwap(nil, l) {
		panic("dag: SetLowNode on a node that already has a payload")
	}
	l.AddParent()
}

// UnsetLowNode detaches the payload, dropping our parent reference.
func (n *Node) UnsetLowNode() {
	if l := n.low.Swap(nil); l != nil {
		l.RemoveParent()
	}
}

// HasChildren reports whether the position behind this edge has any
// legal continuation (requires the node to be expanded).
func (n *Node) HasChildren() bool {
	l := n.low.Load()
	return l != nil && l.HasChildren()
}

func (n *Node) NumEdges() int {
	if l := n.low.Load(); l != nil {
		return l.NumEdges()
	}
	return 0
}

func (n *Node) Hash() uint64 {
	if l := n.low.Load(); l != nil {
		return l.Hash()
	}
	return 0
}

func (n *Node) IsTT() bool {
	l := n.low.Load()
	return l != nil && l.IsTT()
}

func (n *Node) N() uint32         { return n.n.Load() }
func (n *Node) NInFlight() uint32 { return n.nInFlight.Load() }

// NStarted counts completed plus reserved visits; the selection formula
// divides by it so in-flight descents repel each other.
func (n *Node) NStarted() uint32 { return n.n.Load() + n.nInFlight.Load() }

func (n *Node) WL() float64     { return n.wl }
func (n *Node) D() float64      { return n.d }
func (n *Node) M() float32      { return n.m }
func (n *Node) VS() float64     { return n.vs }
func (n *Node) Weight() float64 { return n.weight }

// WeightStarted estimates the weight including reservations, each
// in-flight visit counted at unit weight.
func (n *Node) WeightStarted() float64 {
	return n.weight + float64(n.nInFlight.Load())
}

// Q folds the draw score into the value estimate.
func (n *Node) Q(drawScore float64) float64 { return n.wl + drawScore*n.d }

func (n *Node) IsTerminal() bool   { return n.terminalType != NonTerminal }
func (n *Node) IsTbTerminal() bool { return n.terminalType == Tablebase }

func (n *Node) TerminalType() Terminal { return n.terminalType }

func (n *Node) Bounds() Bounds { return Bounds{Lower: n.lower, Upper: n.upper} }

func (n *Node) SetRepetition()     { n.repetition = true }
func (n *Node) IsRepetition() bool { return n.repetition }

// VisitedPolicy sums the priors of the children that have completed
// visits.
func (n *Node) VisitedPolicy() float32 {
	var sum float32
	for it := n.VisitedNodes(); it.Next(); {
		sum += it.Node().P()
	}
	return sum
}

// TryStartScoreUpdate reserves one visit by incrementing the virtual
// loss. It fails only when the node is being expanded by another thread,
// which is exactly the n == 0, nInFlight == 1 state; the caller must
// back off and re-enter selection. The CAS gives the caller acquire
// ordering on the expander's payload publication.
func (n *Node) TryStartScoreUpdate() bool {
	if n.n.Load() == 0 {
		return n.nInFlight.CompareAndSwap(0, 1)
	}
	n.nInFlight.Add(1)
	return true
}

// IncrementNInFlight amplifies a reservation by @multivisit, for
// collision batching and repeated terminal visits.
func (n *Node) IncrementNInFlight(multivisit uint32) {
	n.nInFlight.Add(multivisit)
}

// CancelScoreUpdate abandons a reservation without touching statistics.
func (n *Node) CancelScoreUpdate(multivisit uint32) {
	if n.nInFlight.Load() < multivisit {
		panic("dag: CancelScoreUpdate underflows the in-flight count")
	}
	n.nInFlight.Add(^uint32(multivisit - 1))
}

// FinalizeScoreUpdate resolves a reservation with the leaf evaluation,
// folding it into the weighted means and converting the in-flight
// visits into completed ones.
func (n *Node) FinalizeScoreUpdate(v, d, m, vs float64, multivisit uint32, multiweight float64) {
	w := n.weight + multiweight
	n.wl += (v - n.wl) * multiweight / w
	n.d += (d - n.d) * multiweight / w
	n.m += float32((m - float64(n.m)) * multiweight / w)
	n.vs += (vs - n.vs) * multiweight / w
	n.weight = w
	n.n.Add(multivisit)
	if n.nInFlight.Load() < multivisit {
		panic("dag: FinalizeScoreUpdate underflows the in-flight count")
	}
	n.nInFlight.Add(^uint32(multivisit - 1))
}

// AdjustForTerminal replays the finalize update with a correcting delta
// for visits that were already counted. Does not change n or the
// in-flight count; a zero multiweight is a no-op.
func (n *Node) AdjustForTerminal(v, d, m, vs float64, multivisit uint32, multiweight float64) {
	if multiweight == 0 {
		return
	}
	_ = multivisit
	w := n.weight + multiweight
	n.wl += (v - n.wl) * multiweight / w
	n.d += (d - n.d) * multiweight / w
	n.m += float32((m - float64(n.m)) * multiweight / w)
	n.vs += (vs - n.vs) * multiweight / w
	n.weight = w
}

// MakeTerminal fixes this edge instance to a known outcome.
func (n *Node) MakeTerminal(result GameResult, pliesLeft float32, typ Terminal) {
	if typ == NonTerminal {
		panic("dag: MakeTerminal with NonTerminal type")
	}
	n.terminalType = typ
	n.lower = result
	n.upper = result
	n.wl = result.Value()
	if result == Draw {
		n.d = 1
	} else {
		n.d = 0
	}
	n.m = pliesLeft
	n.vs = n.wl * n.wl
}

// MakeNotTerminal retracts a terminal marking, widening the bounds and
// recomputing the aggregates from the payload's visited children plus
// one seed visit of the payload's original eval. With @alsoLowNode the
// payload is retracted and recomputed first.
func (n *Node) MakeNotTerminal(alsoLowNode bool) {
	n.terminalType = NonTerminal
	n.lower = Loss
	n.upper = Win

	l := n.low.Load()
	if l == nil {
		n.n.Store(0)
		n.wl = 0
		n.d = 0
		n.m = 0
		n.vs = 0
		n.weight = 0
		return
	}
	if alsoLowNode {
		l.MakeNotTerminal(n)
	}

	visits := uint32(1)
	weight := 1.0
	wl := float64(l.V())
	d := 0.0
	m := 0.0
	vs := wl * wl
	for it := newVisitedIterator(l); it.Next(); {
		child := it.Node()
		cw := child.Weight()
		visits += child.N()
		weight += cw
		wl += -child.WL() * cw
		d += child.D() * cw
		m += (float64(child.M()) + 1) * cw
		vs += child.VS() * cw
	}
	n.n.Store(visits)
	n.weight = weight
	n.wl = wl / weight
	n.d = d / weight
	n.m = float32(m / weight)
	n.vs = vs / weight
}

// SetBounds tightens the proven-outcome bracket on this edge instance.
func (n *Node) SetBounds(lower, upper GameResult) {
	n.lower = lower
	n.upper = upper
}

// Trim resets everything except the sibling link, edge and index,
// detaching the payload into the GC queue. Used when the tree head is
// reset between searches.
func (n *Node) Trim(gc *GCQueue) {
	if l := n.low.Swap(nil); l != nil {
		l.RemoveParent()
		gc.Push(l)
	}
	n.n.Store(0)
	n.nInFlight.Store(0)
	n.wl = 0
	n.d = 0
	n.m = 0
	n.vs = 0
	n.weight = 0
	n.terminalType = NonTerminal
	n.lower = Loss
	n.upper = Win
	n.repetition = false
}

// WLDMInvariantsHold verifies the aggregate ranges on this node.
func (n *Node) WLDMInvariantsHold() bool {
	return n.wl >= -1.0001 && n.wl <= 1.0001 &&
		n.d >= 0 && n.d <= 1.0001 &&
		n.m >= 0 && !math.IsNaN(n.wl)
}
