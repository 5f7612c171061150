package dag

import "sync/atomic"

// EdgeIterator walks a payload's edge array in stored order, pairing each
// edge with the high node materialized for it, if any. It is
// single-consumer but tolerates concurrent spawns on the same child
// list: nodes are only ever inserted, never reordered or removed while
// iterating.
type EdgeIterator struct {
	parent *LowNode

	// Cursor into the child list: the atomic slot where a node with the
	// current index would hang (the list head or a predecessor's sibling).
	cursor *atomic.Pointer[Node]

	node  *Node
	idx   int
	count int
}

func newEdgeIterator(parent *LowNode) EdgeIterator {
	it := EdgeIterator{parent: parent, idx: -1}
	if parent != nil {
		it.cursor = parent.childPtr()
		it.count = parent.NumEdges()
	}
	return it
}

// Edges iterates this node's payload edges. An unexpanded node yields
// nothing.
func (n *Node) Edges() EdgeIterator { return newEdgeIterator(n.low.Load()) }

// Edges iterates the payload's edge array directly.
func (l *LowNode) Edges() EdgeIterator { return newEdgeIterator(l) }

// Next advances to the following edge. Returns false past the last one.
func (it *EdgeIterator) Next() bool {
	it.idx++
	if it.parent == nil || it.idx >= it.count {
		it.node = nil
		return false
	}
	it.actualize()
	return true
}

// Edge returns the current edge of the parent payload.
func (it *EdgeIterator) Edge() *Edge { return it.parent.EdgeAt(it.idx) }

// Index returns the current ordinal in the edge array.
func (it *EdgeIterator) Index() uint16 { return uint16(it.idx) }

// Node returns the high node for the current edge, or nil if none has
// been spawned yet.
func (it *EdgeIterator) Node() *Node { return it.node }

// actualize advances the cursor as close as possible to the current
// index and resolves the node at it, if present. Returns the raw slot
// content for use by the insert CAS.
func (it *EdgeIterator) actualize() *Node {
	// Other threads may spawn between the cursor and its target while we
	// are not looking, hence the walk rather than a single hop.
	node := it.cursor.Load()
	for node != nil && int(node.index) < it.idx {
		it.cursor = node.siblingPtr()
		node = it.cursor.Load()
	}
	if node != nil && int(node.index) == it.idx {
		it.node = node
		it.cursor = node.siblingPtr()
	} else {
		it.node = nil
	}
	return node
}

// GetOrSpawn returns the high node for the current edge, materializing
// it in index order if no thread has yet. After the call the iterator's
// node slot is never nil.
//
// Losing an insert race either finds the node we wanted (another thread
// spawned the same index) or moves the cursor forward past a smaller
// freshly-inserted index; both retry cheaply, and the discarded
// candidate node is simply dropped.
func (it *EdgeIterator) GetOrSpawn() *Node {
	if it.node != nil {
		return it.node
	}
	fresh := NewNode(*it.parent.EdgeAt(it.idx), uint16(it.idx))
	for {
		node := it.actualize()
		if it.node != nil {
			return it.node
		}
		// Hang the successor seen by actualize off the candidate, then
		// publish it with a single CAS on the predecessor slot.
		fresh.sibling.Store(node)
		if it.cursor.CompareAndSwap(node, fresh) {
			break
		}
		fresh.sibling.Store(nil)
	}
	it.actualize()
	return it.node
}

// VisitedIterator yields the high nodes with completed visits, in index
// order. Edges are sorted by prior and spawned in order, so the first
// node with neither visits nor reservations ends the walk early.
type VisitedIterator struct {
	next *Node
	node *Node
}

func newVisitedIterator(l *LowNode) VisitedIterator {
	if l == nil {
		return VisitedIterator{}
	}
	return VisitedIterator{next: l.Child()}
}

// VisitedNodes iterates the visited children behind this node's payload.
func (n *Node) VisitedNodes() VisitedIterator { return newVisitedIterator(n.low.Load()) }

// VisitedNodes iterates the payload's visited children.
func (l *LowNode) VisitedNodes() VisitedIterator { return newVisitedIterator(l) }

func (it *VisitedIterator) Next() bool {
	cand := it.next
	for cand != nil {
		if cand.N() > 0 {
			it.node = cand
			it.next = cand.Sibling()
			return true
		}
		if cand.NInFlight() == 0 {
			// End of the sorted visited prefix.
			break
		}
		cand = cand.Sibling()
	}
	it.node = nil
	it.next = nil
	return false
}

// Node returns the current visited high node.
func (it *VisitedIterator) Node() *Node { return it.node }
