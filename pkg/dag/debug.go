package dag

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// DebugString is the one-line dump of a payload.
func (l *LowNode) DebugString() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprintf(
		"LowNode{hash=%016x n=%d wl=%.4f d=%.4f m=%.1f vs=%.4f w=%.2f v=%.4f e=%.4f parents=%d edges=%d %s bounds=(%s,%s) tt=%v transposition=%v}",
		l.hash, l.n, l.wl, l.d, l.m, l.vs, l.weight, l.v, l.e,
		l.numParents, len(l.edges), l.terminalType, l.lower, l.upper,
		l.isTT, l.isTransposition)
}

// DebugString is the one-line dump of a high node.
func (n *Node) DebugString() string {
	return fmt.Sprintf(
		"Node{%v idx=%d n=%d inflight=%d wl=%.4f d=%.4f m=%.1f vs=%.4f w=%.2f p=%.4f %s bounds=(%s,%s) rep=%v low=%v}",
		n.edge.move, n.index, n.n.Load(), n.nInFlight.Load(),
		n.wl, n.d, n.m, n.vs, n.weight, n.edge.P(),
		n.terminalType, n.lower, n.upper, n.repetition, n.low.Load() != nil)
}

func (l *LowNode) dotID() string { return fmt.Sprintf("l%016x", l.hash) }

// DotNodeString renders the payload as a Graphviz node.
func (l *LowNode) DotNodeString() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	shape := "ellipse"
	if l.terminalType != NonTerminal {
		shape = "doublecircle"
	}
	return fmt.Sprintf("  %s [shape=%s label=\"%016x\\nn=%d wl=%.3f d=%.3f m=%.1f\\nparents=%d\"];",
		l.dotID(), shape, l.hash, l.n, l.wl, l.d, l.m, l.numParents)
}

// DotEdgeString renders the edge from @parent's payload to this node's
// payload (or to a dangling point when unexpanded).
func (n *Node) DotEdgeString(parent *LowNode) string {
	from := "root"
	if parent != nil {
		from = parent.dotID()
	}
	to := fmt.Sprintf("dangling_%s_%d", from, n.index)
	if l := n.low.Load(); l != nil {
		to = l.dotID()
	}
	return fmt.Sprintf("  %s -> %s [label=\"%v\\nn=%d p=%.3f\"];", from, to, n.edge.move, n.n.Load(), n.edge.P())
}

// DotGraphString dumps the subgraph below this node in Graphviz dot
// format, for visual debugging. Not safe against concurrent structural
// changes.
func (n *Node) DotGraphString() string {
	var b strings.Builder
	b.WriteString("digraph search {\n")
	b.WriteString("  root [shape=box];\n")
	b.WriteString(n.DotEdgeString(nil) + "\n")

	seen := map[*LowNode]bool{}
	queue := []*LowNode{}
	if l := n.low.Load(); l != nil {
		seen[l] = true
		queue = append(queue, l)
	}
	for len(queue) > 0 {
		l := queue[0]
		queue = queue[1:]
		b.WriteString(l.DotNodeString() + "\n")
		for child := l.Child(); child != nil; child = child.Sibling() {
			b.WriteString(child.DotEdgeString(l) + "\n")
			if cl := child.LowNode(); cl != nil && !seen[cl] {
				seen[cl] = true
				queue = append(queue, cl)
			}
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// ZeroNInFlight verifies that no reservation leaked anywhere under this
// node: at any quiescent point every in-flight counter must be zero.
// Offenders are logged.
func (n *Node) ZeroNInFlight() bool {
	ok := true
	if n.nInFlight.Load() != 0 {
		ok = false
		log.Warn().Str("node", n.DebugString()).Msg("leaked in-flight visits")
	}
	seen := map[*LowNode]bool{}
	queue := []*LowNode{}
	if l := n.low.Load(); l != nil {
		seen[l] = true
		queue = append(queue, l)
	}
	for len(queue) > 0 {
		l := queue[0]
		queue = queue[1:]
		for child := l.Child(); child != nil; child = child.Sibling() {
			if child.nInFlight.Load() != 0 {
				ok = false
				log.Warn().Str("node", child.DebugString()).Msg("leaked in-flight visits")
			}
			if cl := child.LowNode(); cl != nil && !seen[cl] {
				seen[cl] = true
				queue = append(queue, cl)
			}
		}
	}
	return ok
}
