package dag

import (
	"fmt"
	"math"
	"slices"
)

// Move is an opaque 16-bit move encoding. Move generation and the meaning
// of the bits live outside this package; the tree only stores, compares
// and reports moves.
type Move uint16

// NullMove is the move stored on detached root nodes.
const NullMove Move = 0

func (m Move) String() string {
	return fmt.Sprintf("m%04x", uint16(m))
}

type MoveList []Move

// Edge is a potential transition out of a position: a legal move plus its
// policy prior from the network. Edges are created once per payload by
// expansion and destroyed with it; only the prior is re-settable
// (noise, terminal overrides).
type Edge struct {
	move Move

	// Policy prior compressed to 16 bits: 5 bits of exponent, 11 bits of
	// significand. See SetP/P for the layout.
	p uint16
}

// EdgesFromMoveList builds the edge array for a payload, with zero priors.
func EdgesFromMoveList(moves MoveList) []Edge {
	if len(moves) > MaxEdges {
		panic(fmt.Sprintf("dag: %d moves exceed the %d edge limit", len(moves), MaxEdges))
	}
	edges := make([]Edge, len(moves))
	for i, m := range moves {
		edges[i].move = m
	}
	return edges
}

func (e *Edge) Move() Move { return e.move }

// The prior is stored as the top 16 bits of the float32 representation
// past the sign bit, after removing a 3<<28 exponent offset that every
// value in (5.9e-8, 1] shares. Values below the representable range
// collapse to 0.
const pRoundings = (1 << 11) - (3 << 28)

// SetP stores prior @p, which must be in [0,1].
func (e *Edge) SetP(p float32) {
	if p < 0 || p > 1 {
		panic(fmt.Sprintf("dag: prior %v out of [0,1]", p))
	}
	tmp := int32(math.Float32bits(p)) + pRoundings
	if tmp < 0 {
		e.p = 0
	} else {
		e.p = uint16(uint32(tmp) >> 12)
	}
}

// P returns the stored prior, with at most 2^-11 relative rounding error.
func (e *Edge) P() float32 {
	tmp := uint32(e.p) << 12
	if tmp != 0 {
		tmp += 3 << 28
	}
	return math.Float32frombits(tmp)
}

// SortEdges orders edges by prior, descending. The sort is stable, so
// equal priors keep move-generation order.
func SortEdges(edges []Edge) {
	slices.SortStableFunc(edges, func(a, b Edge) int {
		// Compressed priors compare like the floats they encode.
		switch {
		case a.p > b.p:
			return -1
		case a.p < b.p:
			return 1
		default:
			return 0
		}
	})
}

func (e *Edge) String() string {
	return fmt.Sprintf("Edge{%v p=%.4f}", e.move, e.P())
}
