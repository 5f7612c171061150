package search

import (
	"encoding/json"
	"math"
	"strings"
)

// Limits bound a single search run.
type Limits struct {
	Depth    int
	Visits   uint32
	Movetime int
	Infinite bool
	NThreads int
}

func (l Limits) String() string {
	builder := strings.Builder{}
	_ = json.NewEncoder(&builder).Encode(l)
	return builder.String()
}

const (
	DefaultDepthLimit    int    = math.MaxInt
	DefaultVisitsLimit   uint32 = math.MaxUint32
	DefaultMovetimeLimit int    = -1
)

func DefaultLimits() *Limits {
	return &Limits{
		Depth:    DefaultDepthLimit,
		Visits:   DefaultVisitsLimit,
		Movetime: DefaultMovetimeLimit,
		Infinite: true,
		NThreads: 1,
	}
}

// Set the maximum selection depth of the search
func (l *Limits) SetDepth(depth int) *Limits {
	l.Depth = depth
	l.Infinite = false
	return l
}

// Set the number of completed playouts to run
func (l *Limits) SetVisits(visits uint32) *Limits {
	l.Visits = visits
	l.Infinite = false
	return l
}

// Set the maximum time to think, in milliseconds
func (l *Limits) SetMovetime(movetime int) *Limits {
	l.Movetime = movetime
	l.Infinite = false
	return l
}

func (l *Limits) SetInfinite(infinite bool) *Limits {
	l.Infinite = infinite
	return l
}

func (l *Limits) SetThreads(threads int) *Limits {
	l.NThreads = max(threads, 1)
	return l
}
