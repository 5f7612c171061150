package search

import "github.com/pkarczewski/go-dagmcts/pkg/dag"

// ListenerStats is the snapshot handed to listener callbacks.
type ListenerStats struct {
	BestMove   dag.Move
	Eval       float64
	Maxdepth   int
	Visits     uint32
	TimeMs     int
	Vps        uint32
	Payloads   int
	StopReason StopReason
}

// Listener function callback, will receive current search statistics
type ListenerFunc func(ListenerStats)

type StatsListener struct {
	// called when 'max depth' increases
	onDepth ListenerFunc

	// called every N completed visits
	onCycle ListenerFunc
	nCycles int

	// called when the search stops (either by limiter or 'stop' signal)
	onStop ListenerFunc
}

func NewStatsListener() StatsListener {
	return StatsListener{nCycles: 1}
}

// Attach new on max depth change callback, will be called only by the main
// search goroutine, meaning no need for synchronization here
func (listener *StatsListener) OnDepth(onDepth ListenerFunc) *StatsListener {
	listener.onDepth = onDepth
	return listener
}

// Attach new on visit increase callback, this will slow down the search
// if the interval is small, so use it only for debugging
func (listener *StatsListener) OnCycle(onCycle ListenerFunc) *StatsListener {
	listener.onCycle = onCycle
	return listener
}

func (listener *StatsListener) SetCycleInterval(n int) *StatsListener {
	if n < 1 {
		n = 1
	}
	listener.nCycles = n
	return listener
}

// Attach 'on search end' callback, called once by the main goroutine,
// makes 'StopReason' available in the stats
func (listener *StatsListener) OnStop(onStop ListenerFunc) *StatsListener {
	listener.onStop = onStop
	return listener
}
