package search

import (
	"context"
	"sync/atomic"
	"time"
	"unsafe"
)

type StopReason int

const (
	StopNone      StopReason = iota
	StopInterrupt            = 1 // Stopped by user, by calling .SetStop(true) or context cancellation
	StopMovetime             = 2 // Time limit reached
	StopDepth                = 4 // Depth limit reached
	StopVisits               = 8 // Visit limit reached
)

func (sr StopReason) String() string {
	if sr == StopNone {
		return "None"
	}

	reasons := []struct {
		flag StopReason
		name string
	}{
		{StopInterrupt, "Interrupt"},
		{StopMovetime, "Movetime"},
		{StopDepth, "Depth"},
		{StopVisits, "Visits"},
	}

	var result string
	for _, r := range reasons {
		if sr&r.flag == r.flag {
			if result != "" {
				result += "|"
			}
			result += r.name
		}
	}

	return result
}

const (
	stopMask   int = StopInterrupt
	timeMask   int = StopMovetime
	depthMask  int = StopDepth
	visitsMask int = StopVisits
)

type LimiterLike interface {
	SetContext(ctx context.Context)
	// Set the limits
	SetLimits(*Limits)
	// Get the limits
	Limits() *Limits
	// Get elapsed time in ms (from the last 'Reset' call)
	Elapsed() uint32
	// Set the stop signal, will cause to exit search if set to true
	SetStop(bool)
	// Get the stop signal
	Stop() bool
	// Reset the limiter's clock and flags, called on search setup
	Reset()
	// Wheter the search may go on (no limit reached), called in the main search loop
	Ok(depth, visits uint32) bool
	// Get the reason why the search was stopped, valid after search ends
	StopReason() StopReason
	// Evaluate stop reason based on current state, and set it internally,
	// this will be called once (by main thread) after search ends
	EvaluateStopReason(depth, visits uint32)
}

type Limiter struct {
	limits *Limits
	// Search clock: Reset stamps the start and rearms the movetime
	// deadline from the limits.
	start    time.Time
	deadline time.Duration // <= 0 when no movetime is set
	stop     atomic.Bool
	reason   StopReason
	ctx      context.Context
}

func NewLimiter() *Limiter {
	return &Limiter{
		limits: DefaultLimits(),
		start:  time.Now(),
		ctx:    context.Background(),
	}
}

func (l *Limiter) Reset() {
	l.start = time.Now()
	if l.limits.Movetime < 0 {
		l.deadline = 0
	} else {
		l.deadline = time.Duration(l.limits.Movetime) * time.Millisecond
	}
	l.stop.Store(false)
	l.reason = StopNone
}

func (l *Limiter) timeUp() bool {
	return l.deadline > 0 && time.Since(l.start) >= l.deadline
}

func (l *Limiter) EvaluateStopReason(depth, visits uint32) {
	okMask := l.LimitMask(depth, visits)
	reason := StopNone

	if okMask&stopMask == stopMask {
		reason |= StopInterrupt
	}

	if okMask&timeMask == timeMask {
		reason |= StopMovetime
	}

	if okMask&depthMask == depthMask {
		reason |= StopDepth
	}

	if okMask&visitsMask == visitsMask {
		reason |= StopVisits
	}

	l.reason = reason
}

func (l *Limiter) StopReason() StopReason {
	return l.reason
}

func (l *Limiter) SetContext(ctx context.Context) {
	l.ctx = ctx
}

func (l *Limiter) SetStop(v bool) {
	l.stop.Store(v)
}

func (l *Limiter) Stop() bool {
	select {
	case <-l.ctx.Done():
		l.stop.Store(true)
	default:
	}
	return l.stop.Load()
}

func (l *Limiter) SetLimits(limits *Limits) {
	l.limits = limits
}

func (l *Limiter) Limits() *Limits {
	return l.limits
}

func (l *Limiter) Elapsed() uint32 {
	return uint32(max(time.Since(l.start).Milliseconds(), 1))
}

func toMask(val bool, offset int) int {
	return int(*(*byte)(unsafe.Pointer(&val))) << offset
}

func (l *Limiter) LimitMask(depth, visits uint32) int {
	stop := l.Stop()
	// If infinite, only the stop signal counts; no other limit is checked
	if l.limits.Infinite {
		return toMask(stop, 0)
	}

	limitMask := 0

	limitMask |= toMask(stop, 0)
	limitMask |= toMask(l.timeUp(), 1)
	limitMask |= toMask(l.limits.Depth <= int(depth), 2)
	limitMask |= toMask(l.limits.Visits <= visits, 3)

	return limitMask
}

func (l *Limiter) Ok(depth, visits uint32) bool {
	return l.LimitMask(depth, visits) == 0
}
