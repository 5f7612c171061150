package dag

// Options is the core-relevant configuration surface. The zero value is
// not useful; start from DefaultOptions and chain the setters.
type Options struct {
	// Number of prior plies contributing to the position hash. Shorter
	// histories merge more transpositions at the cost of treating
	// history-dependent rules (repetition) loosely.
	CacheHistoryLength int

	// Temperature for the policy softmax applied to raw network logits.
	PolicySoftmaxTemp float64

	// Exploration constant for the supplemented searcher.
	CPuct float64

	// Score a two-fold repetition as a draw instead of searching on.
	TwoFoldDraws bool

	// Keep proven endgame results attached when the root advances.
	StickyEndgames bool

	// Play tablebase wins immediately without resolving the fastest mate.
	SyzygyFastPlay bool

	// Collision and reservation bounds for a search batch.
	MaxCollisionEvents             int
	MaxCollisionVisits             int
	MaxCollisionVisitsScalingStart int
	MaxCollisionVisitsScalingEnd   int
	MaxCollisionVisitsScalingPower float64

	// Cap on concurrently active searcher goroutines. 0 means no cap
	// beyond the search thread count.
	MaxConcurrentSearchers int
}

func DefaultOptions() *Options {
	return &Options{
		CacheHistoryLength:             0,
		PolicySoftmaxTemp:              1.359,
		CPuct:                          1.745,
		TwoFoldDraws:                   true,
		StickyEndgames:                 true,
		SyzygyFastPlay:                 false,
		MaxCollisionEvents:             917,
		MaxCollisionVisits:             80000,
		MaxCollisionVisitsScalingStart: 28,
		MaxCollisionVisitsScalingEnd:   145000,
		MaxCollisionVisitsScalingPower: 1.25,
		MaxConcurrentSearchers:         0,
	}
}

func (o *Options) SetCacheHistoryLength(n int) *Options {
	o.CacheHistoryLength = max(0, n)
	return o
}

func (o *Options) SetPolicySoftmaxTemp(t float64) *Options {
	if t > 0 {
		o.PolicySoftmaxTemp = t
	}
	return o
}

func (o *Options) SetCPuct(c float64) *Options {
	o.CPuct = max(0, c)
	return o
}

func (o *Options) SetTwoFoldDraws(v bool) *Options {
	o.TwoFoldDraws = v
	return o
}

func (o *Options) SetStickyEndgames(v bool) *Options {
	o.StickyEndgames = v
	return o
}

func (o *Options) SetSyzygyFastPlay(v bool) *Options {
	o.SyzygyFastPlay = v
	return o
}

func (o *Options) SetMaxCollisionEvents(n int) *Options {
	o.MaxCollisionEvents = max(1, n)
	return o
}

func (o *Options) SetMaxCollisionVisits(n int) *Options {
	o.MaxCollisionVisits = max(1, n)
	return o
}

func (o *Options) SetMaxConcurrentSearchers(n int) *Options {
	o.MaxConcurrentSearchers = max(0, n)
	return o
}
