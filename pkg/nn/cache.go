package nn

import (
	"container/list"
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/pkarczewski/go-dagmcts/pkg/dag"
)

// Cache is the hash-keyed LRU of completed evaluations. Stored
// evaluations are never mutated; re-inserting a hash replaces its
// evaluation. Eviction is purely by recency.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	items    map[uint64]*list.Element
}

type cacheEntry struct {
	hash uint64
	eval *dag.NNEval
}

func NewCache(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[uint64]*list.Element, capacity),
	}
}

// Lookup returns the cached evaluation for @hash, refreshing its
// recency.
func (c *Cache) Lookup(hash uint64) (*dag.NNEval, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[hash]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).eval, true
}

// Insert stores @eval under @hash, evicting the least recently used
// entry when full. Re-inserting an existing hash refreshes it.
func (c *Cache) Insert(hash uint64, eval *dag.NNEval) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[hash]; ok {
		el.Value.(*cacheEntry).eval = eval
		c.order.MoveToFront(el)
		return
	}
	c.items[hash] = c.order.PushFront(&cacheEntry{hash: hash, eval: eval})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).hash)
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[uint64]*list.Element, c.capacity)
}

// Evaluator fronts a Backend with the cache and collapses concurrent
// misses for the same position into a single computation.
type Evaluator struct {
	backend     Backend
	cache       *Cache
	index       PolicyIndexer
	softmaxTemp float64
	group       singleflight.Group
}

func NewEvaluator(backend Backend, cache *Cache, index PolicyIndexer, softmaxTemp float64) *Evaluator {
	return &Evaluator{
		backend:     backend,
		cache:       cache,
		index:       index,
		softmaxTemp: softmaxTemp,
	}
}

// Lookup consults the cache only; a miss enqueues nothing.
func (e *Evaluator) Lookup(hash uint64) (*dag.NNEval, bool) {
	return e.cache.Lookup(hash)
}

// Evaluate returns the evaluation for one position, from the cache or
// the backend. Concurrent callers for the same hash share one backend
// call.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (*dag.NNEval, error) {
	if eval, ok := e.cache.Lookup(in.Hash); ok {
		return eval, nil
	}
	v, err, _ := e.group.Do(strconv.FormatUint(in.Hash, 16), func() (any, error) {
		if eval, ok := e.cache.Lookup(in.Hash); ok {
			return eval, nil
		}
		outs, err := e.backend.ComputeBlocking(ctx, []Input{in})
		if err != nil {
			return nil, errors.Wrap(err, "nn: backend computation")
		}
		eval := BuildEval(outs[0], in.Moves, e.index, e.softmaxTemp)
		e.cache.Insert(in.Hash, eval)
		return eval, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*dag.NNEval), nil
}

// ComputeBlocking resolves a whole batch, forwarding only the cache
// misses to the backend in one call.
func (e *Evaluator) ComputeBlocking(ctx context.Context, batch []Input) ([]*dag.NNEval, error) {
	evals := make([]*dag.NNEval, len(batch))
	var missIdx []int
	var misses []Input
	for i, in := range batch {
		if eval, ok := e.cache.Lookup(in.Hash); ok {
			evals[i] = eval
			continue
		}
		missIdx = append(missIdx, i)
		misses = append(misses, in)
	}
	if len(misses) == 0 {
		return evals, nil
	}
	outs, err := e.backend.ComputeBlocking(ctx, misses)
	if err != nil {
		return nil, errors.Wrap(err, "nn: backend computation")
	}
	for j, out := range outs {
		in := misses[j]
		eval := BuildEval(out, in.Moves, e.index, e.softmaxTemp)
		e.cache.Insert(in.Hash, eval)
		evals[missIdx[j]] = eval
	}
	return evals, nil
}
