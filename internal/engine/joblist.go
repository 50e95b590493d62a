package engine

import "sort"

// jobList is a cost-bucketed pending set: pipelines are keyed by the number
// of nodes they require, and Pop returns the largest-costing pipeline that
// still fits a given free-node budget, FIFO within a cost.
//
// The sorted costs slice is maintained the way the teacher's ObjectStore
// maintains its sorted key slice: sort.Search to find the insertion point,
// and a slice splice to remove an emptied bucket.
type jobList struct {
	costs   []int // sorted ascending, one entry per non-empty bucket
	buckets map[int][]*Pipeline
}

func newJobList() *jobList {
	return &jobList{buckets: make(map[int][]*Pipeline)}
}

// Add enqueues a pipeline under its resolved node cost.
func (jl *jobList) Add(p *Pipeline) {
	cost := p.NodesUsed()
	if _, ok := jl.buckets[cost]; !ok {
		jl.insertCost(cost)
	}
	jl.buckets[cost] = append(jl.buckets[cost], p)
}

func (jl *jobList) insertCost(cost int) {
	i := sort.SearchInts(jl.costs, cost)
	jl.costs = append(jl.costs, 0)
	copy(jl.costs[i+1:], jl.costs[i:])
	jl.costs[i] = cost
}

func (jl *jobList) removeCost(cost int) {
	i := sort.SearchInts(jl.costs, cost)
	if i < len(jl.costs) && jl.costs[i] == cost {
		jl.costs = append(jl.costs[:i], jl.costs[i+1:]...)
	}
}

// Pop returns the largest-cost pipeline whose cost is <= budget, removing
// it from its bucket (FIFO). Returns nil if none fits.
func (jl *jobList) Pop(budget int) *Pipeline {
	for i := len(jl.costs) - 1; i >= 0; i-- {
		cost := jl.costs[i]
		if cost > budget {
			continue
		}
		bucket := jl.buckets[cost]
		if len(bucket) == 0 {
			continue
		}
		p := bucket[0]
		bucket = bucket[1:]
		if len(bucket) == 0 {
			delete(jl.buckets, cost)
			jl.removeCost(cost)
		} else {
			jl.buckets[cost] = bucket
		}
		return p
	}
	return nil
}

// Len returns the total number of pending pipelines across all buckets.
func (jl *jobList) Len() int {
	n := 0
	for _, b := range jl.buckets {
		n += len(b)
	}
	return n
}
