package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func pipelineWithCost(id string, cost int) *Pipeline {
	p := &Pipeline{id: id}
	p.totalNodes = cost
	return p
}

func TestJobList_PopLargestFit(t *testing.T) {
	jl := newJobList()
	jl.Add(pipelineWithCost("cost-4", 4))
	jl.Add(pipelineWithCost("cost-2", 2))
	jl.Add(pipelineWithCost("cost-3", 3))

	require.Equal(t, 3, jl.Len())

	got := jl.Pop(4)
	require.NotNil(t, got)
	require.Equal(t, "cost-4", got.ID())

	got = jl.Pop(4)
	require.NotNil(t, got)
	require.Equal(t, "cost-3", got.ID())

	got = jl.Pop(4)
	require.NotNil(t, got)
	require.Equal(t, "cost-2", got.ID())

	require.Equal(t, 0, jl.Len())
	require.Nil(t, jl.Pop(4))
}

func TestJobList_PopNilWhenNothingFits(t *testing.T) {
	jl := newJobList()
	jl.Add(pipelineWithCost("cost-8", 8))

	require.Nil(t, jl.Pop(4))
	require.Equal(t, 1, jl.Len())
}

func TestJobList_FIFOWithinCost(t *testing.T) {
	jl := newJobList()
	jl.Add(pipelineWithCost("first", 2))
	jl.Add(pipelineWithCost("second", 2))
	jl.Add(pipelineWithCost("third", 2))

	first := jl.Pop(2)
	second := jl.Pop(2)
	third := jl.Pop(2)

	require.Equal(t, "first", first.ID())
	require.Equal(t, "second", second.ID())
	require.Equal(t, "third", third.ID())
}

func TestJobList_BucketEmptiedAfterDrain(t *testing.T) {
	jl := newJobList()
	jl.Add(pipelineWithCost("only", 4))
	require.NotNil(t, jl.Pop(4))
	require.Nil(t, jl.buckets[4])
	_, present := jl.buckets[4]
	require.False(t, present)

	jl.Add(pipelineWithCost("again", 4))
	require.Equal(t, 1, jl.Len())
}
