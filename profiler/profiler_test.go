package profiler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepshard/gpusched/core"
	"github.com/deepshard/gpusched/graph"
	"github.com/deepshard/gpusched/sequence"
)

func mustDims(t *testing.T, c ...int) core.Dims {
	t.Helper()
	d, err := core.NewDims(c...)
	require.NoError(t, err)
	return d
}

func mustTensor(t *testing.T, id core.TensorID, buf core.TensorBufID, shape core.Dims) *core.Tensor {
	t.Helper()
	offs := make([]int, shape.NDims())
	pads := make([]int, shape.NDims())
	for i := range pads {
		pads[i] = 1
	}
	tn, err := core.NewTensor(id, "t", buf, shape, shape, offs, pads, core.DTypeFP32)
	require.NoError(t, err)
	return tn
}

func TestProfileCachesPerHashAndWarps(t *testing.T) {
	t.Parallel()
	shape := mustDims(t, 64)
	tensors := map[core.TensorID]*core.Tensor{0: mustTensor(t, 0, 0, shape)}
	seqs := []*sequence.SchedOpSeq{
		{ID: 0, Hash: "h1", Ops: []*graph.Op{{Code: graph.OpElementwise, Outputs: []core.TensorID{0}}}},
	}

	var calls int
	bench := func(ctx context.Context, s *sequence.SchedOpSeq, warps int) (float64, error) {
		calls++
		return float64(warps) * 2, nil
	}
	p := New(bench, 4, time.Second)

	costs, err := p.Profile(context.Background(), seqs, tensors, []int{1, 2})
	require.NoError(t, err)
	assert.Len(t, costs, 2)
	assert.Equal(t, 2, calls)

	// Re-profiling the same (hash, warps) pairs must hit the cache, not
	// call bench again.
	_, err = p.Profile(context.Background(), seqs, tensors, []int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "cached entries must not re-invoke bench")
}

func TestProfileFallsBackToHeuristicOnTimeout(t *testing.T) {
	t.Parallel()
	shape := mustDims(t, 256)
	tensors := map[core.TensorID]*core.Tensor{0: mustTensor(t, 0, 0, shape)}
	seqs := []*sequence.SchedOpSeq{
		{ID: 0, Hash: "slow", Ops: []*graph.Op{{Code: graph.OpElementwise, Outputs: []core.TensorID{0}}}},
	}

	bench := func(ctx context.Context, s *sequence.SchedOpSeq, warps int) (float64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	p := New(bench, 2, 10*time.Millisecond)

	costs, err := p.Profile(context.Background(), seqs, tensors, []int{4})
	require.NoError(t, err, "a per-point timeout must not fail the whole profile run")
	require.Len(t, costs, 1)
	assert.True(t, costs[0].Timeout)
	assert.Equal(t, HeuristicCost(seqs[0].Ops, tensors, 4), costs[0].Cycles)
}

func TestHeuristicCostScalesWithWarpsAndElements(t *testing.T) {
	t.Parallel()
	small := mustDims(t, 16)
	big := mustDims(t, 256)
	opsSmall := []*graph.Op{{Code: graph.OpElementwise, Outputs: []core.TensorID{0}}}
	tensorsSmall := map[core.TensorID]*core.Tensor{0: mustTensor(t, 0, 0, small)}
	tensorsBig := map[core.TensorID]*core.Tensor{0: mustTensor(t, 0, 0, big)}

	smallCost := HeuristicCost(opsSmall, tensorsSmall, 1)
	bigCost := HeuristicCost(opsSmall, tensorsBig, 1)
	assert.Greater(t, bigCost, smallCost)

	lowWarp := HeuristicCost(opsSmall, tensorsBig, 1)
	highWarp := HeuristicCost(opsSmall, tensorsBig, 32)
	assert.Greater(t, lowWarp, highWarp)
}
