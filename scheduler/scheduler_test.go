package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepshard/gpusched/catalog"
	"github.com/deepshard/gpusched/core"
	"github.com/deepshard/gpusched/device"
	"github.com/deepshard/gpusched/errs"
	"github.com/deepshard/gpusched/graph"
	"github.com/deepshard/gpusched/transport"
)

type stubDevice struct {
	info device.Info
}

func (s *stubDevice) DeviceInfo() (device.Info, error) { return s.info, nil }
func (s *stubDevice) AllocateArena(bytes uint64) (device.Address, error) { return 0, nil }
func (s *stubDevice) RegisterExport(sid int, addr device.Address, bytes uint64) error { return nil }
func (s *stubDevice) ResolveImport(remoteRank int, sid int) (device.Address, error) {
	return device.Address(sid), nil
}

type stubTransport struct{}

func (stubTransport) Publish(int, transport.Handle) error { return nil }
func (stubTransport) Lookup(context.Context, int, int) (transport.Handle, error) {
	return transport.Handle{}, nil
}

func mustDims(t *testing.T, c ...int) core.Dims {
	t.Helper()
	d, err := core.NewDims(c...)
	require.NoError(t, err)
	return d
}

// TestScheduleSingleTranspose verifies that a single transpose op over
// shape (3,2048,96,128), perm (0,2,1,3) produces one depth, one sequence,
// one Sched entry, and a kernel source carrying a matching transpose
// signature. The shape permutation's own round trip is checked
// independently in core's shape tests.
func TestScheduleSingleTranspose(t *testing.T) {
	t.Parallel()
	shape := mustDims(t, 3, 2048, 96, 128)

	in, err := core.NewTensor(0, "in", 0, shape, shape, []int{0, 0, 0, 0}, []int{1, 1, 1, 1}, core.DTypeFP32)
	require.NoError(t, err)
	outShape, err := shape.Permute([]int{0, 2, 1, 3})
	require.NoError(t, err)
	out, err := core.NewTensor(1, "out", 1, outShape, outShape, []int{0, 0, 0, 0}, []int{1, 1, 1, 1}, core.DTypeFP32)
	require.NoError(t, err)

	m := &Model{
		Ops: []*graph.Op{
			{ID: 0, Code: graph.OpTranspose, Inputs: []core.TensorID{0}, Outputs: []core.TensorID{1}, Config: graph.OpConfig{Perm: []int{0, 2, 1, 3}}},
		},
		Tensors: map[core.TensorID]*core.Tensor{0: in, 1: out},
		Bufs: map[core.TensorBufID]*core.TensorBuf{
			0: core.NewTensorBuf(0, shape.Elements()*4),
			1: core.NewTensorBuf(1, outShape.Elements()*4),
		},
	}

	// WarpsPerSM is set well above the single transpose sequence's warp
	// estimate (element count / 256, floored at the catalog's base warps)
	// so the one sequence packs into one entry instead of reporting
	// PackerInfeasible.
	dm := &stubDevice{info: device.Info{SMCount: 1, WarpsPerSM: 300000, BytesFree: 1 << 30}}
	plan, err := Schedule(context.Background(), m, dm, stubTransport{}, catalog.NewReference(), DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 1, plan.NumDepths())
	require.Len(t, plan.Launches, 1, "one Sched entry")
	require.Len(t, plan.Launches[0], 1, "one sequence in the entry")
	require.Len(t, plan.KernelSources, 1)
	assert.Contains(t, plan.KernelSources[0], "transpose")
	assert.Contains(t, plan.KernelSources[0], "perm=[0 2 1 3]")
}

// TestScheduleCyclicGraph verifies that A(out=x), B(in=x,out=y),
// C(in=y,out=x) — which forms a cycle — is rejected with errs.CyclicGraph.
func TestScheduleCyclicGraph(t *testing.T) {
	t.Parallel()
	shape := mustDims(t, 4)
	mk := func(id core.TensorID) *core.Tensor {
		tn, err := core.NewTensor(id, "t", core.TensorBufID(id), shape, shape, []int{0}, []int{1}, core.DTypeFP32)
		require.NoError(t, err)
		return tn
	}
	m := &Model{
		Ops: []*graph.Op{
			{ID: 0, Code: graph.OpElementwise, Inputs: nil, Outputs: []core.TensorID{0}},
			{ID: 1, Code: graph.OpElementwise, Inputs: []core.TensorID{0}, Outputs: []core.TensorID{1}},
			{ID: 2, Code: graph.OpElementwise, Inputs: []core.TensorID{1}, Outputs: []core.TensorID{0}},
		},
		Tensors: map[core.TensorID]*core.Tensor{0: mk(0), 1: mk(1)},
		Bufs: map[core.TensorBufID]*core.TensorBuf{
			0: core.NewTensorBuf(0, 16),
			1: core.NewTensorBuf(1, 16),
		},
	}

	dm := &stubDevice{info: device.Info{SMCount: 1, WarpsPerSM: 16, BytesFree: 1 << 30}}
	_, err := Schedule(context.Background(), m, dm, stubTransport{}, catalog.NewReference(), DefaultOptions())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CyclicGraph))
}

// TestScheduleWarpOverflowPacking verifies, at the integration level, that
// four data-parallel elementwise sequences of equal warp cost under a
// device budget of 16 warps * 2 SMs = 32 pack into two Sched entries,
// {s1,s2,s3} and {s4}.
func TestScheduleWarpOverflowPacking(t *testing.T) {
	t.Parallel()
	// Four same-total-element (2560 => ceil(2560/256)=10 warps) but
	// differently-shaped elementwise ops: same opcode keeps them
	// sequence-compatible, but the shape mismatch blocks the
	// data-parallel-sibling fusion rule, so each op builds its own
	// 10-warp sequence instead of merging into one.
	shapes := []core.Dims{
		mustDims(t, 2560),
		mustDims(t, 1280, 2),
		mustDims(t, 2, 1280),
		mustDims(t, 4, 640),
	}

	var ops []*graph.Op
	tensors := map[core.TensorID]*core.Tensor{}
	bufs := map[core.TensorBufID]*core.TensorBuf{}
	for i, shape := range shapes {
		inID := core.TensorID(2 * i)
		outID := core.TensorID(2*i + 1)
		pads := make([]int, shape.NDims())
		offs := make([]int, shape.NDims())
		for j := range pads {
			pads[j] = 1
		}
		in, err := core.NewTensor(inID, "in", core.TensorBufID(inID), shape, shape, offs, pads, core.DTypeFP32)
		require.NoError(t, err)
		out, err := core.NewTensor(outID, "out", core.TensorBufID(outID), shape, shape, offs, pads, core.DTypeFP32)
		require.NoError(t, err)
		tensors[inID] = in
		tensors[outID] = out
		bufs[core.TensorBufID(inID)] = core.NewTensorBuf(core.TensorBufID(inID), shape.Elements()*4)
		bufs[core.TensorBufID(outID)] = core.NewTensorBuf(core.TensorBufID(outID), shape.Elements()*4)
		ops = append(ops, &graph.Op{ID: graph.OpID(i), Code: graph.OpElementwise, Inputs: []core.TensorID{inID}, Outputs: []core.TensorID{outID}})
	}

	m := &Model{Ops: ops, Tensors: tensors, Bufs: bufs}
	dm := &stubDevice{info: device.Info{SMCount: 2, WarpsPerSM: 16, BytesFree: 1 << 30}}

	plan, err := Schedule(context.Background(), m, dm, stubTransport{}, catalog.NewReference(), DefaultOptions())
	require.NoError(t, err)

	require.Len(t, plan.Launches, 2, "four 10-warp sequences pack into two entries under a 32-warp budget")
	assert.Len(t, plan.Launches[0], 3)
	assert.Len(t, plan.Launches[1], 1)
}

// TestScheduleDeterminism verifies that two Schedule calls on the same
// Model, rank, and device info produce byte-identical kernel source and
// identical launch order.
func TestScheduleDeterminism(t *testing.T) {
	t.Parallel()
	shape := mustDims(t, 64)
	newModel := func() *Model {
		t0, err := core.NewTensor(0, "t0", 0, shape, shape, []int{0}, []int{1}, core.DTypeFP32)
		require.NoError(t, err)
		t1, err := core.NewTensor(1, "t1", 1, shape, shape, []int{0}, []int{1}, core.DTypeFP32)
		require.NoError(t, err)
		t2, err := core.NewTensor(2, "t2", 2, shape, shape, []int{0}, []int{1}, core.DTypeFP32)
		require.NoError(t, err)
		return &Model{
			Ops: []*graph.Op{
				{ID: 0, Code: graph.OpElementwise, Inputs: []core.TensorID{0}, Outputs: []core.TensorID{1}},
				{ID: 1, Code: graph.OpElementwise, Inputs: []core.TensorID{1}, Outputs: []core.TensorID{2}},
			},
			Tensors: map[core.TensorID]*core.Tensor{0: t0, 1: t1, 2: t2},
			Bufs: map[core.TensorBufID]*core.TensorBuf{
				0: core.NewTensorBuf(0, 256),
				1: core.NewTensorBuf(1, 256),
				2: core.NewTensorBuf(2, 256),
			},
		}
	}

	dm := &stubDevice{info: device.Info{SMCount: 1, WarpsPerSM: 16, BytesFree: 1 << 30}}
	first, err := Schedule(context.Background(), newModel(), dm, stubTransport{}, catalog.NewReference(), DefaultOptions())
	require.NoError(t, err)
	second, err := Schedule(context.Background(), newModel(), dm, stubTransport{}, catalog.NewReference(), DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, first.KernelSources, second.KernelSources)
	assert.Equal(t, first.Launches, second.Launches)
}
