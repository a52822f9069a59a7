package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepshard/gpusched/core"
	"github.com/deepshard/gpusched/device"
	"github.com/deepshard/gpusched/errs"
	"github.com/deepshard/gpusched/graph"
	"github.com/deepshard/gpusched/transport"
)

type fakeDevice struct {
	bytesFree uint64
}

func (f *fakeDevice) DeviceInfo() (device.Info, error) {
	return device.Info{SMCount: 2, WarpsPerSM: 16, BytesFree: f.bytesFree}, nil
}
func (f *fakeDevice) AllocateArena(bytes uint64) (device.Address, error) { return device.Address(0), nil }
func (f *fakeDevice) RegisterExport(sid int, addr device.Address, bytes uint64) error { return nil }
func (f *fakeDevice) ResolveImport(remoteRank int, sid int) (device.Address, error) {
	return device.Address(0x1000 + uintptr(sid)), nil
}

type fakeTransport struct {
	published map[int]transport.Handle
}

func newFakeTransport() *fakeTransport { return &fakeTransport{published: map[int]transport.Handle{}} }

func (f *fakeTransport) Publish(sid int, handle transport.Handle) error {
	f.published[sid] = handle
	return nil
}
func (f *fakeTransport) Lookup(ctx context.Context, rank int, sid int) (transport.Handle, error) {
	if h, ok := f.published[sid]; ok {
		return h, nil
	}
	return transport.Handle{}, errs.New(errs.ImportUnresolved, "no such sid", map[string]interface{}{"sid": sid})
}

func buildSimpleGraph(t *testing.T) (*graph.OpGraph, map[core.TensorID]*core.Tensor, map[core.TensorBufID]*core.TensorBuf) {
	t.Helper()
	shape := mustDims(t, 4)
	ldims := mustDims(t, 4)

	t0, err := core.NewTensor(0, "t0", 0, shape, ldims, []int{0}, []int{1}, core.DTypeFP32)
	require.NoError(t, err)
	t1, err := core.NewTensor(1, "t1", 1, shape, ldims, []int{0}, []int{1}, core.DTypeFP32)
	require.NoError(t, err)
	t2, err := core.NewTensor(2, "t2", 2, shape, ldims, []int{0}, []int{1}, core.DTypeFP32)
	require.NoError(t, err)

	tensors := map[core.TensorID]*core.Tensor{0: t0, 1: t1, 2: t2}
	bufs := map[core.TensorBufID]*core.TensorBuf{
		0: core.NewTensorBuf(0, 16),
		1: core.NewTensorBuf(1, 16),
		2: core.NewTensorBuf(2, 16),
	}

	ops := []*graph.Op{
		{ID: 0, Code: graph.OpElementwise, Inputs: []core.TensorID{0}, Outputs: []core.TensorID{1}},
		{ID: 1, Code: graph.OpElementwise, Inputs: []core.TensorID{1}, Outputs: []core.TensorID{2}},
	}
	og, err := graph.Build(ops)
	require.NoError(t, err)
	return og, tensors, bufs
}

func mustDims(t *testing.T, c ...int) core.Dims {
	t.Helper()
	d, err := core.NewDims(c...)
	require.NoError(t, err)
	return d
}

func TestPlanArenaReuseDisjoint(t *testing.T) {
	t.Parallel()
	og, tensors, bufs := buildSimpleGraph(t)
	dm := &fakeDevice{bytesFree: 1 << 20}
	tr := newFakeTransport()

	opts := DefaultOptions()
	opts.ArenaStrategy = ReuseDisjoint
	plan, err := Plan(context.Background(), og, tensors, bufs, 0, dm, tr, opts)
	require.NoError(t, err)

	b0, _ := plan.Resolve(0) // lives depth 0 only
	b2, _ := plan.Resolve(2) // lives depth 1 only — disjoint from b0
	assert.Equal(t, b0.Offset, b2.Offset, "disjoint-liveness buffers of equal size should share an offset")
}

func TestPlanArenaNoReuse(t *testing.T) {
	t.Parallel()
	og, tensors, bufs := buildSimpleGraph(t)
	dm := &fakeDevice{bytesFree: 1 << 20}
	tr := newFakeTransport()

	opts := DefaultOptions()
	opts.ArenaStrategy = NoReuse
	plan, err := Plan(context.Background(), og, tensors, bufs, 0, dm, tr, opts)
	require.NoError(t, err)

	b0, _ := plan.Resolve(0)
	b2, _ := plan.Resolve(2)
	assert.NotEqual(t, b0.Offset, b2.Offset)
}

func TestPlanExportConflict(t *testing.T) {
	t.Parallel()
	og, tensors, bufs := buildSimpleGraph(t)
	tensors[0].Exported = true
	tensors[0].StreamID = 7
	tensors[2].Exported = true
	tensors[2].StreamID = 7

	dm := &fakeDevice{bytesFree: 1 << 20}
	tr := newFakeTransport()
	_, err := Plan(context.Background(), og, tensors, bufs, 0, dm, tr, DefaultOptions())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ExportConflict))
}

func TestPlanOutOfDeviceMemory(t *testing.T) {
	t.Parallel()
	og, tensors, bufs := buildSimpleGraph(t)
	dm := &fakeDevice{bytesFree: 4}
	tr := newFakeTransport()

	opts := DefaultOptions()
	opts.ArenaStrategy = NoReuse
	_, err := Plan(context.Background(), og, tensors, bufs, 0, dm, tr, opts)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.OutOfDeviceMemory))
}

func TestPlanImportUnresolved(t *testing.T) {
	t.Parallel()
	og, tensors, bufs := buildSimpleGraph(t)
	tensors[1].ImportedRank = 3
	tensors[1].StreamID = 9

	dm := &fakeDevice{bytesFree: 1 << 20}
	tr := newFakeTransport()
	opts := DefaultOptions()
	opts.ImportDeadline = 0

	_, err := Plan(context.Background(), og, tensors, bufs, 0, dm, tr, opts)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ImportUnresolved))
}

func TestPlanExportImportAcrossRanks(t *testing.T) {
	t.Parallel()
	// Scenario 2: rank 0 exports sid=7; rank 1 imports (rank=0, sid=7).
	og0, tensors0, bufs0 := buildSimpleGraph(t)
	tensors0[2].Exported = true
	tensors0[2].StreamID = 7

	shared := newFakeTransport()
	dm0 := &fakeDevice{bytesFree: 1 << 20}
	plan0, err := Plan(context.Background(), og0, tensors0, bufs0, 0, dm0, shared, DefaultOptions())
	require.NoError(t, err)
	bi0, ok := plan0.Resolve(2)
	require.True(t, ok)
	assert.Equal(t, 7, bi0.SID)

	og1, tensors1, bufs1 := buildSimpleGraph(t)
	tensors1[2].ImportedRank = 0
	tensors1[2].StreamID = 7

	dm1 := &fakeDevice{bytesFree: 1 << 20}
	plan1, err := Plan(context.Background(), og1, tensors1, bufs1, 1, dm1, shared, DefaultOptions())
	require.NoError(t, err)
	bi1, ok := plan1.Resolve(2)
	require.True(t, ok)
	assert.Equal(t, 0, bi1.GPUID)
}
