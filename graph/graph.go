// Package graph builds the op dependency DAG (C3): it links op inputs to
// their producers in declaration order, rejects cycles, and assigns each op
// a depth via longest-path layering.
package graph

import (
	"sort"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/deepshard/gpusched/core"
	"github.com/deepshard/gpusched/errs"
)

// OpID identifies an Op within an OpGraph.
type OpID int

// OpCode names the operation a node performs. The catalog package owns the
// concrete kernel semantics; here it is an opaque, comparable tag.
type OpCode int

const (
	OpElementwise OpCode = iota
	OpTranspose
	OpMatMul
	OpReduce
	OpSend
	OpRecv
)

// IsSendRecv reports whether this opcode is a cross-rank communication op,
// which C6 must pack in isolation and C3 hoists to its own depth.
func (c OpCode) IsSendRecv() bool { return c == OpSend || c == OpRecv }

// OpConfig carries op-specific parameters: a permutation vector for
// transpose, tile sizes for tiled kernels.
type OpConfig struct {
	Perm      []int
	TileSizes []int
}

// IsIdentityPerm reports whether Perm is the identity permutation (or unset).
func (c OpConfig) IsIdentityPerm() bool {
	for i, p := range c.Perm {
		if p != i {
			return false
		}
	}
	return true
}

// Op is a node in the graph.
type Op struct {
	ID      OpID
	Code    OpCode
	Inputs  []core.TensorID
	Outputs []core.TensorID
	Config  OpConfig

	// CostEstimate is initially symbolic; C8 or the heuristic fallback
	// refines it before packing.
	CostEstimate float64

	// Depth is assigned by Build/assignDepths; meaningless before that.
	Depth int

	// declOrder records the position in the slice passed to Build, used to
	// break ties deterministically (P4's sibling-ordering requirement).
	declOrder int
}

// OpGraph is the directed acyclic graph over Ops built by Build.
type OpGraph struct {
	Ops []*Op

	// SendRecvOps lists ops hoisted to their own depth by OptimizeModel, in
	// layer order. Empty until OptimizeModel runs.
	SendRecvOps []OpID

	g          *simple.DirectedGraph
	byID       map[OpID]*Op
	producerOf map[core.TensorID]OpID
}

// Build scans ops in declaration order, links each op's inputs to their
// producers, and assigns depths. Returns CyclicGraph if the resulting graph
// has a cycle.
func Build(ops []*Op) (*OpGraph, error) {
	og := &OpGraph{Ops: ops}
	og.rebuildIndex()
	if err := og.rebuildGonumGraph(); err != nil {
		return nil, err
	}
	og.assignDepths()
	return og, nil
}

// rebuildGonumGraph (re)materializes the gonum directed graph and the
// tensor-id-to-producer index from the current og.Ops, and checks
// acyclicity. Called by Build, and again by OptimizeModel after any pass
// that removes or merges ops, so depths reflect the rewritten topology
// rather than the pre-optimization one.
func (og *OpGraph) rebuildGonumGraph() error {
	g := simple.NewDirectedGraph()
	producerOf := make(map[core.TensorID]OpID)

	for _, op := range og.Ops {
		g.AddNode(simple.Node(int64(op.ID)))
	}
	for _, op := range og.Ops {
		for _, out := range op.Outputs {
			producerOf[out] = op.ID
		}
	}
	for _, op := range og.Ops {
		for _, in := range op.Inputs {
			prodID, ok := producerOf[in]
			if !ok || prodID == op.ID {
				continue
			}
			if !g.HasEdgeFromTo(int64(prodID), int64(op.ID)) {
				g.SetEdge(simple.Edge{F: simple.Node(int64(prodID)), T: simple.Node(int64(op.ID))})
			}
		}
	}

	if _, err := topo.Sort(g); err != nil {
		return errs.Wrap(err, errs.CyclicGraph, "op graph contains a cycle", map[string]interface{}{
			"num_ops": len(og.Ops),
		})
	}

	og.g = g
	og.producerOf = producerOf
	return nil
}

// assignDepths computes depth(op) = 0 if op has no producers, else
// max(depth(producer))+1, by walking the graph in topological order. The
// graph is already known acyclic (Build checks before calling this).
func (og *OpGraph) assignDepths() {
	order, _ := topo.Sort(og.g)
	depth := make(map[int64]int, len(order))
	for _, n := range order {
		id := n.ID()
		maxPred := -1
		preds := og.g.To(id)
		for preds.Next() {
			if d := depth[preds.Node().ID()]; d > maxPred {
				maxPred = d
			}
		}
		depth[id] = maxPred + 1
	}
	for _, op := range og.Ops {
		op.Depth = depth[int64(op.ID)]
	}
}

// NumDepths returns the number of depth layers (max depth + 1), or 0 for an
// empty graph.
func (og *OpGraph) NumDepths() int {
	max := -1
	for _, op := range og.Ops {
		if op.Depth > max {
			max = op.Depth
		}
	}
	return max + 1
}

// DepthOps returns the ops at depth d, ordered by declaration sequence for
// determinism (ties inside a depth carry no data dependency, by
// construction, but emission order must still be reproducible).
func (og *OpGraph) DepthOps(d int) []*Op {
	var out []*Op
	for _, op := range og.Ops {
		if op.Depth == d {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].declOrder < out[j].declOrder })
	return out
}

// Producer returns the Op id that produces tensor t, and whether one exists
// (false means t is a graph input).
func (og *OpGraph) Producer(t core.TensorID) (OpID, bool) {
	id, ok := og.producerOf[t]
	return id, ok
}

// Op looks up an Op by id.
func (og *OpGraph) Op(id OpID) (*Op, bool) {
	op, ok := og.byID[id]
	return op, ok
}

