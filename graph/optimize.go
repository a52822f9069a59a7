package graph

import "github.com/deepshard/gpusched/core"

// OptimizeModel rewrites the graph per §4.3: contiguous elementwise chains
// with agreeing shapes are coalesced into a single op; identity transposes
// are elided; send/recv ops are hoisted to their own depth and recorded in
// SendRecvOps. observed marks tensor ids that must never be eliminated
// (exported, or read externally by the executor). Rewriting only removes or
// merges nodes, so it cannot introduce a cycle; the rebuild's cycle check
// is defensive, not load-bearing.
func (og *OpGraph) OptimizeModel(observed map[core.TensorID]bool) error {
	og.elideIdentityTransposes(observed)
	og.coalesceElementwise(observed)
	if err := og.rebuildGonumGraph(); err != nil {
		return err
	}
	og.assignDepths()
	og.hoistSendRecv()
	return nil
}

// elideIdentityTransposes removes transpose ops whose permutation is the
// identity, rewiring consumers to read the transpose's input directly. A
// transpose whose input or output tensor is observed is left in place.
func (og *OpGraph) elideIdentityTransposes(observed map[core.TensorID]bool) {
	var kept []*Op
	rewrite := make(map[core.TensorID]core.TensorID)

	for _, op := range og.Ops {
		if op.Code == OpTranspose && op.Config.IsIdentityPerm() && len(op.Inputs) == 1 && len(op.Outputs) == 1 {
			in, out := op.Inputs[0], op.Outputs[0]
			if !observed[in] && !observed[out] {
				rewrite[out] = in
				delete(og.byID, op.ID)
				continue
			}
		}
		kept = append(kept, op)
	}

	for _, op := range kept {
		for i, in := range op.Inputs {
			if repl, ok := resolveRewrite(rewrite, in); ok {
				op.Inputs[i] = repl
			}
		}
	}
	og.Ops = kept
	og.rebuildIndex()
}

func resolveRewrite(rewrite map[core.TensorID]core.TensorID, t core.TensorID) (core.TensorID, bool) {
	repl, ok := rewrite[t]
	if !ok {
		return t, false
	}
	for {
		next, ok2 := rewrite[repl]
		if !ok2 {
			return repl, true
		}
		repl = next
	}
}

// coalesceElementwise merges a chain A -> B of elementwise ops into a
// single fused op when B's only input is A's only output, shapes agree (the
// same tensor id necessarily carries one shape, so this holds by
// construction), and that intermediate tensor is not observed.
func (og *OpGraph) coalesceElementwise(observed map[core.TensorID]bool) {
	producerOf := make(map[core.TensorID]OpID, len(og.Ops))
	consumerCount := make(map[core.TensorID]int)
	for _, op := range og.Ops {
		for _, out := range op.Outputs {
			producerOf[out] = op.ID
		}
		for _, in := range op.Inputs {
			consumerCount[in]++
		}
	}

	fusedInto := make(map[OpID]OpID) // child -> surviving parent
	changed := true
	for changed {
		changed = false
		for _, b := range og.Ops {
			if _, absorbed := fusedInto[b.ID]; absorbed {
				continue
			}
			if b.Code != OpElementwise || len(b.Inputs) != 1 {
				continue
			}
			mid := b.Inputs[0]
			if observed[mid] || consumerCount[mid] != 1 {
				continue
			}
			aID, ok := producerOf[mid]
			if !ok {
				continue
			}
			a := og.byID[aID]
			if a == nil || a.Code != OpElementwise || len(a.Outputs) != 1 {
				continue
			}
			if _, absorbed := fusedInto[a.ID]; absorbed {
				continue
			}
			a.Outputs = b.Outputs
			a.Inputs = append(a.Inputs[:len(a.Inputs):len(a.Inputs)], b.Inputs[1:]...)
			for _, out := range a.Outputs {
				producerOf[out] = a.ID
			}
			fusedInto[b.ID] = a.ID
			changed = true
		}
	}

	if len(fusedInto) == 0 {
		return
	}
	var kept []*Op
	for _, op := range og.Ops {
		if _, absorbed := fusedInto[op.ID]; !absorbed {
			kept = append(kept, op)
		}
	}
	og.Ops = kept
	og.rebuildIndex()
}

// hoistSendRecv splits any depth layer containing both send/recv and other
// ops into two layers — send/recv ops first, then the rest — renumbers
// depths consecutively, and records SendRecvOps in layer order.
func (og *OpGraph) hoistSendRecv() {
	n := og.NumDepths()
	var newLayers [][]*Op
	for d := 0; d < n; d++ {
		ops := og.DepthOps(d)
		var sr, other []*Op
		for _, op := range ops {
			if op.Code.IsSendRecv() {
				sr = append(sr, op)
			} else {
				other = append(other, op)
			}
		}
		switch {
		case len(sr) == 0:
			newLayers = append(newLayers, other)
		case len(other) == 0:
			newLayers = append(newLayers, sr)
		default:
			newLayers = append(newLayers, sr, other)
		}
	}

	og.SendRecvOps = og.SendRecvOps[:0]
	for d, layer := range newLayers {
		for _, op := range layer {
			op.Depth = d
			if op.Code.IsSendRecv() {
				og.SendRecvOps = append(og.SendRecvOps, op.ID)
			}
		}
	}
}

func (og *OpGraph) rebuildIndex() {
	og.byID = make(map[OpID]*Op, len(og.Ops))
	for i, op := range og.Ops {
		op.declOrder = i
		og.byID[op.ID] = op
	}
}
