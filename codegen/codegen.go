// Package codegen implements the code generator (C7): it turns packed
// SchedOpSeqs into deterministic kernel source units and a launch plan,
// resolving every tensor to a physical address via the buffer planner.
package codegen

import (
	"sort"

	"github.com/deepshard/gpusched/catalog"
	"github.com/deepshard/gpusched/core"
	"github.com/deepshard/gpusched/errs"
	"github.com/deepshard/gpusched/packer"
	"github.com/deepshard/gpusched/planner"
	"github.com/deepshard/gpusched/sequence"
)

// DepthInput pairs one depth's sequences with its packing decision; the
// scheduler assembles one of these per depth before calling Generate.
type DepthInput struct {
	Depth  int
	Seqs   []*sequence.SchedOpSeq
	Packed *packer.DepthPlan
}

// LaunchDescriptor is one sequence's dispatch within its Sched entry.
// EntryIndex is the index of its entry within the depth's packed plan, so
// callers can regroup consecutive descriptors sharing (Depth, EntryIndex)
// back into one concurrent Sched entry.
type LaunchDescriptor struct {
	Depth      int
	EntryIndex int
	SeqID      int
	KernelHash string
}

// KernelPlan is the codegen output: deduplicated kernel sources plus an
// ordered launch list.
type KernelPlan struct {
	Sources  map[string]catalog.KernelSourceUnit
	Launches []LaunchDescriptor
}

// Generate walks depths in order (callers must pass them sorted by Depth,
// matching graph.OpGraph.NumDepths/DepthOps), emitting one kernel source
// per unique sequence hash (reusing an already-emitted source for repeats)
// and one LaunchDescriptor per (depth, entry, sequence) triple, preserving
// entry order so entries stay intact as concurrent groups downstream.
func Generate(depths []DepthInput, tensors map[core.TensorID]*core.Tensor, pl *planner.Plan, kc catalog.KernelCatalog) (*KernelPlan, error) {
	plan := &KernelPlan{Sources: make(map[string]catalog.KernelSourceUnit)}
	layout := resolveLayout(tensors, pl)

	for _, d := range depths {
		if d.Packed == nil {
			continue
		}
		byID := make(map[int]*sequence.SchedOpSeq, len(d.Seqs))
		for _, s := range d.Seqs {
			byID[s.ID] = s
		}

		for entryIdx, entry := range d.Packed.Entries {
			seqIDs := append([]int(nil), entry.SeqIDs...)
			sort.Ints(seqIDs)

			for _, seqID := range seqIDs {
				s, ok := byID[seqID]
				if !ok {
					return nil, errs.New(errs.CodegenUnsupported, "packed sequence id has no matching SchedOpSeq", map[string]interface{}{
						"depth": d.Depth, "seq_id": seqID,
					})
				}
				if _, emitted := plan.Sources[s.Hash]; !emitted {
					unit, err := kc.Emit(s.Hash, s.Ops, tensors, layout)
					if err != nil {
						return nil, errs.Wrap(err, errs.CodegenUnsupported, "kernel emission failed", map[string]interface{}{
							"depth": d.Depth, "seq_id": s.ID, "hash": s.Hash,
						})
					}
					plan.Sources[s.Hash] = unit
				}
				plan.Launches = append(plan.Launches, LaunchDescriptor{
					Depth: d.Depth, EntryIndex: entryIdx, SeqID: seqID, KernelHash: s.Hash,
				})
			}
		}
	}

	return plan, nil
}

// resolveLayout adapts the buffer planner's Plan into the catalog's
// LayoutResolver: a tensor id resolves via its owning TensorBuf's planned
// offset. Base is always zero here. For a local buffer Offset is its byte
// offset in the rank's single arena; for an imported buffer it is the
// address the planner resolved through the DeviceManager.
func resolveLayout(tensors map[core.TensorID]*core.Tensor, pl *planner.Plan) catalog.LayoutResolver {
	return func(tid core.TensorID) (catalog.TensorAddress, bool) {
		tn, ok := tensors[tid]
		if !ok {
			return catalog.TensorAddress{}, false
		}
		bi, ok := pl.Resolve(tn.Buf)
		if !ok {
			return catalog.TensorAddress{}, false
		}
		return catalog.TensorAddress{Base: 0, Offset: bi.Offset}, true
	}
}
