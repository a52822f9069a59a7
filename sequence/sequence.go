// Package sequence implements the op-sequence builder (C5): it merges ops
// at the same depth into SchedOpSeqs that can share a single kernel launch.
package sequence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/deepshard/gpusched/catalog"
	"github.com/deepshard/gpusched/core"
	"github.com/deepshard/gpusched/graph"
)

// MaxWarpsPerSeqDefault is the default MAX_WARPS_PER_SEQ (wps).
const MaxWarpsPerSeqDefault = 16

// BuildOptions configures the sequence builder.
type BuildOptions struct {
	MaxWarpsPerSeq int
}

// DefaultBuildOptions returns MaxWarpsPerSeq set to MaxWarpsPerSeqDefault.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{MaxWarpsPerSeq: MaxWarpsPerSeqDefault}
}

// SchedOpSeq is an ordered run of ops that share one kernel invocation.
type SchedOpSeq struct {
	ID    int // per-depth sequence number, in declaration order
	Depth int
	Ops   []*graph.Op
	Warps int
	Hash  string
}

// Build merges depthOps (already in declaration order, see
// graph.OpGraph.DepthOps) into SchedOpSeqs. Two consecutive ops fuse iff
// they are sequence-compatible per the KernelCatalog, either B consumes
// only A's outputs or they are conflict-free data-parallel siblings, and
// the combined warp count stays within opts.MaxWarpsPerSeq.
func Build(depth int, depthOps []*graph.Op, tensors map[core.TensorID]*core.Tensor, kc catalog.KernelCatalog, opts BuildOptions) ([]*SchedOpSeq, error) {
	if opts.MaxWarpsPerSeq <= 0 {
		opts.MaxWarpsPerSeq = MaxWarpsPerSeqDefault
	}

	var seqs []*SchedOpSeq
	var cur *SchedOpSeq
	var curWarps int

	for _, op := range depthOps {
		sig, err := kc.Signature(op.Code)
		if err != nil {
			return nil, err
		}
		w := opWarps(sig, op, tensors)

		if cur != nil && canFuse(kc, cur, op, tensors) && curWarps+w <= opts.MaxWarpsPerSeq {
			cur.Ops = append(cur.Ops, op)
			curWarps += w
			cur.Warps = curWarps
			continue
		}

		cur = &SchedOpSeq{ID: len(seqs), Depth: depth, Ops: []*graph.Op{op}, Warps: w}
		curWarps = w
		seqs = append(seqs, cur)
	}

	for _, s := range seqs {
		s.Hash = signatureHash(s.Ops, tensors)
	}
	return seqs, nil
}

// opWarps estimates a per-op warp requirement from the catalog's base
// figure scaled by element count, so a large tensor costs more warps than
// a tiny one sharing the same opcode.
func opWarps(sig catalog.KernelSignature, op *graph.Op, tensors map[core.TensorID]*core.Tensor) int {
	elements := 1
	if len(op.Outputs) > 0 {
		if t, ok := tensors[op.Outputs[0]]; ok {
			elements = t.Shape.Elements()
		}
	}
	const elementsPerWarp = 256
	scaled := (elements + elementsPerWarp - 1) / elementsPerWarp
	if scaled < sig.BaseWarps {
		scaled = sig.BaseWarps
	}
	return scaled
}

func canFuse(kc catalog.KernelCatalog, cur *SchedOpSeq, next *graph.Op, tensors map[core.TensorID]*core.Tensor) bool {
	if len(cur.Ops) == 0 {
		return false
	}
	last := cur.Ops[len(cur.Ops)-1]
	if !kc.SequenceCompatible(last.Code, next.Code) {
		return false
	}
	if consumesOnlySeqOutputs(cur, next) {
		return true
	}
	return dataParallelSiblings(cur, next, tensors)
}

// consumesOnlySeqOutputs reports whether every input of next is produced by
// some op already in cur (and next has at least one input) — i.e. next has
// no dependency outside the sequence being built.
func consumesOnlySeqOutputs(cur *SchedOpSeq, next *graph.Op) bool {
	if len(next.Inputs) == 0 {
		return false
	}
	produced := make(map[core.TensorID]bool)
	for _, op := range cur.Ops {
		for _, out := range op.Outputs {
			produced[out] = true
		}
	}
	for _, in := range next.Inputs {
		if !produced[in] {
			return false
		}
	}
	return true
}

// dataParallelSiblings reports whether next is a same-shape sibling with no
// conflicting output buffer: none of its outputs collide with an output
// already claimed by cur, and (when both sides have a resolvable output
// tensor) the element shapes agree.
func dataParallelSiblings(cur *SchedOpSeq, next *graph.Op, tensors map[core.TensorID]*core.Tensor) bool {
	claimed := make(map[core.TensorID]bool)
	for _, op := range cur.Ops {
		for _, out := range op.Outputs {
			claimed[out] = true
		}
	}
	for _, out := range next.Outputs {
		if claimed[out] {
			return false
		}
	}
	if len(cur.Ops) == 0 || len(cur.Ops[0].Outputs) == 0 || len(next.Outputs) == 0 {
		return true
	}
	refTensor, ok1 := tensors[cur.Ops[0].Outputs[0]]
	nextTensor, ok2 := tensors[next.Outputs[0]]
	if !ok1 || !ok2 {
		return true
	}
	return refTensor.Shape.Equal(nextTensor.Shape)
}

// signatureHash computes H(opcodes, canonical_shapes, dtypes, tile_params):
// a stable digest over the sequence's structural signature, used by C6/C7
// to deduplicate kernel generation across sequences that share one. Uses
// stdlib sha256 rather than a pack dependency: this is an internal dedup
// key, not a cryptographic or wire-format boundary, so no third-party
// hashing library in the pack offers anything the standard library lacks.
func signatureHash(ops []*graph.Op, tensors map[core.TensorID]*core.Tensor) string {
	var b strings.Builder
	for _, op := range ops {
		fmt.Fprintf(&b, "op:%d;", int(op.Code))
		for _, out := range op.Outputs {
			if t, ok := tensors[out]; ok {
				fmt.Fprintf(&b, "shape:%v;dtype:%s;", []int(t.Shape), t.Type)
			}
		}
		if len(op.Config.Perm) > 0 {
			fmt.Fprintf(&b, "perm:%v;", op.Config.Perm)
		}
		if len(op.Config.TileSizes) > 0 {
			sorted := append([]int(nil), op.Config.TileSizes...)
			sort.Ints(sorted)
			fmt.Fprintf(&b, "tile:%v;", sorted)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
