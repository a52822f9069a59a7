// Package catalog declares the KernelCatalog interface — the external
// collaborator owning the kernel template library (elementwise, matmul,
// transpose, collectives) — plus a reference implementation used by tests
// and the CLI's default wiring.
package catalog

import (
	"fmt"

	"github.com/deepshard/gpusched/core"
	"github.com/deepshard/gpusched/errs"
	"github.com/deepshard/gpusched/graph"
)

// KernelSignature describes an opcode's arity, dtype constraints, and
// resource needs, as returned by KernelCatalog.Signature.
type KernelSignature struct {
	Opcode        graph.OpCode
	InArity       int
	OutArity      int
	AllowedDTypes []core.DType
	BaseWarps     int
	BaseSMs       int
}

func (s KernelSignature) allows(t core.DType) bool {
	for _, d := range s.AllowedDTypes {
		if d == t {
			return true
		}
	}
	return false
}

// TensorAddress is a resolved physical location: an arena base address plus
// a byte offset within it, as computed by the buffer planner (C4).
type TensorAddress struct {
	Base   uintptr
	Offset int
}

// LayoutResolver resolves a tensor id to its physical address, as planned
// by C4; the code generator supplies this to Emit.
type LayoutResolver func(core.TensorID) (TensorAddress, bool)

// KernelSourceUnit is one deterministically emitted kernel source, keyed by
// its sequence hash so callers can deduplicate across `Sched` entries.
type KernelSourceUnit struct {
	Hash   string
	Source string
}

// KernelCatalog is implemented by the kernel template library.
type KernelCatalog interface {
	// Signature returns the declared signature for opcode, or
	// CodegenUnsupported if the catalog has no kernel for it.
	Signature(opcode graph.OpCode) (KernelSignature, error)

	// SequenceCompatible reports whether two opcodes may share a
	// SchedOpSeq, per C5's fusion rule.
	SequenceCompatible(a, b graph.OpCode) bool

	// Emit generates the deterministic kernel source for one sequence.
	Emit(sequenceHash string, ops []*graph.Op, tensors map[core.TensorID]*core.Tensor, layout LayoutResolver) (KernelSourceUnit, error)
}

// Reference is a minimal, deterministic KernelCatalog used by tests and as
// the CLI's default when no production catalog is wired in. It mirrors
// kernels.Catalog's opcode table but exposes it behind the KernelCatalog
// interface instead of a fixed array of function pointers, since opcodes
// here are graph.OpCode values tied to tensor shapes rather than raw bytes.
type Reference struct {
	signatures map[graph.OpCode]KernelSignature
}

// NewReference builds a Reference catalog with signatures for the opcodes
// graph.OpCode declares.
func NewReference() *Reference {
	all := []core.DType{core.DTypeByte, core.DTypeInt32, core.DTypeFP16, core.DTypeFP32}
	return &Reference{signatures: map[graph.OpCode]KernelSignature{
		graph.OpElementwise: {Opcode: graph.OpElementwise, InArity: 1, OutArity: 1, AllowedDTypes: all, BaseWarps: 1, BaseSMs: 1},
		graph.OpTranspose:   {Opcode: graph.OpTranspose, InArity: 1, OutArity: 1, AllowedDTypes: all, BaseWarps: 2, BaseSMs: 1},
		graph.OpMatMul:      {Opcode: graph.OpMatMul, InArity: 2, OutArity: 1, AllowedDTypes: []core.DType{core.DTypeFP16, core.DTypeFP32}, BaseWarps: 8, BaseSMs: 1},
		graph.OpReduce:      {Opcode: graph.OpReduce, InArity: 1, OutArity: 1, AllowedDTypes: all, BaseWarps: 4, BaseSMs: 1},
		graph.OpSend:        {Opcode: graph.OpSend, InArity: 1, OutArity: 0, AllowedDTypes: all, BaseWarps: 1, BaseSMs: 1},
		graph.OpRecv:        {Opcode: graph.OpRecv, InArity: 0, OutArity: 1, AllowedDTypes: all, BaseWarps: 1, BaseSMs: 1},
	}}
}

func (r *Reference) Signature(opcode graph.OpCode) (KernelSignature, error) {
	sig, ok := r.signatures[opcode]
	if !ok {
		return KernelSignature{}, errs.New(errs.CodegenUnsupported, "no kernel signature for opcode", map[string]interface{}{
			"opcode": int(opcode),
		})
	}
	return sig, nil
}

// SequenceCompatible allows fusing ops of the same opcode, plus any
// elementwise op following another elementwise op (the only fusion chain
// C3's optimize_model pass and C5's builder both rely on); send/recv never
// fuses with anything, matching the communication-depth isolation rule.
func (r *Reference) SequenceCompatible(a, b graph.OpCode) bool {
	if a.IsSendRecv() || b.IsSendRecv() {
		return false
	}
	if a == b {
		return true
	}
	return a == graph.OpElementwise && b == graph.OpElementwise
}

// Emit generates deterministic pseudo-source: a stable textual listing of
// the sequence's ops, in the order given, and their resolved tensor
// addresses. A real
// KernelCatalog would emit actual device source (CUDA/HIP); this reference
// implementation emits enough structure for codegen/plan consistency (P8)
// to be checkable without a real compiler backend.
func (r *Reference) Emit(sequenceHash string, ops []*graph.Op, tensors map[core.TensorID]*core.Tensor, layout LayoutResolver) (KernelSourceUnit, error) {
	var src string
	src += fmt.Sprintf("// kernel %s\n", sequenceHash)
	for _, op := range ops {
		sig, err := r.Signature(op.Code)
		if err != nil {
			return KernelSourceUnit{}, err
		}
		if len(op.Inputs) < sig.InArity || len(op.Outputs) < sig.OutArity {
			return KernelSourceUnit{}, errs.New(errs.CodegenUnsupported, "arity mismatch for opcode", map[string]interface{}{
				"opcode": int(op.Code), "op_id": int(op.ID),
			})
		}
		src += fmt.Sprintf("op %d opcode=%d", int(op.ID), int(op.Code))
		if op.Code == graph.OpTranspose {
			src += fmt.Sprintf(" transpose perm=%v", op.Config.Perm)
			if len(op.Inputs) > 0 {
				if tn, ok := tensors[op.Inputs[0]]; ok {
					src += fmt.Sprintf(" shape=%v", []int(tn.Shape))
				}
			}
		}
		for _, in := range op.Inputs {
			addr, ok := layout(in)
			if !ok {
				return KernelSourceUnit{}, errs.New(errs.CodegenUnsupported, "unresolved input tensor address", map[string]interface{}{
					"tensor_id": int(in),
				})
			}
			src += fmt.Sprintf(" in[%d]=base:%d+%d", int(in), addr.Base, addr.Offset)
		}
		for _, out := range op.Outputs {
			addr, ok := layout(out)
			if !ok {
				return KernelSourceUnit{}, errs.New(errs.CodegenUnsupported, "unresolved output tensor address", map[string]interface{}{
					"tensor_id": int(out),
				})
			}
			src += fmt.Sprintf(" out[%d]=base:%d+%d", int(out), addr.Base, addr.Offset)
		}
		src += "\n"
	}
	return KernelSourceUnit{Hash: sequenceHash, Source: src}, nil
}
