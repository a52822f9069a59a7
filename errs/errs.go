// Package errs defines the fatal and non-fatal error kinds produced by the
// gpusched scheduling pipeline, per the error handling design: every error
// carries enough context (ids, shapes, depths) to reproduce, and no error is
// swallowed silently.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies which stage of the pipeline raised an error.
type Kind int

const (
	// ShapeInvalid is raised by C1/C2 when a Dims or Tensor violates an invariant.
	ShapeInvalid Kind = iota
	// CyclicGraph is raised by C3 when the op graph contains a cycle.
	CyclicGraph
	// OutOfDeviceMemory is raised by C4 when the arena exceeds the device cap.
	OutOfDeviceMemory
	// ImportUnresolved is raised by C4 when an import fails to resolve before the deadline.
	ImportUnresolved
	// ExportConflict is raised by C4 when two local buffers share an sid.
	ExportConflict
	// PackerInfeasible is raised by C6 when a single sequence exceeds the device budget.
	PackerInfeasible
	// CodegenUnsupported is raised by C7 for an opcode/dtype combination with no kernel.
	CodegenUnsupported
	// ProfilerTimeout is raised by C8; callers should treat it as non-fatal.
	ProfilerTimeout
)

func (k Kind) String() string {
	switch k {
	case ShapeInvalid:
		return "ShapeInvalid"
	case CyclicGraph:
		return "CyclicGraph"
	case OutOfDeviceMemory:
		return "OutOfDeviceMemory"
	case ImportUnresolved:
		return "ImportUnresolved"
	case ExportConflict:
		return "ExportConflict"
	case PackerInfeasible:
		return "PackerInfeasible"
	case CodegenUnsupported:
		return "CodegenUnsupported"
	case ProfilerTimeout:
		return "ProfilerTimeout"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Fatal reports whether an error of this Kind is fatal once it reaches a
// caller. ProfilerTimeout never is. PackerInfeasible is: the partitioned
// packer handles its own PackerInfeasible by falling back to the default
// packer, so one that is returned comes from the default packer.
func (k Kind) Fatal() bool {
	return k != ProfilerTimeout
}

// Error is the structured error type returned by every gpusched package.
// Fields is a flat context bag (ids, shapes, depths, byte counts) so callers
// can reproduce the failure without re-deriving it from a wrapped string.
type Error struct {
	Kind   Kind
	Msg    string
	Fields map[string]interface{}
	cause  error
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %s %v", e.Kind, e.Msg, e.Fields)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with a message and context fields.
func New(kind Kind, msg string, fields map[string]interface{}) *Error {
	return &Error{Kind: kind, Msg: msg, Fields: fields}
}

// Wrap attaches a Kind and context to an underlying cause, preserving the
// cause's stack trace via github.com/pkg/errors.
func Wrap(cause error, kind Kind, msg string, fields map[string]interface{}) *Error {
	return &Error{Kind: kind, Msg: msg, Fields: fields, cause: errors.WithStack(cause)}
}

// Is reports whether err is a gpusched Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
