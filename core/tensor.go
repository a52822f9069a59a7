package core

import (
	"github.com/deepshard/gpusched/errs"
)

// DType is the element type of a Tensor.
type DType int

const (
	DTypeByte DType = iota
	DTypeInt32
	DTypeFP16
	DTypeFP32
)

// ByteWidth returns the size in bytes of one element of the given type.
func (t DType) ByteWidth() int {
	switch t {
	case DTypeByte:
		return 1
	case DTypeInt32:
		return 4
	case DTypeFP16:
		return 2
	case DTypeFP32:
		return 4
	default:
		return 0
	}
}

func (t DType) String() string {
	switch t {
	case DTypeByte:
		return "byte"
	case DTypeInt32:
		return "int32"
	case DTypeFP16:
		return "fp16"
	case DTypeFP32:
		return "fp32"
	default:
		return "unknown"
	}
}

// TensorID identifies a Tensor within a Model.
type TensorID int

// noProducer marks a Tensor with no producing op (a graph input).
const noProducer = -1

// Tensor is a view over a TensorBuf. Tensors hold indices, not pointers:
// Buf is a TensorBufID and ProducerOp is an Op id (or noProducer), per the
// index-based reference discipline that keeps Op and Tensor from forming a
// pointer cycle and keeps the whole graph serializable.
type Tensor struct {
	ID   TensorID
	Name string

	Buf TensorBufID

	Shape Dims
	LDims Dims
	Offs  []int
	Pads  []int
	Type  DType

	Exported     bool
	StreamID     int // sid; meaningful when Exported or ImportedRank >= 0
	ImportedRank int // >= 0 if this buffer lives on a remote rank

	ProducerOp int // Op id, or noProducer
}

// NewTensor validates and constructs a Tensor per the invariants in the data
// model: ndims(shape)==ndims(ldims)==ndims(offs)==ndims(pads);
// ldims[i] >= shape[i]+offs[i]; ldims[i] mod pads[i] == 0.
func NewTensor(id TensorID, name string, buf TensorBufID, shape, ldims Dims, offs, pads []int, typ DType) (*Tensor, error) {
	n := shape.NDims()
	if ldims.NDims() != n || len(offs) != n || len(pads) != n {
		return nil, errs.New(errs.ShapeInvalid, "tensor axis-count mismatch", map[string]interface{}{
			"shape_ndims": n,
			"ldims_ndims": ldims.NDims(),
			"offs_ndims":  len(offs),
			"pads_ndims":  len(pads),
		})
	}
	for i := 0; i < n; i++ {
		if offs[i] < 0 {
			return nil, errs.New(errs.ShapeInvalid, "negative offset", map[string]interface{}{"axis": i, "offs": offs[i]})
		}
		if pads[i] <= 0 {
			return nil, errs.New(errs.ShapeInvalid, "non-positive pad", map[string]interface{}{"axis": i, "pads": pads[i]})
		}
		if ldims[i] < shape[i]+offs[i] {
			return nil, errs.New(errs.ShapeInvalid, "ldims too small for shape+offs", map[string]interface{}{
				"axis": i, "ldims": ldims[i], "shape": shape[i], "offs": offs[i],
			})
		}
		if ldims[i]%pads[i] != 0 {
			return nil, errs.New(errs.ShapeInvalid, "ldims not a multiple of pads", map[string]interface{}{
				"axis": i, "ldims": ldims[i], "pads": pads[i],
			})
		}
	}
	return &Tensor{
		ID:           id,
		Name:         name,
		Buf:          buf,
		Shape:        shape.Clone(),
		LDims:        ldims.Clone(),
		Offs:         append([]int(nil), offs...),
		Pads:         append([]int(nil), pads...),
		Type:         typ,
		ImportedRank: -1,
		ProducerOp:   noProducer,
	}, nil
}

// Offset computes the linear element offset for a logical index tuple:
// Σ (offs[i]+idx[i]) · Π_{j>i} ldims[j]  (P1, the offset law).
func (t *Tensor) Offset(idx []int) (int, error) {
	n := t.Shape.NDims()
	if len(idx) != n {
		return 0, errs.New(errs.ShapeInvalid, "index rank mismatch", map[string]interface{}{
			"ndims": n, "idx_len": len(idx),
		})
	}
	off := 0
	for i := 0; i < n; i++ {
		if idx[i] < 0 || idx[i] >= t.Shape[i] {
			return 0, errs.New(errs.ShapeInvalid, "index out of range", map[string]interface{}{
				"axis": i, "idx": idx[i], "shape": t.Shape[i],
			})
		}
		stride := 1
		for j := i + 1; j < n; j++ {
			stride *= t.LDims[j]
		}
		off += (t.Offs[i] + idx[i]) * stride
	}
	return off, nil
}

// ldimsElements returns the element count of the physical layout Π ldims[i],
// the upper bound P1 requires every Offset() to stay within.
func (t *Tensor) ldimsElements() int {
	n := 1
	for _, d := range t.LDims {
		n *= d
	}
	return n
}

// UpdatePads replaces pads[i] with lcm(pads[i], p[i]) and rounds ldims[i] up
// to a multiple of the new pad, for every axis. It only grows pads and
// ldims (P2, padding monotonicity): offs is never revalidated afterward,
// because ldims only grows, so ldims[i] >= shape[i]+offs[i] remains true.
func (t *Tensor) UpdatePads(p []int) error {
	n := t.Shape.NDims()
	if len(p) != n {
		return errs.New(errs.ShapeInvalid, "update_pads rank mismatch", map[string]interface{}{
			"ndims": n, "p_len": len(p),
		})
	}
	for i := 0; i < n; i++ {
		if p[i] <= 0 {
			return errs.New(errs.ShapeInvalid, "non-positive pad in update_pads", map[string]interface{}{"axis": i, "p": p[i]})
		}
		t.Pads[i] = LCM(t.Pads[i], p[i])
		t.LDims[i] = Pad(t.LDims[i], t.Pads[i])
	}
	return nil
}

// Overlaps reports whether t and o occupy overlapping rectangles within the
// same TensorBuf (offs+shape). Tensors of different rank over the same
// buffer are reported as overlapping.
func (t *Tensor) Overlaps(o *Tensor) bool {
	if t.Buf != o.Buf {
		return false
	}
	n := t.Shape.NDims()
	if o.Shape.NDims() != n {
		return true
	}
	for i := 0; i < n; i++ {
		aLo, aHi := t.Offs[i], t.Offs[i]+t.Shape[i]
		bLo, bHi := o.Offs[i], o.Offs[i]+o.Shape[i]
		if aHi <= bLo || bHi <= aLo {
			return false
		}
	}
	return true
}
