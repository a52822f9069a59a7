package core

import (
	"fmt"

	"github.com/deepshard/gpusched/errs"
)

// MaxDims is the largest number of axes a Dims vector may carry.
const MaxDims = 4

// NoDim is the sentinel used only at construction time to mark an axis as
// not-yet-known; it never appears in a validated Dims.
const NoDim = -1

// Dims is an ordered integer vector of length 1-4, each component > 0.
type Dims []int

// NewDims validates and constructs a Dims from raw components.
func NewDims(components ...int) (Dims, error) {
	if len(components) == 0 || len(components) > MaxDims {
		return nil, errs.New(errs.ShapeInvalid, "ndims out of range", map[string]interface{}{
			"ndims": len(components),
			"max":   MaxDims,
		})
	}
	d := make(Dims, len(components))
	for i, c := range components {
		if c <= 0 {
			return nil, errs.New(errs.ShapeInvalid, "dim component must be > 0", map[string]interface{}{
				"axis":  i,
				"value": c,
			})
		}
		d[i] = c
	}
	return d, nil
}

// NDims returns the number of axes.
func (d Dims) NDims() int { return len(d) }

// Elements returns the product of all components (the element count).
func (d Dims) Elements() int {
	n := 1
	for _, c := range d {
		n *= c
	}
	return n
}

// Equal reports whether two Dims have identical rank and components.
func (d Dims) Equal(o Dims) bool {
	if len(d) != len(o) {
		return false
	}
	for i := range d {
		if d[i] != o[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (d Dims) Clone() Dims {
	c := make(Dims, len(d))
	copy(c, d)
	return c
}

func (d Dims) String() string {
	return fmt.Sprintf("%v", []int(d))
}

// Permute returns a new Dims with axes reordered by perm: result[i] =
// d[perm[i]]. perm must be a permutation of 0..NDims()-1.
func (d Dims) Permute(perm []int) (Dims, error) {
	n := d.NDims()
	if len(perm) != n {
		return nil, errs.New(errs.ShapeInvalid, "permutation rank mismatch", map[string]interface{}{
			"ndims": n, "perm_len": len(perm),
		})
	}
	seen := make([]bool, n)
	out := make(Dims, n)
	for i, p := range perm {
		if p < 0 || p >= n || seen[p] {
			return nil, errs.New(errs.ShapeInvalid, "invalid permutation", map[string]interface{}{
				"axis": i, "perm": p,
			})
		}
		seen[p] = true
		out[i] = d[p]
	}
	return out, nil
}

// InversePermutation returns π⁻¹ such that InversePermutation(perm)[perm[i]]
// == i for every axis i, the permutation that undoes perm.
func InversePermutation(perm []int) []int {
	inv := make([]int, len(perm))
	for i, p := range perm {
		inv[p] = i
	}
	return inv
}

// Pad rounds x up to the nearest multiple of unit: ceil(x/unit)*unit.
func Pad(x, unit int) int {
	if unit <= 0 {
		return x
	}
	return ((x + unit - 1) / unit) * unit
}

// GCD returns the greatest common divisor of a and b.
func GCD(a, b int) int {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// LCM returns the least common multiple of a and b.
func LCM(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	g := GCD(a, b)
	return (a / g) * b
}
