package styletransfer

import (
	"fmt"
	"math"
)

// Shape is a 4-D NHWC shape: batch, height, width, channels.
type Shape [4]int

func (s Shape) N() int { return s[0] }
func (s Shape) H() int { return s[1] }
func (s Shape) W() int { return s[2] }
func (s Shape) C() int { return s[3] }

// Size returns the number of elements described by s.
func (s Shape) Size() int {
	return s[0] * s[1] * s[2] * s[3]
}

// Spatial returns H*W.
func (s Shape) Spatial() int {
	return s[1] * s[2]
}

func (s Shape) valid() bool {
	return s[0] > 0 && s[1] > 0 && s[2] > 0 && s[3] > 0
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", s[0], s[1], s[2], s[3])
}

// ImageShape is the shape of a single RGB image of the given size.
func ImageShape(width, height int) Shape {
	return Shape{1, height, width, 3}
}

// Tensor is a dense float64 array in NHWC order.
// Images use N=1, C=3 and values nominally in [0,1].
type Tensor struct {
	Shape Shape
	Data  []float64
}

// NewTensor creates a zero-initialized tensor.
func NewTensor(shape Shape) *Tensor {
	return &Tensor{Shape: shape, Data: make([]float64, shape.Size())}
}

// FromSlice wraps data without copying.
// It returns a ShapeError when len(data) does not match the shape.
func FromSlice(shape Shape, data []float64) (*Tensor, error) {
	if !shape.valid() || len(data) != shape.Size() {
		return nil, &ShapeError{
			Op:    "FromSlice",
			Name:  "data",
			Want:  shape,
			Cause: fmt.Sprintf("%d elements for shape %v", len(data), shape),
		}
	}
	return &Tensor{Shape: shape, Data: data}, nil
}

// Index returns the flat offset of (n, h, w, c).
func (t *Tensor) Index(n, h, w, c int) int {
	s := t.Shape
	return ((n*s[1]+h)*s[2]+w)*s[3] + c
}

// At returns the value at batch n, row h, column w and channel c.
func (t *Tensor) At(n, h, w, c int) float64 {
	return t.Data[t.Index(n, h, w, c)]
}

// Set stores v at the position At reads.
func (t *Tensor) Set(n, h, w, c int, v float64) {
	t.Data[t.Index(n, h, w, c)] = v
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{Shape: t.Shape, Data: make([]float64, len(t.Data))}
	copy(out.Data, t.Data)
	return out
}

// Flatten returns a copy of the underlying data.
func (t *Tensor) Flatten() []float64 {
	out := make([]float64, len(t.Data))
	copy(out, t.Data)
	return out
}

// Finite reports whether every element is neither NaN nor Inf.
func (t *Tensor) Finite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// checkRank validates that t is a well-formed 4-D tensor.
func checkRank(op, name string, t *Tensor) error {
	if t == nil {
		return &ShapeError{Op: op, Name: name, Cause: "nil tensor"}
	}
	if !t.Shape.valid() || len(t.Data) != t.Shape.Size() {
		return &ShapeError{
			Op:    op,
			Name:  name,
			Got:   t.Shape,
			Cause: fmt.Sprintf("rank-4 tensor with %d elements required, have %d", t.Shape.Size(), len(t.Data)),
		}
	}
	return nil
}

// checkShape validates t against an exact shape.
func checkShape(op, name string, t *Tensor, want Shape) error {
	if err := checkRank(op, name, t); err != nil {
		return err
	}
	if t.Shape != want {
		return &ShapeError{Op: op, Name: name, Got: t.Shape, Want: want, Cause: "resolution mismatch"}
	}
	return nil
}
