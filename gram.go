package styletransfer

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Gram is a batch of channel-correlation matrices with shape (B, C, C).
type Gram struct {
	B, C int
	Data []float64
}

func (g *Gram) At(b, i, j int) float64 {
	return g.Data[(b*g.C+i)*g.C+j]
}

// Matrix returns a view of batch element b.
func (g *Gram) Matrix(b int) *mat.Dense {
	cc := g.C * g.C
	return mat.NewDense(g.C, g.C, g.Data[b*cc:(b+1)*cc])
}

// GramMatrix computes G[b,i,j] = sum_{h,w} x[b,h,w,i]*x[b,h,w,j] / (H*W).
//
// Summing over h,w drops every positional index, so only which channels
// fire together survives. Dividing by H*W makes layers of different spatial
// size comparable.
func GramMatrix(x *Tensor) (*Gram, error) {
	if err := checkRank("GramMatrix", "activation", x); err != nil {
		return nil, err
	}
	B, C, n := x.Shape.N(), x.Shape.C(), x.Shape.Spatial()
	cc := C * C
	out := &Gram{B: B, C: C, Data: make([]float64, B*cc)}
	for b := range B {
		f := mat.NewDense(n, C, x.Data[b*n*C:(b+1)*n*C])
		g := mat.NewSymDense(C, out.Data[b*cc:(b+1)*cc])
		g.SymOuterK(1/float64(n), f.T())
		// Syrk only writes the upper triangle.
		data := out.Data[b*cc : (b+1)*cc]
		for i := range C {
			for j := range i {
				data[i*C+j] = data[j*C+i]
			}
		}
	}
	return out, nil
}

// gramBackward maps dL/dG onto dL/dX for x with the given shape:
// dX = X (dG + dGᵀ) / (H*W).
func gramBackward(x *Tensor, dG *Gram) (*Tensor, error) {
	if dG.B != x.Shape.N() || dG.C != x.Shape.C() {
		return nil, &ShapeError{
			Op:    "gramBackward",
			Name:  "dG",
			Got:   x.Shape,
			Cause: fmt.Sprintf("gram gradient (%d,%d,%d) does not match activation", dG.B, dG.C, dG.C),
		}
	}
	B, C, n := x.Shape.N(), x.Shape.C(), x.Shape.Spatial()
	out := NewTensor(x.Shape)
	var sym mat.Dense
	for b := range B {
		dg := dG.Matrix(b)
		sym.Reset()
		sym.Add(dg, dg.T())
		f := mat.NewDense(n, C, x.Data[b*n*C:(b+1)*n*C])
		dx := mat.NewDense(n, C, out.Data[b*n*C:(b+1)*n*C])
		dx.Mul(f, &sym)
		dx.Scale(1/float64(n), dx)
	}
	return out, nil
}
