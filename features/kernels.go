package features

import (
	"fmt"
	"math"
	"runtime"

	st "github.com/setanarut/styletransfer"
	"golang.org/x/sync/errgroup"
)

// forRows splits [0,rows) into contiguous chunks and returns the first chunk
// error. In ExecParallel mode at most GOMAXPROCS chunks run at once and all
// are joined before returning; fn must only write rows inside its own chunk.
func forRows(mode st.ExecutionMode, rows int, fn func(lo, hi int) error) error {
	workers := 1
	if mode == st.ExecParallel {
		workers = min(runtime.GOMAXPROCS(0), rows)
	}
	if workers <= 1 {
		return fn(0, rows)
	}
	chunk := (rows + workers - 1) / workers
	var g errgroup.Group
	g.SetLimit(workers)
	for lo := 0; lo < rows; lo += chunk {
		hi := min(lo+chunk, rows)
		g.Go(func() error { return fn(lo, hi) })
	}
	return g.Wait()
}

// finite reports the first non-finite value of v as a divergence at where.
func finite(v []float64, where string) error {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return &st.DivergenceError{Loss: x, Where: where}
		}
	}
	return nil
}

// conv3x3 is a stride-1, same-padded 3x3 convolution followed by ReLU.
// Weights are laid out [kh][kw][cin][cout].
type conv3x3 struct {
	cin, cout int
	weight    []float64
	bias      []float64
}

// forward fails on a channel mismatch or a non-finite activation.
func (c *conv3x3) forward(in *st.Tensor, mode st.ExecutionMode) (*st.Tensor, error) {
	N, H, W := in.Shape.N(), in.Shape.H(), in.Shape.W()
	if in.Shape.C() != c.cin {
		return nil, fmt.Errorf("features: conv expects %d input channels, got %d", c.cin, in.Shape.C())
	}
	out := st.NewTensor(st.Shape{N, H, W, c.cout})
	for n := range N {
		err := forRows(mode, H, func(lo, hi int) error {
			for y := lo; y < hi; y++ {
				for x := range W {
					acc := out.Data[out.Index(n, y, x, 0) : out.Index(n, y, x, 0)+c.cout]
					copy(acc, c.bias)
					for kh := range 3 {
						iy := y + kh - 1
						if iy < 0 || iy >= H {
							continue
						}
						for kw := range 3 {
							ix := x + kw - 1
							if ix < 0 || ix >= W {
								continue
							}
							px := in.Data[in.Index(n, iy, ix, 0) : in.Index(n, iy, ix, 0)+c.cin]
							base := (kh*3 + kw) * c.cin * c.cout
							for ci, v := range px {
								if v == 0 {
									continue
								}
								wrow := c.weight[base+ci*c.cout : base+(ci+1)*c.cout]
								for co, w := range wrow {
									acc[co] += v * w
								}
							}
						}
					}
					if err := finite(acc, "activation"); err != nil {
						return err
					}
					for co, v := range acc {
						if v < 0 {
							acc[co] = 0
						}
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// backward maps dL/dOut (post-ReLU) to dL/dIn. out is the forward output and
// supplies the ReLU mask. The weights receive no gradient.
func (c *conv3x3) backward(out, dOut *st.Tensor, mode st.ExecutionMode) (*st.Tensor, error) {
	N, H, W := out.Shape.N(), out.Shape.H(), out.Shape.W()
	dPre := st.NewTensor(out.Shape)
	for i, v := range out.Data {
		if v > 0 {
			dPre.Data[i] = dOut.Data[i]
		}
	}
	dIn := st.NewTensor(st.Shape{N, H, W, c.cin})
	for n := range N {
		err := forRows(mode, H, func(lo, hi int) error {
			for y := lo; y < hi; y++ {
				for x := range W {
					dst := dIn.Data[dIn.Index(n, y, x, 0) : dIn.Index(n, y, x, 0)+c.cin]
					for kh := range 3 {
						oy := y - kh + 1
						if oy < 0 || oy >= H {
							continue
						}
						for kw := range 3 {
							ox := x - kw + 1
							if ox < 0 || ox >= W {
								continue
							}
							g := dPre.Data[dPre.Index(n, oy, ox, 0) : dPre.Index(n, oy, ox, 0)+c.cout]
							base := (kh*3 + kw) * c.cin * c.cout
							for ci := range dst {
								wrow := c.weight[base+ci*c.cout : base+(ci+1)*c.cout]
								s := 0.0
								for co, w := range wrow {
									s += g[co] * w
								}
								dst[ci] += s
							}
						}
					}
					if err := finite(dst, "gradient"); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return dIn, nil
}

// maxPool2 is a 2x2, stride-2 max pooling. Odd trailing rows and columns are dropped.
type maxPool2 struct{}

func (maxPool2) forward(in *st.Tensor) (*st.Tensor, []int) {
	N, H, W, C := in.Shape.N(), in.Shape.H(), in.Shape.W(), in.Shape.C()
	oh, ow := H/2, W/2
	out := st.NewTensor(st.Shape{N, oh, ow, C})
	argmax := make([]int, len(out.Data))
	for n := range N {
		for y := range oh {
			for x := range ow {
				for c := range C {
					best := in.Index(n, 2*y, 2*x, c)
					for _, i := range [3]int{
						in.Index(n, 2*y, 2*x+1, c),
						in.Index(n, 2*y+1, 2*x, c),
						in.Index(n, 2*y+1, 2*x+1, c),
					} {
						if in.Data[i] > in.Data[best] {
							best = i
						}
					}
					o := out.Index(n, y, x, c)
					out.Data[o] = in.Data[best]
					argmax[o] = best
				}
			}
		}
	}
	return out, argmax
}

func (maxPool2) backward(inShape st.Shape, argmax []int, dOut *st.Tensor) *st.Tensor {
	dIn := st.NewTensor(inShape)
	for o, i := range argmax {
		dIn.Data[i] += dOut.Data[o]
	}
	return dIn
}
