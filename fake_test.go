package styletransfer

import (
	"math/rand/v2"
)

// linearNet is a small differentiable extractor:
//
//	block1_conv1  identity of the input (C=3)
//	block1_conv2  per-pixel linear map to 4 channels
//	block1_pool   2x2 average pooling of block1_conv2
type linearNet struct {
	shape Shape
	mix   [3][4]float64
	// nilGrad makes Backward report no gradient path.
	nilGrad bool
	// modes records the execution mode of every Forward call.
	modes []ExecutionMode
}

func newLinearNet(w, h int) *linearNet {
	return &linearNet{
		shape: ImageShape(w, h),
		mix: [3][4]float64{
			{0.5, -0.2, 0.1, 0.9},
			{0.3, 0.8, -0.4, 0.2},
			{-0.1, 0.4, 0.7, 0.3},
		},
	}
}

func (n *linearNet) Layers() []Layer   { return []Layer{Block1Conv1, Block1Conv2, Block1Pool} }
func (n *linearNet) Final() Layer      { return Block1Pool }
func (n *linearNet) InputShape() Shape { return n.shape }

func (n *linearNet) Forward(x *Tensor, layers []Layer, mode ExecutionMode) (Tape, error) {
	if err := checkShape("linearNet.Forward", "input", x, n.shape); err != nil {
		return nil, err
	}
	if err := NewRegistry(n.Layers()).Validate(layers...); err != nil {
		return nil, err
	}
	n.modes = append(n.modes, mode)
	H, W := n.shape.H(), n.shape.W()
	mixed := NewTensor(Shape{1, H, W, 4})
	for p := range H * W {
		for o := range 4 {
			s := 0.0
			for c := range 3 {
				s += x.Data[3*p+c] * n.mix[c][o]
			}
			mixed.Data[4*p+o] = s
		}
	}
	pooled := NewTensor(Shape{1, H / 2, W / 2, 4})
	for y := range H / 2 {
		for xx := range W / 2 {
			for c := range 4 {
				s := mixed.At(0, 2*y, 2*xx, c) + mixed.At(0, 2*y+1, 2*xx, c) +
					mixed.At(0, 2*y, 2*xx+1, c) + mixed.At(0, 2*y+1, 2*xx+1, c)
				pooled.Set(0, y, xx, c, s/4)
			}
		}
	}
	return &linearTape{net: n, acts: map[Layer]*Tensor{
		Block1Conv1: x.Clone(),
		Block1Conv2: mixed,
		Block1Pool:  pooled,
	}}, nil
}

type linearTape struct {
	net  *linearNet
	acts map[Layer]*Tensor
}

func (t *linearTape) Activation(l Layer) *Tensor { return t.acts[l] }

func (t *linearTape) Backward(grads map[Layer]*Tensor) (*Tensor, error) {
	if t.net.nilGrad || len(grads) == 0 {
		return nil, nil
	}
	H, W := t.net.shape.H(), t.net.shape.W()
	dMixed := NewTensor(Shape{1, H, W, 4})
	if g, ok := grads[Block1Conv2]; ok {
		copy(dMixed.Data, g.Data)
	}
	if g, ok := grads[Block1Pool]; ok {
		for y := range H / 2 {
			for x := range W / 2 {
				for c := range 4 {
					v := g.At(0, y, x, c) / 4
					for _, d := range [4][2]int{{0, 0}, {1, 0}, {0, 1}, {1, 1}} {
						i := dMixed.Index(0, 2*y+d[0], 2*x+d[1], c)
						dMixed.Data[i] += v
					}
				}
			}
		}
	}
	dx := NewTensor(t.net.shape)
	if g, ok := grads[Block1Conv1]; ok {
		copy(dx.Data, g.Data)
	}
	for p := range H * W {
		for c := range 3 {
			s := 0.0
			for o := range 4 {
				s += dMixed.Data[4*p+o] * t.net.mix[c][o]
			}
			dx.Data[3*p+c] += s
		}
	}
	return dx, nil
}

func randTensor(shape Shape, seed uint64) *Tensor {
	rng := rand.New(rand.NewPCG(seed, 11))
	t := NewTensor(shape)
	for i := range t.Data {
		t.Data[i] = rng.Float64()
	}
	return t
}

func filled(shape Shape, v float64) *Tensor {
	t := NewTensor(shape)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}
