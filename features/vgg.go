// Package features provides a frozen VGG-style convolutional feature
// extractor with a reverse-mode tape, so the style-transfer loss can be
// differentiated with respect to the input image.
package features

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	st "github.com/setanarut/styletransfer"
)

// Config describes the network topology and preprocessing.
type Config struct {
	// Input resolution. Weights do not depend on it.
	Width, Height int
	// Output channels of every convolution in block 1..5.
	// VGG19 uses {64, 128, 256, 512, 512}.
	Widths [5]int
	// Convolutions per block. VGG19 uses {2, 2, 4, 4, 4}.
	Convs [5]int
	// Per-channel preprocessing applied to [0,1] RGB input: (x - Mean) / Std.
	Mean, Std [3]float64
	// Seed for He-normal initialization when no weights are loaded.
	Seed uint64
}

// VGG19Config is the full VGG19 feature stack at the given resolution.
func VGG19Config(width, height int) Config {
	return Config{
		Width:  width,
		Height: height,
		Widths: [5]int{64, 128, 256, 512, 512},
		Convs:  [5]int{2, 2, 4, 4, 4},
		Mean:   [3]float64{0.485, 0.456, 0.406},
		Std:    [3]float64{0.229, 0.224, 0.225},
		Seed:   1,
	}
}

// TinyConfig keeps the VGG19 layer names but with few channels and one
// convolution per block. It is meant for tests and quick CPU runs.
func TinyConfig(width, height int) Config {
	cfg := VGG19Config(width, height)
	cfg.Widths = [5]int{4, 8, 8, 12, 12}
	cfg.Convs = [5]int{1, 1, 1, 1, 1}
	return cfg
}

// Scaled divides every VGG19 width by factor, keeping at least 2 channels.
func Scaled(width, height, factor int) Config {
	cfg := VGG19Config(width, height)
	for i, w := range cfg.Widths {
		cfg.Widths[i] = max(2, w/max(1, factor))
	}
	return cfg
}

func (c Config) validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("features: resolution must be positive, got %dx%d", c.Width, c.Height)
	}
	for b := range 5 {
		if c.Convs[b] < 1 || c.Convs[b] > 4 {
			return fmt.Errorf("features: block%d needs 1-4 convolutions, got %d", b+1, c.Convs[b])
		}
		if c.Widths[b] <= 0 {
			return fmt.Errorf("features: block%d width must be positive, got %d", b+1, c.Widths[b])
		}
	}
	for i, s := range c.Std {
		if s <= 0 {
			return fmt.Errorf("features: Std[%d] must be positive, got %v", i, s)
		}
	}
	return nil
}

type op struct {
	name st.Layer
	conv *conv3x3 // nil for pooling
}

// VGG is a frozen feature extractor. It is safe for concurrent use: Forward
// never writes to the network, only to the returned tape.
type VGG struct {
	cfg      Config
	ops      []op
	registry *st.Registry
}

var _ st.Extractor = (*VGG)(nil)

// New builds a network with He-normal weights drawn from cfg.Seed.
func New(cfg Config) (*VGG, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, 0x5851f42d4c957f2d))
	var ops []op
	cin := 3
	for b := range 5 {
		cout := cfg.Widths[b]
		for k := range cfg.Convs[b] {
			c := &conv3x3{
				cin:    cin,
				cout:   cout,
				weight: make([]float64, 9*cin*cout),
				bias:   make([]float64, cout),
			}
			std := math.Sqrt(2 / float64(9*cin))
			for i := range c.weight {
				c.weight[i] = rng.NormFloat64() * std
			}
			ops = append(ops, op{name: convName(b, k), conv: c})
			cin = cout
		}
		ops = append(ops, op{name: poolName(b)})
	}
	return newVGG(cfg, ops)
}

func newVGG(cfg Config, ops []op) (*VGG, error) {
	layers := make([]st.Layer, len(ops))
	for i, o := range ops {
		layers[i] = o.name
	}
	v := &VGG{cfg: cfg, ops: ops, registry: st.NewRegistry(layers)}
	// Every pooling halves the resolution; the final map must not vanish.
	if h, w := cfg.Height>>5, cfg.Width>>5; h < 1 || w < 1 {
		return nil, fmt.Errorf("features: %dx%d is too small for five 2x2 poolings (need >= 32)", cfg.Width, cfg.Height)
	}
	return v, nil
}

func convName(block, conv int) st.Layer {
	return st.Layer(fmt.Sprintf("block%d_conv%d", block+1, conv+1))
}

func poolName(block int) st.Layer {
	return st.Layer(fmt.Sprintf("block%d_pool", block+1))
}

func (v *VGG) Layers() []st.Layer { return v.registry.Layers() }

func (v *VGG) Final() st.Layer { return v.ops[len(v.ops)-1].name }

func (v *VGG) InputShape() st.Shape { return st.ImageShape(v.cfg.Width, v.cfg.Height) }

// Config returns the topology, with widths and convolution counts as built.
func (v *VGG) Config() Config { return v.cfg }

// Forward runs the network up to the deepest requested layer.
func (v *VGG) Forward(x *st.Tensor, layers []st.Layer, mode st.ExecutionMode) (st.Tape, error) {
	if x == nil {
		return nil, &st.ShapeError{Op: "VGG.Forward", Name: "input", Cause: "nil tensor"}
	}
	if want := v.InputShape(); x.Shape != want || len(x.Data) != want.Size() {
		return nil, &st.ShapeError{Op: "VGG.Forward", Name: "input", Got: x.Shape, Want: want}
	}
	if err := v.registry.Validate(layers...); err != nil {
		return nil, err
	}
	last := -1
	for _, l := range layers {
		last = max(last, v.registry.Depth(l))
	}

	t := &tape{vgg: v, mode: mode, outputs: make([]*st.Tensor, last+1), argmax: make([][]int, last+1)}
	t.input = v.preprocess(x)
	cur := t.input
	for i := 0; i <= last; i++ {
		o := v.ops[i]
		if o.conv != nil {
			var err error
			if cur, err = o.conv.forward(cur, mode); err != nil {
				return nil, fmt.Errorf("features: %s: %w", o.name, err)
			}
		} else {
			cur, t.argmax[i] = maxPool2{}.forward(cur)
		}
		t.outputs[i] = cur
	}
	return t, nil
}

func (v *VGG) preprocess(x *st.Tensor) *st.Tensor {
	out := st.NewTensor(x.Shape)
	for i, val := range x.Data {
		c := i % 3
		out.Data[i] = (val - v.cfg.Mean[c]) / v.cfg.Std[c]
	}
	return out
}

// tape records every intermediate output of one forward pass.
type tape struct {
	vgg     *VGG
	mode    st.ExecutionMode
	input   *st.Tensor
	outputs []*st.Tensor
	argmax  [][]int
}

func (t *tape) Activation(l st.Layer) *st.Tensor {
	i := t.vgg.registry.Depth(l)
	if i < 0 || i >= len(t.outputs) {
		return nil
	}
	return t.outputs[i]
}

func (t *tape) Backward(grads map[st.Layer]*st.Tensor) (*st.Tensor, error) {
	deepest := -1
	for l, g := range grads {
		i := t.vgg.registry.Depth(l)
		if i < 0 {
			return nil, &st.LayerNotFoundError{Layer: l, Known: t.vgg.Layers()}
		}
		if i >= len(t.outputs) {
			return nil, fmt.Errorf("features: layer %s was not recorded by this forward pass", l)
		}
		if g == nil || g.Shape != t.outputs[i].Shape || len(g.Data) != len(t.outputs[i].Data) {
			want := t.outputs[i].Shape
			got := st.Shape{}
			if g != nil {
				got = g.Shape
			}
			return nil, &st.ShapeError{Op: "VGG.Backward", Name: string(l), Got: got, Want: want}
		}
		deepest = max(deepest, i)
	}
	if deepest < 0 {
		return nil, nil
	}

	var g *st.Tensor
	for i := deepest; i >= 0; i-- {
		if extra, ok := grads[t.vgg.ops[i].name]; ok {
			if g == nil {
				g = extra.Clone()
			} else {
				for j, v := range extra.Data {
					g.Data[j] += v
				}
			}
		}
		if g == nil {
			continue
		}
		in := t.input
		if i > 0 {
			in = t.outputs[i-1]
		}
		o := t.vgg.ops[i]
		if o.conv != nil {
			var err error
			if g, err = o.conv.backward(t.outputs[i], g, t.mode); err != nil {
				return nil, fmt.Errorf("features: %s: %w", o.name, err)
			}
		} else {
			g = maxPool2{}.backward(in.Shape, t.argmax[i], g)
		}
	}
	if g == nil {
		return nil, errors.New("features: empty gradient path")
	}
	// Undo (x - mean) / std.
	for i := range g.Data {
		g.Data[i] /= t.vgg.cfg.Std[i%3]
	}
	return g, nil
}
