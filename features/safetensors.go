package features

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/bits"
	"os"
	"slices"

	"github.com/nlpodyssey/safetensors"
)

// Param is one named weight array.
type Param struct {
	Shape []int
	Data  []float64
}

// Weights maps "blockX_convY.weight" ([3,3,Cin,Cout]) and
// "blockX_convY.bias" ([Cout]) to their values.
type Weights map[string]Param

// ReadWeights decodes a safetensors stream. F32, F64 and BF16 are accepted.
func ReadWeights(r io.Reader) (Weights, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("features: read weights: %w", err)
	}
	return decodeWeights(buf)
}

func decodeWeights(buf []byte) (Weights, error) {
	file, err := safetensors.Deserialize(buf)
	if err != nil {
		return nil, fmt.Errorf("features: decode weights: %w", err)
	}
	tensors := file.Tensors()
	w := make(Weights, len(tensors))
	for _, nt := range tensors {
		p, err := decodeParam(nt.TensorView)
		if err != nil {
			return nil, fmt.Errorf("features: tensor %s: %w", nt.Name, err)
		}
		w[nt.Name] = p
	}
	return w, nil
}

// elementCount returns the number of values shape describes, requiring them
// to fill exactly size-byte elements of data. Nothing is allocated before the
// count is known to fit in data.
func elementCount(shape []uint64, size uint64, data int) (int, error) {
	n := uint64(1)
	for _, d := range shape {
		hi, lo := bits.Mul64(n, d)
		if hi != 0 {
			return 0, fmt.Errorf("shape %v overflows", shape)
		}
		n = lo
	}
	hi, lo := bits.Mul64(n, size)
	if hi != 0 || lo != uint64(data) {
		return 0, fmt.Errorf("shape %v does not match %d data bytes", shape, data)
	}
	return int(n), nil
}

func decodeParam(tv safetensors.TensorView) (Param, error) {
	dt, raw := tv.DType(), tv.Data()
	switch dt {
	case safetensors.F32, safetensors.F64, safetensors.BF16:
	default:
		return Param{}, fmt.Errorf("unsupported dtype %v", dt)
	}
	n, err := elementCount(tv.Shape(), dt.Size(), len(raw))
	if err != nil {
		return Param{}, err
	}
	shape := make([]int, len(tv.Shape()))
	for i, d := range tv.Shape() {
		shape[i] = int(d)
	}
	p := Param{Shape: shape, Data: make([]float64, n)}
	switch dt {
	case safetensors.F32:
		for i := range n {
			p.Data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:])))
		}
	case safetensors.F64:
		for i := range n {
			p.Data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
		}
	case safetensors.BF16:
		for i := range n {
			p.Data[i] = float64(math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[2*i:])) << 16))
		}
	}
	return p, nil
}

// LoadWeights reads a .safetensors file.
func LoadWeights(path string) (Weights, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeWeights(buf)
}

// Write encodes w as safetensors with F32 values.
func (w Weights) Write(out io.Writer) error {
	views := make(map[string]safetensors.TensorView, len(w))
	for name, p := range w {
		n := 1
		shape := make([]uint64, len(p.Shape))
		for i, d := range p.Shape {
			if d < 0 {
				return fmt.Errorf("features: tensor %s: negative dimension in %v", name, p.Shape)
			}
			n *= d
			shape[i] = uint64(d)
		}
		if n != len(p.Data) {
			return fmt.Errorf("features: tensor %s: shape %v holds %d values, have %d", name, p.Shape, n, len(p.Data))
		}
		raw := make([]byte, 4*n)
		for i, v := range p.Data {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(float32(v)))
		}
		tv, err := safetensors.NewTensorView(safetensors.F32, shape, raw)
		if err != nil {
			return fmt.Errorf("features: tensor %s: %w", name, err)
		}
		views[name] = tv
	}
	buf, err := safetensors.Serialize(views, nil)
	if err != nil {
		return fmt.Errorf("features: encode weights: %w", err)
	}
	_, err = out.Write(buf)
	return err
}

// SaveWeights writes w to path.
func SaveWeights(path string, w Weights) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := w.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Weights exports the convolution parameters.
func (v *VGG) Weights() Weights {
	w := make(Weights, 2*len(v.ops))
	for _, o := range v.ops {
		if o.conv == nil {
			continue
		}
		w[string(o.name)+".weight"] = Param{
			Shape: []int{3, 3, o.conv.cin, o.conv.cout},
			Data:  slices.Clone(o.conv.weight),
		}
		w[string(o.name)+".bias"] = Param{
			Shape: []int{o.conv.cout},
			Data:  slices.Clone(o.conv.bias),
		}
	}
	return w
}

// FromWeights builds a network from w. Widths and convolution counts are
// inferred from the tensors present, so cfg only supplies resolution and
// preprocessing.
func FromWeights(w Weights, cfg Config) (*VGG, error) {
	var ops []op
	cin := 3
	for b := range 5 {
		convs := 0
		for k := range 4 {
			name := convName(b, k)
			wt, ok := w[string(name)+".weight"]
			if !ok {
				break
			}
			bias, ok := w[string(name)+".bias"]
			if !ok {
				return nil, fmt.Errorf("features: %s has a weight but no bias", name)
			}
			if len(wt.Shape) != 4 || wt.Shape[0] != 3 || wt.Shape[1] != 3 || wt.Shape[2] != cin {
				return nil, fmt.Errorf("features: %s.weight has shape %v, want [3 3 %d Cout]", name, wt.Shape, cin)
			}
			cout := wt.Shape[3]
			if len(wt.Data) != 9*cin*cout {
				return nil, fmt.Errorf("features: %s.weight holds %d values, want %d", name, len(wt.Data), 9*cin*cout)
			}
			if len(bias.Data) != cout {
				return nil, fmt.Errorf("features: %s.bias holds %d values, want %d", name, len(bias.Data), cout)
			}
			ops = append(ops, op{name: name, conv: &conv3x3{
				cin:    cin,
				cout:   cout,
				weight: slices.Clone(wt.Data),
				bias:   slices.Clone(bias.Data),
			}})
			cin = cout
			cfg.Widths[b] = cout
			convs++
		}
		if convs == 0 {
			return nil, fmt.Errorf("features: no weights for %s", convName(b, 0))
		}
		cfg.Convs[b] = convs
		ops = append(ops, op{name: poolName(b)})
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return newVGG(cfg, ops)
}

// Load builds a network from a safetensors file.
func Load(path string, cfg Config) (*VGG, error) {
	w, err := LoadWeights(path)
	if err != nil {
		return nil, err
	}
	v, err := FromWeights(w, cfg)
	if err != nil {
		return nil, fmt.Errorf("features: load %s: %w", path, err)
	}
	return v, nil
}
