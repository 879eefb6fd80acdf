package styletransfer

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/lucasb-eyer/go-colorful"
)

// InitMethod selects how the candidate image starts.
type InitMethod string

const (
	// InitRandom draws every channel uniformly from [0,1).
	InitRandom InitMethod = "random"
	// InitContent starts from a copy of the content image.
	InitContent InitMethod = "content"
	// InitPalette paints every pixel with a random colour of the style palette,
	// plus a little uniform noise.
	InitPalette InitMethod = "palette"
)

// ParseInitMethod maps a command-line name to an InitMethod.
func ParseInitMethod(s string) (InitMethod, error) {
	switch m := InitMethod(s); m {
	case InitRandom, InitContent, InitPalette:
		return m, nil
	case "":
		return InitRandom, nil
	}
	return "", fmt.Errorf("styletransfer: unknown init method %q", s)
}

// Initialize builds a candidate image of the given shape.
// content is required for InitContent, palette for InitPalette.
func Initialize(method InitMethod, shape Shape, seed int64, content *Tensor, palette []colorful.Color) (*Tensor, error) {
	rng := rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15))
	out := NewTensor(shape)
	switch method {
	case InitRandom, "":
		for i := range out.Data {
			out.Data[i] = rng.Float64()
		}
	case InitContent:
		if err := checkShape("Initialize", "content", content, shape); err != nil {
			return nil, err
		}
		copy(out.Data, content.Data)
	case InitPalette:
		if len(palette) == 0 {
			return nil, errors.New("styletransfer: palette initialization needs at least one colour")
		}
		if shape.C() != 3 {
			return nil, &ShapeError{Op: "Initialize", Name: "candidate", Got: shape, Cause: "palette initialization needs 3 channels"}
		}
		const noise = 0.05
		for p := 0; p < len(out.Data); p += 3 {
			c := palette[rng.IntN(len(palette))].Clamped()
			out.Data[p] = clamp01(c.R + noise*(rng.Float64()-0.5))
			out.Data[p+1] = clamp01(c.G + noise*(rng.Float64()-0.5))
			out.Data[p+2] = clamp01(c.B + noise*(rng.Float64()-0.5))
		}
	default:
		return nil, fmt.Errorf("styletransfer: unknown init method %q", method)
	}
	return out, nil
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
