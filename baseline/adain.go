// Package baseline holds single-pass stylizers that need no optimization.
// They are fast references to compare an optimized result against.
package baseline

import (
	"fmt"

	"github.com/lucasb-eyer/go-colorful"
	st "github.com/setanarut/styletransfer"
	"gonum.org/v1/gonum/stat"
)

// Stylizer turns a content image into a stylized image in one call.
type Stylizer interface {
	Stylize(content, style *st.Tensor) (*st.Tensor, error)
}

// AdaIN re-normalizes every channel of the content image to the mean and
// standard deviation of the same channel in the style image. The images may
// have different resolutions.
type AdaIN struct {
	// Alpha blends the result with the content: 1 is full transfer, 0 returns content.
	Alpha float64
	// Lab transfers statistics in CIE-L*a*b* instead of RGB.
	Lab bool
	// Epsilon guards flat channels. Ideal start: 1e-5.
	Epsilon float64
}

var _ Stylizer = AdaIN{}

// NewAdaIN returns a full-strength RGB transfer.
func NewAdaIN() AdaIN {
	return AdaIN{Alpha: 1, Epsilon: 1e-5}
}

func (a AdaIN) Stylize(content, style *st.Tensor) (*st.Tensor, error) {
	if err := checkImage("content", content); err != nil {
		return nil, err
	}
	if err := checkImage("style", style); err != nil {
		return nil, err
	}
	if a.Alpha < 0 || a.Alpha > 1 {
		return nil, fmt.Errorf("baseline: Alpha must be in [0,1], got %v", a.Alpha)
	}

	c, s := content.Flatten(), style.Flatten()
	if a.Lab {
		toLab(c)
		toLab(s)
	}
	out := make([]float64, len(c))
	for ch := range 3 {
		mc, sc := channelStats(c, ch)
		ms, ss := channelStats(s, ch)
		for i := ch; i < len(c); i += 3 {
			out[i] = (c[i]-mc)/(sc+a.Epsilon)*ss + ms
		}
	}
	if a.Lab {
		fromLab(out)
	}
	for i, v := range out {
		out[i] = a.Alpha*max(0, min(1, v)) + (1-a.Alpha)*content.Data[i]
	}
	return st.FromSlice(content.Shape, out)
}

func checkImage(name string, t *st.Tensor) error {
	if t == nil {
		return &st.ShapeError{Op: "AdaIN", Name: name, Cause: "nil tensor"}
	}
	if t.Shape.C() != 3 || t.Shape.N() != 1 || len(t.Data) != t.Shape.Size() || len(t.Data) == 0 {
		return &st.ShapeError{Op: "AdaIN", Name: name, Got: t.Shape, Cause: "single RGB image required"}
	}
	if !t.Finite() {
		return fmt.Errorf("baseline: %s contains NaN or Inf", name)
	}
	return nil
}

func channelStats(px []float64, ch int) (mean, std float64) {
	vals := make([]float64, 0, len(px)/3)
	for i := ch; i < len(px); i += 3 {
		vals = append(vals, px[i])
	}
	return stat.PopMeanStdDev(vals, nil)
}

func toLab(px []float64) {
	for i := 0; i < len(px); i += 3 {
		px[i], px[i+1], px[i+2] = colorful.Color{R: px[i], G: px[i+1], B: px[i+2]}.Lab()
	}
}

func fromLab(px []float64) {
	for i := 0; i < len(px); i += 3 {
		c := colorful.Lab(px[i], px[i+1], px[i+2]).Clamped()
		px[i], px[i+1], px[i+2] = c.R, c.G, c.B
	}
}
