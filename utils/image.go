// Package utils converts between image files and the NHWC tensors the
// stylization core works on, and hosts the colour helpers around it.
package utils

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
	st "github.com/setanarut/styletransfer"
	"golang.org/x/image/draw"
)

// ReadImage decodes a PNG or JPEG file.
func ReadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("utils: decode %s: %w", path, err)
	}
	return img, nil
}

// Resize scales img to exactly w x h with Catmull-Rom filtering.
func Resize(img image.Image, w, h int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// ImageToTensor resizes img to w x h and returns a (1,h,w,3) tensor with
// channels in [0,1]. Alpha is dropped.
func ImageToTensor(img image.Image, w, h int) *st.Tensor {
	src := img
	if b := img.Bounds(); b.Dx() != w || b.Dy() != h {
		src = Resize(img, w, h)
	}
	b := src.Bounds()
	t := st.NewTensor(st.ImageShape(w, h))
	for y := range h {
		for x := range w {
			c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := t.Index(0, y, x, 0)
			t.Data[i] = float64(c.R) / 255
			t.Data[i+1] = float64(c.G) / 255
			t.Data[i+2] = float64(c.B) / 255
		}
	}
	return t
}

// LoadTensor reads path and converts it with ImageToTensor.
func LoadTensor(path string, w, h int) (*st.Tensor, error) {
	img, err := ReadImage(path)
	if err != nil {
		return nil, err
	}
	return ImageToTensor(img, w, h), nil
}

// TensorToImage converts batch element 0 of an RGB tensor to an image,
// clipping values to [0,1].
func TensorToImage(t *st.Tensor) (*image.NRGBA, error) {
	if t == nil || t.Shape.C() != 3 || len(t.Data) != t.Shape.Size() {
		var got st.Shape
		if t != nil {
			got = t.Shape
		}
		return nil, &st.ShapeError{Op: "TensorToImage", Name: "image", Got: got, Cause: "RGB tensor required"}
	}
	h, w := t.Shape.H(), t.Shape.W()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			i := t.Index(0, y, x, 0)
			img.SetNRGBA(x, y, color.NRGBA{
				R: to8(t.Data[i]),
				G: to8(t.Data[i+1]),
				B: to8(t.Data[i+2]),
				A: 255,
			})
		}
	}
	return img, nil
}

func to8(v float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	return uint8(math.Round(max(0, min(1, v)) * 255))
}

// SaveImage encodes img as JPEG for .jpg/.jpeg names and PNG otherwise.
// Missing parent directories are created.
func SaveImage(img image.Image, filename string) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: 95})
	default:
		err = png.Encode(f, img)
	}
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// SaveTensor writes an RGB tensor as an image file.
func SaveTensor(t *st.Tensor, filename string) error {
	img, err := TensorToImage(t)
	if err != nil {
		return err
	}
	return SaveImage(img, filename)
}

// PreserveColor keeps the luminance of stylized and takes the chroma of
// original, both in CIE-L*a*b*. The tensors must have the same shape.
func PreserveColor(stylized, original *st.Tensor) (*st.Tensor, error) {
	if stylized == nil || original == nil || stylized.Shape != original.Shape || stylized.Shape.C() != 3 {
		var got, want st.Shape
		if stylized != nil {
			got = stylized.Shape
		}
		if original != nil {
			want = original.Shape
		}
		return nil, &st.ShapeError{Op: "PreserveColor", Name: "stylized", Got: got, Want: want, Cause: "matching RGB tensors required"}
	}
	out := st.NewTensor(stylized.Shape)
	for i := 0; i < len(out.Data); i += 3 {
		l, _, _ := rgb(stylized.Data[i:]).Lab()
		_, a, b := rgb(original.Data[i:]).Lab()
		c := colorful.Lab(l, a, b).Clamped()
		out.Data[i], out.Data[i+1], out.Data[i+2] = c.R, c.G, c.B
	}
	return out, nil
}

func rgb(px []float64) colorful.Color {
	return colorful.Color{R: px[0], G: px[1], B: px[2]}.Clamped()
}

// FeatureMapImage renders one channel of an activation (batch element 0)
// as a grayscale image, min-max normalized.
func FeatureMapImage(act *st.Tensor, channel int) (*image.Gray, error) {
	if act == nil || channel < 0 || channel >= act.Shape.C() {
		return nil, fmt.Errorf("utils: channel %d out of range", channel)
	}
	h, w := act.Shape.H(), act.Shape.W()
	lo, hi := math.Inf(1), math.Inf(-1)
	for y := range h {
		for x := range w {
			v := act.At(0, y, x, channel)
			lo, hi = min(lo, v), max(hi, v)
		}
	}
	span := hi - lo
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			v := 0.0
			if span > 0 {
				v = (act.At(0, y, x, channel) - lo) / span
			}
			img.SetGray(x, y, color.Gray{Y: to8(v)})
		}
	}
	return img, nil
}
