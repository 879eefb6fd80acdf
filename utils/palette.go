package utils

import (
	"cmp"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"slices"

	"github.com/cenkalti/dominantcolor"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
)

// PaletteMethod selects how style colours are extracted.
type PaletteMethod int

const (
	PaletteDominant PaletteMethod = iota
	PaletteKMeans
)

func (m PaletteMethod) String() string {
	if m == PaletteKMeans {
		return "kmeans"
	}
	return "dominant"
}

func ParsePaletteMethod(s string) (PaletteMethod, error) {
	switch s {
	case "dominant", "":
		return PaletteDominant, nil
	case "kmeans":
		return PaletteKMeans, nil
	}
	return PaletteDominant, fmt.Errorf("utils: unknown palette method %q", s)
}

// ErrEmptyPalette is returned when no colour could be extracted.
var ErrEmptyPalette = errors.New("utils: empty palette")

type swatch struct {
	col    colorful.Color
	weight float64
}

// Palette extracts k colours from img. The result starts with the heaviest
// colour and continues with colours far from those already picked, so a
// small k still covers the style's hue range.
func Palette(img image.Image, k int, method PaletteMethod) ([]colorful.Color, error) {
	if k <= 0 {
		return nil, fmt.Errorf("utils: palette size must be > 0, got %d", k)
	}
	var sw []swatch
	switch method {
	case PaletteKMeans:
		var err error
		if sw, err = kmeansSwatches(img, k); err != nil {
			return nil, err
		}
	default:
		sw = dominantSwatches(img, k)
	}
	if len(sw) == 0 {
		return nil, ErrEmptyPalette
	}
	return spread(sw, k), nil
}

func dominantSwatches(img image.Image, k int) []swatch {
	found := dominantcolor.FindWeight(img, max(24, 8*k))
	out := make([]swatch, 0, len(found))
	for _, c := range found {
		col, _ := colorful.MakeColor(c.RGBA)
		out = append(out, swatch{col: col.Clamped(), weight: max(c.Weight, 1e-6)})
	}
	return out
}

// samplesMax bounds the number of pixels handed to k-means.
const samplesMax = 12000

func kmeansSwatches(img image.Image, k int) ([]swatch, error) {
	b := img.Bounds()
	area := b.Dx() * b.Dy()
	if area == 0 {
		return nil, ErrEmptyPalette
	}
	step := 1
	if area > samplesMax {
		step = int(math.Sqrt(float64(area)/samplesMax)) + 1
	}
	var obs clusters.Observations
	for y := b.Min.Y; y < b.Max.Y; y += step {
		for x := b.Min.X; x < b.Max.X; x += step {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			if c.A == 0 {
				continue
			}
			obs = append(obs, clusters.Coordinates{float64(c.R) / 255, float64(c.G) / 255, float64(c.B) / 255})
		}
	}
	if len(obs) == 0 {
		return nil, ErrEmptyPalette
	}
	cc, err := kmeans.New().Partition(obs, min(len(obs), 4*k))
	if err != nil {
		return nil, fmt.Errorf("utils: kmeans: %w", err)
	}
	out := make([]swatch, 0, len(cc))
	for _, c := range cc {
		if len(c.Observations) == 0 || len(c.Center) < 3 {
			continue
		}
		col := colorful.Color{R: c.Center[0], G: c.Center[1], B: c.Center[2]}.Clamped()
		out = append(out, swatch{col: col, weight: float64(len(c.Observations))})
	}
	return out, nil
}

// spread greedily picks k swatches maximizing Lab distance to the picked set,
// scaled up for heavier swatches.
func spread(sw []swatch, k int) []colorful.Color {
	slices.SortStableFunc(sw, func(a, b swatch) int { return cmp.Compare(b.weight, a.weight) })
	heaviest := sw[0].weight
	picked := []colorful.Color{sw[0].col}
	used := make([]bool, len(sw))
	used[0] = true
	for len(picked) < min(k, len(sw)) {
		best, bestScore := -1, -1.0
		for i, s := range sw {
			if used[i] {
				continue
			}
			d := math.Inf(1)
			for _, p := range picked {
				d = min(d, s.col.DistanceLab(p))
			}
			score := d * (0.55 + 0.45*math.Sqrt(s.weight/heaviest))
			if score > bestScore {
				best, bestScore = i, score
			}
		}
		used[best] = true
		picked = append(picked, sw[best].col)
	}
	return picked
}

// SortByLuminance orders colours from darkest to brightest.
func SortByLuminance(p []colorful.Color) {
	lum := func(c colorful.Color) float64 {
		r, g, b := c.LinearRgb()
		return 0.2126*r + 0.7152*g + 0.0722*b
	}
	slices.SortFunc(p, func(a, b colorful.Color) int { return cmp.Compare(lum(a), lum(b)) })
}

// PaletteImage renders the palette as a strip of square tiles.
func PaletteImage(p []colorful.Color, tile int) (*image.NRGBA, error) {
	if len(p) == 0 {
		return nil, ErrEmptyPalette
	}
	if tile <= 0 {
		tile = 64
	}
	img := image.NewNRGBA(image.Rect(0, 0, tile*len(p), tile))
	for i, c := range p {
		r, g, b := c.Clamped().RGB255()
		fill := color.NRGBA{R: r, G: g, B: b, A: 255}
		for y := range tile {
			for x := i * tile; x < (i+1)*tile; x++ {
				img.SetNRGBA(x, y, fill)
			}
		}
	}
	return img, nil
}

// SavePalette writes the palette strip to filename.
func SavePalette(p []colorful.Color, tile int, filename string) error {
	img, err := PaletteImage(p, tile)
	if err != nil {
		return err
	}
	return SaveImage(img, filename)
}
