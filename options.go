package styletransfer

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// Options configures a stylization session. Validate checks them.
type Options struct {
	// Session resolution. Every image entering the core must already have this size
	// and the extractor must accept it. 512x512 matches the original VGG setup;
	// 128-256 is a practical range for a CPU extractor.
	Width, Height int
	// Layer whose activations are compared directly against the content image.
	// Deeper layers keep structure but tolerate colour and texture change.
	ContentLayer Layer
	// Layers whose gram matrices are matched against the style image.
	StyleLayers []Layer
	// Content term coefficient. Ideal start: 0.01-0.05 relative to StyleWeight=1.
	ContentWeight float64
	// Style term coefficient, split equally across StyleLayers.
	StyleWeight float64
	// Total-variation smoothing. 0 disables it. Ideal start: 1e-6-1e-4.
	VariationWeight float64
	// Number of optimizer invocations. 0 is allowed and leaves the candidate untouched.
	Epochs int
	// Solver used for every epoch.
	Method Method
	// Internal iteration cap of one epoch.
	MaxIterations int
	// Gradient and function convergence tolerance inside an epoch.
	Tolerance float64
	// Step size for gd and adam. Ideal start for adam: 0.01-0.05 on [0,1] images.
	LearningRate float64
	// L-BFGS history length. 5-20.
	HistorySize int
	// Candidate initialization.
	Init InitMethod
	// Seed for the candidate initialization.
	Seed int64
	// Execution mode handed to the optimizer.
	Mode ExecutionMode
}

// DefaultOptions returns a 512x512 L-BFGS setup with VGG19-style layers.
func DefaultOptions() Options {
	return Options{
		Width:         512,
		Height:        512,
		ContentLayer:  Block5Conv1,
		StyleLayers:   DefaultStyleLayers(),
		ContentWeight: 0.025,
		StyleWeight:   1.0,
		Epochs:        10,
		Method:        MethodLBFGS,
		MaxIterations: 20,
		Tolerance:     1e-5,
		LearningRate:  0.02,
		HistorySize:   10,
		Init:          InitRandom,
		Seed:          1,
		Mode:          ExecSerial,
	}
}

// OptionsFromSize derives a working resolution from the input size, keeping
// the aspect ratio and bounding the long side so a CPU extractor stays usable.
func OptionsFromSize(size image.Point) Options {
	opt := DefaultOptions()
	if size.X <= 0 || size.Y <= 0 {
		return opt
	}
	longSide := 512.0
	pixels := size.X * size.Y
	if pixels <= 256*256 {
		longSide = 256
	} else if pixels > 1920*1080 {
		longSide = 384
	}
	scale := longSide / float64(max(size.X, size.Y))
	scale = min(scale, 1)
	// Multiples of 16 keep pooled maps aligned; 32 survives all five poolings.
	opt.Width = max(32, int(math.Round(float64(size.X)*scale/16))*16)
	opt.Height = max(32, int(math.Round(float64(size.Y)*scale/16))*16)
	return opt
}

// Shape is the image shape implied by Width and Height.
func (o Options) Shape() Shape {
	return ImageShape(o.Width, o.Height)
}

// Validate checks every field that does not need the extractor.
func (o Options) Validate() error {
	var errs []error
	if o.Width <= 0 || o.Height <= 0 {
		errs = append(errs, fmt.Errorf("resolution must be positive, got %dx%d", o.Width, o.Height))
	}
	if o.ContentLayer == "" {
		errs = append(errs, errors.New("ContentLayer is required"))
	}
	if len(o.StyleLayers) == 0 {
		errs = append(errs, errors.New("StyleLayers must not be empty"))
	}
	if o.Epochs < 0 {
		errs = append(errs, fmt.Errorf("Epochs must be >= 0, got %d", o.Epochs))
	}
	if o.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("MaxIterations must be > 0, got %d", o.MaxIterations))
	}
	for name, v := range map[string]float64{
		"ContentWeight":   o.ContentWeight,
		"StyleWeight":     o.StyleWeight,
		"VariationWeight": o.VariationWeight,
		"Tolerance":       o.Tolerance,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, fmt.Errorf("%s must be finite and >= 0, got %v", name, v))
		}
	}
	if _, err := ParseMethod(string(o.Method)); err != nil {
		errs = append(errs, err)
	} else if o.Method != MethodLBFGS && o.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("LearningRate must be > 0 for %s, got %v", o.Method, o.LearningRate))
	}
	if _, err := ParseInitMethod(string(o.Init)); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("styletransfer: invalid options: %w", errors.Join(errs...))
	}
	return nil
}

func (o Options) evaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		ContentLayer:    o.ContentLayer,
		StyleLayers:     o.StyleLayers,
		ContentWeight:   o.ContentWeight,
		StyleWeight:     o.StyleWeight,
		VariationWeight: o.VariationWeight,
	}
}

func (o Options) optimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		Method:        o.Method,
		MaxIterations: o.MaxIterations,
		Tolerance:     o.Tolerance,
		LearningRate:  o.LearningRate,
		HistorySize:   o.HistorySize,
		Mode:          o.Mode,
	}
}
