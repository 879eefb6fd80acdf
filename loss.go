package styletransfer

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// EvaluatorConfig fixes the layers and weights of the composite loss.
type EvaluatorConfig struct {
	ContentLayer Layer
	// StyleLayers is treated as a set; duplicates are ignored.
	StyleLayers     []Layer
	ContentWeight   float64
	StyleWeight     float64
	VariationWeight float64
}

// Evaluation is the result of one loss evaluation.
type Evaluation struct {
	Loss      float64
	Content   float64
	Style     float64
	Variation float64
	// Gradient is dLoss/dCandidate, same shape as the candidate.
	Gradient *Tensor
}

// Targets holds the constant side of the loss: content activations and
// style grams. They do not change between iterations, so a session
// computes them once.
type Targets struct {
	content *Tensor
	grams   map[Layer]*Gram
}

// Evaluator computes the composite content + style loss and its gradient
// with respect to the candidate image. It never mutates the extractor.
type Evaluator struct {
	extractor Extractor
	registry  *Registry
	cfg       EvaluatorConfig
	layers    []Layer // content and style layers, network order
	shape     Shape
}

// NewEvaluator validates every configured layer against the extractor.
func NewEvaluator(e Extractor, cfg EvaluatorConfig) (*Evaluator, error) {
	if e == nil {
		return nil, errors.New("styletransfer: nil extractor")
	}
	reg := NewRegistry(e.Layers())
	if err := reg.Validate(cfg.ContentLayer); err != nil {
		return nil, err
	}
	styles := make([]Layer, 0, len(cfg.StyleLayers))
	for _, l := range cfg.StyleLayers {
		if err := reg.Validate(l); err != nil {
			return nil, err
		}
		if !slices.Contains(styles, l) {
			styles = append(styles, l)
		}
	}
	if len(styles) == 0 {
		return nil, errors.New("styletransfer: at least one style layer is required")
	}
	for name, w := range map[string]float64{
		"content weight":   cfg.ContentWeight,
		"style weight":     cfg.StyleWeight,
		"variation weight": cfg.VariationWeight,
	} {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("styletransfer: %s must be finite and >= 0, got %v", name, w)
		}
	}
	cfg.StyleLayers = styles

	layers := append([]Layer{cfg.ContentLayer}, styles...)
	layers = slices.Compact(sortByDepth(reg, layers))
	return &Evaluator{
		extractor: e,
		registry:  reg,
		cfg:       cfg,
		layers:    layers,
		shape:     e.InputShape(),
	}, nil
}

func sortByDepth(reg *Registry, layers []Layer) []Layer {
	out := slices.Clone(layers)
	slices.SortFunc(out, func(a, b Layer) int { return reg.Depth(a) - reg.Depth(b) })
	return out
}

// Shape is the candidate shape the evaluator accepts.
func (ev *Evaluator) Shape() Shape { return ev.shape }

// Config returns the validated configuration.
func (ev *Evaluator) Config() EvaluatorConfig {
	cfg := ev.cfg
	cfg.StyleLayers = slices.Clone(ev.cfg.StyleLayers)
	return cfg
}

// StyleImages maps every configured style layer to the same style image.
func (ev *Evaluator) StyleImages(style *Tensor) map[Layer]*Tensor {
	return StyleImages(ev.cfg.StyleLayers, style)
}

// Prepare extracts the content activation and the style grams.
// styles must hold exactly one image per style layer.
func (ev *Evaluator) Prepare(content *Tensor, styles map[Layer]*Tensor, mode ExecutionMode) (*Targets, error) {
	if err := checkShape("Prepare", "content", content, ev.shape); err != nil {
		return nil, err
	}
	for l := range styles {
		if !slices.Contains(ev.cfg.StyleLayers, l) {
			return nil, &LayerNotFoundError{Layer: l, Known: ev.cfg.StyleLayers}
		}
	}

	// Group layers by image so a style image shared across layers runs once.
	var order []*Tensor
	groups := make(map[*Tensor][]Layer)
	for _, l := range ev.cfg.StyleLayers {
		img, ok := styles[l]
		if !ok {
			return nil, fmt.Errorf("styletransfer: no style image for layer: %w",
				&LayerNotFoundError{Layer: l, Known: mapKeys(styles)})
		}
		if err := checkShape("Prepare", "style["+string(l)+"]", img, ev.shape); err != nil {
			return nil, err
		}
		if _, seen := groups[img]; !seen {
			order = append(order, img)
		}
		groups[img] = append(groups[img], l)
	}

	tape, err := ev.extractor.Forward(content, []Layer{ev.cfg.ContentLayer}, mode)
	if err != nil {
		return nil, fmt.Errorf("styletransfer: content forward: %w", err)
	}
	t := &Targets{
		content: tape.Activation(ev.cfg.ContentLayer).Clone(),
		grams:   make(map[Layer]*Gram, len(ev.cfg.StyleLayers)),
	}
	for _, img := range order {
		layers := groups[img]
		tape, err := ev.extractor.Forward(img, layers, mode)
		if err != nil {
			return nil, fmt.Errorf("styletransfer: style forward: %w", err)
		}
		for _, l := range layers {
			g, err := GramMatrix(tape.Activation(l))
			if err != nil {
				return nil, err
			}
			t.grams[l] = g
		}
	}
	return t, nil
}

func mapKeys(m map[Layer]*Tensor) []Layer {
	out := make([]Layer, 0, len(m))
	for l := range m {
		out = append(out, l)
	}
	slices.Sort(out)
	return out
}

// Evaluate computes the loss of candidate against content and the per-layer
// style images, and its gradient with respect to candidate.
func (ev *Evaluator) Evaluate(candidate, content *Tensor, styles map[Layer]*Tensor) (Evaluation, error) {
	t, err := ev.Prepare(content, styles, ExecSerial)
	if err != nil {
		return Evaluation{}, err
	}
	return ev.EvaluateTargets(candidate, t, ExecSerial)
}

// EvaluateTargets is Evaluate against precomputed targets.
func (ev *Evaluator) EvaluateTargets(candidate *Tensor, t *Targets, mode ExecutionMode) (Evaluation, error) {
	if err := checkShape("Evaluate", "candidate", candidate, ev.shape); err != nil {
		return Evaluation{}, err
	}
	if t == nil {
		return Evaluation{}, errors.New("styletransfer: nil targets")
	}
	tape, err := ev.extractor.Forward(candidate, ev.layers, mode)
	if err != nil {
		return Evaluation{}, fmt.Errorf("styletransfer: candidate forward: %w", err)
	}

	var res Evaluation
	grads := make(map[Layer]*Tensor, len(ev.layers))

	// Content term: w_c * sum (F - P)^2.
	f := tape.Activation(ev.cfg.ContentLayer)
	if err := checkShape("Evaluate", "content activation", f, t.content.Shape); err != nil {
		return Evaluation{}, err
	}
	if cw := ev.cfg.ContentWeight; cw != 0 {
		diff := NewTensor(f.Shape)
		floats.SubTo(diff.Data, f.Data, t.content.Data)
		res.Content = cw * floats.Dot(diff.Data, diff.Data)
		floats.Scale(2*cw, diff.Data)
		grads[ev.cfg.ContentLayer] = diff
	}

	// Style term: (w_s/|S|) * sum_l sum (G_l - A_l)^2 / (4 C^2 N^2).
	if sw := ev.cfg.StyleWeight; sw != 0 {
		perLayer := sw / float64(len(ev.cfg.StyleLayers))
		for _, l := range ev.cfg.StyleLayers {
			act := tape.Activation(l)
			g, err := GramMatrix(act)
			if err != nil {
				return Evaluation{}, err
			}
			target, ok := t.grams[l]
			if !ok || target.C != g.C || target.B != g.B {
				return Evaluation{}, &ShapeError{Op: "Evaluate", Name: "gram[" + string(l) + "]", Got: act.Shape, Cause: "style target does not match activation"}
			}
			c, n := float64(act.Shape.C()), float64(act.Shape.Spatial())
			coef := perLayer / (4 * c * c * n * n)

			dG := &Gram{B: g.B, C: g.C, Data: make([]float64, len(g.Data))}
			floats.SubTo(dG.Data, g.Data, target.Data)
			res.Style += coef * floats.Dot(dG.Data, dG.Data)
			floats.Scale(2*coef, dG.Data)

			dA, err := gramBackward(act, dG)
			if err != nil {
				return Evaluation{}, err
			}
			if prev, ok := grads[l]; ok {
				floats.Add(prev.Data, dA.Data)
			} else {
				grads[l] = dA
			}
		}
	}

	grad, err := tape.Backward(grads)
	if err != nil {
		return Evaluation{}, fmt.Errorf("styletransfer: backward: %w", err)
	}
	if grad == nil {
		// No gradient path: nothing to change.
		grad = NewTensor(candidate.Shape)
	} else if err := checkShape("Evaluate", "gradient", grad, candidate.Shape); err != nil {
		return Evaluation{}, err
	}

	if tv := ev.cfg.VariationWeight; tv != 0 {
		res.Variation = totalVariation(candidate, tv, grad)
	}

	res.Loss = res.Content + res.Style + res.Variation
	res.Gradient = grad
	return res, nil
}

// totalVariation returns w * sum of squared differences between vertically
// and horizontally adjacent pixels and adds its gradient into grad.
func totalVariation(x *Tensor, w float64, grad *Tensor) float64 {
	s := x.Shape
	loss := 0.0
	for n := range s.N() {
		for h := range s.H() {
			for wi := range s.W() {
				for c := range s.C() {
					i := x.Index(n, h, wi, c)
					if h+1 < s.H() {
						j := x.Index(n, h+1, wi, c)
						d := x.Data[j] - x.Data[i]
						loss += d * d
						grad.Data[j] += 2 * w * d
						grad.Data[i] -= 2 * w * d
					}
					if wi+1 < s.W() {
						j := x.Index(n, h, wi+1, c)
						d := x.Data[j] - x.Data[i]
						loss += d * d
						grad.Data[j] += 2 * w * d
						grad.Data[i] -= 2 * w * d
					}
				}
			}
		}
	}
	return w * loss
}

// Objective adapts the evaluator to a flat parameter vector for an Optimizer.
// observe, if non-nil, sees every successful evaluation without its gradient.
func (ev *Evaluator) Objective(t *Targets, observe func(Evaluation)) Objective {
	return func(x, grad []float64, mode ExecutionMode) (float64, error) {
		cand, err := FromSlice(ev.shape, x)
		if err != nil {
			return 0, err
		}
		res, err := ev.EvaluateTargets(cand, t, mode)
		if err != nil {
			return 0, err
		}
		copy(grad, res.Gradient.Data)
		if observe != nil {
			res.Gradient = nil
			observe(res)
		}
		return res.Loss, nil
	}
}
