package styletransfer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testConfig() EvaluatorConfig {
	return EvaluatorConfig{
		ContentLayer:  Block1Conv2,
		StyleLayers:   []Layer{Block1Conv1, Block1Pool},
		ContentWeight: 0.5,
		StyleWeight:   2,
	}
}

func newTestEvaluator(t *testing.T, cfg EvaluatorConfig) (*Evaluator, *linearNet) {
	t.Helper()
	net := newLinearNet(4, 4)
	ev, err := NewEvaluator(net, cfg)
	require.NoError(t, err)
	return ev, net
}

func TestLossZeroWhenEverythingMatches(t *testing.T) {
	ev, _ := newTestEvaluator(t, testConfig())
	img := randTensor(ev.Shape(), 1)
	res, err := ev.Evaluate(img, img, ev.StyleImages(img))
	require.NoError(t, err)
	assert.Zero(t, res.Loss)
	assert.Zero(t, res.Content)
	assert.Zero(t, res.Style)
	for _, g := range res.Gradient.Data {
		assert.InDelta(t, 0, g, 1e-12)
	}
}

func TestContentLossZeroIffFeaturesEqual(t *testing.T) {
	cfg := testConfig()
	cfg.StyleWeight = 0
	ev, _ := newTestEvaluator(t, cfg)
	content := randTensor(ev.Shape(), 2)
	other := content.Clone()
	other.Data[5] += 0.1

	same, err := ev.Evaluate(content, content, ev.StyleImages(other))
	require.NoError(t, err)
	assert.Zero(t, same.Content)

	diff, err := ev.Evaluate(other, content, ev.StyleImages(other))
	require.NoError(t, err)
	assert.Positive(t, diff.Content)
}

func TestStyleLossZeroWhenGramsMatch(t *testing.T) {
	cfg := testConfig()
	cfg.ContentWeight = 0
	cfg.StyleLayers = []Layer{Block1Conv1}
	ev, _ := newTestEvaluator(t, cfg)
	style := randTensor(ev.Shape(), 3)

	// Permuting pixels changes every feature but no gram matrix.
	shuffled := style.Clone()
	for p := range 16 {
		q := 15 - p
		copy(shuffled.Data[3*p:3*p+3], style.Data[3*q:3*q+3])
	}
	res, err := ev.Evaluate(shuffled, style, ev.StyleImages(style))
	require.NoError(t, err)
	assert.InDelta(t, 0, res.Style, 1e-20)

	moved := style.Clone()
	moved.Data[0] += 0.3
	res, err = ev.Evaluate(moved, style, ev.StyleImages(style))
	require.NoError(t, err)
	assert.Positive(t, res.Style)
}

func TestLossNonNegative(t *testing.T) {
	ev, _ := newTestEvaluator(t, EvaluatorConfig{
		ContentLayer:    Block1Pool,
		StyleLayers:     []Layer{Block1Conv1, Block1Conv2},
		ContentWeight:   1,
		StyleWeight:     1,
		VariationWeight: 0.1,
	})
	shape := ev.Shape()
	rapid.Check(t, func(t *rapid.T) {
		draw := func(label string) *Tensor {
			data := rapid.SliceOfN(rapid.Float64Range(-1, 2), shape.Size(), shape.Size()).Draw(t, label)
			x, _ := FromSlice(shape, data)
			return x
		}
		res, err := ev.Evaluate(draw("candidate"), draw("content"), ev.StyleImages(draw("style")))
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if res.Loss < 0 || res.Content < 0 || res.Style < 0 || res.Variation < 0 {
			t.Fatalf("negative loss: %+v", res)
		}
		if math.Abs(res.Loss-(res.Content+res.Style+res.Variation)) > 1e-12*math.Max(1, res.Loss) {
			t.Fatalf("total %v != sum of terms", res.Loss)
		}
	})
}

func TestGradientMatchesNumerical(t *testing.T) {
	cfg := testConfig()
	cfg.VariationWeight = 0.05
	ev, _ := newTestEvaluator(t, cfg)
	content := randTensor(ev.Shape(), 4)
	style := randTensor(ev.Shape(), 5)
	cand := randTensor(ev.Shape(), 6)
	styles := ev.StyleImages(style)

	res, err := ev.Evaluate(cand, content, styles)
	require.NoError(t, err)

	numeric, err := NumericalGradient(func(x *Tensor) (float64, error) {
		r, err := ev.Evaluate(x, content, styles)
		return r.Loss, err
	}, cand, 1e-5)
	require.NoError(t, err)
	assert.InDeltaSlice(t, numeric.Data, res.Gradient.Data, 1e-6)
}

func TestWeightIsolation(t *testing.T) {
	ev, _ := newTestEvaluator(t, testConfig())
	content := randTensor(ev.Shape(), 7)
	style := randTensor(ev.Shape(), 8)
	cand := randTensor(ev.Shape(), 9)
	full, err := ev.Evaluate(cand, content, ev.StyleImages(style))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.StyleWeight = 0
	contentOnly, _ := newTestEvaluator(t, cfg)
	c, err := contentOnly.Evaluate(cand, content, contentOnly.StyleImages(style))
	require.NoError(t, err)
	assert.Zero(t, c.Style)
	assert.InDelta(t, full.Content, c.Loss, 1e-12)

	cfg = testConfig()
	cfg.ContentWeight = 0
	styleOnly, _ := newTestEvaluator(t, cfg)
	s, err := styleOnly.Evaluate(cand, content, styleOnly.StyleImages(style))
	require.NoError(t, err)
	assert.Zero(t, s.Content)
	assert.InDelta(t, full.Style, s.Loss, 1e-12)

	// Doubling one weight doubles only its term.
	cfg = testConfig()
	cfg.ContentWeight *= 2
	doubled, _ := newTestEvaluator(t, cfg)
	d, err := doubled.Evaluate(cand, content, doubled.StyleImages(style))
	require.NoError(t, err)
	assert.InDelta(t, 2*full.Content, d.Content, 1e-12)
	assert.InDelta(t, full.Style, d.Style, 1e-12)
}

func TestStyleTermAveragesLayers(t *testing.T) {
	content := randTensor(ImageShape(4, 4), 10)
	style := randTensor(ImageShape(4, 4), 11)
	cand := randTensor(ImageShape(4, 4), 12)

	eval := func(layers ...Layer) float64 {
		ev, _ := newTestEvaluator(t, EvaluatorConfig{ContentLayer: Block1Conv1, StyleLayers: layers, StyleWeight: 1})
		r, err := ev.Evaluate(cand, content, ev.StyleImages(style))
		require.NoError(t, err)
		return r.Style
	}
	a, b := eval(Block1Conv1), eval(Block1Pool)
	assert.InDelta(t, (a+b)/2, eval(Block1Conv1, Block1Pool), 1e-12)
	// Duplicates are ignored.
	assert.InDelta(t, a, eval(Block1Conv1, Block1Conv1), 1e-12)
}

func TestNewEvaluatorValidates(t *testing.T) {
	net := newLinearNet(4, 4)

	cfg := testConfig()
	cfg.StyleLayers = []Layer{Block1Conv1, "block9_conv1"}
	_, err := NewEvaluator(net, cfg)
	var lnf *LayerNotFoundError
	require.ErrorAs(t, err, &lnf)
	assert.Equal(t, Layer("block9_conv1"), lnf.Layer)
	assert.Equal(t, net.Layers(), lnf.Known)

	cfg = testConfig()
	cfg.ContentLayer = "block9_conv1"
	_, err = NewEvaluator(net, cfg)
	assert.ErrorAs(t, err, &lnf)

	cfg = testConfig()
	cfg.StyleLayers = nil
	_, err = NewEvaluator(net, cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.ContentWeight = -1
	_, err = NewEvaluator(net, cfg)
	assert.ErrorContains(t, err, "content weight")

	cfg = testConfig()
	cfg.VariationWeight = math.NaN()
	_, err = NewEvaluator(net, cfg)
	assert.ErrorContains(t, err, "variation weight")

	_, err = NewEvaluator(nil, testConfig())
	assert.Error(t, err)
}

func TestPrepareValidatesStyles(t *testing.T) {
	ev, _ := newTestEvaluator(t, testConfig())
	img := randTensor(ev.Shape(), 13)

	_, err := ev.Prepare(img, map[Layer]*Tensor{Block1Conv1: img}, ExecSerial)
	var lnf *LayerNotFoundError
	require.ErrorAs(t, err, &lnf)
	assert.Equal(t, Block1Pool, lnf.Layer)

	styles := ev.StyleImages(img)
	styles[Block1Conv2] = img
	_, err = ev.Prepare(img, styles, ExecSerial)
	require.ErrorAs(t, err, &lnf)
	assert.Equal(t, Block1Conv2, lnf.Layer)

	var se *ShapeError
	_, err = ev.Prepare(randTensor(ImageShape(8, 8), 1), ev.StyleImages(img), ExecSerial)
	assert.ErrorAs(t, err, &se)

	_, err = ev.Prepare(img, ev.StyleImages(randTensor(ImageShape(4, 2), 1)), ExecSerial)
	assert.ErrorAs(t, err, &se)
}

func TestPerLayerStyleImages(t *testing.T) {
	ev, _ := newTestEvaluator(t, testConfig())
	a := randTensor(ev.Shape(), 14)
	b := randTensor(ev.Shape(), 15)
	styles := map[Layer]*Tensor{Block1Conv1: a, Block1Pool: b}

	tg, err := ev.Prepare(a, styles, ExecSerial)
	require.NoError(t, err)
	ga, _ := GramMatrix(a)
	assert.Equal(t, ga.Data, tg.grams[Block1Conv1].Data)

	res, err := ev.EvaluateTargets(a, tg, ExecSerial)
	require.NoError(t, err)
	assert.Zero(t, res.Content)
	assert.Positive(t, res.Style)
}

func TestEvaluateRejectsWrongCandidate(t *testing.T) {
	ev, _ := newTestEvaluator(t, testConfig())
	img := randTensor(ev.Shape(), 16)
	tg, err := ev.Prepare(img, ev.StyleImages(img), ExecSerial)
	require.NoError(t, err)

	_, err = ev.EvaluateTargets(randTensor(ImageShape(2, 2), 1), tg, ExecSerial)
	var se *ShapeError
	assert.ErrorAs(t, err, &se)

	_, err = ev.EvaluateTargets(img, nil, ExecSerial)
	assert.Error(t, err)
}

func TestNilGradientBecomesZero(t *testing.T) {
	ev, net := newTestEvaluator(t, testConfig())
	net.nilGrad = true
	res, err := ev.Evaluate(randTensor(ev.Shape(), 17), randTensor(ev.Shape(), 18), ev.StyleImages(randTensor(ev.Shape(), 19)))
	require.NoError(t, err)
	assert.Positive(t, res.Loss)
	require.NotNil(t, res.Gradient)
	assert.Equal(t, make([]float64, ev.Shape().Size()), res.Gradient.Data)
}

func TestTotalVariation(t *testing.T) {
	x, err := FromSlice(Shape{1, 2, 2, 1}, []float64{0, 1, 2, 4})
	require.NoError(t, err)
	grad := NewTensor(x.Shape)
	// Vertical: (2-0)^2 + (4-1)^2, horizontal: (1-0)^2 + (4-2)^2.
	assert.InDelta(t, 0.5*(4+9+1+4), totalVariation(x, 0.5, grad), 1e-12)

	numeric, err := NumericalGradient(func(x *Tensor) (float64, error) {
		return totalVariation(x, 0.5, NewTensor(x.Shape)), nil
	}, x, 1e-6)
	require.NoError(t, err)
	assert.InDeltaSlice(t, numeric.Data, grad.Data, 1e-6)
}

func TestObjectiveForwardsMode(t *testing.T) {
	ev, net := newTestEvaluator(t, testConfig())
	img := randTensor(ev.Shape(), 20)
	tg, err := ev.Prepare(img, ev.StyleImages(img), ExecSerial)
	require.NoError(t, err)

	var seen []Evaluation
	obj := ev.Objective(tg, func(e Evaluation) { seen = append(seen, e) })
	grad := make([]float64, ev.Shape().Size())
	loss, err := obj(randTensor(ev.Shape(), 21).Data, grad, ExecParallel)
	require.NoError(t, err)
	assert.Positive(t, loss)
	require.Len(t, seen, 1)
	assert.Nil(t, seen[0].Gradient)
	assert.Equal(t, ExecParallel, net.modes[len(net.modes)-1])

	_, err = obj(make([]float64, 3), grad, ExecSerial)
	var se *ShapeError
	assert.ErrorAs(t, err, &se)
}
