package styletransfer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// Objective evaluates the loss at x and writes its gradient into grad.
// x is a flattened candidate image and must not be retained.
type Objective func(x, grad []float64, mode ExecutionMode) (float64, error)

// Result is the outcome of one epoch of minimization.
type Result struct {
	X           []float64
	Loss        float64
	Status      string
	Converged   bool
	Iterations  int
	Evaluations int
}

// Optimizer runs one epoch: an internal iteration loop bounded by its own
// tolerance and iteration cap. Hitting the cap is not an error.
type Optimizer interface {
	Minimize(ctx context.Context, f Objective, x0 []float64) (Result, error)
	Name() string
}

// Method names an optimizer family.
type Method string

const (
	MethodLBFGS           Method = "lbfgs"
	MethodGradientDescent Method = "gd"
	MethodAdam            Method = "adam"
)

// ParseMethod accepts "lbfgs", "gd" or "adam".
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(s)); m {
	case MethodLBFGS, MethodGradientDescent, MethodAdam:
		return m, nil
	}
	return "", fmt.Errorf("styletransfer: unknown optimizer %q", s)
}

// OptimizerConfig configures one optimizer instance.
type OptimizerConfig struct {
	Method Method
	// Internal iteration cap per epoch.
	MaxIterations int
	// Gradient-norm threshold for convergence.
	Tolerance float64
	// Step size for first-order methods.
	LearningRate float64
	// L-BFGS history length.
	HistorySize int
	// Mode is forwarded to every objective call.
	Mode   ExecutionMode
	Logger *slog.Logger
}

// NewOptimizer builds the optimizer named by cfg.Method.
func NewOptimizer(cfg OptimizerConfig) (Optimizer, error) {
	if cfg.MaxIterations <= 0 {
		return nil, fmt.Errorf("styletransfer: MaxIterations must be > 0, got %d", cfg.MaxIterations)
	}
	if cfg.Tolerance < 0 {
		return nil, fmt.Errorf("styletransfer: Tolerance must be >= 0, got %v", cfg.Tolerance)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	switch cfg.Method {
	case MethodLBFGS, "":
		if cfg.HistorySize <= 0 {
			cfg.HistorySize = 10
		}
		return &LBFGS{cfg: cfg}, nil
	case MethodGradientDescent:
		if cfg.LearningRate <= 0 {
			return nil, fmt.Errorf("styletransfer: LearningRate must be > 0, got %v", cfg.LearningRate)
		}
		return &GradientDescent{cfg: cfg}, nil
	case MethodAdam:
		if cfg.LearningRate <= 0 {
			return nil, fmt.Errorf("styletransfer: LearningRate must be > 0, got %v", cfg.LearningRate)
		}
		return &Adam{cfg: cfg, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}, nil
	}
	return nil, fmt.Errorf("styletransfer: unknown optimizer %q", cfg.Method)
}

// guarded wraps an Objective, turning non-finite values into a
// DivergenceError and remembering the last point so a Func call followed by
// a Grad call at the same x evaluates once.
type guarded struct {
	f    Objective
	mode ExecutionMode

	x, grad []float64
	loss    float64
	valid   bool

	bestX    []float64
	bestLoss float64

	evals int
	err   error
}

func newGuarded(f Objective, mode ExecutionMode, dim int) *guarded {
	return &guarded{
		f:        f,
		mode:     mode,
		x:        make([]float64, dim),
		grad:     make([]float64, dim),
		bestX:    make([]float64, dim),
		bestLoss: math.Inf(1),
	}
}

func (g *guarded) eval(x []float64) (float64, []float64, error) {
	if g.err != nil {
		return math.NaN(), g.grad, g.err
	}
	if g.valid && floats.Equal(x, g.x) {
		return g.loss, g.grad, nil
	}
	copy(g.x, x)
	g.valid = false
	loss, err := g.f(g.x, g.grad, g.mode)
	g.evals++
	if err != nil {
		g.err = err
		return math.NaN(), g.grad, err
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		g.err = &DivergenceError{Loss: loss, Where: "loss"}
		return loss, g.grad, g.err
	}
	for _, v := range g.grad {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			g.err = &DivergenceError{Loss: loss, Where: "gradient"}
			return loss, g.grad, g.err
		}
	}
	g.loss = loss
	g.valid = true
	if loss < g.bestLoss {
		g.bestLoss = loss
		copy(g.bestX, x)
	}
	return loss, g.grad, nil
}

// LBFGS is the limited-memory quasi-Newton method from gonum/optimize.
type LBFGS struct {
	cfg OptimizerConfig
}

func (o *LBFGS) Name() string { return string(MethodLBFGS) }

func (o *LBFGS) Minimize(ctx context.Context, f Objective, x0 []float64) (Result, error) {
	method := &optimize.LBFGS{Store: o.cfg.HistorySize}
	return minimizeGonum(ctx, o.cfg, o.Name(), method, f, x0)
}

// GradientDescent is gonum's steepest descent with a backtracking line search
// started from a constant step.
type GradientDescent struct {
	cfg OptimizerConfig
}

func (o *GradientDescent) Name() string { return string(MethodGradientDescent) }

func (o *GradientDescent) Minimize(ctx context.Context, f Objective, x0 []float64) (Result, error) {
	method := &optimize.GradientDescent{
		Linesearcher: &optimize.Backtracking{},
		StepSizer:    &optimize.ConstantStepSize{Size: o.cfg.LearningRate},
	}
	return minimizeGonum(ctx, o.cfg, o.Name(), method, f, x0)
}

func minimizeGonum(ctx context.Context, cfg OptimizerConfig, name string, method optimize.Method, f Objective, x0 []float64) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	g := newGuarded(f, cfg.Mode, len(x0))
	p := optimize.Problem{
		Func: func(x []float64) float64 {
			loss, _, _ := g.eval(x)
			return loss
		},
		Grad: func(grad, x []float64) {
			_, gr, _ := g.eval(x)
			copy(grad, gr)
		},
		Status: func() (optimize.Status, error) {
			if g.err != nil {
				return optimize.Failure, g.err
			}
			return optimize.NotTerminated, nil
		},
	}
	settings := &optimize.Settings{
		MajorIterations:   cfg.MaxIterations,
		GradientThreshold: cfg.Tolerance,
		Converger: &optimize.FunctionConverge{
			Absolute:   cfg.Tolerance,
			Iterations: 20,
		},
	}

	res, err := optimize.Minimize(p, x0, settings, method)
	if g.err != nil {
		return Result{}, g.err
	}

	out := Result{X: make([]float64, len(x0)), Evaluations: g.evals}
	if res != nil {
		out.Status = res.Status.String()
		out.Iterations = res.Stats.MajorIterations
		out.Converged = converged(res.Status)
	}
	if res != nil && len(res.X) == len(x0) && !math.IsNaN(res.F) && !math.IsInf(res.F, 0) {
		copy(out.X, res.X)
		out.Loss = res.F
	} else if !math.IsInf(g.bestLoss, 1) {
		copy(out.X, g.bestX)
		out.Loss = g.bestLoss
	} else {
		copy(out.X, x0)
		out.Loss = math.NaN()
	}
	if err != nil {
		// Line search or iteration failures leave a usable partial result.
		out.Converged = false
		if out.Status == "" {
			out.Status = optimize.Failure.String()
		}
		cfg.Logger.Warn("solver stopped early", "method", name, "status", out.Status, "err", err)
	}
	return out, nil
}

func converged(s optimize.Status) bool {
	switch s {
	case optimize.Success, optimize.FunctionThreshold, optimize.FunctionConvergence,
		optimize.GradientThreshold, optimize.StepConvergence, optimize.MethodConverge:
		return true
	}
	return false
}

// Adam is the first-order alternative. It runs MaxIterations bias-corrected
// Adam steps, stopping early once the gradient max-norm drops below Tolerance.
type Adam struct {
	cfg     OptimizerConfig
	Beta1   float64
	Beta2   float64
	Epsilon float64
}

func (o *Adam) Name() string { return string(MethodAdam) }

func (o *Adam) Minimize(ctx context.Context, f Objective, x0 []float64) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	n := len(x0)
	g := newGuarded(f, o.cfg.Mode, n)
	x := make([]float64, n)
	copy(x, x0)
	m1 := make([]float64, n)
	m2 := make([]float64, n)

	iters := o.cfg.MaxIterations
	status := optimize.IterationLimit
	steps := 0
	for it := 1; it <= iters; it++ {
		loss, grad, err := g.eval(x)
		if err != nil {
			return Result{}, err
		}
		if floats.Norm(grad, math.Inf(1)) <= o.cfg.Tolerance {
			status = optimize.GradientThreshold
			break
		}

		b1t := 1.0 - math.Pow(o.Beta1, float64(it))
		b2t := 1.0 - math.Pow(o.Beta2, float64(it))
		for i, gi := range grad {
			m1[i] = o.Beta1*m1[i] + (1.0-o.Beta1)*gi
			m2[i] = o.Beta2*m2[i] + (1.0-o.Beta2)*gi*gi
			mhat := m1[i] / b1t
			vhat := m2[i] / b2t
			x[i] -= o.cfg.LearningRate * mhat / (math.Sqrt(vhat) + o.Epsilon)
		}
		steps = it

		if it == 1 || it == iters || it%25 == 0 {
			o.cfg.Logger.Debug("adam", "iter", it, "of", iters, "loss", loss)
		}
	}

	// Adam does not descend monotonically; report the best point it visited.
	if _, _, err := g.eval(x); err != nil {
		return Result{}, err
	}
	return Result{
		X:           slices.Clone(g.bestX),
		Loss:        g.bestLoss,
		Status:      status.String(),
		Converged:   converged(status),
		Iterations:  steps,
		Evaluations: g.evals,
	}, nil
}
