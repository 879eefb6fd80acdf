package styletransfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/lucasb-eyer/go-colorful"
)

// State is the lifecycle of a Session. A session never returns to Initialized.
type State int

const (
	Initialized State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// EpochStats describes one finished epoch.
type EpochStats struct {
	Epoch       int
	Loss        float64
	Content     float64
	Style       float64
	Variation   float64
	Status      string
	Converged   bool
	Iterations  int
	Evaluations int
	Duration    time.Duration
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger. Epoch summaries go to Info.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// WithProgress sets the sink that receives the per-epoch losses.
func WithProgress(p ProgressSink) SessionOption {
	return func(s *Session) { s.sink = p }
}

// WithPalette supplies the colours used by InitPalette.
func WithPalette(p []colorful.Color) SessionOption {
	return func(s *Session) { s.palette = slices.Clone(p) }
}

// WithOptimizer replaces the optimizer built from Options.
func WithOptimizer(o Optimizer) SessionOption {
	return func(s *Session) { s.optimizer = o }
}

// WithEpochHook is called after every completed epoch with a copy of the
// candidate, e.g. to persist the evolving image.
func WithEpochHook(fn func(epoch int, img *Tensor)) SessionOption {
	return func(s *Session) { s.onEpoch = fn }
}

// Session owns the candidate image for one stylization run. It is single-use
// and not meant to be driven from more than one goroutine; accessors are safe
// to call while an epoch is running.
type Session struct {
	opts      Options
	evaluator *Evaluator
	optimizer Optimizer
	targets   *Targets
	shape     Shape

	logger  *slog.Logger
	sink    ProgressSink
	palette []colorful.Color
	onEpoch func(int, *Tensor)

	mu        sync.Mutex
	state     State
	epoch     int
	candidate []float64
	history   []EpochStats
	err       error
}

// StyleImages maps every layer to the same style image.
func StyleImages(layers []Layer, style *Tensor) map[Layer]*Tensor {
	out := make(map[Layer]*Tensor, len(layers))
	for _, l := range layers {
		out[l] = style
	}
	return out
}

// NewSession validates the whole configuration and prepares the targets, so
// missing layers and wrong resolutions fail here before any epoch runs.
func NewSession(e Extractor, content *Tensor, styles map[Layer]*Tensor, opts Options, options ...SessionOption) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errors.New("styletransfer: nil extractor")
	}
	if got := e.InputShape(); got != opts.Shape() {
		return nil, &ShapeError{Op: "NewSession", Name: "extractor input", Got: got, Want: opts.Shape(), Cause: "extractor and session resolution differ"}
	}
	ev, err := NewEvaluator(e, opts.evaluatorConfig())
	if err != nil {
		return nil, err
	}

	s := &Session{
		opts:      opts,
		evaluator: ev,
		shape:     opts.Shape(),
		sink:      NopSink{},
	}
	for _, o := range options {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.optimizer == nil {
		cfg := opts.optimizerConfig()
		cfg.Logger = s.logger
		if s.optimizer, err = NewOptimizer(cfg); err != nil {
			return nil, err
		}
	}

	if s.targets, err = ev.Prepare(content, styles, opts.Mode); err != nil {
		return nil, err
	}
	init, err := Initialize(opts.Init, s.shape, opts.Seed, content, s.palette)
	if err != nil {
		return nil, err
	}
	s.candidate = init.Data
	s.state = Initialized
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to Failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// History returns the stats of every completed epoch.
func (s *Session) History() []EpochStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// Result returns a copy of the candidate image. After a failure it is the
// candidate of the last completed epoch.
func (s *Session) Result() *Tensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Tensor{Shape: s.shape, Data: slices.Clone(s.candidate)}
}

// Evaluator exposes the loss evaluator the session optimizes.
func (s *Session) Evaluator() *Evaluator { return s.evaluator }

// Run executes every remaining epoch. ctx is only checked between epochs.
func (s *Session) Run(ctx context.Context) error {
	if st := s.State(); st == Completed || st == Failed {
		return ErrSessionUsed
	}
	for {
		if _, err := s.Step(ctx); err != nil {
			return err
		}
		if s.State() == Completed {
			return nil
		}
	}
}

// Step runs exactly one epoch. Wrapping Step in a context with a deadline
// gives a caller-level timeout at epoch granularity. After the last epoch the
// session is Completed and further calls return ErrSessionUsed.
func (s *Session) Step(ctx context.Context) (EpochStats, error) {
	s.mu.Lock()
	switch s.state {
	case Completed, Failed:
		s.mu.Unlock()
		return EpochStats{}, ErrSessionUsed
	case Initialized:
		s.state = Running
		s.logger.Info("session started",
			"epochs", s.opts.Epochs, "optimizer", s.optimizer.Name(), "mode", s.opts.Mode.String(),
			"width", s.shape.W(), "height", s.shape.H())
	}
	epoch := s.epoch
	if epoch >= s.opts.Epochs {
		s.state = Completed
		s.mu.Unlock()
		return EpochStats{Epoch: epoch}, nil
	}
	x0 := slices.Clone(s.candidate)
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return EpochStats{}, s.fail(epoch, err)
	}

	start := time.Now()
	var seen []Evaluation
	obj := s.evaluator.Objective(s.targets, func(ev Evaluation) {
		seen = append(seen, ev)
	})
	res, err := s.optimizer.Minimize(ctx, obj, x0)
	if err != nil {
		var de *DivergenceError
		if errors.As(err, &de) {
			de.Epoch = epoch
		}
		return EpochStats{}, s.fail(epoch, err)
	}
	if len(res.X) != len(x0) {
		return EpochStats{}, s.fail(epoch, &ShapeError{Op: "Step", Name: "optimizer result", Want: s.shape, Cause: fmt.Sprintf("%d values returned", len(res.X))})
	}

	ev, err := s.evaluationAt(res, seen)
	if err != nil {
		return EpochStats{}, s.fail(epoch, err)
	}
	stats := EpochStats{
		Epoch:       epoch,
		Loss:        ev.Loss,
		Content:     ev.Content,
		Style:       ev.Style,
		Variation:   ev.Variation,
		Status:      res.Status,
		Converged:   res.Converged,
		Iterations:  res.Iterations,
		Evaluations: res.Evaluations,
		Duration:    time.Since(start),
	}

	s.mu.Lock()
	s.candidate = res.X
	s.history = append(s.history, stats)
	s.epoch++
	done := s.epoch == s.opts.Epochs
	if done {
		s.state = Completed
	}
	s.mu.Unlock()

	s.sink.Record("total_loss", stats.Loss, epoch)
	s.sink.Record("content_loss", stats.Content, epoch)
	s.sink.Record("style_loss", stats.Style, epoch)
	s.logger.Info("epoch finished",
		"epoch", epoch+1, "of", s.opts.Epochs, "loss", stats.Loss,
		"content", stats.Content, "style", stats.Style,
		"iterations", stats.Iterations, "evaluations", stats.Evaluations,
		"elapsed", stats.Duration.Round(time.Millisecond))
	if !res.Converged {
		s.logger.Debug("solver did not converge within its cap", "epoch", epoch+1, "status", res.Status)
	}
	if s.onEpoch != nil {
		s.onEpoch(epoch, &Tensor{Shape: s.shape, Data: slices.Clone(res.X)})
	}
	if done {
		s.logger.Info("session completed", "epochs", s.opts.Epochs, "loss", stats.Loss)
	}
	return stats, nil
}

// evaluationAt returns the loss terms of the point the optimizer returned.
// An optimizer that never reported that point is evaluated once more.
func (s *Session) evaluationAt(res Result, seen []Evaluation) (Evaluation, error) {
	for i := len(seen) - 1; i >= 0; i-- {
		if seen[i].Loss == res.Loss {
			return seen[i], nil
		}
	}
	return s.evaluator.EvaluateTargets(&Tensor{Shape: s.shape, Data: res.X}, s.targets, s.opts.Mode)
}

func (s *Session) fail(epoch int, err error) error {
	s.mu.Lock()
	s.state = Failed
	s.err = err
	s.mu.Unlock()
	s.logger.Error("session failed", "epoch", epoch+1, "err", err)
	return err
}
