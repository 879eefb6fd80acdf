package styletransfer

import (
	"fmt"
	"math"
)

// ExecutionMode selects how an extractor schedules work inside a single
// forward or backward pass. It is fixed per optimizer and handed to every
// objective call, never toggled globally.
type ExecutionMode int

const (
	// ExecSerial runs every kernel on the calling goroutine.
	ExecSerial ExecutionMode = iota
	// ExecParallel lets the extractor split kernels across goroutines. All of
	// them are joined before Forward or Backward returns.
	ExecParallel
)

func (m ExecutionMode) String() string {
	switch m {
	case ExecParallel:
		return "parallel"
	default:
		return "serial"
	}
}

// ParseExecutionMode maps "serial" or "parallel" to a mode.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch s {
	case "serial", "":
		return ExecSerial, nil
	case "parallel":
		return ExecParallel, nil
	}
	return ExecSerial, fmt.Errorf("styletransfer: unknown execution mode %q", s)
}

// Extractor is a frozen, pretrained convolutional network with a fixed input
// shape. Its weights are shared read-only by every evaluation.
type Extractor interface {
	// Layers lists every addressable layer in network order.
	Layers() []Layer
	// Final is the deepest layer.
	Final() Layer
	// InputShape is the only image shape Forward accepts.
	InputShape() Shape
	// Forward evaluates the network up to the deepest requested layer.
	// Unknown layers fail with a LayerNotFoundError.
	Forward(x *Tensor, layers []Layer, mode ExecutionMode) (Tape, error)
}

// Tape holds the activations of one forward pass and differentiates through them.
type Tape interface {
	Activation(l Layer) *Tensor
	// Backward takes dLoss/dActivation for some of the recorded layers and
	// returns dLoss/dInput. A nil result means no gradient path exists.
	Backward(grads map[Layer]*Tensor) (*Tensor, error)
}

// Extract is the map-returning form of Forward.
func Extract(e Extractor, x *Tensor, layers []Layer, mode ExecutionMode) (map[Layer]*Tensor, error) {
	tape, err := e.Forward(x, layers, mode)
	if err != nil {
		return nil, err
	}
	out := make(map[Layer]*Tensor, len(layers))
	for _, l := range layers {
		out[l] = tape.Activation(l)
	}
	return out, nil
}

// NumericalGradient approximates d f / d x by central differences.
// It satisfies the same contract as Tape.Backward and is meant for testing
// analytic gradients on small inputs.
func NumericalGradient(f func(x *Tensor) (float64, error), x *Tensor, eps float64) (*Tensor, error) {
	if err := checkRank("NumericalGradient", "x", x); err != nil {
		return nil, err
	}
	if eps <= 0 {
		eps = 1e-5
	}
	shifted := x.Clone()
	grad := NewTensor(x.Shape)
	for i := range shifted.Data {
		orig := shifted.Data[i]
		shifted.Data[i] = orig + eps
		fp, err := f(shifted)
		if err != nil {
			return nil, err
		}
		shifted.Data[i] = orig - eps
		fm, err := f(shifted)
		if err != nil {
			return nil, err
		}
		shifted.Data[i] = orig
		g := (fp - fm) / (2 * eps)
		if math.IsNaN(g) || math.IsInf(g, 0) {
			return nil, &DivergenceError{Loss: fp, Where: "gradient"}
		}
		grad.Data[i] = g
	}
	return grad, nil
}
