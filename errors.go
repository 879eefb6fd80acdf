package styletransfer

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSessionUsed is returned when Run is called on a session that already ran.
var ErrSessionUsed = errors.New("styletransfer: session already used")

// ShapeError reports a tensor with the wrong rank or dimensions.
// It indicates misconfiguration and is never retried.
type ShapeError struct {
	Op    string // operation that rejected the tensor
	Name  string // argument name, "content", "style[block1_conv1]", ...
	Got   Shape
	Want  Shape // zero when only the rank was checked
	Cause string
}

func (e *ShapeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "styletransfer: %s: shape error on %s", e.Op, e.Name)
	if e.Got != (Shape{}) {
		fmt.Fprintf(&b, " got %v", e.Got)
	}
	if e.Want != (Shape{}) {
		fmt.Fprintf(&b, " want %v", e.Want)
	}
	if e.Cause != "" {
		fmt.Fprintf(&b, ": %s", e.Cause)
	}
	return b.String()
}

// LayerNotFoundError reports a layer name the extractor does not expose.
type LayerNotFoundError struct {
	Layer Layer
	Known []Layer
}

func (e *LayerNotFoundError) Error() string {
	names := make([]string, len(e.Known))
	for i, l := range e.Known {
		names[i] = string(l)
	}
	return fmt.Sprintf("styletransfer: layer %q not found (known: %s)", e.Layer, strings.Join(names, ", "))
}

// DivergenceError reports a non-finite loss or gradient. The optimizer cannot
// recover a search direction from it, so the session fails.
type DivergenceError struct {
	Epoch int
	Loss  float64
	Where string // "loss", "gradient" or "activation"
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("styletransfer: diverged at epoch %d: non-finite %s (loss=%v)", e.Epoch, e.Where, e.Loss)
}
