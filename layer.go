package styletransfer

import "slices"

// Layer identifies a named extractor layer, e.g. "block5_conv1".
type Layer string

// VGG19 layer names. Extractors may expose a subset.
const (
	Block1Conv1 Layer = "block1_conv1"
	Block1Conv2 Layer = "block1_conv2"
	Block1Pool  Layer = "block1_pool"
	Block2Conv1 Layer = "block2_conv1"
	Block2Conv2 Layer = "block2_conv2"
	Block2Pool  Layer = "block2_pool"
	Block3Conv1 Layer = "block3_conv1"
	Block3Conv2 Layer = "block3_conv2"
	Block3Conv3 Layer = "block3_conv3"
	Block3Conv4 Layer = "block3_conv4"
	Block3Pool  Layer = "block3_pool"
	Block4Conv1 Layer = "block4_conv1"
	Block4Conv2 Layer = "block4_conv2"
	Block4Conv3 Layer = "block4_conv3"
	Block4Conv4 Layer = "block4_conv4"
	Block4Pool  Layer = "block4_pool"
	Block5Conv1 Layer = "block5_conv1"
	Block5Conv2 Layer = "block5_conv2"
	Block5Conv3 Layer = "block5_conv3"
	Block5Conv4 Layer = "block5_conv4"
	Block5Pool  Layer = "block5_pool"
)

// DefaultStyleLayers are the first convolution of every VGG block.
func DefaultStyleLayers() []Layer {
	return []Layer{Block1Conv1, Block2Conv1, Block3Conv1, Block4Conv1, Block5Conv1}
}

// Registry is a closed set of layer identifiers, validated once at construction.
type Registry struct {
	known []Layer
	index map[Layer]int
}

// NewRegistry builds a registry preserving the given order.
func NewRegistry(layers []Layer) *Registry {
	r := &Registry{known: slices.Clone(layers), index: make(map[Layer]int, len(layers))}
	for i, l := range layers {
		r.index[l] = i
	}
	return r
}

// Layers returns the registered layers in network order.
func (r *Registry) Layers() []Layer { return slices.Clone(r.known) }

// Has reports whether l is registered.
func (r *Registry) Has(l Layer) bool {
	_, ok := r.index[l]
	return ok
}

// Depth returns the position of l in network order, or -1.
func (r *Registry) Depth(l Layer) int {
	if i, ok := r.index[l]; ok {
		return i
	}
	return -1
}

// Validate returns a LayerNotFoundError for the first unknown layer.
func (r *Registry) Validate(layers ...Layer) error {
	for _, l := range layers {
		if !r.Has(l) {
			return &LayerNotFoundError{Layer: l, Known: r.Layers()}
		}
	}
	return nil
}

// Deepest returns the layer among layers that sits deepest in the network.
func (r *Registry) Deepest(layers []Layer) Layer {
	best, bestDepth := Layer(""), -1
	for _, l := range layers {
		if d := r.Depth(l); d > bestDepth {
			best, bestDepth = l, d
		}
	}
	return best
}
