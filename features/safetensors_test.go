package features

import (
	"bytes"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	st "github.com/setanarut/styletransfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeightsRoundTrip(t *testing.T) {
	v := tinyNet(t)
	w := v.Weights()
	require.Contains(t, w, "block1_conv1.weight")
	assert.Equal(t, []int{3, 3, 3, 4}, w["block1_conv1.weight"].Shape)
	assert.Equal(t, []int{8}, w["block2_conv1.bias"].Shape)

	var buf bytes.Buffer
	require.NoError(t, w.Write(&buf))

	got, err := ReadWeights(&buf)
	require.NoError(t, err)
	require.Len(t, got, len(w))
	for name, p := range w {
		require.Contains(t, got, name)
		assert.Equal(t, p.Shape, got[name].Shape, name)
		for i, val := range p.Data {
			assert.InDelta(t, val, got[name].Data[i], 1e-6*math.Max(1, math.Abs(val)), name)
		}
	}
}

func TestFromWeightsRebuildsNetwork(t *testing.T) {
	v := tinyNet(t)
	path := filepath.Join(t.TempDir(), "tiny.safetensors")
	require.NoError(t, SaveWeights(path, v.Weights()))

	loaded, err := Load(path, VGG19Config(32, 32))
	require.NoError(t, err)
	assert.Equal(t, v.Layers(), loaded.Layers())
	assert.Equal(t, v.Config().Widths, loaded.Config().Widths)
	assert.Equal(t, v.Config().Convs, loaded.Config().Convs)

	x := randomImage(v.InputShape(), 11)
	a, err := st.Extract(v, x, []st.Layer{st.Block3Conv1}, st.ExecSerial)
	require.NoError(t, err)
	b, err := st.Extract(loaded, x, []st.Layer{st.Block3Conv1}, st.ExecSerial)
	require.NoError(t, err)
	assert.Less(t, relErr(b[st.Block3Conv1].Data, a[st.Block3Conv1].Data), 1e-5)
}

func TestFromWeightsErrors(t *testing.T) {
	w := tinyNet(t).Weights()

	noBias := Weights{}
	for k, p := range w {
		noBias[k] = p
	}
	delete(noBias, "block2_conv1.bias")
	_, err := FromWeights(noBias, TinyConfig(32, 32))
	assert.ErrorContains(t, err, "no bias")

	noBlock := Weights{}
	for k, p := range w {
		noBlock[k] = p
	}
	delete(noBlock, "block4_conv1.weight")
	_, err = FromWeights(noBlock, TinyConfig(32, 32))
	assert.ErrorContains(t, err, "block4_conv1")

	badShape := Weights{}
	for k, p := range w {
		badShape[k] = p
	}
	badShape["block1_conv1.weight"] = Param{Shape: []int{3, 3, 1, 4}, Data: make([]float64, 36)}
	_, err = FromWeights(badShape, TinyConfig(32, 32))
	assert.Error(t, err)
}

func TestReadWeightsCorrupt(t *testing.T) {
	_, err := ReadWeights(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)

	var buf bytes.Buffer
	require.NoError(t, Weights{"a": {Shape: []int{2}, Data: []float64{1, 2}}}.Write(&buf))
	truncated := buf.Bytes()[:buf.Len()-4]
	_, err = ReadWeights(bytes.NewReader(truncated))
	assert.Error(t, err)

	var huge bytes.Buffer
	require.NoError(t, binary.Write(&huge, binary.LittleEndian, uint64(1<<40)))
	_, err = ReadWeights(&huge)
	assert.Error(t, err)
}

// rawSafetensors frames a hand-written header followed by data.
func rawSafetensors(header string, data []byte) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(header)))
	buf.WriteString(header)
	buf.Write(data)
	return buf.Bytes()
}

func TestReadWeightsRejectsOversizedShapes(t *testing.T) {
	for _, tc := range []struct {
		name   string
		header string
		data   int
	}{
		{"product overflows", `{"w":{"dtype":"F32","shape":[4611686018427387904,2],"data_offsets":[0,8]}}`, 8},
		{"byte count wraps to zero", `{"w":{"dtype":"F32","shape":[4611686018427387904,2],"data_offsets":[0,0]}}`, 0},
		{"larger than data", `{"w":{"dtype":"F32","shape":[1099511627776],"data_offsets":[0,8]}}`, 8},
	} {
		t.Run(tc.name, func(t *testing.T) {
			in := rawSafetensors(tc.header, make([]byte, tc.data))
			require.NotPanics(t, func() {
				_, err := ReadWeights(bytes.NewReader(in))
				assert.Error(t, err)
			})
		})
	}
}

func TestElementCount(t *testing.T) {
	n, err := elementCount([]uint64{3, 3, 2, 4}, 4, 288)
	require.NoError(t, err)
	assert.Equal(t, 72, n)

	_, err = elementCount([]uint64{1 << 62, 8}, 4, 0)
	assert.ErrorContains(t, err, "overflows")
	_, err = elementCount([]uint64{1 << 40}, 4, 8)
	assert.ErrorContains(t, err, "does not match")
}

func TestWriteRejectsInconsistentParam(t *testing.T) {
	var buf bytes.Buffer
	err := Weights{"a": {Shape: []int{2, 2}, Data: []float64{1}}}.Write(&buf)
	assert.Error(t, err)
}
