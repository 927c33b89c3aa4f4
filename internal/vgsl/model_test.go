package vgsl

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/born-ml/linerec/internal/codec"
	"github.com/born-ml/linerec/internal/serialization"
	"github.com/born-ml/linerec/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCodec(t *testing.T, symbols ...string) *codec.Codec {
	t.Helper()
	c, err := codec.FromAlphabet(symbols)
	require.NoError(t, err)
	return c
}

func ramp(t *testing.T, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	data := make([]float32, shape.NumElements())
	for i := range data {
		data[i] = float32(math.Sin(float64(i) * 0.37))
	}
	raw, err := tensor.FromFloat32(data, shape)
	require.NoError(t, err)
	return raw
}

func TestModelForwardShapes(t *testing.T) {
	m, err := New("[1,4,0,1 Cr3,3,2 Mp2,2 S1(1x2)1,3 Lbx3 Do0.2 O1c5]", testCodec(t, "a", "b", "c", "d"))
	require.NoError(t, err)

	assert.Equal(t, 5, m.Classes())
	assert.Equal(t, []string{"Cr3,3,2", "Mp2,2", "S1(1x2)1,3", "Lbx3", "Do0.2", "O1c5"}, m.Layers())
	assert.Equal(t, KindVGSL, m.Kind())

	out, err := m.Forward(ramp(t, tensor.Shape{1, 1, 4, 6}))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 5, 1, 3}, out.Shape())

	// CTC output is a distribution over classes in every column.
	for col := 0; col < 3; col++ {
		var sum float32
		for c := 0; c < 5; c++ {
			sum += out.At(0, c, 0, col)
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
}

func TestModelVariableHeightOutput(t *testing.T) {
	m, err := New("[1,0,0,1 O1l2]", testCodec(t, "a"))
	require.NoError(t, err)

	out, err := m.Forward(ramp(t, tensor.Shape{1, 1, 3, 5}))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 2, 3, 5}, out.Shape())
}

func TestModelForwardRejectsBadInput(t *testing.T) {
	m, err := New("[1,4,0,1 S1(1x4)1,3 O1c3]", testCodec(t, "a", "b"))
	require.NoError(t, err)

	for name, shape := range map[string]tensor.Shape{
		"rank":     {1, 4, 5},
		"channels": {1, 2, 4, 5},
		"height":   {1, 1, 3, 5},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := m.Forward(ramp(t, shape))
			assert.ErrorIs(t, err, ErrShape)
		})
	}

	_, err = m.Forward(nil)
	assert.ErrorIs(t, err, ErrShape)
}

func TestNewErrors(t *testing.T) {
	tests := []struct {
		name string
		spec string
	}{
		{"no output", "[1,4,0,1 Lfx2]"},
		{"output not last", "[1,4,0,1 O1c3 Lfx2]"},
		{"fold mismatch", "[1,4,0,1 S1(1x3)1,3 O1c3]"},
		{"pool too tall", "[1,1,0,1 Mp2,2 O1c3]"},
		{"codec larger than output", "[1,4,0,1 O1c2]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.spec, testCodec(t, "a", "b"))
			assert.ErrorIs(t, err, ErrInvalidSpec)
		})
	}

	_, err := New("[1,4,0,1 O1c3]", nil)
	assert.Error(t, err)
}

func TestTrainEvalDropout(t *testing.T) {
	m, err := New("[1,1,0,1 Do0.5 O1l2]", testCodec(t, "a"))
	require.NoError(t, err)
	assert.False(t, m.Training())

	x := ramp(t, tensor.Shape{1, 1, 1, 64})
	a, err := m.Forward(x)
	require.NoError(t, err)
	b, err := m.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, a.AsFloat32(), b.AsFloat32(), "eval mode is deterministic")

	c := m.Codec()
	m.Train()
	assert.True(t, m.Training())
	assert.Same(t, c, m.Codec())

	// Input is left untouched by dropout.
	before := append([]float32(nil), x.AsFloat32()...)
	_, err = m.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, before, x.AsFloat32())

	m.Eval()
	assert.False(t, m.Training())
}

func TestModelTo(t *testing.T) {
	m, err := New("[1,1,0,1 O1c2]", testCodec(t, "a"))
	require.NoError(t, err)

	require.NoError(t, m.To(tensor.CPU))
	assert.Equal(t, tensor.CPU, m.Device())

	err = m.To(tensor.CUDA)
	assert.True(t, errors.Is(err, ErrUnsupportedDevice))
	assert.Equal(t, tensor.CPU, m.Device())
}

func TestStateDictKeys(t *testing.T) {
	m, err := New("[1,2,0,1 Cr1,1,2 S1(1x2)1,3 Lbx2 O1c3]", testCodec(t, "a", "b"))
	require.NoError(t, err)

	sd := m.StateDict()
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
		require.NoError(t, serialization.ValidateTensorName(k))
	}
	assert.ElementsMatch(t, []string{
		"layers.0.weight", "layers.0.bias",
		"layers.2.fwd.weight_ih", "layers.2.fwd.weight_hh", "layers.2.fwd.bias",
		"layers.2.rev.weight_ih", "layers.2.rev.weight_hh", "layers.2.rev.bias",
		"layers.3.weight", "layers.3.bias",
	}, keys)
	assert.Equal(t, tensor.Shape{8, 4}, sd["layers.2.fwd.weight_ih"].Shape())
	assert.Equal(t, tensor.Shape{3, 4}, sd["layers.3.weight"].Shape())
}

func TestLoadStateDictErrors(t *testing.T) {
	m, err := New("[1,1,0,1 O1c2]", testCodec(t, "a"))
	require.NoError(t, err)

	sd := m.StateDict()
	extra := map[string]*tensor.RawTensor{"layers.9.weight": sd["layers.0.weight"]}
	for k, v := range sd {
		extra[k] = v
	}
	assert.Error(t, m.LoadStateDict(extra))

	assert.Error(t, m.LoadStateDict(map[string]*tensor.RawTensor{"layers.0.weight": sd["layers.0.weight"]}))

	wrong, err := tensor.FromFloat32([]float32{1, 2, 3}, tensor.Shape{3, 1})
	require.NoError(t, err)
	assert.Error(t, m.LoadStateDict(map[string]*tensor.RawTensor{
		"layers.0.weight": wrong,
		"layers.0.bias":   sd["layers.0.bias"],
	}))
}

func TestLSTMSingleStep(t *testing.T) {
	m, err := New("[1,1,0,1 Lfx1 O1l2]", testCodec(t, "a"))
	require.NoError(t, err)

	ih, _ := tensor.FromFloat32([]float32{1, 0.5, 2, -1}, tensor.Shape{4, 1})
	hh, _ := tensor.FromFloat32([]float32{0, 0, 0, 0}, tensor.Shape{4, 1})
	bias, _ := tensor.FromFloat32([]float32{0, 0, 0, 0}, tensor.Shape{4})
	ow, _ := tensor.FromFloat32([]float32{1, -1}, tensor.Shape{2, 1})
	ob, _ := tensor.FromFloat32([]float32{0, 0.25}, tensor.Shape{2})
	require.NoError(t, m.LoadStateDict(map[string]*tensor.RawTensor{
		"layers.0.fwd.weight_ih": ih,
		"layers.0.fwd.weight_hh": hh,
		"layers.0.fwd.bias":      bias,
		"layers.1.weight":        ow,
		"layers.1.bias":          ob,
	}))

	x, _ := tensor.FromFloat32([]float32{0.5}, tensor.Shape{1, 1, 1, 1})
	out, err := m.Forward(x)
	require.NoError(t, err)

	sig := func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }
	i, g, o := sig(0.5), math.Tanh(1), sig(-0.5)
	h := o * math.Tanh(i*g)

	assert.InDelta(t, h, out.At(0, 0, 0, 0), 1e-5)
	assert.InDelta(t, -h+0.25, out.At(0, 1, 0, 0), 1e-5)
}

func TestLSTMReverseMirrorsForward(t *testing.T) {
	fwd, err := New("[1,1,0,1 Lfx2 O1l3]", testCodec(t, "a"))
	require.NoError(t, err)
	rev, err := New("[1,1,0,1 Lrx2 O1l3]", testCodec(t, "a"))
	require.NoError(t, err)

	sd := make(map[string]*tensor.RawTensor)
	for k, v := range fwd.StateDict() {
		switch k {
		case "layers.0.fwd.weight_ih", "layers.0.fwd.weight_hh", "layers.0.fwd.bias":
			k = "layers.0.rev." + k[len("layers.0.fwd."):]
		}
		sd[k] = v
	}
	require.NoError(t, rev.LoadStateDict(sd))

	const w = 5
	x := ramp(t, tensor.Shape{1, 1, 1, w})
	xr := x.Clone()
	xd, xrd := x.AsFloat32(), xr.AsFloat32()
	for i := 0; i < w; i++ {
		xrd[i] = xd[w-1-i]
	}

	a, err := fwd.Forward(xr)
	require.NoError(t, err)
	b, err := rev.Forward(x)
	require.NoError(t, err)
	for c := 0; c < 3; c++ {
		for i := 0; i < w; i++ {
			assert.InDelta(t, a.At(0, c, 0, w-1-i), b.At(0, c, 0, i), 1e-6)
		}
	}
}

func TestReshapeFoldsRowsIntoChannels(t *testing.T) {
	l := &reshapeLayer{spec: "S1(1x2)1,3", channels: 2, a: 1, b: 2}
	// (1, 2, 2, 2): channel c, row r, column w holds 100c+10r+w.
	x, err := tensor.FromFloat32([]float32{0, 1, 10, 11, 100, 101, 110, 111}, tensor.Shape{1, 2, 2, 2})
	require.NoError(t, err)

	out, err := l.Forward(x, false)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 4, 1, 2}, out.Shape())
	assert.Equal(t, []float32{0, 1, 10, 11, 100, 101, 110, 111}, out.AsFloat32())

	_, err = l.Forward(ramp(t, tensor.Shape{1, 2, 3, 2}), false)
	assert.ErrorIs(t, err, ErrShape)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m, err := New("[1,4,0,1 Ct3,3,2 S1(1x4)1,3 Lbx2 O1c4]", testCodec(t, "x", "y", "z"))
	require.NoError(t, err)
	assert.Empty(t, m.ID())

	path := filepath.Join(t.TempDir(), "model.born")
	require.NoError(t, m.Save(path))
	require.NotEmpty(t, m.ID())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, m.Spec(), loaded.Spec())
	assert.Equal(t, m.ID(), loaded.ID())
	assert.Equal(t, KindVGSL, loaded.Kind())
	assert.Equal(t, m.Codec().Codes(), loaded.Codec().Codes())

	x := ramp(t, tensor.Shape{1, 1, 4, 7})
	want, err := m.Forward(x)
	require.NoError(t, err)
	got, err := loaded.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, want.AsFloat32(), got.AsFloat32())
}

func TestLoadRejectsOtherModelTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "other.born")
	raw, err := tensor.FromFloat32([]float32{1}, tensor.Shape{1})
	require.NoError(t, err)
	require.NoError(t, serialization.WriteFile(path, map[string]*tensor.RawTensor{"w": raw},
		serialization.Header{ModelType: "Sequential"}))

	_, err = Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.born"))
	assert.Error(t, err)
}

type panicLayer struct{ v any }

func (p panicLayer) Forward(*tensor.RawTensor, bool) (*tensor.RawTensor, error) { panic(p.v) }
func (p panicLayer) StateDict() map[string]*tensor.RawTensor                  { return nil }
func (p panicLayer) LoadStateDict(map[string]*tensor.RawTensor) error          { return nil }
func (p panicLayer) String() string                                            { return "panic" }

func TestForwardRecoversOnlyShapePanics(t *testing.T) {
	m, err := New("[1,1,0,1 O1l2]", testCodec(t, "a"))
	require.NoError(t, err)
	x := ramp(t, tensor.Shape{1, 1, 1, 3})

	m.layers = []Layer{panicLayer{tensor.ShapeErrorf("conv2d", "input too small")}}
	_, err = m.Forward(x)
	assert.ErrorIs(t, err, ErrShape)
	var se *tensor.ShapeError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "conv2d", se.Op)

	m.layers = []Layer{panicLayer{"index out of range"}}
	assert.PanicsWithValue(t, "index out of range", func() { _, _ = m.Forward(x) })
}
