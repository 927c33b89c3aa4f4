package vgsl

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/linerec/internal/tensor"
	"github.com/born-ml/linerec/internal/vgsl/vgsltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var fixture = vgsltest.Fixture()

func ocro(a vgsltest.Array) ocroArray {
	return ocroArray{dims: a.Dims, values: a.Values}
}

func ocroL(l vgsltest.LSTM) ocroLSTM {
	out := make(ocroLSTM, len(l))
	for name, a := range l {
		out[name] = ocro(a)
	}
	return out
}

const (
	fixtureInput   = 2
	fixtureHidden  = 1
	fixtureOutputs = 3
)

var (
	fixtureLabels  = fixture.Labels
	fixtureFwd     = ocroL(fixture.Fwd)
	fixtureRev     = ocroL(fixture.Rev)
	fixtureSoftmax = ocro(fixture.Softmax)
)

func TestLegacyLoaders(t *testing.T) {
	dir := t.TempDir()
	loaders := map[string]func(string, ...Option) (*Model, error){
		KindVGSL: Load, KindCLSTM: LoadCLSTM, KindPronn: LoadPronn, KindPyrnn: LoadPyrnn,
	}
	tests := []struct {
		name string
		kind string
		path string
	}{
		{"clstm", KindCLSTM, vgsltest.WriteCLSTM(t, dir, fixture)},
		{"pronn", KindPronn, vgsltest.WritePronn(t, dir, fixture)},
		{"pyrnn", KindPyrnn, vgsltest.WritePyrnn(t, dir, fixture)},
		{"pyrnn plain", KindPyrnn, vgsltest.WritePyrnnPlain(t, dir, fixture)},
	}

	x := ramp(t, tensor.Shape{1, 1, fixtureInput, 6})
	var reference []float32

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := loaders[tt.kind](tt.path)
			require.NoError(t, err)

			assert.Equal(t, tt.kind, m.Kind())
			assert.Equal(t, "[1,2,0,1 S1(1x2)1,3 Lbx1 O1c3]", m.Spec())
			assert.Equal(t, []string{"a", "b"}, m.Codec().Alphabet())

			out, err := m.Forward(x)
			require.NoError(t, err)
			assert.Equal(t, tensor.Shape{1, fixtureOutputs, 1, 6}, out.Shape())

			// All formats hold the same weights.
			if reference == nil {
				reference = out.AsFloat32()
			} else {
				assert.InDeltaSlice(t, reference, out.AsFloat32(), 1e-6)
			}

			for kind, load := range loaders {
				if kind == tt.kind {
					continue
				}
				_, err := load(tt.path)
				assert.Error(t, err, "%s loader accepted a %s file", kind, tt.kind)
			}
		})
	}
}

func TestLoadPyrnnUncompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.pyrnn")
	require.NoError(t, os.WriteFile(path, vgsltest.PyrnnPickle(fixture), 0o600))

	m, err := LoadPyrnn(path)
	require.NoError(t, err)
	assert.Equal(t, KindPyrnn, m.Kind())
	assert.Equal(t, ocro(fixture.Softmax).values[1:3], m.StateDict()["layers.2.weight"].AsFloat32()[:2])
}

func TestNumpyArrayLayouts(t *testing.T) {
	f8 := &npDtype{code: "f8", order: '<'}
	raw := make([]byte, 0, 48)
	for _, v := range []float64{1, 2, 3, 4, 5, 6} {
		raw = binary.LittleEndian.AppendUint64(raw, math.Float64bits(v))
	}

	c := &npArray{shape: []int{2, 3}, dtype: f8, data: raw}
	got, err := c.ocro()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, got.values)

	// Column-major storage of the same 2x3 matrix [[1 3 5] [2 4 6]].
	fortran := &npArray{shape: []int{2, 3}, dtype: f8, fortran: true, data: raw}
	got, err = fortran.ocro()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, got.dims)
	assert.Equal(t, []float32{1, 3, 5, 2, 4, 6}, got.values)

	be := make([]byte, 0, 8)
	be = binary.BigEndian.AppendUint32(be, math.Float32bits(1.5))
	be = binary.BigEndian.AppendUint32(be, uint32(0xFFFFFFFE)) // int32 -2
	got, err = (&npArray{shape: []int{1}, dtype: &npDtype{code: "f4", order: '>'}, data: be[:4]}).ocro()
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5}, got.values)
	got, err = (&npArray{shape: []int{1}, dtype: &npDtype{code: "i4", order: '>'}, data: be[4:]}).ocro()
	require.NoError(t, err)
	assert.Equal(t, []float32{-2}, got.values)

	_, err = (&npArray{shape: []int{3}, dtype: f8, data: raw}).ocro()
	assert.ErrorIs(t, err, ErrLegacyFormat)
	_, err = (&npArray{shape: []int{1}, dtype: &npDtype{code: "c16"}, data: raw[:16]}).ocro()
	assert.ErrorIs(t, err, ErrLegacyFormat)
}

func TestLoadPyrnnRejectsOtherObjects(t *testing.T) {
	root := &pyObject{class: &pyClass{module: "ocrolib.lstm", name: "Stacked"}, attrs: map[string]interface{}{}}
	_, err := ocroNetFromObject(root, zap.NewNop())
	assert.ErrorIs(t, err, ErrLegacyFormat)

	rec := &pyObject{class: &pyClass{module: "ocrolib.lstm", name: "SeqRecognizer"}, attrs: map[string]interface{}{"Ni": 2}}
	_, err = ocroNetFromObject(rec, zap.NewNop())
	assert.ErrorIs(t, err, ErrLegacyFormat)
	assert.ErrorContains(t, err, `"lstm"`)
}

func TestPronnFieldOrder(t *testing.T) {
	assert.Equal(t, vgsltest.PronnLSTMFields, pronnLSTMFields)
}

func TestLegacyWeightLayout(t *testing.T) {
	m, err := LoadPronn(vgsltest.WritePronn(t, t.TempDir(), fixture))
	require.NoError(t, err)
	sd := m.StateDict()

	// Gates are stacked input, forget, cell, output; column 0 is the bias.
	gate := func(name string, col int) float32 { return fixtureFwd[name].values[col] }
	assert.Equal(t, []float32{gate("WGI", 0), gate("WGF", 0), gate("WCI", 0), gate("WGO", 0)},
		sd["layers.1.fwd.bias"].AsFloat32())
	assert.Equal(t, []float32{
		gate("WGI", 1), gate("WGI", 2),
		gate("WGF", 1), gate("WGF", 2),
		gate("WCI", 1), gate("WCI", 2),
		gate("WGO", 1), gate("WGO", 2),
	}, sd["layers.1.fwd.weight_ih"].AsFloat32())
	assert.Equal(t, []float32{gate("WGI", 3), gate("WGF", 3), gate("WCI", 3), gate("WGO", 3)},
		sd["layers.1.fwd.weight_hh"].AsFloat32())

	sm := fixtureSoftmax.values
	assert.Equal(t, []float32{sm[0], sm[3], sm[6]}, sd["layers.2.bias"].AsFloat32())
	assert.Equal(t, []float32{sm[1], sm[2], sm[4], sm[5], sm[7], sm[8]}, sd["layers.2.weight"].AsFloat32())
}

func TestLegacyPeepholesLogged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	_, err := LoadPyrnn(vgsltest.WritePyrnn(t, t.TempDir(), fixture), WithLogger(zap.New(core)))
	require.NoError(t, err)

	entries := logs.FilterMessage("dropping peephole weights").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "WIP,WFP,WOP", entries[0].ContextMap()["weights"])
}

func TestLegacyLoadersRejectGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.bin")
	require.NoError(t, os.WriteFile(path, []byte("this is not a model at all"), 0o600))

	for name, load := range map[string]func(string, ...Option) (*Model, error){
		KindVGSL: Load, KindCLSTM: LoadCLSTM, KindPronn: LoadPronn, KindPyrnn: LoadPyrnn,
	} {
		if _, err := load(path); err == nil {
			t.Errorf("%s loader accepted garbage", name)
		}
	}
}

func TestLegacyShapeMismatch(t *testing.T) {
	net := ocroNet{
		kind:    KindPronn,
		ninput:  fixtureInput + 1,
		fwd:     fixtureFwd,
		rev:     fixtureRev,
		softmax: fixtureSoftmax,
	}
	c, err := codecFromTable(fixtureLabels)
	require.NoError(t, err)
	net.codec = c

	_, err = net.build(zap.NewNop())
	assert.ErrorIs(t, err, ErrLegacyFormat)
}

func TestCLSTMCompatSoftmax(t *testing.T) {
	// Old clstm builds store the softmax without a bias column.
	noBias := ocroArray{dims: []int{fixtureOutputs, 2 * fixtureHidden}}
	for r := 0; r < fixtureOutputs; r++ {
		noBias.values = append(noBias.values, fixtureSoftmax.values[r*3+1:r*3+3]...)
	}
	net := ocroNet{kind: KindCLSTM, ninput: fixtureInput, fwd: fixtureFwd, rev: fixtureRev, softmax: noBias}
	c, err := codecFromTable(fixtureLabels)
	require.NoError(t, err)
	net.codec = c

	m, err := net.build(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0}, m.StateDict()["layers.2.bias"].AsFloat32())
}

func TestCLSTMBiasReadFromShape(t *testing.T) {
	// Files without root attributes still carry a bias column.
	net := vgsltest.Fixture()
	net.Attributes = nil
	m, err := LoadCLSTM(vgsltest.WriteCLSTM(t, t.TempDir(), net))
	require.NoError(t, err)

	sm := fixtureSoftmax.values
	assert.Equal(t, []float32{sm[0], sm[3], sm[6]}, m.StateDict()["layers.2.bias"].AsFloat32())
}
