package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/born-ml/linerec/internal/codec"
	"github.com/born-ml/linerec/internal/features"
	"github.com/born-ml/linerec/internal/models"
	"github.com/born-ml/linerec/internal/tensor"
	"github.com/born-ml/linerec/internal/vgsl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	dir    string
	config string
	model  string
	line   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		dir:    dir,
		config: filepath.Join(dir, "config.yaml"),
		model:  filepath.Join(dir, "line.born"),
		line:   filepath.Join(dir, "line.safetensors"),
	}
	require.NoError(t, os.WriteFile(f.config, []byte("log:\n  level: error\n"), 0o600))

	c, err := codec.FromAlphabet([]string{"a", "b", "c"})
	require.NoError(t, err)
	m, err := vgsl.New("[1,4,0,1 S1(1x4)1,3 Lbx3 O1c4]", c)
	require.NoError(t, err)
	require.NoError(t, m.Save(f.model))

	data := make([]float32, 4*10)
	for i := range data {
		data[i] = float32(i%7) / 7
	}
	line, err := tensor.FromFloat32(data, tensor.Shape{1, 4, 10})
	require.NoError(t, err)
	require.NoError(t, features.Save(f.line, line, nil))
	return f
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "linerec "+version+"\n", out)
}

func TestShow(t *testing.T) {
	f := newFixture(t)
	out, err := run(t, "--config", f.config, "show", f.model)
	require.NoError(t, err)
	assert.Contains(t, out, "kind:     vgsl")
	assert.Contains(t, out, "classes:  4")
	assert.Contains(t, out, "alphabet: a b c")
	assert.Contains(t, out, "Lbx3")
}

func TestOCR(t *testing.T) {
	f := newFixture(t)

	r, err := models.LoadAny(f.model)
	require.NoError(t, err)
	line, err := features.Load(f.line, 0)
	require.NoError(t, err)
	want, err := r.PredictString(line)
	require.NoError(t, err)

	out, err := run(t, "--config", f.config, "ocr", "-m", f.model, f.line, f.line)
	require.NoError(t, err)
	assert.Equal(t, want+"\n"+want+"\n", out)

	out, err = run(t, "--config", f.config, "--decoder", "beam", "ocr", "-m", f.model, "--labels", f.line)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, f.line+"\n"))
}

func TestOCRErrors(t *testing.T) {
	f := newFixture(t)

	_, err := run(t, "--config", f.config, "ocr", f.line)
	assert.ErrorContains(t, err, "no model given")

	_, err = run(t, "--config", f.config, "ocr", "-m", f.model, "--labels", "--segments", f.line)
	assert.Error(t, err)

	_, err = run(t, "--config", f.config, "--decoder", "viterbi", "ocr", "-m", f.model, f.line)
	assert.ErrorContains(t, err, "decoder.kind")

	garbage := filepath.Join(f.dir, "garbage.bin")
	require.NoError(t, os.WriteFile(garbage, []byte("garbage"), 0o600))
	_, err = run(t, "--config", f.config, "ocr", "-m", garbage, f.line)
	assert.ErrorIs(t, err, models.ErrInvalidModel)
}

func TestConvert(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(f.dir, "converted.born")

	stdout, err := run(t, "--config", f.config, "convert", f.model, out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "converted vgsl model")

	m, err := vgsl.Load(out)
	require.NoError(t, err)
	assert.Equal(t, "[1,4,0,1 S1(1x4)1,3 Lbx3 O1c4]", m.Spec())
}
