// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package models_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/linerec/internal/codec"
	"github.com/born-ml/linerec/internal/vgsl"
	"github.com/born-ml/linerec/models"
	"github.com/born-ml/linerec/tensor"
)

func TestLoadAny(t *testing.T) {
	c, err := codec.FromAlphabet([]string{"x", "y"})
	if err != nil {
		t.Fatal(err)
	}
	m, err := vgsl.New("[1,2,0,1 S1(1x2)1,3 Lfx2 O1c3]", c)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "m.born")
	if err := m.Save(path); err != nil {
		t.Fatal(err)
	}

	rec, err := models.LoadAny(path, models.WithDecoder(models.BeamDecoder(3)))
	if err != nil {
		t.Fatalf("LoadAny failed: %v", err)
	}
	if rec.Kind() != models.KindVGSL {
		t.Errorf("Kind() = %q, want %q", rec.Kind(), models.KindVGSL)
	}

	line, err := tensor.FromFloat32(make([]float32, 2*5), tensor.Shape{1, 2, 5})
	if err != nil {
		t.Fatal(err)
	}
	out, err := rec.Forward(line)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !out.Shape().Equal(tensor.Shape{3, 5}) {
		t.Errorf("Forward shape = %v, want [3 5]", out.Shape())
	}
}

func TestLoadAnyInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := models.LoadAny(path); !errors.Is(err, models.ErrInvalidModel) {
		t.Errorf("LoadAny error = %v, want ErrInvalidModel", err)
	}
}
