// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor_test

import (
	"errors"
	"testing"

	"github.com/born-ml/linerec/internal/backend/cpu"
	"github.com/born-ml/linerec/tensor"
)

// TestBackendInterface verifies that cpu.CPUBackend implements tensor.Backend.
func TestBackendInterface(_ *testing.T) {
	var _ tensor.Backend = (*cpu.CPUBackend)(nil)
}

// TestRawTensorAPI verifies RawTensor type alias exposes expected API.
func TestRawTensorAPI(t *testing.T) {
	raw, err := tensor.NewRaw(tensor.Shape{2, 3}, tensor.Float32, tensor.CPU)
	if err != nil {
		t.Fatalf("NewRaw failed: %v", err)
	}

	if !raw.Shape().Equal(tensor.Shape{2, 3}) {
		t.Errorf("Shape() = %v, want [2 3]", raw.Shape())
	}
	if raw.DType() != tensor.Float32 {
		t.Errorf("DType() = %v, want Float32", raw.DType())
	}
	if raw.Device() != tensor.CPU {
		t.Errorf("Device() = %v, want CPU", raw.Device())
	}
	if raw.NumElements() != 6 {
		t.Errorf("NumElements() = %d, want 6", raw.NumElements())
	}
}

func TestFromFloat32(t *testing.T) {
	line, err := tensor.FromFloat32([]float32{1, 2, 3, 4}, tensor.Shape{1, 2, 2})
	if err != nil {
		t.Fatalf("FromFloat32 failed: %v", err)
	}
	if got := line.At(0, 1, 0); got != 3 {
		t.Errorf("At(0, 1, 0) = %v, want 3", got)
	}

	if _, err := tensor.FromFloat32([]float32{1, 2, 3}, tensor.Shape{2, 2}); err == nil {
		t.Error("FromFloat32 with wrong length should fail")
	}
}

func TestParseDevice(t *testing.T) {
	d, ordinal, err := tensor.ParseDevice("cuda:1")
	if err != nil || d != tensor.CUDA || ordinal != 1 {
		t.Errorf("ParseDevice(cuda:1) = %v, %d, %v", d, ordinal, err)
	}
	if _, _, err := tensor.ParseDevice("tpu"); !errors.Is(err, tensor.ErrUnknownDevice) {
		t.Errorf("ParseDevice(tpu) error = %v, want ErrUnknownDevice", err)
	}
}
