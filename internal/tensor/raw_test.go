package tensor

import (
	"errors"
	"testing"
)

func TestNewRawZeroed(t *testing.T) {
	raw, err := NewRaw(Shape{2, 3}, Float32, CPU)
	if err != nil {
		t.Fatalf("NewRaw failed: %v", err)
	}
	if raw.NumElements() != 6 {
		t.Errorf("NumElements = %d, want 6", raw.NumElements())
	}
	if raw.ByteSize() != 24 {
		t.Errorf("ByteSize = %d, want 24", raw.ByteSize())
	}
	for i, v := range raw.AsFloat32() {
		if v != 0 {
			t.Fatalf("element %d = %v, want 0", i, v)
		}
	}
}

func TestNewRawInvalidShape(t *testing.T) {
	if _, err := NewRaw(Shape{2, 0}, Float32, CPU); err == nil {
		t.Error("expected error for zero dimension")
	}
}

func TestFromFloat32(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6}
	raw, err := FromFloat32(data, Shape{2, 3})
	if err != nil {
		t.Fatalf("FromFloat32 failed: %v", err)
	}

	data[0] = 100
	if raw.At(0, 0) != 1 {
		t.Error("FromFloat32 should copy its input")
	}
	if got := raw.At(1, 2); got != 6 {
		t.Errorf("At(1, 2) = %v, want 6", got)
	}

	if _, err := FromFloat32(data, Shape{4}); err == nil {
		t.Error("expected length mismatch error")
	}
}

func TestRawTensorAsInt32(t *testing.T) {
	raw, _ := NewRaw(Shape{3, 2}, Int32, CPU)
	data := raw.AsInt32()

	if len(data) != 6 {
		t.Errorf("AsInt32 length = %d, want 6", len(data))
	}

	// Modify and verify zero-copy
	data[0] = 42
	if raw.AsInt32()[0] != 42 {
		t.Error("AsInt32 should return zero-copy slice")
	}
}

func TestRawTensorAsFloat32WrongType(t *testing.T) {
	raw, _ := NewRaw(Shape{2}, Float64, CPU)
	defer func() {
		if recover() == nil {
			t.Error("AsFloat32 on float64 tensor should panic")
		}
	}()
	_ = raw.AsFloat32()
}

func TestCloneIsDeep(t *testing.T) {
	raw, _ := FromFloat32([]float32{1, 2, 3}, Shape{3})
	clone := raw.Clone()
	clone.AsFloat32()[0] = 9

	if raw.At(0) != 1 {
		t.Error("modifying clone changed the original")
	}
}

func TestReshapeSharesStorage(t *testing.T) {
	raw, _ := FromFloat32([]float32{1, 2, 3, 4, 5, 6}, Shape{2, 3})
	view, err := raw.Reshape(Shape{3, 2})
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	view.AsFloat32()[5] = 60
	if raw.At(1, 2) != 60 {
		t.Error("Reshape should return a view")
	}

	if _, err := raw.Reshape(Shape{4, 2}); err == nil {
		t.Error("expected element count mismatch error")
	}
}

func TestUnsqueezeSqueeze(t *testing.T) {
	raw, _ := NewRaw(Shape{1, 48, 200}, Float32, CPU)

	batched, err := raw.Unsqueeze(0)
	if err != nil {
		t.Fatalf("Unsqueeze failed: %v", err)
	}
	if !batched.Shape().Equal(Shape{1, 1, 48, 200}) {
		t.Errorf("Unsqueeze(0) shape = %v", batched.Shape())
	}

	last, err := raw.Unsqueeze(-1)
	if err != nil {
		t.Fatalf("Unsqueeze(-1) failed: %v", err)
	}
	if !last.Shape().Equal(Shape{1, 48, 200, 1}) {
		t.Errorf("Unsqueeze(-1) shape = %v", last.Shape())
	}

	if _, err := raw.Unsqueeze(5); err == nil {
		t.Error("expected out of range error")
	}

	squeezed := batched.Squeeze()
	if !squeezed.Shape().Equal(Shape{48, 200}) {
		t.Errorf("Squeeze shape = %v, want (48, 200)", squeezed.Shape())
	}
}

func TestToDevice(t *testing.T) {
	raw, _ := FromFloat32([]float32{1, 2}, Shape{2})
	if raw.To(CPU) != raw {
		t.Error("To(same device) should return the receiver")
	}
	moved := raw.To(CUDA)
	if moved.Device() != CUDA {
		t.Errorf("Device = %v, want cuda", moved.Device())
	}
	if raw.Device() != CPU {
		t.Error("To should not modify the receiver")
	}
}

func TestParseDevice(t *testing.T) {
	tests := []struct {
		in      string
		device  Device
		ordinal int
		wantErr bool
	}{
		{"cpu", CPU, 0, false},
		{"CPU", CPU, 0, false},
		{"cuda", CUDA, 0, false},
		{"cuda:1", CUDA, 1, false},
		{"mps", Metal, 0, false},
		{"webgpu", WebGPU, 0, false},
		{"cpu:0", CPU, 0, true},
		{"cuda:x", CPU, 0, true},
		{"tpu", CPU, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			device, ordinal, err := ParseDevice(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownDevice) {
					t.Fatalf("ParseDevice(%q) error = %v, want ErrUnknownDevice", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDevice(%q) failed: %v", tt.in, err)
			}
			if device != tt.device || ordinal != tt.ordinal {
				t.Errorf("ParseDevice(%q) = %v:%d, want %v:%d", tt.in, device, ordinal, tt.device, tt.ordinal)
			}
		})
	}
}

func TestShapeString(t *testing.T) {
	if got := (Shape{2, 3, 4}).String(); got != "(2, 3, 4)" {
		t.Errorf("String = %q", got)
	}
}
