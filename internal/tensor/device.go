package tensor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownDevice is returned by ParseDevice for unrecognised device strings.
var ErrUnknownDevice = errors.New("unknown device")

// Device represents the compute device for tensor operations.
type Device int

// Supported compute devices.
const (
	CPU Device = iota
	CUDA
	Metal
	WebGPU
)

// String returns the device name in the form accepted by ParseDevice.
func (d Device) String() string {
	switch d {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	case Metal:
		return "mps"
	case WebGPU:
		return "webgpu"
	default:
		return "unknown"
	}
}

// ParseDevice parses strings like "cpu", "cuda", "cuda:1", "mps" or "webgpu".
// The ordinal after a colon is validated and returned separately.
func ParseDevice(s string) (Device, int, error) {
	name, ordinal, hasOrdinal := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")

	index := 0
	if hasOrdinal {
		n, err := strconv.Atoi(ordinal)
		if err != nil || n < 0 {
			return CPU, 0, fmt.Errorf("%w: %q (bad ordinal)", ErrUnknownDevice, s)
		}
		index = n
	}

	switch name {
	case "cpu":
		if hasOrdinal {
			return CPU, 0, fmt.Errorf("%w: %q (cpu takes no ordinal)", ErrUnknownDevice, s)
		}
		return CPU, 0, nil
	case "cuda", "gpu":
		return CUDA, index, nil
	case "mps", "metal":
		return Metal, index, nil
	case "webgpu":
		return WebGPU, index, nil
	default:
		return CPU, 0, fmt.Errorf("%w: %q", ErrUnknownDevice, s)
	}
}
