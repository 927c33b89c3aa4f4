package vgsl

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/born-ml/linerec/internal/tensor"
)

// ErrShape is returned when a tensor does not fit the layer it is fed to.
var ErrShape = errors.New("tensor shape does not match network")

// Layer is one block of a network.
//
// Forward takes and returns (N, C, H, W) float32 tensors. Parameter names in
// StateDict are local to the layer; the model prefixes them with the layer
// index.
type Layer interface {
	Forward(x *tensor.RawTensor, train bool) (*tensor.RawTensor, error)
	StateDict() map[string]*tensor.RawTensor
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error
	String() string
}

// featureShape is the per-sample shape flowing between layers while a
// network is built. Zero height means variable.
type featureShape struct {
	C, H int
}

// dims returns the NCHW sizes of x after checking rank, dtype and channels.
func dims(x *tensor.RawTensor, channels int, layer string) (n, c, h, w int, err error) {
	s := x.Shape()
	if len(s) != 4 || x.DType() != tensor.Float32 {
		return 0, 0, 0, 0, fmt.Errorf("%w: %s expects a float32 (N, C, H, W) tensor, got %s %v", ErrShape, layer, x.DType(), s)
	}
	if channels > 0 && s[1] != channels {
		return 0, 0, 0, 0, fmt.Errorf("%w: %s expects %d channels, got %d", ErrShape, layer, channels, s[1])
	}
	return s[0], s[1], s[2], s[3], nil
}

// activate applies a VGSL activation along the channel dimension.
func activate(b tensor.Backend, act byte, x *tensor.RawTensor) *tensor.RawTensor {
	switch act {
	case 'r':
		return b.ReLU(x)
	case 't':
		return b.Tanh(x)
	case 's':
		return b.Sigmoid(x)
	case 'm', 'c':
		return b.Softmax(x, 1)
	default:
		return x
	}
}

// xavier fills a new float32 tensor from U(-bound, bound) with
// bound = sqrt(6 / (fanIn + fanOut)).
func xavier(shape tensor.Shape, fanIn, fanOut int) *tensor.RawTensor {
	t, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	if err != nil {
		panic(err)
	}
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	data := t.AsFloat32()
	for i := range data {
		//nolint:gosec // weight initialization is not security-critical
		data[i] = float32((rand.Float64()*2 - 1) * bound)
	}
	return t
}

func zeros(shape tensor.Shape) *tensor.RawTensor {
	t, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	if err != nil {
		panic(err)
	}
	return t
}

// loadParam copies stateDict[name] into dst after checking shape and dtype.
func loadParam(stateDict map[string]*tensor.RawTensor, name string, dst *tensor.RawTensor) error {
	src, ok := stateDict[name]
	if !ok {
		return fmt.Errorf("missing %s in state dict", name)
	}
	if !src.Shape().Equal(dst.Shape()) {
		return fmt.Errorf("%s shape mismatch: expected %v, got %v", name, dst.Shape(), src.Shape())
	}
	if src.DType() != tensor.Float32 {
		return fmt.Errorf("%s dtype mismatch: expected float32, got %v", name, src.DType())
	}
	copy(dst.AsFloat32(), src.AsFloat32())
	return nil
}

// dropoutLayer zeroes activations with probability p in training mode and
// rescales the rest; in evaluation mode it is the identity.
type dropoutLayer struct {
	spec string
	p    float64
}

func (d *dropoutLayer) Forward(x *tensor.RawTensor, train bool) (*tensor.RawTensor, error) {
	if !train || d.p == 0 {
		return x, nil
	}
	if x.DType() != tensor.Float32 {
		return nil, fmt.Errorf("%w: %s expects float32, got %s", ErrShape, d.spec, x.DType())
	}
	out := x.Clone()
	data := out.AsFloat32()
	scale := float32(1 / (1 - d.p))
	for i := range data {
		//nolint:gosec // dropout masks are not security-critical
		if rand.Float64() < d.p {
			data[i] = 0
		} else {
			data[i] *= scale
		}
	}
	return out, nil
}

func (d *dropoutLayer) StateDict() map[string]*tensor.RawTensor { return nil }
func (d *dropoutLayer) LoadStateDict(map[string]*tensor.RawTensor) error { return nil }
func (d *dropoutLayer) String() string { return d.spec }

// reshapeLayer splits the height into a x b and folds b into the channels:
// (N, C, a*b, W) -> (N, C*b, a, W), output channel c*b+j taking row i*b+j.
type reshapeLayer struct {
	spec     string
	channels int
	a, b     int
}

func (r *reshapeLayer) Forward(x *tensor.RawTensor, _ bool) (*tensor.RawTensor, error) {
	n, c, h, w, err := dims(x, r.channels, r.spec)
	if err != nil {
		return nil, err
	}
	if h != r.a*r.b {
		return nil, fmt.Errorf("%w: %s expects height %d, got %d", ErrShape, r.spec, r.a*r.b, h)
	}

	out, err := tensor.NewRaw(tensor.Shape{n, c * r.b, r.a, w}, tensor.Float32, x.Device())
	if err != nil {
		return nil, err
	}
	src, dst := x.AsFloat32(), out.AsFloat32()
	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			for i := 0; i < r.a; i++ {
				for j := 0; j < r.b; j++ {
					from := ((ni*c+ci)*h + i*r.b + j) * w
					to := ((ni*c*r.b+ci*r.b+j)*r.a + i) * w
					copy(dst[to:to+w], src[from:from+w])
				}
			}
		}
	}
	return out, nil
}

func (r *reshapeLayer) StateDict() map[string]*tensor.RawTensor { return nil }
func (r *reshapeLayer) LoadStateDict(map[string]*tensor.RawTensor) error { return nil }
func (r *reshapeLayer) String() string { return r.spec }
