package vgsl

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/born-ml/linerec/internal/backend/cpu"
	"github.com/born-ml/linerec/internal/codec"
	"github.com/born-ml/linerec/internal/tensor"
	"go.uber.org/zap"
)

// ErrUnsupportedDevice is returned by To for devices without a backend.
var ErrUnsupportedDevice = errors.New("unsupported device")

// Source kinds recorded on loaded models.
const (
	KindVGSL  = "vgsl"
	KindCLSTM = "clstm"
	KindPronn = "pronn"
	KindPyrnn = "pyrnn"
)

// Model is a recognition network built from a VGSL spec together with the
// codec of its output classes.
type Model struct {
	spec    string
	input   Input
	layers  []Layer
	codec   *codec.Codec
	backend tensor.Backend
	device  tensor.Device
	train   bool
	id      string
	kind    string
	classes int
}

// Option configures model construction and loading.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger sets the logger used while loading.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New builds a freshly initialised model from spec. The codec must fit the
// output layer: class c of the codec needs output c.
func New(spec string, c *codec.Codec) (*Model, error) {
	if c == nil {
		return nil, errors.New("vgsl: model needs a codec")
	}
	in, blocks, err := parseSpec(spec)
	if err != nil {
		return nil, err
	}

	b := cpu.New()
	m := &Model{
		spec:    normalizeSpec(spec),
		input:   in,
		codec:   c,
		backend: b,
		device:  b.Device(),
		kind:    KindVGSL,
	}

	shape := featureShape{C: in.Channels, H: in.Height}
	for i, blk := range blocks {
		var layer Layer
		switch blk.kind {
		case 'C':
			layer, shape, err = newConv(b, blk, shape)
		case 'M':
			layer, shape, err = newPool(b, blk, shape)
		case 'S':
			a, f := blk.ints[0], blk.ints[1]
			if shape.H > 0 && shape.H != a*f {
				err = fmt.Errorf("%w: %s splits height %d, input height is %d", ErrInvalidSpec, blk.raw, a*f, shape.H)
				break
			}
			layer = &reshapeLayer{spec: blk.raw, channels: shape.C, a: a, b: f}
			shape = featureShape{C: shape.C * f, H: a}
		case 'L':
			layer, shape, err = newLSTM(b, blk, shape)
		case 'D':
			layer = &dropoutLayer{spec: blk.raw, p: blk.p}
		case 'O':
			if i != len(blocks)-1 {
				err = fmt.Errorf("%w: output block %s must be last", ErrInvalidSpec, blk.raw)
				break
			}
			layer, shape = newOutput(b, blk, shape)
			m.classes = shape.C
		}
		if err != nil {
			return nil, err
		}
		m.layers = append(m.layers, layer)
	}

	if m.classes == 0 {
		return nil, fmt.Errorf("%w: no output block", ErrInvalidSpec)
	}
	if c.MaxLabel() >= m.classes {
		return nil, fmt.Errorf("%w: codec uses class %d but the network has %d outputs", ErrInvalidSpec, c.MaxLabel(), m.classes)
	}
	return m, nil
}

// normalizeSpec collapses whitespace so equal networks have equal specs.
func normalizeSpec(spec string) string {
	return strings.Join(strings.Fields(spec), " ")
}

// Spec returns the VGSL spec the model was built from.
func (m *Model) Spec() string { return m.spec }

// Input returns the input block of the spec.
func (m *Model) Input() Input { return m.input }

// Codec returns the codec of the output classes.
func (m *Model) Codec() *codec.Codec { return m.codec }

// Classes returns the number of network outputs, blank included.
func (m *Model) Classes() int { return m.classes }

// Layers returns the spec blocks of the built layers.
func (m *Model) Layers() []string {
	out := make([]string, len(m.layers))
	for i, l := range m.layers {
		out[i] = l.String()
	}
	return out
}

// ID returns the model identifier, empty until the model is saved or loaded
// from a file that carries one.
func (m *Model) ID() string { return m.id }

// Kind returns the format the model was loaded from.
func (m *Model) Kind() string { return m.kind }

// Train switches to training mode; dropout becomes active.
func (m *Model) Train() { m.train = true }

// Eval switches to evaluation mode.
func (m *Model) Eval() { m.train = false }

// Training reports whether the model is in training mode.
func (m *Model) Training() bool { return m.train }

// Device returns the device holding the parameters.
func (m *Model) Device() tensor.Device { return m.device }

// To places the model on device. Only the CPU backend is available.
func (m *Model) To(device tensor.Device) error {
	if device != m.backend.Device() {
		return fmt.Errorf("%w: %s (available: %s)", ErrUnsupportedDevice, device, m.backend.Device())
	}
	m.device = device
	return nil
}

// Forward runs x of shape (N, C, H, W) through the network and returns
// (N, classes, H', W').
func (m *Model) Forward(x *tensor.RawTensor) (out *tensor.RawTensor, err error) {
	if x == nil {
		return nil, fmt.Errorf("%w: nil input", ErrShape)
	}
	s := x.Shape()
	if len(s) != 4 {
		return nil, fmt.Errorf("%w: expected (N, C, H, W), got %v", ErrShape, s)
	}
	if s[1] != m.input.Channels {
		return nil, fmt.Errorf("%w: expected %d channels, got %d", ErrShape, m.input.Channels, s[1])
	}
	if m.input.Height > 0 && s[2] != m.input.Height {
		return nil, fmt.Errorf("%w: expected height %d, got %d", ErrShape, m.input.Height, s[2])
	}
	if x.DType() != tensor.Float32 {
		return nil, fmt.Errorf("%w: expected float32 input, got %s", ErrShape, x.DType())
	}

	// Widths are only known at run time; kernels report mismatches as
	// *tensor.ShapeError panics.
	defer func() {
		if r := recover(); r != nil {
			se, ok := r.(*tensor.ShapeError)
			if !ok {
				panic(r)
			}
			out, err = nil, fmt.Errorf("%w: %w", ErrShape, se)
		}
	}()

	out = x
	for _, l := range m.layers {
		out, err = l.Forward(out, m.train)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// StateDict returns the parameters keyed "layers.<index>.<name>".
// The tensors are shared with the model.
func (m *Model) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	for i, l := range m.layers {
		prefix := "layers." + strconv.Itoa(i) + "."
		for name, t := range l.StateDict() {
			sd[prefix+name] = t
		}
	}
	return sd
}

// LoadStateDict copies parameters into the model. Every parameter must be
// present with a matching shape; unknown keys are rejected.
func (m *Model) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	want := m.StateDict()
	var extra []string
	for name := range stateDict {
		if _, ok := want[name]; !ok {
			extra = append(extra, name)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return fmt.Errorf("unexpected parameters in state dict: %s", strings.Join(extra, ", "))
	}

	for i, l := range m.layers {
		prefix := "layers." + strconv.Itoa(i) + "."
		local := make(map[string]*tensor.RawTensor)
		for name, t := range stateDict {
			if rest, ok := strings.CutPrefix(name, prefix); ok {
				local[rest] = t
			}
		}
		if err := l.LoadStateDict(local); err != nil {
			return fmt.Errorf("layer %d (%s): %w", i, l, err)
		}
	}
	return nil
}
