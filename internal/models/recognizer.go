// Package models wraps recognition networks with a codec and a CTC decoder
// and loads them from any supported checkpoint format.
package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/born-ml/linerec/internal/codec"
	"github.com/born-ml/linerec/internal/ctc"
	"github.com/born-ml/linerec/internal/tensor"
	"github.com/born-ml/linerec/internal/vgsl"
	"go.uber.org/zap"
)

// Errors returned by the loader and the recognizer.
var (
	ErrInvalidModel = errors.New("file not loadable by any parser")
	ErrInput        = errors.New("invalid input")
)

// Network is the part of a recognition network the recognizer drives.
// *vgsl.Model implements it.
type Network interface {
	Forward(x *tensor.RawTensor) (*tensor.RawTensor, error)
	Train()
	Eval()
	Training() bool
	To(device tensor.Device) error
	Device() tensor.Device
	Codec() *codec.Codec
}

// SeqRecognizer runs a network over single text lines and decodes its output.
// It is not safe for concurrent use.
type SeqRecognizer struct {
	net     Network
	codec   *codec.Codec
	decoder ctc.Decoder
	device  tensor.Device
	train   bool
	kind    string
	logger  *zap.Logger
}

// Option configures a SeqRecognizer.
type Option func(*config)

type config struct {
	decoder ctc.Decoder
	device  tensor.Device
	train   bool
	logger  *zap.Logger
}

// WithDecoder sets the decoder; the default is greedy decoding.
func WithDecoder(d ctc.Decoder) Option {
	return func(c *config) {
		if d != nil {
			c.decoder = d
		}
	}
}

// WithDevice sets the device the network runs on; the default is the CPU.
func WithDevice(d tensor.Device) Option {
	return func(c *config) { c.device = d }
}

// WithTrain puts the network in training mode.
func WithTrain(train bool) Option {
	return func(c *config) { c.train = train }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

func newConfig(opts []Option) config {
	c := config{
		decoder: ctc.Greedy,
		device:  tensor.CPU,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// NewSeqRecognizer wraps net. The codec is taken from the network.
func NewSeqRecognizer(net Network, opts ...Option) (*SeqRecognizer, error) {
	cfg := newConfig(opts)
	if net.Codec() == nil {
		return nil, fmt.Errorf("%w: network has no codec", ErrInvalidModel)
	}

	r := &SeqRecognizer{
		net:     net,
		codec:   net.Codec(),
		decoder: cfg.decoder,
		logger:  cfg.logger,
	}
	if cfg.train {
		r.Train()
	} else {
		r.Eval()
	}
	if err := r.To(cfg.device); err != nil {
		return nil, err
	}
	return r, nil
}

// Network returns the wrapped network.
func (r *SeqRecognizer) Network() Network { return r.net }

// Codec returns the codec of the network.
func (r *SeqRecognizer) Codec() *codec.Codec { return r.codec }

// Kind returns the format the network was loaded from, empty when the
// recognizer was built directly.
func (r *SeqRecognizer) Kind() string { return r.kind }

// Device returns the device the network runs on.
func (r *SeqRecognizer) Device() tensor.Device { return r.device }

// Training reports whether the network is in training mode.
func (r *SeqRecognizer) Training() bool { return r.train }

// Train enables training mode on the network.
func (r *SeqRecognizer) Train() {
	r.net.Train()
	r.train = true
}

// Eval enables evaluation mode on the network.
func (r *SeqRecognizer) Eval() {
	r.net.Eval()
	r.train = false
}

// To moves the network to device. Input lines are moved there on every call.
func (r *SeqRecognizer) To(device tensor.Device) error {
	if err := r.net.To(device); err != nil {
		return err
	}
	if device != r.device {
		r.logger.Debug("network moved", zap.Stringer("from", r.device), zap.Stringer("to", device))
	}
	r.device = device
	return nil
}

// Forward runs one line of shape (C, H, W) through the network and returns
// its (classes, W') score matrix. The network must reduce the height to 1.
func (r *SeqRecognizer) Forward(line *tensor.RawTensor) (*tensor.RawTensor, error) {
	if line == nil {
		return nil, fmt.Errorf("%w: nil line", ErrInput)
	}
	if s := line.Shape(); len(s) != 3 {
		return nil, fmt.Errorf("%w: expected a (C, H, W) line, got shape %v", ErrInput, s)
	}

	x, err := line.To(r.device).Unsqueeze(0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInput, err)
	}

	o, err := r.net.Forward(x)
	if err != nil {
		if errors.Is(err, vgsl.ErrShape) {
			return nil, fmt.Errorf("%w: %w", ErrInput, err)
		}
		return nil, err
	}

	s := o.Shape()
	if len(s) != 4 || s[0] != 1 || s[2] != 1 {
		return nil, fmt.Errorf("%w: expected output of shape (1, C, 1, W), got %v", ErrInput, s)
	}
	return o.Reshape(tensor.Shape{s[1], s[3]})
}

// PredictLabels decodes the network output into class spans.
func (r *SeqRecognizer) PredictLabels(line *tensor.RawTensor) ([]codec.Label, error) {
	o, err := r.Forward(line)
	if err != nil {
		return nil, err
	}
	return r.decoder(o)
}

// Predict decodes the network output into text segments with their column
// spans and confidences.
func (r *SeqRecognizer) Predict(line *tensor.RawTensor) ([]codec.Segment, error) {
	labels, err := r.PredictLabels(line)
	if err != nil {
		return nil, err
	}
	return r.codec.Decode(labels)
}

// PredictString returns the recognised text of a line.
func (r *SeqRecognizer) PredictString(line *tensor.RawTensor) (string, error) {
	segments, err := r.Predict(line)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, s := range segments {
		sb.WriteString(s.Text)
	}
	return sb.String(), nil
}
