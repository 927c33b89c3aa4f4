package vgsl

import (
	"fmt"

	"github.com/born-ml/linerec/internal/tensor"
)

// convLayer is a stride-1 convolution padded by half the kernel on each side,
// followed by an activation.
type convLayer struct {
	spec    string
	backend tensor.Backend
	act     byte
	in, out int
	kh, kw  int
	weight  *tensor.RawTensor // [out, in, kh, kw]
	bias    *tensor.RawTensor // [out]
}

func newConv(b tensor.Backend, blk block, in featureShape) (*convLayer, featureShape, error) {
	kh, kw, out := blk.ints[0], blk.ints[1], blk.ints[2]
	if in.H > 0 && in.H+2*(kh/2)-kh+1 <= 0 {
		return nil, featureShape{}, fmt.Errorf("%w: %s kernel taller than input height %d", ErrInvalidSpec, blk.raw, in.H)
	}
	fanIn := in.C * kh * kw
	l := &convLayer{
		spec:    blk.raw,
		backend: b,
		act:     blk.act,
		in:      in.C,
		out:     out,
		kh:      kh,
		kw:      kw,
		weight:  xavier(tensor.Shape{out, in.C, kh, kw}, fanIn, out*kh*kw),
		bias:    zeros(tensor.Shape{out}),
	}
	h := 0
	if in.H > 0 {
		h = in.H + 2*(kh/2) - kh + 1
	}
	return l, featureShape{C: out, H: h}, nil
}

func (l *convLayer) Forward(x *tensor.RawTensor, _ bool) (*tensor.RawTensor, error) {
	_, _, h, w, err := dims(x, l.in, l.spec)
	if err != nil {
		return nil, err
	}
	if h+2*(l.kh/2)-l.kh+1 <= 0 || w+2*(l.kw/2)-l.kw+1 <= 0 {
		return nil, fmt.Errorf("%w: %s input %dx%d smaller than kernel", ErrShape, l.spec, h, w)
	}
	out := l.backend.Conv2D(x, l.weight, l.bias, l.kh/2, l.kw/2)
	return activate(l.backend, l.act, out), nil
}

func (l *convLayer) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{
		"weight": l.weight,
		"bias":   l.bias,
	}
}

func (l *convLayer) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := loadParam(stateDict, "weight", l.weight); err != nil {
		return err
	}
	return loadParam(stateDict, "bias", l.bias)
}

func (l *convLayer) String() string { return l.spec }

// poolLayer is a non-overlapping max pool.
type poolLayer struct {
	spec     string
	backend  tensor.Backend
	channels int
	kh, kw   int
}

func newPool(b tensor.Backend, blk block, in featureShape) (*poolLayer, featureShape, error) {
	kh, kw := blk.ints[0], blk.ints[1]
	h := 0
	if in.H > 0 {
		h = in.H / kh
		if h == 0 {
			return nil, featureShape{}, fmt.Errorf("%w: %s window taller than input height %d", ErrInvalidSpec, blk.raw, in.H)
		}
	}
	return &poolLayer{spec: blk.raw, backend: b, channels: in.C, kh: kh, kw: kw}, featureShape{C: in.C, H: h}, nil
}

func (l *poolLayer) Forward(x *tensor.RawTensor, _ bool) (*tensor.RawTensor, error) {
	_, _, h, w, err := dims(x, l.channels, l.spec)
	if err != nil {
		return nil, err
	}
	if h < l.kh || w < l.kw {
		return nil, fmt.Errorf("%w: %s window larger than input %dx%d", ErrShape, l.spec, h, w)
	}
	return l.backend.MaxPool2D(x, l.kh, l.kw), nil
}

func (l *poolLayer) StateDict() map[string]*tensor.RawTensor { return nil }

func (l *poolLayer) LoadStateDict(map[string]*tensor.RawTensor) error { return nil }

func (l *poolLayer) String() string { return l.spec }
