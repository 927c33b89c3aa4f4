package vgsl

import (
	"github.com/born-ml/linerec/internal/tensor"
)

// outputLayer applies a linear map over the channels of every (h, w)
// position: (N, C, H, W) -> (N, classes, H, W).
type outputLayer struct {
	spec    string
	backend tensor.Backend
	act     byte
	in      int
	classes int
	weight  *tensor.RawTensor // [classes, in]
	bias    *tensor.RawTensor // [classes]
}

func newOutput(b tensor.Backend, blk block, in featureShape) (*outputLayer, featureShape) {
	classes := blk.ints[0]
	return &outputLayer{
		spec:    blk.raw,
		backend: b,
		act:     blk.act,
		in:      in.C,
		classes: classes,
		weight:  xavier(tensor.Shape{classes, in.C}, in.C, classes),
		bias:    zeros(tensor.Shape{classes}),
	}, featureShape{C: classes, H: in.H}
}

func (l *outputLayer) Forward(x *tensor.RawTensor, _ bool) (*tensor.RawTensor, error) {
	n, c, h, w, err := dims(x, l.in, l.spec)
	if err != nil {
		return nil, err
	}
	plane := h * w

	// (N, C, H*W) -> (N*H*W, C)
	flat, err := tensor.NewRaw(tensor.Shape{n * plane, c}, tensor.Float32, x.Device())
	if err != nil {
		return nil, err
	}
	src, fd := x.AsFloat32(), flat.AsFloat32()
	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			for p := 0; p < plane; p++ {
				fd[(ni*plane+p)*c+ci] = src[(ni*c+ci)*plane+p]
			}
		}
	}

	proj := l.backend.Linear(flat, l.weight, l.bias).AsFloat32()

	out, err := tensor.NewRaw(tensor.Shape{n, l.classes, h, w}, tensor.Float32, x.Device())
	if err != nil {
		return nil, err
	}
	od := out.AsFloat32()
	for ni := 0; ni < n; ni++ {
		for k := 0; k < l.classes; k++ {
			for p := 0; p < plane; p++ {
				od[(ni*l.classes+k)*plane+p] = proj[(ni*plane+p)*l.classes+k]
			}
		}
	}
	return activate(l.backend, l.act, out), nil
}

func (l *outputLayer) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{
		"weight": l.weight,
		"bias":   l.bias,
	}
}

func (l *outputLayer) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := loadParam(stateDict, "weight", l.weight); err != nil {
		return err
	}
	return loadParam(stateDict, "bias", l.bias)
}

func (l *outputLayer) String() string { return l.spec }
