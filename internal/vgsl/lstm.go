package vgsl

import (
	"fmt"
	"math"

	"github.com/born-ml/linerec/internal/tensor"
)

// lstmCell holds the parameters of one direction. Gates are stacked in the
// order input, forget, cell, output.
type lstmCell struct {
	hidden   int
	weightIH *tensor.RawTensor // [4*hidden, in]
	weightHH *tensor.RawTensor // [4*hidden, hidden]
	bias     *tensor.RawTensor // [4*hidden]
}

func newLSTMCell(in, hidden int) *lstmCell {
	return &lstmCell{
		hidden:   hidden,
		weightIH: xavier(tensor.Shape{4 * hidden, in}, in, 4*hidden),
		weightHH: xavier(tensor.Shape{4 * hidden, hidden}, hidden, 4*hidden),
		bias:     zeros(tensor.Shape{4 * hidden}),
	}
}

// run feeds seq [T, in] through the cell and calls emit with the hidden state
// of every time step. The slice passed to emit is reused.
func (c *lstmCell) run(b tensor.Backend, seq *tensor.RawTensor, reverse bool, emit func(t int, h []float32)) {
	pre := b.Linear(seq, c.weightIH, c.bias).AsFloat32() // [T, 4n]
	steps := seq.Shape()[0]
	n := c.hidden
	whh := c.weightHH.AsFloat32()

	h := make([]float32, n)
	cell := make([]float32, n)
	gates := make([]float32, 4*n)

	for step := 0; step < steps; step++ {
		t := step
		if reverse {
			t = steps - 1 - step
		}
		copy(gates, pre[t*4*n:(t+1)*4*n])
		for g := 0; g < 4*n; g++ {
			row := whh[g*n : (g+1)*n]
			var sum float32
			for k, hv := range h {
				sum += row[k] * hv
			}
			gates[g] += sum
		}
		for k := 0; k < n; k++ {
			i := sigmoid(gates[k])
			f := sigmoid(gates[n+k])
			g := float32(math.Tanh(float64(gates[2*n+k])))
			o := sigmoid(gates[3*n+k])
			cell[k] = f*cell[k] + i*g
			h[k] = o * float32(math.Tanh(float64(cell[k])))
		}
		emit(t, h)
	}
}

func sigmoid(v float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(v))))
}

// lstmLayer runs LSTMs along the width of every row. Bidirectional output
// stacks the forward units before the reverse units.
type lstmLayer struct {
	spec    string
	backend tensor.Backend
	in      int
	hidden  int
	fwd     *lstmCell
	rev     *lstmCell
}

func newLSTM(b tensor.Backend, blk block, in featureShape) (*lstmLayer, featureShape, error) {
	hidden := blk.ints[0]
	l := &lstmLayer{spec: blk.raw, backend: b, in: in.C, hidden: hidden}
	switch blk.act {
	case 'f':
		l.fwd = newLSTMCell(in.C, hidden)
	case 'r':
		l.rev = newLSTMCell(in.C, hidden)
	case 'b':
		l.fwd = newLSTMCell(in.C, hidden)
		l.rev = newLSTMCell(in.C, hidden)
	default:
		return nil, featureShape{}, fmt.Errorf("%w: %s", ErrInvalidSpec, blk.raw)
	}
	return l, featureShape{C: l.outChannels(), H: in.H}, nil
}

func (l *lstmLayer) outChannels() int {
	out := 0
	if l.fwd != nil {
		out += l.hidden
	}
	if l.rev != nil {
		out += l.hidden
	}
	return out
}

func (l *lstmLayer) Forward(x *tensor.RawTensor, _ bool) (*tensor.RawTensor, error) {
	n, c, h, w, err := dims(x, l.in, l.spec)
	if err != nil {
		return nil, err
	}
	oc := l.outChannels()
	out, err := tensor.NewRaw(tensor.Shape{n, oc, h, w}, tensor.Float32, x.Device())
	if err != nil {
		return nil, err
	}
	seq, err := tensor.NewRaw(tensor.Shape{w, c}, tensor.Float32, x.Device())
	if err != nil {
		return nil, err
	}

	src, dst, sd := x.AsFloat32(), out.AsFloat32(), seq.AsFloat32()
	for ni := 0; ni < n; ni++ {
		for row := 0; row < h; row++ {
			for t := 0; t < w; t++ {
				for ci := 0; ci < c; ci++ {
					sd[t*c+ci] = src[((ni*c+ci)*h+row)*w+t]
				}
			}
			emitter := func(base int) func(int, []float32) {
				return func(t int, hs []float32) {
					for k, v := range hs {
						dst[((ni*oc+base+k)*h+row)*w+t] = v
					}
				}
			}
			if l.fwd != nil {
				l.fwd.run(l.backend, seq, false, emitter(0))
			}
			if l.rev != nil {
				base := 0
				if l.fwd != nil {
					base = l.hidden
				}
				l.rev.run(l.backend, seq, true, emitter(base))
			}
		}
	}
	return out, nil
}

func (l *lstmLayer) cells() map[string]*lstmCell {
	out := make(map[string]*lstmCell, 2)
	if l.fwd != nil {
		out["fwd"] = l.fwd
	}
	if l.rev != nil {
		out["rev"] = l.rev
	}
	return out
}

func (l *lstmLayer) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor, 6)
	for dir, c := range l.cells() {
		sd[dir+".weight_ih"] = c.weightIH
		sd[dir+".weight_hh"] = c.weightHH
		sd[dir+".bias"] = c.bias
	}
	return sd
}

func (l *lstmLayer) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	for dir, c := range l.cells() {
		if err := loadParam(stateDict, dir+".weight_ih", c.weightIH); err != nil {
			return err
		}
		if err := loadParam(stateDict, dir+".weight_hh", c.weightHH); err != nil {
			return err
		}
		if err := loadParam(stateDict, dir+".bias", c.bias); err != nil {
			return err
		}
	}
	return nil
}

func (l *lstmLayer) String() string { return l.spec }
