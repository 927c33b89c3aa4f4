package vgsl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/born-ml/linerec/internal/codec"
	"github.com/born-ml/linerec/internal/tensor"
	"go.uber.org/zap"
)

// ErrLegacyFormat is returned when a file does not hold the network layout a
// legacy loader expects.
var ErrLegacyFormat = errors.New("unrecognised legacy network")

// ocropus LSTM weight names. Gate matrices are (hidden, 1+ninput+hidden)
// holding [bias | input | recurrent]; peepholes are (hidden,).
var (
	ocroGates     = []string{"WGI", "WGF", "WCI", "WGO"} // input, forget, cell, output
	ocroPeepholes = []string{"WIP", "WFP", "WOP"}
)

// ocroArray is a dense row-major array read from a legacy checkpoint.
type ocroArray struct {
	dims   []int
	values []float32
}

func (a ocroArray) valid() bool {
	n := 1
	for _, d := range a.dims {
		if d <= 0 {
			return false
		}
		n *= d
	}
	return len(a.dims) > 0 && n == len(a.values)
}

// ocroLSTM maps weight names to arrays for one direction.
type ocroLSTM map[string]ocroArray

// ocroNet is the common shape of the clstm, pronn and pyrnn networks: a
// bidirectional LSTM over the columns of the line followed by a softmax.
type ocroNet struct {
	kind    string
	ninput  int
	fwd     ocroLSTM
	rev     ocroLSTM
	softmax ocroArray // (noutput, 1+2*hidden), or (noutput, 2*hidden) without bias
	codec   *codec.Codec
}

// legacySpec is the VGSL equivalent of an ocropus BIDILSTM: the line height
// is folded into channels and each column is one time step.
func legacySpec(ninput, hidden, noutput int) string {
	return fmt.Sprintf("[1,%d,0,1 S1(1x%d)1,3 Lbx%d O1c%d]", ninput, ninput, hidden, noutput)
}

func (n *ocroNet) build(log *zap.Logger) (*Model, error) {
	if n.ninput <= 0 {
		return nil, fmt.Errorf("%w: ninput %d", ErrLegacyFormat, n.ninput)
	}
	if n.codec == nil {
		return nil, fmt.Errorf("%w: no codec", ErrLegacyFormat)
	}
	wgi, ok := n.fwd["WGI"]
	if !ok || len(wgi.dims) != 2 {
		return nil, fmt.Errorf("%w: forward LSTM has no WGI matrix", ErrLegacyFormat)
	}
	hidden := wgi.dims[0]

	for dir, lstm := range map[string]ocroLSTM{"forward": n.fwd, "reverse": n.rev} {
		for _, g := range ocroGates {
			a, ok := lstm[g]
			if !ok || !a.valid() {
				return nil, fmt.Errorf("%w: %s LSTM is missing %s", ErrLegacyFormat, dir, g)
			}
			if len(a.dims) != 2 || a.dims[0] != hidden || a.dims[1] != 1+n.ninput+hidden {
				return nil, fmt.Errorf("%w: %s %s has shape %v, expected [%d %d]",
					ErrLegacyFormat, dir, g, a.dims, hidden, 1+n.ninput+hidden)
			}
		}
		var dropped []string
		for _, p := range ocroPeepholes {
			if _, ok := lstm[p]; ok {
				dropped = append(dropped, p)
			}
		}
		if len(dropped) > 0 {
			log.Debug("dropping peephole weights",
				zap.String("kind", n.kind),
				zap.String("direction", dir),
				zap.String("weights", strings.Join(dropped, ",")))
		}
	}

	if !n.softmax.valid() || len(n.softmax.dims) != 2 {
		return nil, fmt.Errorf("%w: softmax weights missing", ErrLegacyFormat)
	}
	noutput, cols := n.softmax.dims[0], n.softmax.dims[1]
	hasBias := cols == 1+2*hidden
	if !hasBias && cols != 2*hidden {
		return nil, fmt.Errorf("%w: softmax has shape %v for %d hidden units", ErrLegacyFormat, n.softmax.dims, hidden)
	}

	m, err := New(legacySpec(n.ninput, hidden, noutput), n.codec)
	if err != nil {
		return nil, err
	}

	sd := make(map[string]*tensor.RawTensor)
	for dir, lstm := range map[string]ocroLSTM{"fwd": n.fwd, "rev": n.rev} {
		ih, hh, bias, err := splitGates(lstm, n.ninput, hidden)
		if err != nil {
			return nil, err
		}
		sd["layers.1."+dir+".weight_ih"] = ih
		sd["layers.1."+dir+".weight_hh"] = hh
		sd["layers.1."+dir+".bias"] = bias
	}

	weight, bias, err := splitSoftmax(n.softmax, hidden, hasBias)
	if err != nil {
		return nil, err
	}
	sd["layers.2.weight"] = weight
	sd["layers.2.bias"] = bias

	if err := m.LoadStateDict(sd); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLegacyFormat, err)
	}
	m.kind = n.kind
	return m, nil
}

// splitGates stacks the gate matrices in input, forget, cell, output order and
// separates the bias, input and recurrent columns.
func splitGates(lstm ocroLSTM, ninput, hidden int) (ih, hh, bias *tensor.RawTensor, err error) {
	ihData := make([]float32, 0, 4*hidden*ninput)
	hhData := make([]float32, 0, 4*hidden*hidden)
	biasData := make([]float32, 0, 4*hidden)
	width := 1 + ninput + hidden

	for _, g := range ocroGates {
		v := lstm[g].values
		for r := 0; r < hidden; r++ {
			row := v[r*width : (r+1)*width]
			biasData = append(biasData, row[0])
			ihData = append(ihData, row[1:1+ninput]...)
			hhData = append(hhData, row[1+ninput:]...)
		}
	}

	if ih, err = tensor.FromFloat32(ihData, tensor.Shape{4 * hidden, ninput}); err != nil {
		return nil, nil, nil, err
	}
	if hh, err = tensor.FromFloat32(hhData, tensor.Shape{4 * hidden, hidden}); err != nil {
		return nil, nil, nil, err
	}
	if bias, err = tensor.FromFloat32(biasData, tensor.Shape{4 * hidden}); err != nil {
		return nil, nil, nil, err
	}
	return ih, hh, bias, nil
}

func splitSoftmax(a ocroArray, hidden int, hasBias bool) (weight, bias *tensor.RawTensor, err error) {
	noutput, cols := a.dims[0], a.dims[1]
	w := make([]float32, 0, noutput*2*hidden)
	b := make([]float32, noutput)
	for r := 0; r < noutput; r++ {
		row := a.values[r*cols : (r+1)*cols]
		if hasBias {
			b[r] = row[0]
			row = row[1:]
		}
		w = append(w, row...)
	}
	if weight, err = tensor.FromFloat32(w, tensor.Shape{noutput, 2 * hidden}); err != nil {
		return nil, nil, err
	}
	if bias, err = tensor.FromFloat32(b, tensor.Shape{noutput}); err != nil {
		return nil, nil, err
	}
	return weight, bias, nil
}

// codecFromTable builds a codec from a class-indexed label table whose entry 0
// is the blank.
func codecFromTable(labels []string) (*codec.Codec, error) {
	if len(labels) < 2 {
		return nil, fmt.Errorf("%w: codec has %d entries", ErrLegacyFormat, len(labels))
	}
	table := make([]string, len(labels))
	copy(table, labels)
	table[0] = ""
	return codec.FromClasses(table)
}
