// Package ctc turns per-column class scores into labelled spans.
//
// Every decoder takes a (classes, width) float32 matrix as produced by a
// recognition network's forward pass, with class 0 as the CTC blank, and
// returns one codec.Label per emitted class. Start and End are inclusive
// column indices; Confidence is the highest score of the class over its span.
package ctc

import (
	"errors"
	"fmt"

	"github.com/born-ml/linerec/internal/codec"
	"github.com/born-ml/linerec/internal/tensor"
)

// ErrInvalidOutput is returned when the score matrix is not a 2D float32 tensor.
var ErrInvalidOutput = errors.New("decoder expects a (classes, width) float32 matrix")

// Decoder maps a (classes, width) score matrix to labelled spans.
type Decoder func(outputs *tensor.RawTensor) ([]codec.Label, error)

// Decoder names accepted by Parse.
const (
	KindGreedy         = "greedy"
	KindBlankThreshold = "blank_threshold"
	KindBeam           = "beam"
)

// Parse returns the decoder for kind. threshold applies to blank_threshold,
// width to beam.
func Parse(kind string, threshold float32, width int) (Decoder, error) {
	switch kind {
	case KindGreedy, "":
		return Greedy, nil
	case KindBlankThreshold:
		if threshold <= 0 || threshold >= 1 {
			return nil, fmt.Errorf("ctc: blank threshold must be in (0, 1), got %v", threshold)
		}
		return BlankThreshold(threshold), nil
	case KindBeam:
		if width <= 0 {
			return nil, fmt.Errorf("ctc: beam width must be > 0, got %d", width)
		}
		return Beam(width), nil
	default:
		return nil, fmt.Errorf("ctc: unknown decoder %q (supported: %s, %s, %s)",
			kind, KindGreedy, KindBlankThreshold, KindBeam)
	}
}

// scoreMatrix is a read-only view of a (classes, width) matrix.
type scoreMatrix struct {
	classes int
	width   int
	data    []float32
}

func newScoreMatrix(outputs *tensor.RawTensor) (scoreMatrix, error) {
	if outputs == nil {
		return scoreMatrix{}, fmt.Errorf("%w: got nil", ErrInvalidOutput)
	}
	shape := outputs.Shape()
	if len(shape) != 2 || outputs.DType() != tensor.Float32 {
		return scoreMatrix{}, fmt.Errorf("%w: got %s tensor of shape %v", ErrInvalidOutput, outputs.DType(), shape)
	}
	return scoreMatrix{classes: shape[0], width: shape[1], data: outputs.AsFloat32()}, nil
}

func (m scoreMatrix) at(class, col int) float32 {
	return m.data[class*m.width+col]
}

// argmax returns the best class in column col among classes [from, m.classes).
func (m scoreMatrix) argmax(col, from int) (int, float32) {
	best, score := from, m.at(from, col)
	for c := from + 1; c < m.classes; c++ {
		if v := m.at(c, col); v > score {
			best, score = c, v
		}
	}
	return best, score
}

// runBuilder groups consecutive equal classes into labels.
type runBuilder struct {
	labels []codec.Label
	open   bool
	cur    codec.Label
}

func (b *runBuilder) add(class, col int, score float32) {
	if b.open && b.cur.Class == class && b.cur.End == col-1 {
		b.cur.End = col
		if score > b.cur.Confidence {
			b.cur.Confidence = score
		}
		return
	}
	b.flush()
	b.cur = codec.Label{Class: class, Start: col, End: col, Confidence: score}
	b.open = true
}

// flush closes the current run; blank runs are dropped.
func (b *runBuilder) flush() {
	if b.open && b.cur.Class != 0 {
		b.labels = append(b.labels, b.cur)
	}
	b.open = false
}

// Greedy takes the best class of every column, merges repeats and drops blanks.
func Greedy(outputs *tensor.RawTensor) ([]codec.Label, error) {
	m, err := newScoreMatrix(outputs)
	if err != nil {
		return nil, err
	}

	var b runBuilder
	for col := 0; col < m.width; col++ {
		class, score := m.argmax(col, 0)
		b.add(class, col, score)
	}
	b.flush()

	return b.labels, nil
}

// BlankThreshold treats every column whose blank score exceeds threshold as a
// gap. Remaining columns take their best non-blank class; equal neighbours
// are merged.
func BlankThreshold(threshold float32) Decoder {
	return func(outputs *tensor.RawTensor) ([]codec.Label, error) {
		m, err := newScoreMatrix(outputs)
		if err != nil {
			return nil, err
		}
		if m.classes < 2 {
			return nil, nil
		}

		var b runBuilder
		for col := 0; col < m.width; col++ {
			if m.at(0, col) > threshold {
				b.flush()
				continue
			}
			class, score := m.argmax(col, 1)
			b.add(class, col, score)
		}
		b.flush()

		return b.labels, nil
	}
}
