package ctc

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/born-ml/linerec/internal/codec"
	"github.com/born-ml/linerec/internal/tensor"
)

// prefix is one hypothesis of the beam search.
type prefix struct {
	key     string        // comma-joined classes, the identity of the hypothesis
	last    int           // last emitted class, -1 for the empty prefix
	labels  []codec.Label // spans of the most probable alignment seen so far
	best    float64       // probability mass that produced labels
	blank   float64       // P(prefix, ending in blank)
	nonBlnk float64       // P(prefix, ending in last)
}

func (p *prefix) total() float64 {
	return p.blank + p.nonBlnk
}

// offer records labels if mass is the largest contribution seen this step.
func (p *prefix) offer(labels []codec.Label, mass float64) {
	if p.labels == nil || mass > p.best {
		p.labels = labels
		p.best = mass
	}
}

// Beam runs CTC prefix beam search keeping width hypotheses per column.
// Scores must be per-column probabilities (softmax output); a column without
// positive mass yields ErrInvalidOutput.
func Beam(width int) Decoder {
	return func(outputs *tensor.RawTensor) ([]codec.Label, error) {
		m, err := newScoreMatrix(outputs)
		if err != nil {
			return nil, err
		}

		beams := []*prefix{{key: "", last: -1, labels: []codec.Label{}, blank: 1}}

		for col := 0; col < m.width; col++ {
			if !m.hasMass(col) {
				return nil, fmt.Errorf("%w: column %d has no positive score, beam search needs probabilities", ErrInvalidOutput, col)
			}
			next := make(map[string]*prefix, len(beams)*m.classes)
			get := func(key string, last int) *prefix {
				p, ok := next[key]
				if !ok {
					p = &prefix{key: key, last: last}
					next[key] = p
				}
				return p
			}

			for _, b := range beams {
				for c := 0; c < m.classes; c++ {
					prob := float64(m.at(c, col))
					if prob <= 0 {
						continue
					}

					if c == 0 {
						mass := b.total() * prob
						p := get(b.key, b.last)
						p.blank += mass
						p.offer(b.labels, mass)
						continue
					}

					extKey := strconv.Itoa(c)
					if b.key != "" {
						extKey = b.key + "," + extKey
					}

					if c == b.last {
						// Repeat without a separating blank collapses into the same prefix.
						mass := b.nonBlnk * prob
						if mass > 0 {
							p := get(b.key, b.last)
							p.nonBlnk += mass
							p.offer(extendLast(b.labels, col, float32(prob)), mass)
						}
						// A blank in between starts a new occurrence.
						mass = b.blank * prob
						if mass > 0 {
							p := get(extKey, c)
							p.nonBlnk += mass
							p.offer(appendLabel(b.labels, c, col, float32(prob)), mass)
						}
						continue
					}

					mass := b.total() * prob
					p := get(extKey, c)
					p.nonBlnk += mass
					p.offer(appendLabel(b.labels, c, col, float32(prob)), mass)
				}
			}

			beams = prune(next, width)
		}

		if len(beams) == 0 {
			return nil, nil
		}
		return beams[0].labels, nil
	}
}

// hasMass reports whether any class of column col has a positive score.
func (m scoreMatrix) hasMass(col int) bool {
	for c := 0; c < m.classes; c++ {
		if m.at(c, col) > 0 {
			return true
		}
	}
	return false
}

// prune keeps the width most probable hypotheses and renormalises their mass
// so long lines do not underflow.
func prune(next map[string]*prefix, width int) []*prefix {
	out := make([]*prefix, 0, len(next))
	for _, p := range next {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].total() != out[j].total() {
			return out[i].total() > out[j].total()
		}
		return out[i].key < out[j].key
	})
	if len(out) > width {
		out = out[:width]
	}

	var sum float64
	for _, p := range out {
		sum += p.total()
	}
	if sum > 0 {
		for _, p := range out {
			p.blank /= sum
			p.nonBlnk /= sum
			p.best = 0
		}
	}
	return out
}

func appendLabel(labels []codec.Label, class, col int, score float32) []codec.Label {
	out := make([]codec.Label, len(labels), len(labels)+1)
	copy(out, labels)
	return append(out, codec.Label{Class: class, Start: col, End: col, Confidence: score})
}

func extendLast(labels []codec.Label, col int, score float32) []codec.Label {
	out := make([]codec.Label, len(labels))
	copy(out, labels)
	last := &out[len(out)-1]
	last.End = col
	if score > last.Confidence {
		last.Confidence = score
	}
	return out
}
