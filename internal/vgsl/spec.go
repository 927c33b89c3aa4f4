// Package vgsl builds recognition networks from VGSL spec strings and loads
// them from the .born container and from the legacy clstm, pronn and pyrnn
// checkpoint formats.
//
// Supported grammar:
//
//	[N,H,W,C          input block; 0 means variable
//	C{r|t|s|l|m}kh,kw,d convolution with d filters, same padding
//	Mpkh,kw           max pooling, stride equal to the window
//	S1(axb)1,3        split height into a x b, fold b into channels
//	L{f|r|b}xn        LSTM with n units along the width (f forward, r reverse, b both)
//	Do[p]             dropout with probability p (default 0.5)
//	O1{c|s|l|m}n      per-column output layer with n classes
//	]                 end of spec, may be attached to the last block
//
// Activations: r relu, t tanh, s sigmoid, l linear, m softmax; c in output
// layers is softmax for CTC.
package vgsl

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidSpec is returned for spec strings outside the supported grammar.
var ErrInvalidSpec = errors.New("invalid VGSL spec")

// Input is the input block of a spec. Zero dimensions are variable.
type Input struct {
	Batch    int
	Height   int
	Width    int
	Channels int
}

// String formats the block the way it appears in a spec.
func (in Input) String() string {
	return fmt.Sprintf("[%d,%d,%d,%d", in.Batch, in.Height, in.Width, in.Channels)
}

// block is one parsed layer definition.
type block struct {
	raw  string
	kind byte // C, M, S, L, D, O
	act  byte // activation, or LSTM direction
	ints []int
	p    float64
}

var (
	inputRe   = regexp.MustCompile(`^\[(\d+),(\d+),(\d+),(\d+)$`)
	convRe    = regexp.MustCompile(`^C([rtslm])(\d+),(\d+),(\d+)$`)
	poolRe    = regexp.MustCompile(`^Mp(\d+),(\d+)$`)
	reshapeRe = regexp.MustCompile(`^S1\((\d+)x(\d+)\)1,3$`)
	lstmRe    = regexp.MustCompile(`^L([frb])x(\d+)$`)
	dropRe    = regexp.MustCompile(`^Do([0-9]*\.?[0-9]+)?$`)
	outputRe  = regexp.MustCompile(`^O1([csml])(\d+)$`)
)

// parseSpec splits spec into its input block and layer blocks.
func parseSpec(spec string) (Input, []block, error) {
	fields := strings.Fields(spec)
	if len(fields) == 0 {
		return Input{}, nil, fmt.Errorf("%w: empty", ErrInvalidSpec)
	}

	last := fields[len(fields)-1]
	switch {
	case last == "]":
		fields = fields[:len(fields)-1]
	case strings.HasSuffix(last, "]"):
		fields[len(fields)-1] = strings.TrimSuffix(last, "]")
	default:
		return Input{}, nil, fmt.Errorf("%w: missing closing ']'", ErrInvalidSpec)
	}
	if len(fields) == 0 {
		return Input{}, nil, fmt.Errorf("%w: missing input block", ErrInvalidSpec)
	}

	m := inputRe.FindStringSubmatch(fields[0])
	if m == nil {
		return Input{}, nil, fmt.Errorf("%w: bad input block %q", ErrInvalidSpec, fields[0])
	}
	dims := atois(m[1:])
	in := Input{Batch: dims[0], Height: dims[1], Width: dims[2], Channels: dims[3]}
	if in.Channels == 0 {
		return Input{}, nil, fmt.Errorf("%w: input channels must be fixed", ErrInvalidSpec)
	}

	blocks := make([]block, 0, len(fields)-1)
	for _, f := range fields[1:] {
		b, err := parseBlock(f)
		if err != nil {
			return Input{}, nil, err
		}
		blocks = append(blocks, b)
	}
	return in, blocks, nil
}

func parseBlock(s string) (block, error) {
	if m := convRe.FindStringSubmatch(s); m != nil {
		return block{raw: s, kind: 'C', act: m[1][0], ints: atois(m[2:])}, positive(s, atois(m[2:]))
	}
	if m := poolRe.FindStringSubmatch(s); m != nil {
		return block{raw: s, kind: 'M', ints: atois(m[1:])}, positive(s, atois(m[1:]))
	}
	if m := reshapeRe.FindStringSubmatch(s); m != nil {
		return block{raw: s, kind: 'S', ints: atois(m[1:])}, positive(s, atois(m[1:]))
	}
	if m := lstmRe.FindStringSubmatch(s); m != nil {
		return block{raw: s, kind: 'L', act: m[1][0], ints: atois(m[2:])}, positive(s, atois(m[2:]))
	}
	if m := dropRe.FindStringSubmatch(s); m != nil {
		p := 0.5
		if m[1] != "" {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil || v < 0 || v >= 1 {
				return block{}, fmt.Errorf("%w: dropout probability in %q must be in [0, 1)", ErrInvalidSpec, s)
			}
			p = v
		}
		return block{raw: s, kind: 'D', p: p}, nil
	}
	if m := outputRe.FindStringSubmatch(s); m != nil {
		return block{raw: s, kind: 'O', act: m[1][0], ints: atois(m[2:])}, positive(s, atois(m[2:]))
	}
	return block{}, fmt.Errorf("%w: unsupported block %q", ErrInvalidSpec, s)
}

func positive(s string, vals []int) error {
	for _, v := range vals {
		if v <= 0 {
			return fmt.Errorf("%w: sizes in %q must be positive", ErrInvalidSpec, s)
		}
	}
	return nil
}

// atois converts regexp digit groups; the patterns guarantee valid input.
func atois(ss []string) []int {
	out := make([]int, len(ss))
	for i, s := range ss {
		out[i], _ = strconv.Atoi(s)
	}
	return out
}
