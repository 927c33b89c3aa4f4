package vgsl

import (
	"fmt"
	"math"
	"os"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

// protoField is one decoded field of a protobuf message.
type protoField struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	fixed  uint64
	bytes  []byte
}

// parseMessage splits b into its fields without a schema.
func parseMessage(b []byte) ([]protoField, error) {
	var out []protoField
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		f := protoField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.fixed = uint64(v)
		case protowire.Fixed64Type:
			f.fixed, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		out = append(out, f)
	}
	return out, nil
}

// floats decodes a repeated float field in packed or unpacked encoding.
func (f protoField) floats() ([]float32, error) {
	switch f.typ {
	case protowire.Fixed32Type:
		return []float32{math.Float32frombits(uint32(f.fixed))}, nil
	case protowire.BytesType:
		if len(f.bytes)%4 != 0 {
			return nil, fmt.Errorf("packed float field %d has %d bytes", f.num, len(f.bytes))
		}
		out := make([]float32, 0, len(f.bytes)/4)
		for b := f.bytes; len(b) > 0; {
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			out = append(out, math.Float32frombits(v))
			b = b[n:]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("field %d: wire type %d is not a float", f.num, f.typ)
	}
}

// ints decodes a repeated integer field in packed or unpacked encoding.
func (f protoField) ints() ([]int, error) {
	switch f.typ {
	case protowire.VarintType:
		return []int{int(int32(f.varint))}, nil //nolint:gosec // G115: proto int32 fields.
	case protowire.BytesType:
		var out []int
		for b := f.bytes; len(b) > 0; {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			out = append(out, int(int32(v))) //nolint:gosec // G115: proto int32 fields.
			b = b[n:]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("field %d: wire type %d is not an integer", f.num, f.typ)
	}
}

func (f protoField) str() (string, error) {
	if f.typ != protowire.BytesType {
		return "", fmt.Errorf("field %d: wire type %d is not a string", f.num, f.typ)
	}
	return string(f.bytes), nil
}

// parseArray decodes an array message with the given field numbers for the
// dimensions and the values.
func parseArray(b []byte, nameNum, dimNum, valueNum protowire.Number) (string, ocroArray, error) {
	fields, err := parseMessage(b)
	if err != nil {
		return "", ocroArray{}, err
	}
	var (
		name string
		arr  ocroArray
	)
	for _, f := range fields {
		switch f.num {
		case nameNum:
			if name, err = f.str(); err != nil {
				return "", ocroArray{}, err
			}
		case dimNum:
			d, err := f.ints()
			if err != nil {
				return "", ocroArray{}, err
			}
			arr.dims = append(arr.dims, d...)
		case valueNum:
			v, err := f.floats()
			if err != nil {
				return "", ocroArray{}, err
			}
			arr.values = append(arr.values, v...)
		}
	}
	if !arr.valid() {
		return "", ocroArray{}, fmt.Errorf("%w: array %q has dims %v and %d values", ErrLegacyFormat, name, arr.dims, len(arr.values))
	}
	return name, arr, nil
}

// clstm NetworkProto field numbers.
const (
	clstmKind    protowire.Number = 1
	clstmName    protowire.Number = 2
	clstmNInput  protowire.Number = 10
	clstmNOutput protowire.Number = 11
	clstmCodec   protowire.Number = 13
	clstmWeights protowire.Number = 22
	clstmSub     protowire.Number = 23

	clstmArrayName  protowire.Number = 1
	clstmArrayDim   protowire.Number = 2
	clstmArrayValue protowire.Number = 3
)

// clstmNet is a decoded clstm NetworkProto.
type clstmNet struct {
	kind    string
	name    string
	ninput  int
	noutput int
	codec   []int
	weights map[string]ocroArray
	sub     []*clstmNet
}

func parseCLSTM(b []byte, depth int) (*clstmNet, error) {
	if depth > 8 {
		return nil, fmt.Errorf("%w: network nested too deeply", ErrLegacyFormat)
	}
	fields, err := parseMessage(b)
	if err != nil {
		return nil, err
	}
	n := &clstmNet{weights: make(map[string]ocroArray)}
	for _, f := range fields {
		switch f.num {
		case clstmKind:
			n.kind, err = f.str()
		case clstmName:
			n.name, err = f.str()
		case clstmNInput, clstmNOutput:
			var v []int
			if v, err = f.ints(); err == nil && len(v) == 1 {
				if f.num == clstmNInput {
					n.ninput = v[0]
				} else {
					n.noutput = v[0]
				}
			}
		case clstmCodec:
			var v []int
			if v, err = f.ints(); err == nil {
				n.codec = append(n.codec, v...)
			}
		case clstmWeights:
			var (
				name string
				arr  ocroArray
			)
			if name, arr, err = parseArray(f.bytes, clstmArrayName, clstmArrayDim, clstmArrayValue); err == nil {
				// Older clstm builds prefix weight names with '.'.
				n.weights[strings.TrimPrefix(name, ".")] = arr
			}
		case clstmSub:
			var sub *clstmNet
			if sub, err = parseCLSTM(f.bytes, depth+1); err == nil {
				n.sub = append(n.sub, sub)
			}
		}
		if err != nil {
			return nil, err
		}
	}
	if n.kind == "" {
		return nil, fmt.Errorf("%w: network without kind", ErrLegacyFormat)
	}
	return n, nil
}

func (n *clstmNet) find(pred func(*clstmNet) bool) *clstmNet {
	for _, s := range n.sub {
		if pred(s) {
			return s
		}
	}
	return nil
}

func kindIs(kind string) func(*clstmNet) bool {
	return func(n *clstmNet) bool { return n.kind == kind }
}

func isLSTM(n *clstmNet) bool {
	return strings.HasPrefix(n.kind, "NPLSTM") || strings.HasPrefix(n.kind, "LSTM")
}

// LoadCLSTM reads a protobuf network written by clstm: a Stacked root
// holding a Parallel of an LSTM and a Reversed LSTM, then a SoftmaxLayer.
// The codec is the root's list of code points.
func LoadCLSTM(path string, opts ...Option) (*Model, error) {
	o := applyOptions(opts)

	//nolint:gosec // G304: path is chosen by the caller.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	root, err := parseCLSTM(data, 0)
	if err != nil {
		return nil, err
	}

	softmax := root.find(kindIs("SoftmaxLayer"))
	parallel := root.find(kindIs("Parallel"))
	if softmax == nil || parallel == nil {
		return nil, fmt.Errorf("%w: clstm root %q lacks Parallel or SoftmaxLayer", ErrLegacyFormat, root.kind)
	}
	fwd := parallel.find(isLSTM)
	reversed := parallel.find(kindIs("Reversed"))
	if fwd == nil || reversed == nil || len(reversed.sub) == 0 || !isLSTM(reversed.sub[0]) {
		return nil, fmt.Errorf("%w: clstm Parallel is not a bidirectional LSTM", ErrLegacyFormat)
	}

	w, ok := softmax.weights["W1"]
	if !ok {
		w, ok = softmax.weights["W"]
	}
	if !ok {
		return nil, fmt.Errorf("%w: clstm softmax has no weights", ErrLegacyFormat)
	}

	labels := make([]string, len(root.codec))
	for i, cp := range root.codec {
		if i > 0 && cp > 0 {
			labels[i] = string(rune(cp))
		}
	}
	c, err := codecFromTable(labels)
	if err != nil {
		return nil, err
	}

	o.logger.Debug("parsed clstm network",
		zap.String("name", root.name),
		zap.Int("ninput", root.ninput),
		zap.Int("noutput", root.noutput))

	net := ocroNet{
		kind:    KindCLSTM,
		ninput:  root.ninput,
		fwd:     ocroLSTM(fwd.weights),
		rev:     ocroLSTM(reversed.sub[0].weights),
		softmax: w,
		codec:   c,
	}
	return net.build(o.logger)
}

// pronn field numbers.
const (
	pronnKind    protowire.Number = 1
	pronnNInput  protowire.Number = 2
	pronnNOutput protowire.Number = 3
	pronnCodec   protowire.Number = 4
	pronnFwd     protowire.Number = 5
	pronnRev     protowire.Number = 6
	pronnSoftmax protowire.Number = 7

	pronnArrayDim   protowire.Number = 1
	pronnArrayValue protowire.Number = 2
)

// pronn LSTM messages store one array per weight, in this field order.
var pronnLSTMFields = []string{"WGI", "WGF", "WGO", "WCI", "WIP", "WFP", "WOP"}

func parsePronnLSTM(b []byte) (ocroLSTM, error) {
	fields, err := parseMessage(b)
	if err != nil {
		return nil, err
	}
	out := make(ocroLSTM)
	for _, f := range fields {
		i := int(f.num) - 1
		if i < 0 || i >= len(pronnLSTMFields) || f.typ != protowire.BytesType {
			continue
		}
		_, arr, err := parseArray(f.bytes, 0, pronnArrayDim, pronnArrayValue)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", pronnLSTMFields[i], err)
		}
		out[pronnLSTMFields[i]] = arr
	}
	return out, nil
}

// LoadPronn reads a protobuf-converted ocropus BIDILSTM.
func LoadPronn(path string, opts ...Option) (*Model, error) {
	o := applyOptions(opts)

	//nolint:gosec // G304: path is chosen by the caller.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fields, err := parseMessage(data)
	if err != nil {
		return nil, err
	}

	net := ocroNet{kind: KindPronn}
	var (
		kind    string
		noutput int
		labels  []string
	)
	for _, f := range fields {
		switch f.num {
		case pronnKind:
			kind, err = f.str()
		case pronnNInput, pronnNOutput:
			var v []int
			if v, err = f.ints(); err == nil && len(v) == 1 {
				if f.num == pronnNInput {
					net.ninput = v[0]
				} else {
					noutput = v[0]
				}
			}
		case pronnCodec:
			var s string
			if s, err = f.str(); err == nil {
				labels = append(labels, s)
			}
		case pronnFwd:
			net.fwd, err = parsePronnLSTM(f.bytes)
		case pronnRev:
			net.rev, err = parsePronnLSTM(f.bytes)
		case pronnSoftmax:
			var sm []protoField
			if sm, err = parseMessage(f.bytes); err == nil {
				for _, sf := range sm {
					if sf.num == 1 && sf.typ == protowire.BytesType {
						_, net.softmax, err = parseArray(sf.bytes, 0, pronnArrayDim, pronnArrayValue)
					}
				}
			}
		}
		if err != nil {
			return nil, err
		}
	}
	if kind == "" {
		return nil, fmt.Errorf("%w: pronn network without kind", ErrLegacyFormat)
	}
	if net.codec, err = codecFromTable(labels); err != nil {
		return nil, err
	}

	o.logger.Debug("parsed pronn network",
		zap.String("kind", kind),
		zap.Int("ninput", net.ninput),
		zap.Int("noutput", noutput))
	return net.build(o.logger)
}
