// Package vgsltest writes small legacy network files (clstm, pronn, pyrnn)
// for tests of the loaders.
package vgsltest

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// Array is a dense row-major array.
type Array struct {
	Dims   []int
	Values []float32
}

// LSTM maps ocropus weight names (WGI, WGF, WCI, WGO, WIP, WFP, WOP) to
// arrays for one direction.
type LSTM map[string]Array

// Net is an ocropus BIDILSTM: gate matrices are (hidden, 1+ninput+hidden)
// and the softmax is (outputs, 1+2*hidden).
type Net struct {
	Ninput  int
	Hidden  int
	Outputs int
	Labels  []string // class-indexed, blank first
	Fwd     LSTM
	Rev     LSTM
	Softmax Array

	// Attributes are written as key/value pairs on a clstm root.
	Attributes [][2]string
}

func ramp(seed float32, dims ...int) Array {
	n := 1
	for _, d := range dims {
		n *= d
	}
	values := make([]float32, n)
	for i := range values {
		values[i] = seed + 0.125*float32(i)
	}
	return Array{Dims: dims, Values: values}
}

// Fixture returns a network with 2 input rows, 1 hidden unit per direction
// and 3 outputs decoding to "a" and "b".
func Fixture() Net {
	const in, hidden, out = 2, 1, 3
	lstm := func(seed float32) LSTM {
		width := 1 + in + hidden
		return LSTM{
			"WGI": ramp(seed+0.0, hidden, width),
			"WGF": ramp(seed+0.1, hidden, width),
			"WGO": ramp(seed-0.2, hidden, width),
			"WCI": ramp(seed-0.3, hidden, width),
			"WIP": ramp(9, hidden),
			"WFP": ramp(9, hidden),
			"WOP": ramp(9, hidden),
		}
	}
	return Net{
		Ninput:     in,
		Hidden:     hidden,
		Outputs:    out,
		Labels:     []string{"", "a", "b"},
		Fwd:        lstm(-0.25),
		Rev:        lstm(0.2),
		Softmax:    ramp(-0.5, out, 1+2*hidden),
		Attributes: [][2]string{{"kind", "bidi"}, {"nhidden", "1"}},
	}
}

func sortedNames(l LSTM) []string {
	names := make([]string, 0, len(l))
	for n := range l {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func write(t testing.TB, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func packedFloats(values []float32) []byte {
	var b []byte
	for _, v := range values {
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	}
	return b
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// clstm

func clstmArray(name string, a Array) []byte {
	var b []byte
	b = appendBytesField(b, 1, []byte(name))
	for _, d := range a.Dims {
		b = appendVarintField(b, 2, uint64(d))
	}
	return appendBytesField(b, 3, packedFloats(a.Values))
}

func clstmNode(kind string, weights LSTM, sub ...[]byte) []byte {
	var b []byte
	b = appendBytesField(b, 1, []byte(kind))
	for _, name := range sortedNames(weights) {
		b = appendBytesField(b, 22, clstmArray(name, weights[name]))
	}
	for _, s := range sub {
		b = appendBytesField(b, 23, s)
	}
	return b
}

// WriteCLSTM writes n as a clstm NetworkProto: a Stacked root holding a
// Parallel of an NPLSTM and a Reversed NPLSTM, then a SoftmaxLayer. Labels
// must be single code points.
func WriteCLSTM(t testing.TB, dir string, n Net) string {
	t.Helper()
	fwd := clstmNode("NPLSTM", n.Fwd)
	rev := clstmNode("Reversed", nil, clstmNode("NPLSTM", n.Rev))
	parallel := clstmNode("Parallel", nil, fwd, rev)
	softmax := clstmNode("SoftmaxLayer", LSTM{"W1": n.Softmax})

	var root []byte
	root = appendBytesField(root, 1, []byte("Stacked"))
	root = appendBytesField(root, 2, []byte("bidi"))
	root = appendVarintField(root, 10, uint64(n.Ninput))
	root = appendVarintField(root, 11, uint64(n.Outputs))
	var codes []byte
	for _, l := range n.Labels {
		var cp rune
		for _, r := range l {
			cp = r
		}
		codes = protowire.AppendVarint(codes, uint64(cp))
	}
	root = appendBytesField(root, 13, codes)
	for _, kv := range n.Attributes {
		var attr []byte
		attr = appendBytesField(attr, 1, []byte(kv[0]))
		attr = appendBytesField(attr, 2, []byte(kv[1]))
		root = appendBytesField(root, 20, attr)
	}
	root = appendBytesField(root, 23, parallel)
	root = appendBytesField(root, 23, softmax)

	return write(t, dir, "model.clstm", root)
}

// pronn

// PronnLSTMFields is the field order of a pronn LSTM message.
var PronnLSTMFields = []string{"WGI", "WGF", "WGO", "WCI", "WIP", "WFP", "WOP"}

func pronnArray(a Array) []byte {
	var b []byte
	for _, d := range a.Dims {
		b = appendVarintField(b, 1, uint64(d))
	}
	return appendBytesField(b, 2, packedFloats(a.Values))
}

func pronnLSTM(l LSTM) []byte {
	var b []byte
	for i, name := range PronnLSTMFields {
		b = appendBytesField(b, protowire.Number(i+1), pronnArray(l[name]))
	}
	return b
}

// WritePronn writes n as a protobuf-converted ocropus network.
func WritePronn(t testing.TB, dir string, n Net) string {
	t.Helper()
	var b []byte
	b = appendBytesField(b, 1, []byte("bidi"))
	b = appendVarintField(b, 2, uint64(n.Ninput))
	b = appendVarintField(b, 3, uint64(n.Outputs))
	for _, l := range n.Labels {
		b = appendBytesField(b, 4, []byte(l))
	}
	b = appendBytesField(b, 5, pronnLSTM(n.Fwd))
	b = appendBytesField(b, 6, pronnLSTM(n.Rev))
	b = appendBytesField(b, 7, appendBytesField(nil, 1, pronnArray(n.Softmax)))

	return write(t, dir, "model.pronn", b)
}

// pyrnn

// pickler writes the subset of pickle protocol 2 the fixtures need.
type pickler struct {
	bytes.Buffer
}

func (p *pickler) global(module, name string) {
	p.WriteByte('c')
	p.WriteString(module + "\n" + name + "\n")
}

func (p *pickler) text(s string) {
	p.WriteByte('X')
	_ = binary.Write(p, binary.LittleEndian, uint32(len(s)))
	p.WriteString(s)
}

// str writes a Python 2 byte string.
func (p *pickler) str(b []byte) {
	p.WriteByte('T')
	_ = binary.Write(p, binary.LittleEndian, uint32(len(b)))
	p.Write(b)
}

func (p *pickler) integer(v int32) {
	p.WriteByte('J')
	_ = binary.Write(p, binary.LittleEndian, v)
}

func (p *pickler) real(v float64) {
	p.WriteByte('G')
	_ = binary.Write(p, binary.BigEndian, v)
}

func (p *pickler) list(n int, item func(i int)) {
	p.WriteByte(']')
	if n == 0 {
		return
	}
	p.WriteByte('(')
	for i := 0; i < n; i++ {
		item(i)
	}
	p.WriteByte('e')
}

func (p *pickler) dict(keys []string, value func(k string)) {
	p.WriteByte('}')
	p.WriteByte('(')
	for _, k := range keys {
		p.text(k)
		value(k)
	}
	p.WriteByte('u')
}

// tuple writes a tuple of the items pushed by items.
func (p *pickler) tuple(items func()) {
	p.WriteByte('(')
	items()
	p.WriteByte('t')
}

func (p *pickler) none() { p.WriteByte('N') }

func (p *pickler) boolean(v bool) {
	if v {
		p.WriteByte(0x88)
		return
	}
	p.WriteByte(0x89)
}

// object writes an old-style class instance (OBJ) and its __dict__ (BUILD).
func (p *pickler) object(module, class string, keys []string, value func(k string)) {
	p.WriteByte('(')
	p.global(module, class)
	p.WriteByte('o')
	p.dict(keys, value)
	p.WriteByte('b')
}

// ndarray writes a as a little-endian float64 numpy array the way numpy
// reduces it: _reconstruct(ndarray, (0,), 'b') followed by
// BUILD((1, shape, dtype, fortran, data)).
func (p *pickler) ndarray(a Array) {
	p.global("numpy.core.multiarray", "_reconstruct")
	p.tuple(func() {
		p.global("numpy", "ndarray")
		p.tuple(func() { p.integer(0) })
		p.str([]byte("b"))
	})
	p.WriteByte('R')

	raw := make([]byte, 8*len(a.Values))
	for i, v := range a.Values {
		binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(float64(v)))
	}
	p.tuple(func() {
		p.integer(1)
		p.tuple(func() {
			for _, d := range a.Dims {
				p.integer(int32(d)) //nolint:gosec // G115: fixture dims are tiny.
			}
		})
		p.dtype("f8")
		p.boolean(false)
		p.str(raw)
	})
	p.WriteByte('b')
}

func (p *pickler) dtype(code string) {
	p.global("numpy", "dtype")
	p.tuple(func() {
		p.str([]byte(code))
		p.integer(0)
		p.integer(1)
	})
	p.WriteByte('R')
	p.tuple(func() {
		p.integer(3)
		p.str([]byte("<"))
		p.none()
		p.none()
		p.none()
		p.integer(-1)
		p.integer(-1)
		p.integer(0)
	})
	p.WriteByte('b')
}

func (p *pickler) lstmObject(l LSTM, ninput, hidden int) {
	keys := append([]string{"Ni", "Ns"}, sortedNames(l)...)
	p.object("ocrolib.lstm", "LSTM", keys, func(k string) {
		switch k {
		case "Ni":
			p.integer(int32(ninput)) //nolint:gosec // G115: fixture sizes are tiny.
		case "Ns":
			p.integer(int32(hidden)) //nolint:gosec // G115: fixture sizes are tiny.
		default:
			p.ndarray(l[k])
		}
	})
}

func gzipped(t testing.TB, data []byte) []byte {
	t.Helper()
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return gz.Bytes()
}

// PyrnnPickle returns n pickled the way ocropus saves a SeqRecognizer:
// ocrolib.lstm instances whose weights are numpy float64 arrays.
func PyrnnPickle(n Net) []byte {
	var p pickler
	p.WriteString("\x80\x02")
	p.object("ocrolib.lstm", "SeqRecognizer", []string{"Ni", "No", "codec", "lstm", "normalize"}, func(k string) {
		switch k {
		case "Ni":
			p.integer(int32(n.Ninput)) //nolint:gosec // G115: fixture sizes are tiny.
		case "No":
			p.integer(int32(n.Outputs)) //nolint:gosec // G115: fixture sizes are tiny.
		case "normalize":
			p.global("ocrolib.lstm", "normalize_nfkc")
		case "codec":
			p.object("ocrolib.lstm", "Codec", []string{"code2char"}, func(string) {
				p.WriteByte('}')
				p.WriteByte('(')
				for i, l := range n.Labels {
					p.integer(int32(i)) //nolint:gosec // G115: fixture sizes are tiny.
					p.text(l)
				}
				p.WriteByte('u')
			})
		case "lstm":
			p.object("ocrolib.lstm", "Stacked", []string{"nets"}, func(string) {
				p.list(2, func(i int) {
					if i == 1 {
						p.object("ocrolib.lstm", "Softmax", []string{"W2"}, func(string) {
							p.ndarray(n.Softmax)
						})
						return
					}
					p.object("ocrolib.lstm", "Parallel", []string{"nets"}, func(string) {
						p.list(2, func(j int) {
							if j == 0 {
								p.lstmObject(n.Fwd, n.Ninput, n.Hidden)
								return
							}
							p.object("ocrolib.lstm", "Reversed", []string{"net"}, func(string) {
								p.lstmObject(n.Rev, n.Ninput, n.Hidden)
							})
						})
					})
				})
			})
		}
	})
	p.WriteByte('.')
	return p.Bytes()
}

// WritePyrnn writes n as a gzip-compressed ocropus pickle.
func WritePyrnn(t testing.TB, dir string, n Net) string {
	t.Helper()
	return write(t, dir, "model.pyrnn.gz", gzipped(t, PyrnnPickle(n)))
}

// WritePyrnnPlain writes n as a gzip-compressed pickle of plain containers:
// a dict with kind, ninput, noutput, codec and fwdnet, revnet, softmax dicts
// of nested float lists.
func WritePyrnnPlain(t testing.TB, dir string, n Net) string {
	t.Helper()
	var p pickler
	array := func(a Array) {
		if len(a.Dims) == 1 {
			p.list(a.Dims[0], func(i int) { p.real(float64(a.Values[i])) })
			return
		}
		cols := a.Dims[1]
		p.list(a.Dims[0], func(r int) {
			p.list(cols, func(c int) { p.real(float64(a.Values[r*cols+c])) })
		})
	}
	lstm := func(l LSTM) {
		p.dict(sortedNames(l), func(k string) { array(l[k]) })
	}

	p.WriteString("\x80\x02")
	p.dict([]string{"kind", "ninput", "noutput", "codec", "fwdnet", "revnet", "softmax"}, func(k string) {
		switch k {
		case "kind":
			p.text("bidi")
		case "ninput":
			p.integer(int32(n.Ninput)) //nolint:gosec // G115: fixture sizes are tiny.
		case "noutput":
			p.integer(int32(n.Outputs)) //nolint:gosec // G115: fixture sizes are tiny.
		case "codec":
			p.list(len(n.Labels), func(i int) { p.text(n.Labels[i]) })
		case "fwdnet":
			lstm(n.Fwd)
		case "revnet":
			lstm(n.Rev)
		case "softmax":
			lstm(LSTM{"W2": n.Softmax})
		}
	})
	p.WriteByte('.')

	return write(t, dir, "model.plain.pyrnn.gz", gzipped(t, p.Bytes()))
}
