package vgsl

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"

	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/types"
	"go.uber.org/zap"
)

// LoadPyrnn reads an ocropus pickle, optionally gzip-compressed. Two layouts
// are accepted: the ocrolib.lstm.SeqRecognizer instance ocropus saves, with
// numpy weight arrays, and a dict of plain containers holding kind, ninput,
// noutput, codec (list of labels, blank first) and fwdnet, revnet, softmax
// dicts mapping weight names to nested float lists.
func LoadPyrnn(path string, opts ...Option) (*Model, error) {
	o := applyOptions(opts)

	//nolint:gosec // G304: path is chosen by the caller.
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, _ := br.Peek(2); len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLegacyFormat, err)
		}
		defer zr.Close()
		r = zr
	}

	u := pickle.NewUnpickler(r)
	u.FindClass = findClass
	obj, err := u.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLegacyFormat, err)
	}

	var net ocroNet
	switch root := obj.(type) {
	case *pyObject:
		net, err = ocroNetFromObject(root, o.logger)
	case *types.Dict:
		net, err = ocroNetFromDict(root, o.logger)
	default:
		return nil, fmt.Errorf("%w: pickle holds %T, expected SeqRecognizer", ErrLegacyFormat, obj)
	}
	if err != nil {
		return nil, err
	}
	return net.build(o.logger)
}

// ocroNetFromObject walks SeqRecognizer.lstm, a Stacked of a Parallel of an
// LSTM and a Reversed LSTM, then a Softmax.
func ocroNetFromObject(root *pyObject, log *zap.Logger) (ocroNet, error) {
	if root.class.name != "SeqRecognizer" {
		return ocroNet{}, fmt.Errorf("%w: pickle holds %s, expected SeqRecognizer", ErrLegacyFormat, root.class)
	}
	ninput, err := root.integer("Ni")
	if err != nil {
		return ocroNet{}, err
	}
	stacked, err := root.object("lstm")
	if err != nil {
		return ocroNet{}, err
	}
	nets, err := stacked.objects("nets")
	if err != nil {
		return ocroNet{}, err
	}
	if len(nets) != 2 {
		return ocroNet{}, fmt.Errorf("%w: %s has %d nets, expected Parallel and Softmax", ErrLegacyFormat, stacked.class, len(nets))
	}
	parallel, softmax := nets[0], nets[1]
	dirs, err := parallel.objects("nets")
	if err != nil {
		return ocroNet{}, err
	}
	if len(dirs) != 2 {
		return ocroNet{}, fmt.Errorf("%w: %s has %d nets, expected a bidirectional LSTM", ErrLegacyFormat, parallel.class, len(dirs))
	}
	rev, err := dirs[1].object("net")
	if err != nil {
		return ocroNet{}, err
	}

	net := ocroNet{kind: KindPyrnn, ninput: ninput}
	if net.fwd, err = objectLSTM(dirs[0]); err != nil {
		return ocroNet{}, err
	}
	if net.rev, err = objectLSTM(rev); err != nil {
		return ocroNet{}, err
	}
	if net.softmax, err = softmax.array("W2"); err != nil {
		return ocroNet{}, err
	}

	// code2char maps every output class, blank included, to its label.
	codec, err := root.object("codec")
	if err != nil {
		return ocroNet{}, err
	}
	raw, err := codec.attr("code2char")
	if err != nil {
		return ocroNet{}, err
	}
	table, ok := raw.(*types.Dict)
	if !ok {
		return ocroNet{}, fmt.Errorf("%w: code2char is %T, expected dict", ErrLegacyFormat, raw)
	}
	labels := make([]string, net.softmax.dims[0])
	for i := range labels {
		if v, ok := table.Get(i); ok {
			if b, ok := pyBytes(v); ok {
				labels[i] = string(b)
			}
		}
	}
	if net.codec, err = codecFromTable(labels); err != nil {
		return ocroNet{}, err
	}

	log.Debug("parsed pyrnn network",
		zap.String("class", root.class.String()),
		zap.Int("ninput", ninput),
		zap.Int("noutput", len(labels)))
	return net, nil
}

func objectLSTM(o *pyObject) (ocroLSTM, error) {
	out := make(ocroLSTM)
	for _, name := range pickleWeightNames {
		if _, ok := o.get(name); !ok {
			continue
		}
		arr, err := o.array(name)
		if err != nil {
			return nil, err
		}
		out[name] = arr
	}
	return out, nil
}

func ocroNetFromDict(root *types.Dict, log *zap.Logger) (ocroNet, error) {
	kind, err := pickleString(root, "kind")
	if err != nil {
		return ocroNet{}, err
	}
	ninput, err := pickleInt(root, "ninput")
	if err != nil {
		return ocroNet{}, err
	}
	noutput, err := pickleInt(root, "noutput")
	if err != nil {
		return ocroNet{}, err
	}

	rawCodec, _ := root.Get("codec")
	items, ok := pickleItems(rawCodec)
	if !ok {
		return ocroNet{}, fmt.Errorf("%w: codec is %T, expected list", ErrLegacyFormat, rawCodec)
	}
	labels := make([]string, len(items))
	for i, it := range items {
		if s, ok := it.(string); ok {
			labels[i] = s
		}
	}

	net := ocroNet{kind: KindPyrnn, ninput: ninput}
	if net.codec, err = codecFromTable(labels); err != nil {
		return ocroNet{}, err
	}
	if net.fwd, err = pickleLSTM(root, "fwdnet"); err != nil {
		return ocroNet{}, err
	}
	if net.rev, err = pickleLSTM(root, "revnet"); err != nil {
		return ocroNet{}, err
	}
	sm, err := pickleLSTM(root, "softmax")
	if err != nil {
		return ocroNet{}, err
	}
	net.softmax = sm["W2"]

	log.Debug("parsed pyrnn network",
		zap.String("kind", kind),
		zap.Int("ninput", ninput),
		zap.Int("noutput", noutput))
	return net, nil
}

func pickleString(d *types.Dict, key string) (string, error) {
	v, ok := d.Get(key)
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrLegacyFormat, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q is %T, expected str", ErrLegacyFormat, key, v)
	}
	return s, nil
}

func pickleInt(d *types.Dict, key string) (int, error) {
	v, ok := d.Get(key)
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrLegacyFormat, key)
	}
	n, ok := pyInt(v)
	if !ok {
		return 0, fmt.Errorf("%w: %q is %T, expected int", ErrLegacyFormat, key, v)
	}
	return n, nil
}

var pickleWeightNames = []string{"WGI", "WGF", "WCI", "WGO", "WIP", "WFP", "WOP", "W2"}

// pickleLSTM reads a dict of weight name -> nested float list.
func pickleLSTM(d *types.Dict, key string) (ocroLSTM, error) {
	v, ok := d.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrLegacyFormat, key)
	}
	sub, ok := v.(*types.Dict)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %T, expected dict", ErrLegacyFormat, key, v)
	}

	out := make(ocroLSTM)
	for _, name := range pickleWeightNames {
		w, ok := sub.Get(name)
		if !ok {
			continue
		}
		arr, err := pickleArray(w)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", key, name, err)
		}
		out[name] = arr
	}
	return out, nil
}

// pickleArray flattens a rectangular nested list of numbers.
func pickleArray(v interface{}) (ocroArray, error) {
	var arr ocroArray
	var walk func(v interface{}, depth int) error
	walk = func(v interface{}, depth int) error {
		if items, ok := pickleItems(v); ok {
			if depth == len(arr.dims) {
				arr.dims = append(arr.dims, len(items))
			} else if depth > len(arr.dims) || arr.dims[depth] != len(items) {
				return fmt.Errorf("%w: ragged array", ErrLegacyFormat)
			}
			for _, it := range items {
				if err := walk(it, depth+1); err != nil {
					return err
				}
			}
			return nil
		}
		if depth != len(arr.dims) {
			return fmt.Errorf("%w: ragged array", ErrLegacyFormat)
		}
		switch n := v.(type) {
		case float64:
			arr.values = append(arr.values, float32(n))
		case int:
			arr.values = append(arr.values, float32(n))
		default:
			return fmt.Errorf("%w: array element is %T", ErrLegacyFormat, v)
		}
		return nil
	}
	if err := walk(v, 0); err != nil {
		return ocroArray{}, err
	}
	if !arr.valid() {
		return ocroArray{}, fmt.Errorf("%w: empty array", ErrLegacyFormat)
	}
	return arr, nil
}

// pickleItems returns the elements of a pickled list or tuple.
func pickleItems(v interface{}) ([]interface{}, bool) {
	switch l := v.(type) {
	case *types.List:
		return []interface{}(*l), true
	case *types.Tuple:
		return []interface{}(*l), true
	case []interface{}:
		return l, true
	default:
		return nil, false
	}
}
