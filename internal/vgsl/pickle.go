package vgsl

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/nlpodyssey/gopickle/types"
)

// findClass resolves the globals of an ocropus pickle. numpy arrays and
// dtypes are rebuilt natively; every other class becomes a pyClass whose
// instances keep their __dict__.
func findClass(module, name string) (interface{}, error) {
	if module == "numpy" || strings.HasPrefix(module, "numpy.") {
		switch name {
		case "_reconstruct":
			return npReconstruct{}, nil
		case "dtype":
			return npDtypeClass{}, nil
		}
	}
	return &pyClass{module: module, name: name}, nil
}

// pyClass is a Python class; instantiating it yields an empty pyObject.
type pyClass struct {
	module string
	name   string
}

func (c *pyClass) String() string { return c.module + "." + c.name }

// Call implements types.Callable for REDUCE and OBJ.
func (c *pyClass) Call(...interface{}) (interface{}, error) {
	return &pyObject{class: c, attrs: make(map[string]interface{})}, nil
}

// PyNew implements types.PyNewable for NEWOBJ.
func (c *pyClass) PyNew(args ...interface{}) (interface{}, error) {
	return c.Call(args...)
}

// pyObject is an instance restored from its __dict__.
type pyObject struct {
	class *pyClass
	attrs map[string]interface{}
	state *types.Dict
}

// PySetState implements types.PyStateSettable for BUILD.
func (o *pyObject) PySetState(state interface{}) error {
	if t, ok := state.(*types.Tuple); ok && len(*t) == 2 {
		state = (*t)[0] // (__dict__, slots)
	}
	d, ok := state.(*types.Dict)
	if !ok {
		return fmt.Errorf("%w: %s state is %T, expected dict", ErrLegacyFormat, o.class, state)
	}
	o.state = d
	return nil
}

// PyDictSet implements types.PyDictSettable.
func (o *pyObject) PyDictSet(key, value interface{}) error {
	k, ok := key.(string)
	if !ok {
		return fmt.Errorf("%w: %s attribute name is %T", ErrLegacyFormat, o.class, key)
	}
	o.attrs[k] = value
	return nil
}

func (o *pyObject) get(name string) (interface{}, bool) {
	if v, ok := o.attrs[name]; ok {
		return v, true
	}
	if o.state != nil {
		return o.state.Get(name)
	}
	return nil, false
}

func (o *pyObject) attr(name string) (interface{}, error) {
	v, ok := o.get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no attribute %q", ErrLegacyFormat, o.class, name)
	}
	return v, nil
}

func (o *pyObject) object(name string) (*pyObject, error) {
	v, err := o.attr(name)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(*pyObject)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s is %T, expected an object", ErrLegacyFormat, o.class, name, v)
	}
	return obj, nil
}

func (o *pyObject) integer(name string) (int, error) {
	v, err := o.attr(name)
	if err != nil {
		return 0, err
	}
	n, ok := pyInt(v)
	if !ok {
		return 0, fmt.Errorf("%w: %s.%s is %T, expected int", ErrLegacyFormat, o.class, name, v)
	}
	return n, nil
}

// objects returns the elements of a list attribute, which must all be objects.
func (o *pyObject) objects(name string) ([]*pyObject, error) {
	v, err := o.attr(name)
	if err != nil {
		return nil, err
	}
	items, ok := pickleItems(v)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s is %T, expected list", ErrLegacyFormat, o.class, name, v)
	}
	out := make([]*pyObject, len(items))
	for i, it := range items {
		if out[i], ok = it.(*pyObject); !ok {
			return nil, fmt.Errorf("%w: %s.%s[%d] is %T, expected an object", ErrLegacyFormat, o.class, name, i, it)
		}
	}
	return out, nil
}

func (o *pyObject) array(name string) (ocroArray, error) {
	v, err := o.attr(name)
	if err != nil {
		return ocroArray{}, err
	}
	a, ok := v.(*npArray)
	if !ok {
		return ocroArray{}, fmt.Errorf("%w: %s.%s is %T, expected ndarray", ErrLegacyFormat, o.class, name, v)
	}
	arr, err := a.ocro()
	if err != nil {
		return ocroArray{}, fmt.Errorf("%s.%s: %w", o.class, name, err)
	}
	return arr, nil
}

func pyInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	default:
		return 0, false
	}
}

func pyBytes(v interface{}) ([]byte, bool) {
	switch b := v.(type) {
	case string:
		return []byte(b), true
	case []byte:
		return b, true
	default:
		return nil, false
	}
}

// npReconstruct is numpy.core.multiarray._reconstruct.
type npReconstruct struct{}

func (npReconstruct) Call(...interface{}) (interface{}, error) {
	return &npArray{}, nil
}

// npDtypeClass is numpy.dtype.
type npDtypeClass struct{}

func (npDtypeClass) Call(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: dtype without type code", ErrLegacyFormat)
	}
	code, ok := pyBytes(args[0])
	if !ok {
		return nil, fmt.Errorf("%w: dtype code is %T", ErrLegacyFormat, args[0])
	}
	return &npDtype{code: string(code), order: '<'}, nil
}

// npDtype is a numeric numpy dtype such as f8 or i4.
type npDtype struct {
	code  string
	order byte // '<' or '>'; '|' and '=' are read as little-endian
}

// PySetState reads the byte order from (version, order, ...).
func (d *npDtype) PySetState(state interface{}) error {
	t, ok := state.(*types.Tuple)
	if !ok || len(*t) < 2 {
		return fmt.Errorf("%w: dtype state is %T", ErrLegacyFormat, state)
	}
	if order, ok := pyBytes((*t)[1]); ok && len(order) == 1 {
		d.order = order[0]
	}
	return nil
}

func (d *npDtype) byteOrder() binary.ByteOrder {
	if d.order == '>' {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// npArray is an ndarray rebuilt from its pickled state.
type npArray struct {
	shape   []int
	dtype   *npDtype
	fortran bool
	data    []byte
}

// PySetState reads ([version,] shape, dtype, is_fortran, rawdata).
func (a *npArray) PySetState(state interface{}) error {
	t, ok := state.(*types.Tuple)
	if !ok {
		return fmt.Errorf("%w: ndarray state is %T", ErrLegacyFormat, state)
	}
	items := []interface{}(*t)
	if len(items) == 5 {
		items = items[1:]
	}
	if len(items) != 4 {
		return fmt.Errorf("%w: ndarray state has %d items", ErrLegacyFormat, len(items))
	}

	dims, ok := pickleItems(items[0])
	if !ok {
		return fmt.Errorf("%w: ndarray shape is %T", ErrLegacyFormat, items[0])
	}
	a.shape = make([]int, len(dims))
	for i, d := range dims {
		if a.shape[i], ok = pyInt(d); !ok {
			return fmt.Errorf("%w: ndarray dimension is %T", ErrLegacyFormat, d)
		}
	}
	if a.dtype, ok = items[1].(*npDtype); !ok {
		return fmt.Errorf("%w: ndarray dtype is %T", ErrLegacyFormat, items[1])
	}
	a.fortran, _ = items[2].(bool)
	if a.data, ok = pyBytes(items[3]); !ok {
		return fmt.Errorf("%w: ndarray data is %T, expected raw bytes", ErrLegacyFormat, items[3])
	}
	return nil
}

// ocro decodes the array into row-major float32 values.
func (a *npArray) ocro() (ocroArray, error) {
	if a.dtype == nil {
		return ocroArray{}, fmt.Errorf("%w: ndarray was never built", ErrLegacyFormat)
	}
	n := 1
	for _, d := range a.shape {
		n *= d
	}

	var size int
	var decode func([]byte) float32
	order := a.dtype.byteOrder()
	switch a.dtype.code {
	case "f8":
		size = 8
		decode = func(b []byte) float32 { return float32(math.Float64frombits(order.Uint64(b))) }
	case "f4":
		size = 4
		decode = func(b []byte) float32 { return math.Float32frombits(order.Uint32(b)) }
	case "i8":
		size = 8
		decode = func(b []byte) float32 { return float32(int64(order.Uint64(b))) } //nolint:gosec // G115: two's complement.
	case "i4":
		size = 4
		decode = func(b []byte) float32 { return float32(int32(order.Uint32(b))) } //nolint:gosec // G115: two's complement.
	default:
		return ocroArray{}, fmt.Errorf("%w: unsupported dtype %q", ErrLegacyFormat, a.dtype.code)
	}
	if len(a.data) != n*size {
		return ocroArray{}, fmt.Errorf("%w: ndarray %v of %s has %d bytes", ErrLegacyFormat, a.shape, a.dtype.code, len(a.data))
	}

	values := make([]float32, n)
	for i := range values {
		values[i] = decode(a.data[i*size : (i+1)*size])
	}
	if a.fortran && len(a.shape) == 2 {
		rows, cols := a.shape[0], a.shape[1]
		rowMajor := make([]float32, n)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				rowMajor[r*cols+c] = values[c*rows+r]
			}
		}
		values = rowMajor
	}
	arr := ocroArray{dims: append([]int(nil), a.shape...), values: values}
	if !arr.valid() {
		return ocroArray{}, fmt.Errorf("%w: empty ndarray of shape %v", ErrLegacyFormat, a.shape)
	}
	return arr, nil
}
