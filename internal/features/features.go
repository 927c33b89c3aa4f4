package features

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // Register JPEG decoding.
	_ "image/png"  // Register PNG decoding.
	"os"
	"path/filepath"
	"strings"

	"github.com/born-ml/linerec/internal/tensor"
	"golang.org/x/image/draw"
)

// LineTensor is the tensor name Save writes and Load looks for first.
const LineTensor = "line"

// ErrNoLine is returned when a file holds no usable line tensor.
var ErrNoLine = errors.New("no line tensor")

// Load reads a line from a SafeTensors file or an image. Images are scaled
// to height rows; a height of 0 keeps their size. SafeTensors lines are
// returned as stored.
func Load(path string, height int) (*tensor.RawTensor, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		return loadSafeTensors(path)
	default:
		return loadImage(path, height)
	}
}

func loadSafeTensors(path string) (*tensor.RawTensor, error) {
	r, err := OpenSafeTensors(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	name := LineTensor
	if _, ok := r.header.Tensors[name]; !ok {
		names := r.TensorNames()
		if len(names) != 1 {
			return nil, fmt.Errorf("%w in %s: found %d tensors and none named %q", ErrNoLine, path, len(names), LineTensor)
		}
		name = names[0]
	}

	line, err := r.LoadTensor(name)
	if err != nil {
		return nil, err
	}
	return asLine(line)
}

// asLine converts t to a float32 (C, H, W) tensor.
func asLine(t *tensor.RawTensor) (*tensor.RawTensor, error) {
	switch t.DType() {
	case tensor.Float32:
	case tensor.Float64:
		src := t.AsFloat64()
		dst := make([]float32, len(src))
		for i, v := range src {
			dst[i] = float32(v)
		}
		conv, err := tensor.FromFloat32(dst, t.Shape())
		if err != nil {
			return nil, err
		}
		t = conv
	default:
		return nil, fmt.Errorf("%w: expected floating point data, got %s", ErrNoLine, t.DType())
	}

	switch len(t.Shape()) {
	case 2:
		return t.Unsqueeze(0)
	case 3:
		return t, nil
	default:
		return nil, fmt.Errorf("%w: expected shape (H, W) or (C, H, W), got %v", ErrNoLine, t.Shape())
	}
}

// Save writes line to path as a SafeTensors file.
func Save(path string, line *tensor.RawTensor, metadata map[string]string) error {
	if len(line.Shape()) != 3 {
		return fmt.Errorf("%w: expected shape (C, H, W), got %v", ErrNoLine, line.Shape())
	}
	return WriteSafeTensors(path, map[string]*tensor.RawTensor{LineTensor: line}, metadata)
}

func loadImage(path string, height int) (*tensor.RawTensor, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for line loading
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	return FromImage(img, height)
}

// FromImage converts img to a (1, H, W) line: grayscale, inverted so ink is
// 1, and scaled with the aspect ratio kept so that H equals height. A height
// of 0 keeps the image size.
func FromImage(img image.Image, height int) (*tensor.RawTensor, error) {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrNoLine)
	}
	if height < 0 {
		return nil, fmt.Errorf("invalid height %d", height)
	}

	w, h := b.Dx(), b.Dy()
	if height > 0 && height != h {
		w = max(1, (w*height+h/2)/h)
		h = height
	}

	gray := image.NewGray(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	} else {
		draw.BiLinear.Scale(gray, gray.Bounds(), img, b, draw.Src, nil)
	}

	data := make([]float32, w*h)
	for y := 0; y < h; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+w]
		for x, v := range row {
			data[y*w+x] = 1 - float32(v)/255
		}
	}
	return tensor.FromFloat32(data, tensor.Shape{1, h, w})
}
