package serialization

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/born-ml/linerec/internal/tensor"
)

// ReaderOptions configures Open and NewReader.
type ReaderOptions struct {
	SkipChecksumValidation bool
	ValidationLevel        ValidationLevel
}

// Reader gives access to the header and tensors of a .born file.
type Reader struct {
	src        io.ReaderAt
	closer     io.Closer
	header     Header
	flags      uint32
	version    uint32
	dataOffset int64
	dataSize   int64
	index      map[string]int
	closed     bool
}

// Open opens a .born file with strict validation.
func Open(path string) (*Reader, error) {
	return OpenWithOptions(path, ReaderOptions{ValidationLevel: ValidationStrict})
}

// OpenWithOptions opens a .born file.
func OpenWithOptions(path string, opts ReaderOptions) (*Reader, error) {
	//nolint:gosec // G304: path is chosen by the caller.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	r, err := NewReader(f, info.Size(), opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader parses the .born image of size bytes held by src.
func NewReader(src io.ReaderAt, size int64, opts ReaderOptions) (*Reader, error) {
	r := &Reader{src: src}
	if err := r.parseHeader(size, opts); err != nil {
		return nil, err
	}

	r.index = make(map[string]int, len(r.header.Tensors))
	for i, t := range r.header.Tensors {
		r.index[t.Name] = i
	}

	if err := ValidateHeader(&r.header, r.dataSize, opts.ValidationLevel); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return r, nil
}

func (r *Reader) parseHeader(size int64, opts ReaderOptions) error {
	prefix := make([]byte, 8)
	if _, err := r.src.ReadAt(prefix, 0); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMagic, err)
	}
	if string(prefix[:4]) != MagicBytes {
		return ErrInvalidMagic
	}
	r.version = binary.LittleEndian.Uint32(prefix[4:8])

	var (
		headerSize uint64
		headerPos  int64
		checksum   []byte
		declared   int64 = -1
	)
	switch r.version {
	case FormatVersion:
		fixed := make([]byte, FixedHeaderSizeV1)
		if _, err := r.src.ReadAt(fixed, 0); err != nil {
			return fmt.Errorf("failed to read fixed header: %w", err)
		}
		r.flags = binary.LittleEndian.Uint32(fixed[8:12])
		headerSize = binary.LittleEndian.Uint64(fixed[12:20])
		headerPos = FixedHeaderSizeV1
	case FormatVersionV2:
		fixed := make([]byte, FixedHeaderSizeV2)
		if _, err := r.src.ReadAt(fixed, 0); err != nil {
			return fmt.Errorf("failed to read fixed header: %w", err)
		}
		r.flags = binary.LittleEndian.Uint32(fixed[8:12])
		headerSize = binary.LittleEndian.Uint64(fixed[16:24])
		declared = int64(binary.LittleEndian.Uint64(fixed[24:32])) //nolint:gosec // G115: checked against file size below.
		checksum = fixed[ChecksumOffsetV2 : ChecksumOffsetV2+ChecksumSize]
		headerPos = FixedHeaderSizeV2
	default:
		return fmt.Errorf("%w: got %d, expected %d or %d", ErrUnsupportedVersion, r.version, FormatVersion, FormatVersionV2)
	}

	if headerSize > MaxHeaderSize {
		return ErrHeaderTooLarge
	}
	headerBytes := make([]byte, headerSize)
	if _, err := r.src.ReadAt(headerBytes, headerPos); err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	if err := json.Unmarshal(headerBytes, &r.header); err != nil {
		return fmt.Errorf("failed to parse header JSON: %w", err)
	}

	r.dataOffset = alignedDataOffset(headerPos, headerSize)
	r.dataSize = size - r.dataOffset
	if r.dataSize < 0 {
		return fmt.Errorf("file truncated: data section starts at %d, file has %d bytes", r.dataOffset, size)
	}

	if r.version == FormatVersionV2 {
		if declared < 0 || declared > r.dataSize {
			return fmt.Errorf("file truncated: header declares %d data bytes, %d present", declared, r.dataSize)
		}
		r.dataSize = declared
		if !opts.SkipChecksumValidation {
			data := make([]byte, r.dataSize)
			if len(data) > 0 {
				if _, err := r.src.ReadAt(data, r.dataOffset); err != nil {
					return fmt.Errorf("failed to read tensor data for checksum: %w", err)
				}
			}
			sum := ComputeChecksum(data)
			if !bytes.Equal(sum[:], checksum) {
				return ErrChecksumMismatch
			}
		}
	}
	return nil
}

// Version returns the format version of the file.
func (r *Reader) Version() int {
	return int(r.version)
}

// Header returns the parsed header.
func (r *Reader) Header() Header {
	return r.header
}

// Metadata returns the header metadata.
func (r *Reader) Metadata() map[string]string {
	return r.header.Metadata
}

// TensorNames returns the tensor names in file order.
func (r *Reader) TensorNames() []string {
	names := make([]string, len(r.header.Tensors))
	for i, t := range r.header.Tensors {
		names[i] = t.Name
	}
	return names
}

// LoadTensor reads a single tensor onto the CPU.
func (r *Reader) LoadTensor(name string) (*tensor.RawTensor, error) {
	if r.closed {
		return nil, ErrClosed
	}
	i, ok := r.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	meta := r.header.Tensors[i]

	dtype, ok := stringToDtype(meta.DType)
	if !ok {
		return nil, fmt.Errorf("tensor %s: unsupported dtype %q", name, meta.DType)
	}
	raw, err := tensor.NewRaw(tensor.Shape(meta.Shape), dtype, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	if int64(raw.ByteSize()) != meta.Size {
		return nil, fmt.Errorf("tensor %s: header size %d does not match shape %v", name, meta.Size, meta.Shape)
	}
	if _, err := r.src.ReadAt(raw.Data(), r.dataOffset+meta.Offset); err != nil {
		return nil, fmt.Errorf("failed to read tensor %s: %w", name, err)
	}
	return raw, nil
}

// ReadStateDict loads every tensor.
func (r *Reader) ReadStateDict() (map[string]*tensor.RawTensor, error) {
	out := make(map[string]*tensor.RawTensor, len(r.header.Tensors))
	for _, t := range r.header.Tensors {
		raw, err := r.LoadTensor(t.Name)
		if err != nil {
			return nil, err
		}
		out[t.Name] = raw
	}
	return out, nil
}

// Close releases the underlying file, if any.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// ReadFrom reads a whole .born image from src.
func ReadFrom(src io.Reader) (map[string]*tensor.RawTensor, Header, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, Header{}, fmt.Errorf("failed to read: %w", err)
	}
	r, err := NewReader(bytes.NewReader(data), int64(len(data)), ReaderOptions{ValidationLevel: ValidationStrict})
	if err != nil {
		return nil, Header{}, err
	}
	sd, err := r.ReadStateDict()
	if err != nil {
		return nil, Header{}, err
	}
	return sd, r.Header(), nil
}
