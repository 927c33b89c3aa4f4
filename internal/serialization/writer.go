package serialization

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/born-ml/linerec/internal/tensor"
)

// Write serializes stateDict into w. header supplies the model type and
// metadata; its Tensors are recomputed. header.FormatVersion selects v1 or v2;
// zero means v2. Tensors are stored in name order so equal state dicts give
// equal data sections.
func Write(w io.Writer, stateDict map[string]*tensor.RawTensor, header Header) error {
	version := header.FormatVersion
	if version == 0 {
		version = FormatVersionV2
	}
	if version != FormatVersion && version != FormatVersionV2 {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	names := make([]string, 0, len(stateDict))
	for name := range stateDict {
		if err := ValidateTensorName(name); err != nil {
			return err
		}
		names = append(names, name)
	}
	sort.Strings(names)

	header.FormatVersion = version
	if header.Producer == "" {
		header.Producer = Producer
	}
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now().UTC()
	}
	if header.Metadata == nil {
		header.Metadata = make(map[string]string)
	}

	header.Tensors = make([]TensorMeta, 0, len(names))
	var offset int64
	for _, name := range names {
		raw := stateDict[name]
		if raw == nil {
			return fmt.Errorf("tensor %s is nil", name)
		}
		size := int64(raw.ByteSize())
		header.Tensors = append(header.Tensors, TensorMeta{
			Name:   name,
			DType:  dtypeToString(raw.DType()),
			Shape:  raw.Shape().Clone(),
			Offset: offset,
			Size:   size,
		})
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	headerSize := uint64(len(headerJSON))

	flags := uint32(0)
	if len(header.Metadata) > 0 {
		flags |= FlagHasMetadata
	}

	var fixed []byte
	var dataOffset int64
	if version == FormatVersionV2 {
		sum := checksumTensors(stateDict, names)
		fixed = make([]byte, FixedHeaderSizeV2)
		copy(fixed[0:4], MagicBytes)
		binary.LittleEndian.PutUint32(fixed[4:8], FormatVersionV2)
		binary.LittleEndian.PutUint32(fixed[8:12], flags)
		binary.LittleEndian.PutUint64(fixed[16:24], headerSize)
		binary.LittleEndian.PutUint64(fixed[24:32], uint64(offset)) //nolint:gosec // G115: offset is a sum of non-negative sizes.
		copy(fixed[ChecksumOffsetV2:ChecksumOffsetV2+ChecksumSize], sum[:])
		dataOffset = alignedDataOffset(FixedHeaderSizeV2, headerSize)
	} else {
		fixed = make([]byte, FixedHeaderSizeV1)
		copy(fixed[0:4], MagicBytes)
		binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
		binary.LittleEndian.PutUint32(fixed[8:12], flags)
		binary.LittleEndian.PutUint64(fixed[12:20], headerSize)
		dataOffset = alignedDataOffset(FixedHeaderSizeV1, headerSize)
	}

	if _, err := w.Write(fixed); err != nil {
		return fmt.Errorf("failed to write fixed header: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	//nolint:gosec // G115: header size is small.
	padding := dataOffset - int64(len(fixed)) - int64(headerSize)
	if padding > 0 {
		if _, err := w.Write(make([]byte, padding)); err != nil {
			return fmt.Errorf("failed to write padding: %w", err)
		}
	}

	for _, name := range names {
		if _, err := w.Write(stateDict[name].Data()); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
	}
	return nil
}

// WriteFile writes stateDict to path, replacing any existing file.
func WriteFile(path string, stateDict map[string]*tensor.RawTensor, header Header) (err error) {
	//nolint:gosec // G304: path is chosen by the caller.
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close file: %w", cerr)
		}
	}()

	bw := bufio.NewWriter(f)
	if err := Write(bw, stateDict, header); err != nil {
		return err
	}
	return bw.Flush()
}

func checksumTensors(stateDict map[string]*tensor.RawTensor, names []string) [32]byte {
	var size int
	for _, name := range names {
		size += stateDict[name].ByteSize()
	}
	buf := make([]byte, 0, size)
	for _, name := range names {
		buf = append(buf, stateDict[name].Data()...)
	}
	return ComputeChecksum(buf)
}
