package serialization

import (
	"crypto/sha256"
	"time"

	"github.com/born-ml/linerec/internal/tensor"
)

// Format constants.
const (
	MagicBytes        = "BORN"
	FormatVersion     = 1    // v1: no checksum
	FormatVersionV2   = 2    // v2: SHA-256 of the data section
	HeaderAlignment   = 64   // tensor data starts on a 64-byte boundary
	FixedHeaderSizeV1 = 20   // magic + version + flags + header size
	FixedHeaderSizeV2 = 64   // 0x40
	ChecksumSize      = 32   // SHA-256
	ChecksumOffsetV2  = 0x20 // checksum position in the v2 fixed header
)

// ModelTypeRecognition marks a file holding a line recognition network.
const ModelTypeRecognition = "recognition"

// Producer is written into every header.
const Producer = "linerec"

// Data type names used in TensorMeta.
const (
	DTypeFloat32 = "float32"
	DTypeFloat64 = "float64"
	DTypeInt32   = "int32"
)

// Flags.
const (
	FlagHasMetadata uint32 = 1 << 2
)

// Header is the JSON header of a .born file.
type Header struct {
	FormatVersion int               `json:"format_version"`
	Producer      string            `json:"producer"`
	ModelType     string            `json:"model_type"`
	CreatedAt     time.Time         `json:"created_at"`
	Tensors       []TensorMeta      `json:"tensors"`
	Metadata      map[string]string `json:"metadata"`
}

// TensorMeta describes one tensor of the data section.
type TensorMeta struct {
	Name   string `json:"name"` // e.g. "layers.2.weight_ih"
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"` // relative to the start of the data section
	Size   int64  `json:"size"`   // bytes
}

func dtypeToString(dt tensor.DataType) string {
	switch dt {
	case tensor.Float32:
		return DTypeFloat32
	case tensor.Float64:
		return DTypeFloat64
	case tensor.Int32:
		return DTypeInt32
	default:
		return "unknown"
	}
}

func stringToDtype(s string) (tensor.DataType, bool) {
	switch s {
	case DTypeFloat32:
		return tensor.Float32, true
	case DTypeFloat64:
		return tensor.Float64, true
	case DTypeInt32:
		return tensor.Int32, true
	default:
		return 0, false
	}
}

// ComputeChecksum returns the SHA-256 of data.
func ComputeChecksum(data []byte) [32]byte {
	return sha256.Sum256(data)
}

func alignedDataOffset(fixed int64, headerSize uint64) int64 {
	//nolint:gosec // G115: header size is bounded by MaxHeaderSize.
	pos := fixed + int64(headerSize)
	return pos + (HeaderAlignment-pos%HeaderAlignment)%HeaderAlignment
}
